// Package command handles chat command invocations: parsing the raw
// message text, loading the command's prompt template from disk, and
// substituting positional and named values into it.
package command

import (
	"regexp"
	"strings"
)

// placeholderRe matches the substitution tokens understood by
// Substitute: $1..$9, $ARGUMENTS, and named tokens like $PLAN or
// $IMPLEMENTATION_SUMMARY.
var placeholderRe = regexp.MustCompile(`\$(?:[1-9]|[A-Z][A-Z0-9_]*)`)

// Substitute expands template placeholders in a single non-recursive
// pass. Substituted values are never re-scanned, so caller-controlled
// text cannot smuggle placeholders back in.
//
//	$1..$9       -> positional argument (missing index -> empty string)
//	$ARGUMENTS   -> all positional arguments joined by single spaces
//	$SNAKE_CASE  -> named value keyed by lowerCamel form ("" when absent)
//
// An absent named value substitutes to the empty string rather than
// leaving the literal token in place.
//
// trailingContext, when non-empty, is appended after the substituted
// template separated by a blank line. It is never substituted into the
// template itself.
func Substitute(template string, args []string, named map[string]string, trailingContext string) string {
	out := placeholderRe.ReplaceAllStringFunc(template, func(token string) string {
		name := token[1:] // strip '$'

		if name == "ARGUMENTS" {
			return strings.Join(args, " ")
		}
		if len(name) == 1 && name[0] >= '1' && name[0] <= '9' {
			idx := int(name[0] - '1')
			if idx < len(args) {
				return args[idx]
			}
			return ""
		}
		return named[metadataKey(name)]
	})

	if trailingContext != "" {
		out = strings.TrimRight(out, "\n") + "\n\n" + trailingContext
	}
	return out
}

// metadataKey converts a SNAKE_CASE placeholder name to the lowerCamel
// metadata key it reads from: PLAN -> plan, IMPLEMENTATION_SUMMARY ->
// implementationSummary.
func metadataKey(name string) string {
	parts := strings.Split(strings.ToLower(name), "_")
	for i := 1; i < len(parts); i++ {
		if parts[i] == "" {
			continue
		}
		parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
	}
	return strings.Join(parts, "")
}
