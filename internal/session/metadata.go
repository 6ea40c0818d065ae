// Package session persists conversations and assistant sessions and
// enforces the single-active-session-per-conversation invariant.
package session

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Well-known metadata keys. The document also accepts arbitrary extra
// keys so newer writers don't break older readers.
const (
	// KeyLastCommand records the most recent command run in the session.
	KeyLastCommand = "lastCommand"
	// KeyPlan holds the plan text produced by the planning command,
	// threaded into the boundary transition's initial prompt.
	KeyPlan = "plan"
	// KeyImplementationSummary holds the summary produced by the
	// execute command.
	KeyImplementationSummary = "implementationSummary"
	// KeyConfigFingerprint identifies the assistant configuration the
	// session was started with.
	KeyConfigFingerprint = "configFingerprint"
)

// Metadata is a session's free-form metadata document: named string or
// boolean values serialized as JSON in the session row. Updates merge
// shallowly, last writer wins per key, so unrelated keys survive
// successive commands.
type Metadata map[string]any

// Merge overlays partial onto m, key by key. Nil values delete keys.
func (m Metadata) Merge(partial Metadata) {
	for k, v := range partial {
		if v == nil {
			delete(m, k)
			continue
		}
		m[k] = v
	}
}

// String returns the value for key as a string. Booleans format as
// "true"/"false"; absent keys return "".
func (m Metadata) String(key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// Strings flattens the document to a string map for template
// substitution.
func (m Metadata) Strings() map[string]string {
	out := make(map[string]string, len(m))
	for k := range m {
		out[k] = m.String(k)
	}
	return out
}

// encodeMetadata serializes a document for storage. A nil document
// encodes as an empty object so the column is always valid JSON.
func encodeMetadata(m Metadata) (string, error) {
	if m == nil {
		m = Metadata{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("session: encode metadata: %w", err)
	}
	return string(data), nil
}

// decodeMetadata parses the stored column. Empty columns decode to an
// empty document.
func decodeMetadata(raw string) (Metadata, error) {
	if raw == "" {
		return Metadata{}, nil
	}
	var m Metadata
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("session: decode metadata: %w", err)
	}
	if m == nil {
		m = Metadata{}
	}
	return m, nil
}
