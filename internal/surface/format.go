package surface

// SplitMessage splits text into pieces of at most maxLen characters.
// It prefers breaking at newlines when possible.
func SplitMessage(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = 2000
	}
	if len(text) <= maxLen {
		return []string{text}
	}

	var pieces []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			pieces = append(pieces, text)
			break
		}

		// Look for a newline in the second half of the piece to break at.
		piece := text[:maxLen]
		breakAt := -1
		half := maxLen / 2
		for i := maxLen - 1; i >= half; i-- {
			if piece[i] == '\n' {
				breakAt = i
				break
			}
		}

		if breakAt >= 0 {
			pieces = append(pieces, text[:breakAt])
			text = text[breakAt+1:] // skip the newline
		} else {
			pieces = append(pieces, piece)
			text = text[maxLen:]
		}
	}
	return pieces
}
