package cells

import (
	"strings"
	"unicode/utf8"
)

// findAll returns the byte offsets of the non-overlapping, leftmost matches
// of term in text. Without caseSensitive, a match is a window of the same
// rune count as term that compares equal under simple case folding.
func findAll(text, term string, caseSensitive bool) []int {
	if term == "" {
		return nil
	}
	var positions []int

	if caseSensitive {
		for start := 0; start <= len(text); {
			i := strings.Index(text[start:], term)
			if i < 0 {
				break
			}
			positions = append(positions, start+i)
			start += i + len(term)
		}
		return positions
	}

	n := utf8.RuneCountInString(term)
	for start := 0; start < len(text); {
		end, ok := advanceRunes(text, start, n)
		if !ok {
			break
		}
		if strings.EqualFold(text[start:end], term) {
			positions = append(positions, start)
			start = end
			continue
		}
		_, size := utf8.DecodeRuneInString(text[start:])
		start += size
	}
	return positions
}

// searchPositions returns the rune offsets of every match of term in
// line, overlapping ones included. Case folding follows findAll.
func searchPositions(line, term string, caseSensitive bool) []int {
	if term == "" {
		return nil
	}
	var positions []int
	n := utf8.RuneCountInString(term)
	runeIndex := 0
	for start := 0; start < len(line); runeIndex++ {
		if caseSensitive {
			if strings.HasPrefix(line[start:], term) {
				positions = append(positions, runeIndex)
			}
		} else if end, ok := advanceRunes(line, start, n); !ok {
			break
		} else if strings.EqualFold(line[start:end], term) {
			positions = append(positions, runeIndex)
		}
		_, size := utf8.DecodeRuneInString(line[start:])
		start += size
	}
	return positions
}

// advanceRunes returns the byte offset n runes after start.
func advanceRunes(s string, start, n int) (int, bool) {
	i := start
	for range n {
		if i >= len(s) {
			return 0, false
		}
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return i, true
}

// matchLen returns the byte length of the match at pos.
func matchLen(text string, pos int, term string, caseSensitive bool) int {
	if caseSensitive {
		return len(term)
	}
	end, _ := advanceRunes(text, pos, utf8.RuneCountInString(term))
	return end - pos
}

// replaceFirst substitutes the first limit matches of term in text,
// leaving the rest untouched. It returns the new text and the number of
// substitutions.
func replaceFirst(text, term, replacement string, caseSensitive bool, limit int) (string, int) {
	positions := findAll(text, term, caseSensitive)
	if limit >= 0 && len(positions) > limit {
		positions = positions[:limit]
	}
	if len(positions) == 0 {
		return text, 0
	}

	var sb strings.Builder
	last := 0
	for _, pos := range positions {
		sb.WriteString(text[last:pos])
		sb.WriteString(replacement)
		last = pos + matchLen(text, pos, term, caseSensitive)
	}
	sb.WriteString(text[last:])
	return sb.String(), len(positions)
}
