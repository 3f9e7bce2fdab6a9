package lsp

import "strings"

// Positions on the wire are zero-based with columns counted in UTF-16 code
// units. Terminal output wants 1-based lines and rune columns; the helpers
// here map between the two against the content being reported on.

// DisplayPosition converts a protocol position to a 1-based line and rune
// column within content. Positions past the end of a line or of the content
// clamp to the nearest real location.
func DisplayPosition(content string, pos Position) (line, col int) {
	if pos.Line < 0 {
		return 1, 1
	}

	lines := strings.Split(content, "\n")
	n := pos.Line
	if n >= len(lines) {
		n = len(lines) - 1
	}
	return n + 1, utf16ToRuneOffset(lines[n], pos.Character) + 1
}

// ComparePositions orders two positions: -1 when a precedes b, 0 when they
// are equal, 1 when a follows b.
func ComparePositions(a, b Position) int {
	switch {
	case a.Line != b.Line:
		if a.Line < b.Line {
			return -1
		}
		return 1
	case a.Character != b.Character:
		if a.Character < b.Character {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// utf16Length counts the UTF-16 code units in s. Runes outside the basic
// plane occupy a surrogate pair.
func utf16Length(s string) int {
	n := 0
	for _, r := range s {
		if r >= 0x10000 {
			n += 2
		} else {
			n++
		}
	}
	return n
}

// utf16ToRuneOffset converts a UTF-16 code unit offset within s to a rune
// offset, clamping past-the-end offsets to the rune count.
func utf16ToRuneOffset(s string, off int) int {
	if off <= 0 {
		return 0
	}

	units, runes := 0, 0
	for _, r := range s {
		if units >= off {
			return runes
		}
		if r >= 0x10000 {
			units += 2
		} else {
			units++
		}
		runes++
	}
	return runes
}

// runeToUTF16Offset converts a rune offset within s to a UTF-16 code unit
// offset. It is the inverse of utf16ToRuneOffset for in-range offsets.
func runeToUTF16Offset(s string, off int) int {
	if off <= 0 {
		return 0
	}

	units, runes := 0, 0
	for _, r := range s {
		if runes >= off {
			return units
		}
		if r >= 0x10000 {
			units += 2
		} else {
			units++
		}
		runes++
	}
	return units
}
