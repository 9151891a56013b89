package schema

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// NormalizeIdentifier converts an arbitrary source field name into a safe
// SQL identifier. Case is preserved (the corpus convention is CamelCase);
// accented letters fold to their base letter rather than being dropped, so
// "Côte d'Azur" becomes "Cote_dAzur" instead of "Cte_dAzur".
//
// Rules:
//   - Unicode NFD, strip combining marks, NFC
//   - separators (space - . / \ : ;) collapse to a single underscore
//   - remove anything outside [A-Za-z0-9_]
//   - trim leading/trailing underscores, truncate to 63 bytes
func NormalizeIdentifier(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	s = stripMarks(s)

	var b strings.Builder
	b.Grow(len(s))

	lastUnderscore := false
	for _, r := range s {
		if r == ' ' || r == '-' || r == '.' || r == '/' || r == '\\' || r == ':' || r == ';' {
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
			continue
		}

		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
			lastUnderscore = (r == '_')
			continue
		}

		// Drop everything else.
	}

	return truncateIdentifier(strings.Trim(b.String(), "_"))
}

// stripMarks decomposes to NFD, removes combining marks, and recomposes.
func stripMarks(s string) string {
	decomposed := norm.NFD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return norm.NFC.String(b.String())
}

func truncateIdentifier(s string) string {
	const maxLen = 63
	if len(s) <= maxLen {
		return s
	}
	// Ensure we cut on a UTF-8 boundary.
	b := []byte(s)
	cut := maxLen
	for cut > 0 && !utf8.Valid(b[:cut]) {
		cut--
	}
	if cut <= 0 {
		return s[:maxLen]
	}
	return string(b[:cut])
}
