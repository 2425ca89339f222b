package util

import (
	"strings"
	"unicode"
)

// SafeName replaces characters that are invalid in file names on common
// platforms with underscores and trims surrounding whitespace and dots.
// Used for base and table directory names.
func SafeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case strings.ContainsRune(`<>:"/\|?*`, r), r < 0x20:
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), " .")
	if out == "" {
		return "unnamed"
	}
	return out
}

// SafeFilename keeps letters, digits, space, '-', '_' and '.', trims
// surrounding whitespace and falls back to "attachment" when nothing usable
// remains.
func SafeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune(" -_.", r) {
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if strings.Trim(out, ".") == "" {
		return "attachment"
	}
	return out
}

// SQLIdentifier derives a SQLite table name: path-unsafe characters become
// underscores, then only letters, digits and underscores are kept. Names
// that end up empty or start with a digit get a "table_" prefix.
func SQLIdentifier(name string) string {
	var b strings.Builder
	for _, r := range SafeName(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" || unicode.IsDigit([]rune(out)[0]) {
		return "table_" + out
	}
	return out
}

// QuoteIdent quotes a SQL identifier, doubling embedded quotes.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
