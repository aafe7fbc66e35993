package db

import (
	"strings"
	"unicode/utf8"
)

// Truncate trims value and cuts it to at most max bytes without splitting a
// UTF-8 sequence. Invalid sequences are replaced first so the result is
// always storable in a text column.
func Truncate(value string, max int) string {
	value = strings.TrimSpace(value)
	if !utf8.ValidString(value) {
		value = strings.ToValidUTF8(value, "�")
	}
	if max <= 0 {
		return ""
	}
	if len(value) <= max {
		return value
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}
