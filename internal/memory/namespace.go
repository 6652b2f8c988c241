package memory

import (
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Namespace maps a subject identifier to its isolation key.
//
// Formatting variants of one ticker collapse together: case, surrounding
// whitespace, a leading "$", and the choice of separator ("BRK.B", "brk-b",
// "BRK B", "BRK/B") all yield "BRK.B". Separators are normalized but never
// dropped, so "7203.T" and "7203T" stay apart, and an exchange suffix keeps
// "7203.T" apart from "7203". Any other punctuation is kept as %XX escapes of
// its UTF-8 bytes, so "^N225", "GC=F" and "BRK&B" never meet "N225", "GCF"
// or "BRKB".
func Namespace(subject string) string {
	s := strings.TrimSpace(subject)
	s = strings.TrimLeft(s, "$")

	var b strings.Builder
	pendingSep := false
	emit := func() {
		if pendingSep && b.Len() > 0 {
			b.WriteByte('.')
		}
		pendingSep = false
	}
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			emit()
			b.WriteRune(unicode.ToUpper(r))
		case isSeparator(r):
			pendingSep = true
		default:
			emit()
			var buf [utf8.UTFMax]byte
			for _, c := range buf[:utf8.EncodeRune(buf[:], r)] {
				fmt.Fprintf(&b, "%%%02X", c)
			}
		}
	}
	if b.Len() == 0 {
		if s == "" {
			return "_"
		}
		return "_" + hex.EncodeToString([]byte(s))
	}
	return b.String()
}

func isSeparator(r rune) bool {
	switch r {
	case '.', '-', '_', '/', ':':
		return true
	}
	return unicode.IsSpace(r)
}
