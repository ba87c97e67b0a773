package generic

import (
	"bytes"
	"strings"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/unicode/norm"
)

var utf16BOM = []byte{0xfe, 0xff}

// NewTextString creates a PDF text string. Printable ASCII is stored as is,
// anything else is encoded as UTF-16BE with a byte order mark. Input is
// normalized to NFC first.
func NewTextString(s string) *StringObject {
	s = norm.NFC.String(s)
	if isPlainASCII(s) {
		return &StringObject{Value: []byte(s)}
	}
	enc := unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewEncoder()
	out, err := enc.Bytes([]byte(s))
	if err != nil {
		return &StringObject{Value: []byte(s)}
	}
	return &StringObject{Value: out}
}

// Text decodes the string as a PDF text string.
func (s *StringObject) Text() string {
	if s == nil {
		return ""
	}
	if bytes.HasPrefix(s.Value, utf16BOM) {
		dec := unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM).NewDecoder()
		out, err := dec.Bytes(s.Value)
		if err == nil {
			return string(out)
		}
	}
	if isPlainASCII(string(s.Value)) {
		return string(s.Value)
	}
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(s.Value)
	if err != nil {
		return string(s.Value)
	}
	return string(out)
}

// TextOf returns the decoded text of obj when it is a string, or "".
func TextOf(obj PdfObject) string {
	if s, ok := obj.(*StringObject); ok {
		return s.Text()
	}
	return ""
}

// CleanText trims surrounding whitespace and normalizes to NFC.
func CleanText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func isPlainASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}
