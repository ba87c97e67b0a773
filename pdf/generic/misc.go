package generic

import (
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	// ErrSyntax is returned for malformed PDF syntax.
	ErrSyntax = errors.New("pdf syntax error")
	// ErrUnexpectedEOF is returned when input ends inside an object.
	ErrUnexpectedEOF = errors.New("unexpected end of pdf data")
)

func syntaxErrorf(pos int, format string, args ...any) error {
	return fmt.Errorf("%w at offset %d: %s", ErrSyntax, pos, fmt.Sprintf(format, args...))
}

// IsWhitespace reports whether b is a PDF whitespace character.
func IsWhitespace(b byte) bool {
	switch b {
	case 0x00, 0x09, 0x0a, 0x0c, 0x0d, 0x20:
		return true
	}
	return false
}

// IsDelimiter reports whether b is a PDF delimiter character.
func IsDelimiter(b byte) bool {
	switch b {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

// IsRegular reports whether b is neither whitespace nor a delimiter.
func IsRegular(b byte) bool {
	return !IsWhitespace(b) && !IsDelimiter(b)
}

// FormatDate renders t as a PDF date string, e.g. D:20240102150405+03'00'.
func FormatDate(t time.Time) string {
	s := "D:" + t.Format("20060102150405")
	_, offset := t.Zone()
	if offset == 0 {
		return s + "Z"
	}
	sign := '+'
	if offset < 0 {
		sign = '-'
		offset = -offset
	}
	return fmt.Sprintf("%s%c%02d'%02d'", s, sign, offset/3600, (offset%3600)/60)
}

// ParseDate parses a PDF date string. Missing trailing components default to
// their minimum and a missing zone means UTC.
func ParseDate(s string) (time.Time, error) {
	if len(s) >= 2 && s[:2] == "D:" {
		s = s[2:]
	}
	if len(s) < 4 {
		return time.Time{}, fmt.Errorf("%w: date %q too short", ErrSyntax, s)
	}
	layout := "20060102150405"
	digits := 0
	for digits < len(s) && digits < len(layout) && s[digits] >= '0' && s[digits] <= '9' {
		digits++
	}
	t, err := time.Parse(layout[:digits], s[:digits])
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q: %v", ErrSyntax, s, err)
	}
	rest := s[digits:]
	if len(rest) == 0 || rest[0] == 'Z' {
		return t, nil
	}
	var hh, mm int
	if _, err := fmt.Sscanf(rest[1:], "%02d'%02d", &hh, &mm); err != nil {
		if _, err := fmt.Sscanf(rest[1:], "%02d", &hh); err != nil {
			return t, nil
		}
	}
	offset := hh*3600 + mm*60
	if rest[0] == '-' {
		offset = -offset
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0,
		time.FixedZone("", offset)), nil
}
