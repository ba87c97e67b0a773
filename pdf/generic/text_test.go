package generic

import (
	"bytes"
	"testing"
	"time"
)

func TestTextStringEncoding(t *testing.T) {
	ascii := NewTextString("Reason")
	if string(ascii.Value) != "Reason" {
		t.Errorf("ASCII text should be stored as is, got %q", ascii.Value)
	}

	turkish := NewTextString("İmzalayan: Şükrü")
	if !bytes.HasPrefix(turkish.Value, []byte{0xfe, 0xff}) {
		t.Fatalf("non-ASCII text should carry a UTF-16BE BOM, got % x", turkish.Value[:2])
	}
	if turkish.Text() != "İmzalayan: Şükrü" {
		t.Errorf("round trip mismatch: %q", turkish.Text())
	}
}

func TestTextLatin1Fallback(t *testing.T) {
	s := &StringObject{Value: []byte{'c', 'a', 'f', 0xe9}}
	if s.Text() != "café" {
		t.Errorf("Text() = %q", s.Text())
	}
}

func TestCleanText(t *testing.T) {
	// "e" followed by a combining acute accent normalizes to a single rune.
	if got := CleanText("  cafe\u0301 "); got != "caf\u00e9" {
		t.Errorf("CleanText = %q", got)
	}
}

func TestFormatAndParseDate(t *testing.T) {
	ts := time.Date(2024, 3, 9, 14, 5, 7, 0, time.FixedZone("", 3*3600))
	s := FormatDate(ts)
	if s != "D:20240309140507+03'00'" {
		t.Fatalf("FormatDate = %q", s)
	}
	back, err := ParseDate(s)
	if err != nil {
		t.Fatalf("ParseDate failed: %v", err)
	}
	if !back.Equal(ts) {
		t.Errorf("ParseDate = %v, want %v", back, ts)
	}

	utc := FormatDate(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if utc != "D:20240101000000Z" {
		t.Errorf("FormatDate(UTC) = %q", utc)
	}

	if _, err := ParseDate("D:20"); err == nil {
		t.Error("short date should fail")
	}
}
