package generic

import (
	"bytes"
	"testing"
)

func TestScalarObjects(t *testing.T) {
	tests := []struct {
		name     string
		obj      PdfObject
		expected string
	}{
		{"null", NullObject{}, "null"},
		{"true", BooleanObject(true), "true"},
		{"false", BooleanObject(false), "false"},
		{"integer", IntegerObject(-123), "-123"},
		{"real", RealObject(3.5), "3.5"},
		{"real rounding", RealObject(1.23456), "1.2346"},
		{"real integral", RealObject(72), "72"},
		{"negative zero", RealObject(-0.00001), "0"},
		{"reference", NewReference(12, 0), "12 0 R"},
		{"name", NameObject("Type"), "/Type"},
		{"name escaped", NameObject("A B#"), "/A#20B#23"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := tt.obj.Write(&buf); err != nil {
				t.Fatalf("Write failed: %v", err)
			}
			if buf.String() != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, buf.String())
			}
		})
	}
}

func TestStringObjectWrite(t *testing.T) {
	tests := []struct {
		obj      *StringObject
		expected string
	}{
		{NewLiteralString("Hello"), "(Hello)"},
		{NewLiteralString("a(b)c\\"), `(a\(b\)c\\)`},
		{NewLiteralString("line\nbreak"), `(line\nbreak)`},
		{NewHexString([]byte{0xde, 0xad, 0x01}), "<DEAD01>"},
		{&StringObject{Value: []byte{0xfe, 0xff}}, `(\376\377)`},
	}

	for _, tt := range tests {
		got := string(Serialize(tt.obj))
		if got != tt.expected {
			t.Errorf("Expected %q, got %q", tt.expected, got)
		}
	}
}

func TestDictionaryOrderAndDelete(t *testing.T) {
	d := NewDictionary()
	d.Set("Type", NameObject("Sig"))
	d.Set("Filter", NameObject("Adobe.PPKLite"))
	d.Set("M", NewLiteralString("D:20240101000000Z"))
	d.Set("Type", NameObject("Annot"))

	got := string(Serialize(d))
	want := "<< /Type /Annot /Filter /Adobe.PPKLite /M (D:20240101000000Z) >>"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}

	d.Delete("Filter")
	if d.Has("Filter") {
		t.Error("Filter should have been deleted")
	}
	if d.Len() != 2 {
		t.Errorf("Expected 2 entries, got %d", d.Len())
	}

	d.Set("M", nil)
	if d.Has("M") {
		t.Error("setting nil should delete the key")
	}
}

func TestDictionaryAccessors(t *testing.T) {
	d := NewDictionary()
	d.Set("N", IntegerObject(4))
	d.Set("Kids", NewArray(NewReference(3, 0)))
	d.Set("Sub", NewDictionary())

	if n, ok := d.GetInt("N"); !ok || n != 4 {
		t.Errorf("GetInt = %d, %v", n, ok)
	}
	if len(d.GetArray("Kids")) != 1 {
		t.Error("GetArray should return the Kids array")
	}
	if d.GetDict("Sub") == nil {
		t.Error("GetDict should return the Sub dictionary")
	}
	if d.GetName("Missing") != "" {
		t.Error("missing name should be empty")
	}

	var nilDict *DictionaryObject
	if nilDict.Get("X") != nil || nilDict.Has("X") || nilDict.Len() != 0 {
		t.Error("nil dictionary accessors should be safe")
	}
}

func TestStreamWriteSetsLength(t *testing.T) {
	s := NewStream(nil, []byte("q Q"))
	s.Dict.Set("Length", IntegerObject(999))
	got := string(Serialize(s))
	want := "<< /Length 3 >>\nstream\nq Q\nendstream"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestRectangleFromArray(t *testing.T) {
	r, err := RectangleFromArray(NewArray(IntegerObject(100), RealObject(50.5), IntegerObject(0), IntegerObject(10)))
	if err != nil {
		t.Fatalf("RectangleFromArray failed: %v", err)
	}
	if r.LLX != 0 || r.LLY != 10 || r.URX != 100 || r.URY != 50.5 {
		t.Errorf("rectangle not normalized: %+v", r)
	}
	if r.Width() != 100 || r.Height() != 40.5 {
		t.Errorf("unexpected size %vx%v", r.Width(), r.Height())
	}

	if _, err := RectangleFromArray(NewArray(IntegerObject(1))); err == nil {
		t.Error("expected error for short array")
	}
}

func TestCloneIsDeep(t *testing.T) {
	inner := NewDictionary()
	inner.Set("Fields", NewArray(NewReference(5, 0)))
	d := NewDictionary()
	d.Set("AcroForm", inner)

	c := Clone(d).(*DictionaryObject)
	fields := c.GetDict("AcroForm").GetArray("Fields")
	c.GetDict("AcroForm").Set("Fields", append(fields, NewReference(9, 0)))

	if len(d.GetDict("AcroForm").GetArray("Fields")) != 1 {
		t.Error("modifying the clone changed the original")
	}
}
