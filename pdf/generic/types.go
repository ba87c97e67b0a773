// Package generic provides the PDF object model used when reading documents
// and writing incremental updates.
package generic

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// PdfObject is the base interface for all PDF objects.
type PdfObject interface {
	// Write serializes the object in PDF syntax.
	Write(w io.Writer) error
}

// Reference is an indirect reference to a PDF object.
type Reference struct {
	ObjectNumber     int
	GenerationNumber int
}

// NewReference creates a new reference.
func NewReference(objNum, genNum int) Reference {
	return Reference{ObjectNumber: objNum, GenerationNumber: genNum}
}

// Write implements PdfObject.
func (r Reference) Write(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%d %d R", r.ObjectNumber, r.GenerationNumber)
	return err
}

func (r Reference) String() string {
	return fmt.Sprintf("%d %d R", r.ObjectNumber, r.GenerationNumber)
}

// IsZero reports whether the reference is unset.
func (r Reference) IsZero() bool {
	return r.ObjectNumber == 0
}

// NullObject is the PDF null value.
type NullObject struct{}

// Write implements PdfObject.
func (NullObject) Write(w io.Writer) error {
	_, err := io.WriteString(w, "null")
	return err
}

// BooleanObject is a PDF boolean.
type BooleanObject bool

// Write implements PdfObject.
func (b BooleanObject) Write(w io.Writer) error {
	_, err := io.WriteString(w, strconv.FormatBool(bool(b)))
	return err
}

// IntegerObject is a PDF integer.
type IntegerObject int64

// Write implements PdfObject.
func (i IntegerObject) Write(w io.Writer) error {
	_, err := io.WriteString(w, strconv.FormatInt(int64(i), 10))
	return err
}

// RealObject is a PDF real number.
type RealObject float64

// Write implements PdfObject.
func (r RealObject) Write(w io.Writer) error {
	_, err := io.WriteString(w, FormatReal(float64(r)))
	return err
}

// FormatReal renders a number with at most four decimals and no exponent.
func FormatReal(f float64) string {
	s := strconv.FormatFloat(f, 'f', 4, 64)
	s = trimZeros(s)
	if s == "-0" {
		return "0"
	}
	return s
}

func trimZeros(s string) string {
	if !strings.Contains(s, ".") {
		return s
	}
	for len(s) > 0 && s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	if len(s) > 0 && s[len(s)-1] == '.' {
		s = s[:len(s)-1]
	}
	return s
}

// NameObject is a PDF name, stored without the leading slash.
type NameObject string

// Write implements PdfObject.
func (n NameObject) Write(w io.Writer) error {
	var buf bytes.Buffer
	buf.WriteByte('/')
	for i := 0; i < len(n); i++ {
		c := n[i]
		if c < 0x21 || c > 0x7e || c == '#' || IsDelimiter(c) {
			fmt.Fprintf(&buf, "#%02X", c)
			continue
		}
		buf.WriteByte(c)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// StringObject is a PDF string. Hex selects the <...> form on output.
type StringObject struct {
	Value []byte
	Hex   bool
}

// NewLiteralString creates a literal string from raw bytes.
func NewLiteralString(s string) *StringObject {
	return &StringObject{Value: []byte(s)}
}

// NewHexString creates a hex string.
func NewHexString(data []byte) *StringObject {
	return &StringObject{Value: data, Hex: true}
}

// Write implements PdfObject.
func (s *StringObject) Write(w io.Writer) error {
	var buf bytes.Buffer
	if s.Hex {
		fmt.Fprintf(&buf, "<%X>", s.Value)
		_, err := w.Write(buf.Bytes())
		return err
	}
	buf.WriteByte('(')
	for _, c := range s.Value {
		switch c {
		case '(', ')', '\\':
			buf.WriteByte('\\')
			buf.WriteByte(c)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if c < 0x20 || c > 0x7e {
				fmt.Fprintf(&buf, "\\%03o", c)
			} else {
				buf.WriteByte(c)
			}
		}
	}
	buf.WriteByte(')')
	_, err := w.Write(buf.Bytes())
	return err
}

// ArrayObject is a PDF array.
type ArrayObject []PdfObject

// NewArray creates a new array.
func NewArray(items ...PdfObject) ArrayObject {
	return ArrayObject(items)
}

// Write implements PdfObject.
func (a ArrayObject) Write(w io.Writer) error {
	if _, err := io.WriteString(w, "["); err != nil {
		return err
	}
	for i, item := range a {
		if i > 0 {
			if _, err := io.WriteString(w, " "); err != nil {
				return err
			}
		}
		if err := writeObject(w, item); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "]")
	return err
}

// DictionaryObject is a PDF dictionary. Keys keep insertion order on output.
type DictionaryObject struct {
	keys    []string
	entries map[string]PdfObject
}

// NewDictionary creates an empty dictionary.
func NewDictionary() *DictionaryObject {
	return &DictionaryObject{entries: make(map[string]PdfObject)}
}

// Set stores a value. A nil value removes the key.
func (d *DictionaryObject) Set(key string, value PdfObject) {
	if value == nil {
		d.Delete(key)
		return
	}
	if _, ok := d.entries[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.entries[key] = value
}

// Get returns the raw value for key without resolving references.
func (d *DictionaryObject) Get(key string) PdfObject {
	if d == nil {
		return nil
	}
	return d.entries[key]
}

// Has reports whether key is present.
func (d *DictionaryObject) Has(key string) bool {
	if d == nil {
		return false
	}
	_, ok := d.entries[key]
	return ok
}

// Delete removes key.
func (d *DictionaryObject) Delete(key string) {
	if _, ok := d.entries[key]; !ok {
		return
	}
	delete(d.entries, key)
	for i, k := range d.keys {
		if k == key {
			d.keys = append(d.keys[:i], d.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (d *DictionaryObject) Keys() []string {
	if d == nil {
		return nil
	}
	return append([]string(nil), d.keys...)
}

// Len returns the number of entries.
func (d *DictionaryObject) Len() int {
	if d == nil {
		return 0
	}
	return len(d.keys)
}

// GetName returns the name stored under key, or "".
func (d *DictionaryObject) GetName(key string) string {
	if n, ok := d.Get(key).(NameObject); ok {
		return string(n)
	}
	return ""
}

// GetInt returns the integer stored directly under key.
func (d *DictionaryObject) GetInt(key string) (int64, bool) {
	switch v := d.Get(key).(type) {
	case IntegerObject:
		return int64(v), true
	case RealObject:
		return int64(v), true
	}
	return 0, false
}

// GetArray returns the array stored directly under key.
func (d *DictionaryObject) GetArray(key string) ArrayObject {
	a, _ := d.Get(key).(ArrayObject)
	return a
}

// GetDict returns the dictionary stored directly under key.
func (d *DictionaryObject) GetDict(key string) *DictionaryObject {
	v, _ := d.Get(key).(*DictionaryObject)
	return v
}

// Copy returns a shallow copy of the dictionary.
func (d *DictionaryObject) Copy() *DictionaryObject {
	out := NewDictionary()
	if d == nil {
		return out
	}
	for _, k := range d.keys {
		out.Set(k, d.entries[k])
	}
	return out
}

// SortedKeys returns the keys in lexical order.
func (d *DictionaryObject) SortedKeys() []string {
	keys := d.Keys()
	sort.Strings(keys)
	return keys
}

// Write implements PdfObject.
func (d *DictionaryObject) Write(w io.Writer) error {
	if _, err := io.WriteString(w, "<<"); err != nil {
		return err
	}
	for _, k := range d.keys {
		if _, err := io.WriteString(w, " "); err != nil {
			return err
		}
		if err := NameObject(k).Write(w); err != nil {
			return err
		}
		if _, err := io.WriteString(w, " "); err != nil {
			return err
		}
		if err := writeObject(w, d.entries[k]); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, " >>")
	return err
}

// StreamObject is a PDF stream. Data holds the encoded bytes as stored.
type StreamObject struct {
	Dict *DictionaryObject
	Data []byte
}

// NewStream creates a stream with the given dictionary and encoded data.
func NewStream(dict *DictionaryObject, data []byte) *StreamObject {
	if dict == nil {
		dict = NewDictionary()
	}
	return &StreamObject{Dict: dict, Data: data}
}

// Write implements PdfObject. /Length is always rewritten from Data.
func (s *StreamObject) Write(w io.Writer) error {
	s.Dict.Set("Length", IntegerObject(len(s.Data)))
	if err := s.Dict.Write(w); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "\nstream\n"); err != nil {
		return err
	}
	if _, err := w.Write(s.Data); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\nendstream")
	return err
}

// RawObject is written verbatim. It is used for fixed-width placeholders.
type RawObject []byte

// Write implements PdfObject.
func (r RawObject) Write(w io.Writer) error {
	_, err := w.Write(r)
	return err
}

func writeObject(w io.Writer, obj PdfObject) error {
	if obj == nil {
		return NullObject{}.Write(w)
	}
	return obj.Write(w)
}

// Serialize renders obj to bytes.
func Serialize(obj PdfObject) []byte {
	var buf bytes.Buffer
	_ = writeObject(&buf, obj)
	return buf.Bytes()
}

// Rectangle is a PDF rectangle in default user space units.
type Rectangle struct {
	LLX, LLY, URX, URY float64
}

// Width returns the rectangle width.
func (r Rectangle) Width() float64 { return r.URX - r.LLX }

// Height returns the rectangle height.
func (r Rectangle) Height() float64 { return r.URY - r.LLY }

// ToArray converts the rectangle to a PDF array.
func (r Rectangle) ToArray() ArrayObject {
	return NewArray(RealObject(r.LLX), RealObject(r.LLY), RealObject(r.URX), RealObject(r.URY))
}

// RectangleFromArray parses a four-number array. Corners are normalized.
func RectangleFromArray(a ArrayObject) (Rectangle, error) {
	if len(a) != 4 {
		return Rectangle{}, fmt.Errorf("%w: rectangle needs 4 numbers, got %d", ErrSyntax, len(a))
	}
	var v [4]float64
	for i, item := range a {
		f, ok := Number(item)
		if !ok {
			return Rectangle{}, fmt.Errorf("%w: rectangle entry %d is not a number", ErrSyntax, i)
		}
		v[i] = f
	}
	r := Rectangle{LLX: min(v[0], v[2]), LLY: min(v[1], v[3]), URX: max(v[0], v[2]), URY: max(v[1], v[3])}
	return r, nil
}

// Number extracts a numeric value from an integer or real object.
func Number(obj PdfObject) (float64, bool) {
	switch v := obj.(type) {
	case IntegerObject:
		return float64(v), true
	case RealObject:
		return float64(v), true
	}
	return 0, false
}

// Clone returns a deep copy of containers. Scalars and references are
// returned as is, stream data is shared.
func Clone(obj PdfObject) PdfObject {
	switch v := obj.(type) {
	case *DictionaryObject:
		out := NewDictionary()
		for _, k := range v.keys {
			out.Set(k, Clone(v.entries[k]))
		}
		return out
	case ArrayObject:
		out := make(ArrayObject, len(v))
		for i, item := range v {
			out[i] = Clone(item)
		}
		return out
	case *StreamObject:
		return &StreamObject{Dict: Clone(v.Dict).(*DictionaryObject), Data: v.Data}
	case *StringObject:
		return &StringObject{Value: append([]byte(nil), v.Value...), Hex: v.Hex}
	}
	return obj
}
