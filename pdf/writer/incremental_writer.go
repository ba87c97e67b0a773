// Package writer appends incremental updates to existing PDF files and
// manages the signature byte range placeholder.
package writer

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/georgepadayatti/gopades/pdf/filters"
	"github.com/georgepadayatti/gopades/pdf/generic"
	"github.com/georgepadayatti/gopades/pdf/reader"
)

// ErrNoChanges is returned when Write is called without any added or
// updated object.
var ErrNoChanges = errors.New("incremental update has no changes")

// IncrementalPdfFileWriter collects new and replaced objects and appends
// them after the original bytes, leaving those bytes untouched.
type IncrementalPdfFileWriter struct {
	r       *reader.PdfFileReader
	next    int
	objects map[int]generic.PdfObject
	gens    map[int]int
	info    generic.PdfObject

	streamXRefs bool
	offsets     map[int]int64
}

// NewIncrementalPdfFileWriter starts an update on top of r. The output uses a
// cross-reference stream when the input's newest section is one.
func NewIncrementalPdfFileWriter(r *reader.PdfFileReader) *IncrementalPdfFileWriter {
	return &IncrementalPdfFileWriter{
		r:           r,
		next:        r.Size(),
		objects:     make(map[int]generic.PdfObject),
		gens:        make(map[int]int),
		streamXRefs: r.UsesXRefStream(),
		info:        r.Trailer().Get("Info"),
	}
}

// Reader returns the underlying reader.
func (w *IncrementalPdfFileWriter) Reader() *reader.PdfFileReader { return w.r }

// StreamXRefs reports whether a cross-reference stream will be written.
func (w *IncrementalPdfFileWriter) StreamXRefs() bool { return w.streamXRefs }

// SetStreamXRefs overrides the cross-reference format.
func (w *IncrementalPdfFileWriter) SetStreamXRefs(use bool) { w.streamXRefs = use }

// AddObject allocates a new object number for obj.
func (w *IncrementalPdfFileWriter) AddObject(obj generic.PdfObject) generic.Reference {
	ref := generic.NewReference(w.next, 0)
	w.next++
	w.objects[ref.ObjectNumber] = obj
	return ref
}

// UpdateObject replaces the object behind ref in the new revision.
func (w *IncrementalPdfFileWriter) UpdateObject(ref generic.Reference, obj generic.PdfObject) {
	w.objects[ref.ObjectNumber] = obj
	w.gens[ref.ObjectNumber] = ref.GenerationNumber
}

// GetObject returns the current version of ref: the pending update if one
// exists, the original object otherwise.
func (w *IncrementalPdfFileWriter) GetObject(ref generic.Reference) (generic.PdfObject, error) {
	if obj, ok := w.objects[ref.ObjectNumber]; ok {
		return obj, nil
	}
	return w.r.GetObject(ref.ObjectNumber)
}

// EditDict returns a modifiable copy of the dictionary behind ref and
// registers it as updated. Repeated calls return the same copy.
func (w *IncrementalPdfFileWriter) EditDict(ref generic.Reference) (*generic.DictionaryObject, error) {
	if obj, ok := w.objects[ref.ObjectNumber]; ok {
		if d, ok := obj.(*generic.DictionaryObject); ok {
			return d, nil
		}
		return nil, fmt.Errorf("object %v is not a dictionary", ref)
	}
	obj, err := w.r.GetObject(ref.ObjectNumber)
	if err != nil {
		return nil, err
	}
	d, ok := obj.(*generic.DictionaryObject)
	if !ok {
		return nil, fmt.Errorf("object %v is not a dictionary", ref)
	}
	c := generic.Clone(d).(*generic.DictionaryObject)
	w.UpdateObject(ref, c)
	return c, nil
}

// Resolve resolves obj against pending updates first.
func (w *IncrementalPdfFileWriter) Resolve(obj generic.PdfObject) (generic.PdfObject, error) {
	if ref, ok := obj.(generic.Reference); ok {
		if o, ok := w.objects[ref.ObjectNumber]; ok {
			return o, nil
		}
	}
	return w.r.Resolve(obj)
}

// RootRef returns the catalog reference.
func (w *IncrementalPdfFileWriter) RootRef() generic.Reference { return w.r.RootRef() }

// Catalog returns an editable copy of the catalog.
func (w *IncrementalPdfFileWriter) Catalog() (*generic.DictionaryObject, error) {
	return w.EditDict(w.RootRef())
}

// HasChanges reports whether anything will be written.
func (w *IncrementalPdfFileWriter) HasChanges() bool { return len(w.objects) > 0 }

// NextObjectNumber returns the number the next AddObject call will use.
func (w *IncrementalPdfFileWriter) NextObjectNumber() int { return w.next }

// Offsets returns the absolute offsets of the objects written by the last
// call to Write.
func (w *IncrementalPdfFileWriter) Offsets() map[int]int64 { return w.offsets }

// Write returns the original bytes followed by the update section.
func (w *IncrementalPdfFileWriter) Write() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteTo writes the original bytes and the update section to out. It
// implements io.WriterTo.
func (w *IncrementalPdfFileWriter) WriteTo(out io.Writer) (int64, error) {
	if !w.HasChanges() {
		return 0, ErrNoChanges
	}
	orig := w.r.Data()
	var buf bytes.Buffer
	buf.Write(orig)
	if len(orig) > 0 && orig[len(orig)-1] != '\n' && orig[len(orig)-1] != '\r' {
		buf.WriteByte('\n')
	}

	nums := make([]int, 0, len(w.objects))
	for n := range w.objects {
		nums = append(nums, n)
	}
	sort.Ints(nums)

	w.offsets = make(map[int]int64, len(nums)+1)
	for _, n := range nums {
		w.offsets[n] = int64(buf.Len())
		fmt.Fprintf(&buf, "%d %d obj\n", n, w.gens[n])
		if err := w.objects[n].Write(&buf); err != nil {
			return 0, fmt.Errorf("failed to write object %d: %w", n, err)
		}
		buf.WriteString("\nendobj\n")
	}

	var err error
	if w.streamXRefs {
		err = w.writeXRefStream(&buf, nums)
	} else {
		err = w.writeXRefTable(&buf, nums)
	}
	if err != nil {
		return 0, err
	}
	n, err := out.Write(buf.Bytes())
	return int64(n), err
}

func (w *IncrementalPdfFileWriter) trailerEntries(dict *generic.DictionaryObject, size int) {
	dict.Set("Size", generic.IntegerObject(size))
	dict.Set("Root", w.RootRef())
	if w.info != nil {
		dict.Set("Info", w.info)
	}
	dict.Set("ID", w.documentID())
	dict.Set("Prev", generic.IntegerObject(w.r.StartXRef()))
}

func (w *IncrementalPdfFileWriter) documentID() generic.ArrayObject {
	id1, _ := w.r.DocumentID()
	if id1 == nil {
		sum := sha256.Sum256(w.r.Data())
		id1 = sum[:16]
	}
	h := sha256.New()
	h.Write(id1)
	nums := make([]int, 0, len(w.objects))
	for n := range w.objects {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	for _, n := range nums {
		binary.Write(h, binary.BigEndian, int64(n))
	}
	binary.Write(h, binary.BigEndian, int64(len(w.r.Data())))
	id2 := h.Sum(nil)[:16]
	return generic.NewArray(generic.NewHexString(id1), generic.NewHexString(id2))
}

// subsections groups sorted object numbers into consecutive runs.
func subsections(nums []int) [][2]int {
	var out [][2]int
	for _, n := range nums {
		if len(out) > 0 && out[len(out)-1][0]+out[len(out)-1][1] == n {
			out[len(out)-1][1]++
			continue
		}
		out = append(out, [2]int{n, 1})
	}
	return out
}

func (w *IncrementalPdfFileWriter) writeXRefTable(buf *bytes.Buffer, nums []int) error {
	xrefOffset := buf.Len()
	buf.WriteString("xref\n")
	idx := 0
	for _, sub := range subsections(nums) {
		fmt.Fprintf(buf, "%d %d\n", sub[0], sub[1])
		for i := 0; i < sub[1]; i++ {
			n := nums[idx]
			idx++
			fmt.Fprintf(buf, "%010d %05d n \n", w.offsets[n], w.gens[n])
		}
	}
	trailer := generic.NewDictionary()
	w.trailerEntries(trailer, w.next)
	buf.WriteString("trailer\n")
	if err := trailer.Write(buf); err != nil {
		return err
	}
	fmt.Fprintf(buf, "\nstartxref\n%d\n%%%%EOF\n", xrefOffset)
	return nil
}

func (w *IncrementalPdfFileWriter) writeXRefStream(buf *bytes.Buffer, nums []int) error {
	xrefNum := w.next
	xrefOffset := int64(buf.Len())
	w.offsets[xrefNum] = xrefOffset
	all := append(append([]int(nil), nums...), xrefNum)

	var rows bytes.Buffer
	for _, n := range all {
		row := [7]byte{1}
		binary.BigEndian.PutUint32(row[1:5], uint32(w.offsets[n]))
		binary.BigEndian.PutUint16(row[5:7], uint16(w.gens[n]))
		rows.Write(row[:])
	}
	data, err := filters.FlateEncode(rows.Bytes())
	if err != nil {
		return err
	}

	index := generic.ArrayObject{}
	for _, sub := range subsections(all) {
		index = append(index, generic.IntegerObject(sub[0]), generic.IntegerObject(sub[1]))
	}
	dict := generic.NewDictionary()
	dict.Set("Type", generic.NameObject("XRef"))
	w.trailerEntries(dict, xrefNum+1)
	dict.Set("Index", index)
	dict.Set("W", generic.NewArray(generic.IntegerObject(1), generic.IntegerObject(4), generic.IntegerObject(2)))
	dict.Set("Filter", generic.NameObject("FlateDecode"))

	fmt.Fprintf(buf, "%d 0 obj\n", xrefNum)
	if err := generic.NewStream(dict, data).Write(buf); err != nil {
		return err
	}
	fmt.Fprintf(buf, "\nendobj\nstartxref\n%d\n%%%%EOF\n", xrefOffset)
	return nil
}
