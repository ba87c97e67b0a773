// Package reader provides read access to existing PDF files: cross-reference
// data, indirect objects, the page tree and signature fields.
package reader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/georgepadayatti/gopades/pdf/generic"
)

// Common errors
var (
	ErrNotPDF         = errors.New("not a PDF file")
	ErrXRef           = errors.New("invalid cross-reference data")
	ErrObjectNotFound = errors.New("object not found")
	ErrEncrypted      = errors.New("encrypted documents are not supported")
	ErrNoCatalog      = errors.New("document catalog not found")
	ErrPageNotFound   = errors.New("page not found")
)

const maxResolveDepth = 32

// Page is one leaf of the page tree.
type Page struct {
	Ref      generic.Reference
	Dict     *generic.DictionaryObject
	MediaBox generic.Rectangle
}

// PdfFileReader reads a PDF held in memory.
type PdfFileReader struct {
	data       []byte
	xref       *XRefCache
	trailer    *generic.DictionaryObject
	startXRef  int64
	xrefStream bool
	rebuilt    bool

	cache      map[int]generic.PdfObject
	objStreams map[int]*objectStream
	pages      []Page
}

// NewPdfFileReader reads all of r and parses it.
func NewPdfFileReader(r io.Reader) (*PdfFileReader, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read PDF data: %w", err)
	}
	return NewPdfFileReaderFromBytes(data)
}

// NewPdfFileReaderFromBytes parses data. The slice must not be modified
// while the reader is in use.
func NewPdfFileReaderFromBytes(data []byte) (*PdfFileReader, error) {
	r := &PdfFileReader{
		data:       data,
		cache:      make(map[int]generic.PdfObject),
		objStreams: make(map[int]*objectStream),
	}
	head := data[:min(len(data), 1024)]
	if !bytes.Contains(head, []byte("%PDF-")) {
		return nil, ErrNotPDF
	}
	if err := r.readXRef(); err != nil {
		cache, trailer, rerr := rebuildXRef(data)
		if rerr != nil {
			return nil, fmt.Errorf("%w (rebuild failed: %v)", err, rerr)
		}
		r.xref, r.trailer, r.rebuilt = cache, trailer, true
	}
	if r.trailer.Has("Encrypt") {
		return nil, ErrEncrypted
	}
	if _, err := r.Catalog(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *PdfFileReader) readXRef() error {
	idx := bytes.LastIndex(r.data, []byte("startxref"))
	if idx < 0 {
		return fmt.Errorf("%w: startxref not found", ErrXRef)
	}
	p := generic.NewParserAt(r.data, idx+len("startxref"), nil)
	off, err := p.ReadInt()
	if err != nil || off < 0 || off >= int64(len(r.data)) {
		return fmt.Errorf("%w: bad startxref offset", ErrXRef)
	}
	r.startXRef = off
	r.xref = NewXRefCache()

	visited := make(map[int64]bool)
	offset := off
	first := true
	for {
		if visited[offset] {
			return fmt.Errorf("%w: loop in /Prev chain", ErrXRef)
		}
		visited[offset] = true

		trailer, isStream, err := r.readSection(offset)
		if err != nil {
			return err
		}
		if first {
			r.trailer = trailer
			r.xrefStream = isStream
			first = false
		}
		if stm, ok := trailer.GetInt("XRefStm"); ok && !visited[stm] {
			visited[stm] = true
			if _, err := parseXRefStream(r.data, stm, r.xref); err != nil {
				return err
			}
		}
		prev, ok := trailer.GetInt("Prev")
		if !ok {
			return nil
		}
		offset = prev
	}
}

func (r *PdfFileReader) readSection(offset int64) (*generic.DictionaryObject, bool, error) {
	if offset < 0 || offset >= int64(len(r.data)) {
		return nil, false, fmt.Errorf("%w: offset %d out of range", ErrXRef, offset)
	}
	p := generic.NewParserAt(r.data, int(offset), nil)
	p.SkipWhitespace()
	if bytes.HasPrefix(r.data[p.Pos():], []byte("xref")) {
		t, err := parseXRefTable(r.data, int64(p.Pos()), r.xref)
		return t, false, err
	}
	t, err := parseXRefStream(r.data, offset, r.xref)
	return t, true, err
}

// Data returns the raw file bytes.
func (r *PdfFileReader) Data() []byte { return r.data }

// Trailer returns the newest trailer dictionary.
func (r *PdfFileReader) Trailer() *generic.DictionaryObject { return r.trailer }

// StartXRef returns the offset of the newest cross-reference section.
func (r *PdfFileReader) StartXRef() int64 { return r.startXRef }

// UsesXRefStream reports whether the newest section is a cross-reference stream.
func (r *PdfFileReader) UsesXRefStream() bool { return r.xrefStream }

// Rebuilt reports whether cross-reference data had to be reconstructed.
func (r *PdfFileReader) Rebuilt() bool { return r.rebuilt }

// Size returns the object count declared by the trailer.
func (r *PdfFileReader) Size() int {
	size, _ := r.trailer.GetInt("Size")
	if n := r.xref.MaxObjectNumber() + 1; n > int(size) {
		return n
	}
	return int(size)
}

// RootRef returns the catalog reference.
func (r *PdfFileReader) RootRef() generic.Reference {
	ref, _ := r.trailer.Get("Root").(generic.Reference)
	return ref
}

// Catalog returns the document catalog.
func (r *PdfFileReader) Catalog() (*generic.DictionaryObject, error) {
	obj, err := r.Resolve(r.trailer.Get("Root"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCatalog, err)
	}
	cat, ok := obj.(*generic.DictionaryObject)
	if !ok {
		return nil, ErrNoCatalog
	}
	return cat, nil
}

// GetObject loads object objNum.
func (r *PdfFileReader) GetObject(objNum int) (generic.PdfObject, error) {
	if obj, ok := r.cache[objNum]; ok {
		return obj, nil
	}
	entry, ok := r.xref.Get(objNum)
	if !ok || entry.Type == XRefTypeFree {
		return nil, fmt.Errorf("%w: %d", ErrObjectNotFound, objNum)
	}

	var obj generic.PdfObject
	switch entry.Type {
	case XRefTypeStandard:
		p := generic.NewParserAt(r.data, int(entry.Offset), r.resolveLength)
		ref, o, err := p.ParseIndirectObject()
		if err != nil {
			return nil, fmt.Errorf("object %d: %w", objNum, err)
		}
		if ref.ObjectNumber != objNum {
			return nil, fmt.Errorf("%w: xref points object %d at object %d", ErrXRef, objNum, ref.ObjectNumber)
		}
		obj = o
	case XRefTypeInObjStream:
		os, err := r.objectStream(entry.StreamObject)
		if err != nil {
			return nil, fmt.Errorf("object %d: %w", objNum, err)
		}
		o, err := os.object(entry.Index)
		if err != nil {
			return nil, fmt.Errorf("object %d: %w", objNum, err)
		}
		obj = o
	}
	r.cache[objNum] = obj
	return obj, nil
}

func (r *PdfFileReader) resolveLength(ref generic.Reference) (generic.PdfObject, error) {
	entry, ok := r.xref.Get(ref.ObjectNumber)
	if !ok || entry.Type != XRefTypeStandard {
		return r.GetObject(ref.ObjectNumber)
	}
	// Parse without a resolver so a broken length chain cannot recurse.
	p := generic.NewParserAt(r.data, int(entry.Offset), nil)
	_, obj, err := p.ParseIndirectObject()
	return obj, err
}

func (r *PdfFileReader) objectStream(num int) (*objectStream, error) {
	if os, ok := r.objStreams[num]; ok {
		return os, nil
	}
	obj, err := r.GetObject(num)
	if err != nil {
		return nil, err
	}
	stream, ok := obj.(*generic.StreamObject)
	if !ok {
		return nil, fmt.Errorf("%w: object %d is not an object stream", ErrXRef, num)
	}
	os, err := parseObjectStream(stream)
	if err != nil {
		return nil, err
	}
	r.objStreams[num] = os
	return os, nil
}

// Resolve follows references until a direct object is reached.
func (r *PdfFileReader) Resolve(obj generic.PdfObject) (generic.PdfObject, error) {
	for i := 0; i < maxResolveDepth; i++ {
		ref, ok := obj.(generic.Reference)
		if !ok {
			return obj, nil
		}
		next, err := r.GetObject(ref.ObjectNumber)
		if err != nil {
			return nil, err
		}
		obj = next
	}
	return nil, fmt.Errorf("%w: reference chain too deep", ErrXRef)
}

// ResolveDict resolves obj and returns it as a dictionary, or nil.
func (r *PdfFileReader) ResolveDict(obj generic.PdfObject) *generic.DictionaryObject {
	v, err := r.Resolve(obj)
	if err != nil {
		return nil
	}
	switch d := v.(type) {
	case *generic.DictionaryObject:
		return d
	case *generic.StreamObject:
		return d.Dict
	}
	return nil
}

// ResolveArray resolves obj and returns it as an array, or nil.
func (r *PdfFileReader) ResolveArray(obj generic.PdfObject) generic.ArrayObject {
	v, err := r.Resolve(obj)
	if err != nil {
		return nil
	}
	a, _ := v.(generic.ArrayObject)
	return a
}

// ResolveInt resolves obj and returns it as an integer.
func (r *PdfFileReader) ResolveInt(obj generic.PdfObject) (int64, bool) {
	v, err := r.Resolve(obj)
	if err != nil {
		return 0, false
	}
	n, ok := v.(generic.IntegerObject)
	return int64(n), ok
}

// Pages returns the leaves of the page tree in document order.
func (r *PdfFileReader) Pages() ([]Page, error) {
	if r.pages != nil {
		return r.pages, nil
	}
	cat, err := r.Catalog()
	if err != nil {
		return nil, err
	}
	root, ok := cat.Get("Pages").(generic.Reference)
	if !ok {
		return nil, fmt.Errorf("%w: catalog has no /Pages reference", ErrPageNotFound)
	}
	var pages []Page
	visited := make(map[int]bool)
	var walk func(ref generic.Reference, box *generic.Rectangle) error
	walk = func(ref generic.Reference, box *generic.Rectangle) error {
		if visited[ref.ObjectNumber] {
			return fmt.Errorf("%w: cycle in page tree at %v", ErrXRef, ref)
		}
		visited[ref.ObjectNumber] = true
		node := r.ResolveDict(ref)
		if node == nil {
			return fmt.Errorf("%w: page tree node %v", ErrObjectNotFound, ref)
		}
		if mb := r.ResolveArray(node.Get("MediaBox")); mb != nil {
			if rect, err := generic.RectangleFromArray(mb); err == nil {
				box = &rect
			}
		}
		if node.GetName("Type") == "Page" || !node.Has("Kids") {
			page := Page{Ref: ref, Dict: node, MediaBox: generic.Rectangle{URX: 612, URY: 792}}
			if box != nil {
				page.MediaBox = *box
			}
			pages = append(pages, page)
			return nil
		}
		for _, kid := range r.ResolveArray(node.Get("Kids")) {
			kref, ok := kid.(generic.Reference)
			if !ok {
				continue
			}
			if err := walk(kref, box); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root, nil); err != nil {
		return nil, err
	}
	r.pages = pages
	return pages, nil
}

// Page returns the page at index. Negative indexes count from the end.
func (r *PdfFileReader) Page(index int) (Page, error) {
	pages, err := r.Pages()
	if err != nil {
		return Page{}, err
	}
	if index < 0 {
		index += len(pages)
	}
	if index < 0 || index >= len(pages) {
		return Page{}, fmt.Errorf("%w: index %d of %d", ErrPageNotFound, index, len(pages))
	}
	return pages[index], nil
}

// DocumentID returns the two parts of the trailer /ID, if present.
func (r *PdfFileReader) DocumentID() ([]byte, []byte) {
	id := r.ResolveArray(r.trailer.Get("ID"))
	if len(id) != 2 {
		return nil, nil
	}
	a, _ := id[0].(*generic.StringObject)
	b, _ := id[1].(*generic.StringObject)
	if a == nil || b == nil {
		return nil, nil
	}
	return a.Value, b.Value
}

// Version returns the header version, e.g. "1.7".
func (r *PdfFileReader) Version() string {
	idx := bytes.Index(r.data, []byte("%PDF-"))
	if idx < 0 || idx+8 > len(r.data) {
		return ""
	}
	v := string(r.data[idx+5 : idx+8])
	if _, err := strconv.ParseFloat(v, 64); err != nil {
		return ""
	}
	return v
}
