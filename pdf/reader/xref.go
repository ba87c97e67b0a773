package reader

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"

	"github.com/georgepadayatti/gopades/pdf/filters"
	"github.com/georgepadayatti/gopades/pdf/generic"
)

// XRefType is the kind of a cross-reference entry.
type XRefType int

const (
	XRefTypeFree XRefType = iota
	XRefTypeStandard
	XRefTypeInObjStream
)

func (t XRefType) String() string {
	switch t {
	case XRefTypeFree:
		return "free"
	case XRefTypeStandard:
		return "standard"
	case XRefTypeInObjStream:
		return "in_obj_stream"
	}
	return "unknown"
}

// XRefEntry locates one object.
type XRefEntry struct {
	Type       XRefType
	Offset     int64
	Generation int
	// StreamObject and Index are set for objects stored in object streams.
	StreamObject int
	Index        int
}

// XRefCache holds the merged cross-reference data. Sections are read newest
// first, so the first entry recorded for an object number wins.
type XRefCache struct {
	entries map[int]XRefEntry
	maxObj  int
}

// NewXRefCache creates an empty cache.
func NewXRefCache() *XRefCache {
	return &XRefCache{entries: make(map[int]XRefEntry)}
}

// Add records an entry unless a newer section already defined the object.
func (c *XRefCache) Add(objNum int, e XRefEntry) {
	if _, ok := c.entries[objNum]; ok {
		return
	}
	c.entries[objNum] = e
	if objNum > c.maxObj {
		c.maxObj = objNum
	}
}

// Get returns the entry for objNum.
func (c *XRefCache) Get(objNum int) (XRefEntry, bool) {
	e, ok := c.entries[objNum]
	return e, ok
}

// MaxObjectNumber returns the highest object number seen.
func (c *XRefCache) MaxObjectNumber() int { return c.maxObj }

// parseXRefTable parses a classic "xref" section at offset and returns its trailer.
func parseXRefTable(data []byte, offset int64, cache *XRefCache) (*generic.DictionaryObject, error) {
	p := generic.NewParserAt(data, int(offset), nil)
	if err := p.ExpectKeyword("xref"); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrXRef, err)
	}
	for {
		save := p.Pos()
		kw := p.ReadKeyword()
		if kw == "trailer" {
			break
		}
		p.Seek(save)
		start, err := p.ReadInt()
		if err != nil {
			return nil, fmt.Errorf("%w: subsection header: %v", ErrXRef, err)
		}
		count, err := p.ReadInt()
		if err != nil {
			return nil, fmt.Errorf("%w: subsection header: %v", ErrXRef, err)
		}
		for i := int64(0); i < count; i++ {
			off, err1 := p.ReadInt()
			gen, err2 := p.ReadInt()
			kind := p.ReadKeyword()
			if err1 != nil || err2 != nil || (kind != "n" && kind != "f") {
				return nil, fmt.Errorf("%w: bad entry %d in subsection %d", ErrXRef, i, start)
			}
			objNum := int(start + i)
			if kind == "n" {
				cache.Add(objNum, XRefEntry{Type: XRefTypeStandard, Offset: off, Generation: int(gen)})
			} else {
				cache.Add(objNum, XRefEntry{Type: XRefTypeFree, Generation: int(gen)})
			}
		}
	}
	obj, err := p.ParseObject()
	if err != nil {
		return nil, fmt.Errorf("%w: trailer: %v", ErrXRef, err)
	}
	trailer, ok := obj.(*generic.DictionaryObject)
	if !ok {
		return nil, fmt.Errorf("%w: trailer is not a dictionary", ErrXRef)
	}
	return trailer, nil
}

// parseXRefStream parses a cross-reference stream object at offset.
func parseXRefStream(data []byte, offset int64, cache *XRefCache) (*generic.DictionaryObject, error) {
	p := generic.NewParserAt(data, int(offset), nil)
	_, obj, err := p.ParseIndirectObject()
	if err != nil {
		return nil, fmt.Errorf("%w: xref stream: %v", ErrXRef, err)
	}
	stream, ok := obj.(*generic.StreamObject)
	if !ok || stream.Dict.GetName("Type") != "XRef" {
		return nil, fmt.Errorf("%w: no xref stream at offset %d", ErrXRef, offset)
	}
	decoded, err := filters.Decode(stream)
	if err != nil {
		return nil, fmt.Errorf("%w: xref stream: %v", ErrXRef, err)
	}

	var w [3]int
	wArr := stream.Dict.GetArray("W")
	if len(wArr) != 3 {
		return nil, fmt.Errorf("%w: xref stream /W must have 3 entries", ErrXRef)
	}
	for i, item := range wArr {
		v, _ := item.(generic.IntegerObject)
		w[i] = int(v)
	}
	rowLen := w[0] + w[1] + w[2]
	if rowLen == 0 {
		return nil, fmt.Errorf("%w: xref stream row width is zero", ErrXRef)
	}

	size, _ := stream.Dict.GetInt("Size")
	index := []int64{0, size}
	if idx := stream.Dict.GetArray("Index"); len(idx) >= 2 {
		index = index[:0]
		for _, item := range idx {
			v, _ := item.(generic.IntegerObject)
			index = append(index, int64(v))
		}
	}

	pos := 0
	for i := 0; i+1 < len(index); i += 2 {
		start, count := index[i], index[i+1]
		for j := int64(0); j < count; j++ {
			if pos+rowLen > len(decoded) {
				return stream.Dict, nil
			}
			row := decoded[pos : pos+rowLen]
			pos += rowLen
			kind := int64(1)
			if w[0] > 0 {
				kind = readField(row[:w[0]])
			}
			f2 := readField(row[w[0] : w[0]+w[1]])
			f3 := readField(row[w[0]+w[1]:])
			objNum := int(start + j)
			switch kind {
			case 0:
				cache.Add(objNum, XRefEntry{Type: XRefTypeFree, Generation: int(f3)})
			case 1:
				cache.Add(objNum, XRefEntry{Type: XRefTypeStandard, Offset: f2, Generation: int(f3)})
			case 2:
				cache.Add(objNum, XRefEntry{Type: XRefTypeInObjStream, StreamObject: int(f2), Index: int(f3)})
			}
		}
	}
	return stream.Dict, nil
}

func readField(b []byte) int64 {
	var v int64
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	return v
}

var objHeaderRe = regexp.MustCompile(`(?m)(?:^|[\r\n\s])(\d+)\s+(\d+)\s+obj\b`)

// rebuildXRef scans the whole file for object headers. It is used when the
// cross-reference data is missing or damaged.
func rebuildXRef(data []byte) (*XRefCache, *generic.DictionaryObject, error) {
	cache := NewXRefCache()
	matches := objHeaderRe.FindAllSubmatchIndex(data, -1)
	// Later definitions win, so walk backwards.
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		num, _ := strconv.Atoi(string(data[m[2]:m[3]]))
		gen, _ := strconv.Atoi(string(data[m[4]:m[5]]))
		cache.Add(num, XRefEntry{Type: XRefTypeStandard, Offset: int64(m[2]), Generation: gen})
	}
	if len(cache.entries) == 0 {
		return nil, nil, fmt.Errorf("%w: no objects found", ErrXRef)
	}

	trailer := generic.NewDictionary()
	if idx := bytes.LastIndex(data, []byte("trailer")); idx >= 0 {
		p := generic.NewParserAt(data, idx+len("trailer"), nil)
		if obj, err := p.ParseObject(); err == nil {
			if d, ok := obj.(*generic.DictionaryObject); ok {
				trailer = d
			}
		}
	}
	if !trailer.Has("Root") {
		for num, e := range cache.entries {
			p := generic.NewParserAt(data, int(e.Offset), nil)
			_, obj, err := p.ParseIndirectObject()
			if err != nil {
				continue
			}
			if d, ok := obj.(*generic.DictionaryObject); ok && d.GetName("Type") == "Catalog" {
				trailer.Set("Root", generic.NewReference(num, e.Generation))
				break
			}
		}
	}
	trailer.Set("Size", generic.IntegerObject(cache.maxObj+1))
	return cache, trailer, nil
}

// objectStream is a decoded /Type /ObjStm stream.
type objectStream struct {
	data    []byte
	first   int
	offsets []int
}

func parseObjectStream(stream *generic.StreamObject) (*objectStream, error) {
	decoded, err := filters.Decode(stream)
	if err != nil {
		return nil, err
	}
	n, _ := stream.Dict.GetInt("N")
	first, _ := stream.Dict.GetInt("First")
	p := generic.NewParser(decoded)
	os := &objectStream{data: decoded, first: int(first)}
	for i := int64(0); i < n; i++ {
		if _, err := p.ReadInt(); err != nil {
			return nil, err
		}
		off, err := p.ReadInt()
		if err != nil {
			return nil, err
		}
		os.offsets = append(os.offsets, int(off))
	}
	return os, nil
}

func (os *objectStream) object(index int) (generic.PdfObject, error) {
	if index < 0 || index >= len(os.offsets) {
		return nil, fmt.Errorf("%w: index %d out of range", ErrObjectNotFound, index)
	}
	p := generic.NewParserAt(os.data, os.first+os.offsets[index], nil)
	return p.ParseObject()
}
