package writer

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"

	"github.com/georgepadayatti/gopades/pdf/generic"
)

// Placeholder errors
var (
	ErrPlaceholderTooSmall = errors.New("signature placeholder too small")
	ErrPlaceholderNotFound = errors.New("signature placeholder not found")
)

const byteRangeTemplate = "[%010d %010d %010d %010d]"

var byteRangePlaceholder = []byte(fmt.Sprintf(byteRangeTemplate, 0, 0, 0, 0))

// ByteRangePlaceholder returns a fixed-width /ByteRange value that is
// overwritten once the final file layout is known.
func ByteRangePlaceholder() generic.RawObject {
	return generic.RawObject(append([]byte(nil), byteRangePlaceholder...))
}

// ContentsPlaceholder returns a zero-filled hex string able to hold size
// bytes of signature data.
func ContentsPlaceholder(size int) generic.RawObject {
	b := make([]byte, 2*size+2)
	b[0] = '<'
	for i := 1; i < len(b)-1; i++ {
		b[i] = '0'
	}
	b[len(b)-1] = '>'
	return generic.RawObject(b)
}

// SignatureLayout describes where the signature value lives in a written file.
type SignatureLayout struct {
	ByteRange [4]int64
	// ContentsStart is the offset of '<', ContentsEnd the offset just after '>'.
	ContentsStart   int64
	ContentsEnd     int64
	byteRangeOffset int64
}

// Capacity returns how many bytes of signature data fit the placeholder.
func (l *SignatureLayout) Capacity() int {
	return int(l.ContentsEnd-l.ContentsStart-2) / 2
}

// LocateSignature finds the placeholders of the signature dictionary written
// at sigObjOffset and fills in the final /ByteRange in data.
func LocateSignature(data []byte, sigObjOffset int64) (*SignatureLayout, error) {
	if sigObjOffset < 0 || sigObjOffset >= int64(len(data)) {
		return nil, fmt.Errorf("%w: offset %d out of range", ErrPlaceholderNotFound, sigObjOffset)
	}
	obj := data[sigObjOffset:]
	if end := bytes.Index(obj, []byte("endobj")); end >= 0 {
		obj = obj[:end]
	}
	brKey := bytes.Index(obj, []byte("/ByteRange "))
	if brKey < 0 {
		return nil, fmt.Errorf("%w: /ByteRange", ErrPlaceholderNotFound)
	}
	brRel := brKey + len("/ByteRange ")
	if !bytes.HasPrefix(obj[brRel:], byteRangePlaceholder) {
		return nil, fmt.Errorf("%w: /ByteRange value is not a placeholder", ErrPlaceholderNotFound)
	}
	cKey := bytes.Index(obj, []byte("/Contents <"))
	if cKey < 0 {
		return nil, fmt.Errorf("%w: /Contents", ErrPlaceholderNotFound)
	}
	cStart := cKey + len("/Contents ")
	cEnd := bytes.IndexByte(obj[cStart:], '>')
	if cEnd < 0 {
		return nil, fmt.Errorf("%w: unterminated /Contents", ErrPlaceholderNotFound)
	}

	l := &SignatureLayout{
		ContentsStart:   sigObjOffset + int64(cStart),
		ContentsEnd:     sigObjOffset + int64(cStart+cEnd+1),
		byteRangeOffset: sigObjOffset + int64(brRel),
	}
	l.ByteRange = [4]int64{0, l.ContentsStart, l.ContentsEnd, int64(len(data)) - l.ContentsEnd}
	filled := fmt.Sprintf(byteRangeTemplate, l.ByteRange[0], l.ByteRange[1], l.ByteRange[2], l.ByteRange[3])
	if len(filled) != len(byteRangePlaceholder) {
		return nil, fmt.Errorf("%w: byte range does not fit", ErrPlaceholderTooSmall)
	}
	copy(data[l.byteRangeOffset:], filled)
	return l, nil
}

// Digest feeds the two covered segments of data into h and returns the sum.
func (l *SignatureLayout) Digest(data []byte, h hash.Hash) []byte {
	h.Write(data[l.ByteRange[0] : l.ByteRange[0]+l.ByteRange[1]])
	h.Write(data[l.ByteRange[2] : l.ByteRange[2]+l.ByteRange[3]])
	return h.Sum(nil)
}

// SignedData returns a copy of the covered bytes.
func (l *SignatureLayout) SignedData(data []byte) []byte {
	out := make([]byte, 0, l.ByteRange[1]+l.ByteRange[3])
	out = append(out, data[l.ByteRange[0]:l.ByteRange[0]+l.ByteRange[1]]...)
	return append(out, data[l.ByteRange[2]:l.ByteRange[2]+l.ByteRange[3]]...)
}

// EmbedSignature writes der into the /Contents placeholder. It never
// truncates: a value larger than the placeholder fails with
// ErrPlaceholderTooSmall and data is left untouched.
func EmbedSignature(data []byte, l *SignatureLayout, der []byte) error {
	if len(der) > l.Capacity() {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrPlaceholderTooSmall, len(der), l.Capacity())
	}
	enc := make([]byte, hex.EncodedLen(len(der)))
	hex.Encode(enc, der)
	copy(data[l.ContentsStart+1:], bytes.ToUpper(enc))
	return nil
}
