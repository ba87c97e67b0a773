// Package filters decodes and encodes PDF stream data.
package filters

import (
	"bytes"
	"compress/zlib"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/georgepadayatti/gopades/pdf/generic"
)

// Common errors
var (
	ErrUnsupportedFilter = errors.New("unsupported filter")
	ErrDecodeFailed      = errors.New("decode failed")
)

// Decode returns the decoded data of a stream, applying each filter in its
// /Filter entry in order.
func Decode(stream *generic.StreamObject) ([]byte, error) {
	names, params := filterChain(stream.Dict)
	data := stream.Data
	for i, name := range names {
		var err error
		switch name {
		case "FlateDecode", "Fl":
			data, err = flateDecode(data, params[i])
		case "ASCIIHexDecode", "AHx":
			data, err = asciiHexDecode(data)
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedFilter, name)
		}
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

// FlateEncode compresses data with zlib.
func FlateEncode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("flate encode failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("flate encode failed: %w", err)
	}
	return buf.Bytes(), nil
}

func filterChain(dict *generic.DictionaryObject) ([]string, []*generic.DictionaryObject) {
	var names []string
	var params []*generic.DictionaryObject
	switch f := dict.Get("Filter").(type) {
	case generic.NameObject:
		names = append(names, string(f))
		params = append(params, dict.GetDict("DecodeParms"))
	case generic.ArrayObject:
		parms := dict.GetArray("DecodeParms")
		for i, item := range f {
			n, _ := item.(generic.NameObject)
			names = append(names, string(n))
			var p *generic.DictionaryObject
			if i < len(parms) {
				p, _ = parms[i].(*generic.DictionaryObject)
			}
			params = append(params, p)
		}
	}
	return names, params
}

func flateDecode(data []byte, params *generic.DictionaryObject) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	defer r.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}

	predictor, _ := params.GetInt("Predictor")
	if predictor < 10 {
		return buf.Bytes(), nil
	}
	columns := intOr(params, "Columns", 1)
	colors := intOr(params, "Colors", 1)
	bpc := intOr(params, "BitsPerComponent", 8)
	return unpredictPNG(buf.Bytes(), (columns*colors*bpc+7)/8, (colors*bpc+7)/8)
}

func intOr(d *generic.DictionaryObject, key string, def int) int {
	if v, ok := d.GetInt(key); ok && v > 0 {
		return int(v)
	}
	return def
}

// unpredictPNG reverses PNG row filters. Each row carries a leading filter byte.
func unpredictPNG(data []byte, rowLen, bpp int) ([]byte, error) {
	if rowLen <= 0 {
		return nil, fmt.Errorf("%w: invalid predictor row length", ErrDecodeFailed)
	}
	out := make([]byte, 0, len(data))
	prev := make([]byte, rowLen)
	cur := make([]byte, rowLen)
	for off := 0; off+rowLen+1 <= len(data); off += rowLen + 1 {
		kind := data[off]
		copy(cur, data[off+1:off+1+rowLen])
		for j := 0; j < rowLen; j++ {
			var left, upLeft byte
			if j >= bpp {
				left = cur[j-bpp]
				upLeft = prev[j-bpp]
			}
			up := prev[j]
			switch kind {
			case 1:
				cur[j] += left
			case 2:
				cur[j] += up
			case 3:
				cur[j] += byte((int(left) + int(up)) / 2)
			case 4:
				cur[j] += paeth(left, up, upLeft)
			}
		}
		out = append(out, cur...)
		prev, cur = cur, prev
	}
	return out, nil
}

func paeth(a, b, c byte) byte {
	p := int(a) + int(b) - int(c)
	pa, pb, pc := absInt(p-int(a)), absInt(p-int(b)), absInt(p-int(c))
	switch {
	case pa <= pb && pa <= pc:
		return a
	case pb <= pc:
		return b
	}
	return c
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func asciiHexDecode(data []byte) ([]byte, error) {
	var digits []byte
	for _, c := range data {
		if c == '>' {
			break
		}
		if generic.IsWhitespace(c) {
			continue
		}
		digits = append(digits, c)
	}
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	out := make([]byte, len(digits)/2)
	if _, err := hex.Decode(out, digits); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return out, nil
}
