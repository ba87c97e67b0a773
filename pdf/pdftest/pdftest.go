// Package pdftest builds small, well-formed PDF files for tests.
package pdftest

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
)

// Options controls the generated document.
type Options struct {
	Pages int
	// XRefStream writes a cross-reference stream instead of a classic table.
	XRefStream bool
	// ObjectStream stores the page dictionaries in an object stream. It
	// implies XRefStream.
	ObjectStream bool
}

// Minimal returns a one-page document with a classic cross-reference table.
func Minimal() []byte {
	return Build(Options{Pages: 1})
}

// Build generates a document according to opts.
func Build(opts Options) []byte {
	if opts.Pages <= 0 {
		opts.Pages = 1
	}
	if opts.ObjectStream {
		opts.XRefStream = true
	}

	type obj struct {
		num  int
		body string
	}
	var direct []obj
	var packed []obj

	kids := ""
	firstPage := 3
	contentBase := firstPage + opts.Pages
	for i := 0; i < opts.Pages; i++ {
		kids += fmt.Sprintf("%d 0 R ", firstPage+i)
	}
	direct = append(direct,
		obj{1, "<< /Type /Catalog /Pages 2 0 R >>"},
		obj{2, fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d /MediaBox [0 0 595 842] >>", kids, opts.Pages)},
	)
	for i := 0; i < opts.Pages; i++ {
		page := obj{firstPage + i, fmt.Sprintf("<< /Type /Page /Parent 2 0 R /Contents %d 0 R /Resources << >> >>", contentBase+i)}
		if opts.ObjectStream {
			packed = append(packed, page)
		} else {
			direct = append(direct, page)
		}
		content := fmt.Sprintf("BT /F1 12 Tf 72 720 Td (Page %d) Tj ET", i+1)
		direct = append(direct, obj{contentBase + i, fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content)})
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.7\n%\xe2\xe3\xcf\xd3\n")
	offsets := map[int]int{}
	compressed := map[int][2]int{}
	for _, o := range direct {
		offsets[o.num] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", o.num, o.body)
	}
	next := contentBase + opts.Pages

	if len(packed) > 0 {
		stmNum := next
		next++
		var header, body bytes.Buffer
		for i, o := range packed {
			fmt.Fprintf(&header, "%d %d ", o.num, body.Len())
			body.WriteString(o.body)
			body.WriteByte('\n')
			compressed[o.num] = [2]int{stmNum, i}
		}
		data := append(header.Bytes(), body.Bytes()...)
		offsets[stmNum] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n<< /Type /ObjStm /N %d /First %d /Length %d >>\nstream\n%s\nendstream\nendobj\n",
			stmNum, len(packed), header.Len(), len(data), data)
	}

	if !opts.XRefStream {
		xrefOff := buf.Len()
		fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", next)
		for n := 1; n < next; n++ {
			fmt.Fprintf(&buf, "%010d 00000 n \n", offsets[n])
		}
		fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R /ID [<0102030405060708> <0102030405060708>] >>\nstartxref\n%d\n%%%%EOF\n", next, xrefOff)
		return buf.Bytes()
	}

	xrefNum := next
	size := xrefNum + 1
	xrefOff := buf.Len()
	offsets[xrefNum] = xrefOff
	var rows bytes.Buffer
	for n := 0; n < size; n++ {
		row := make([]byte, 7)
		switch {
		case n == 0:
			row[0] = 0
			binary.BigEndian.PutUint16(row[5:], 65535)
		case compressed[n] != [2]int{}:
			row[0] = 2
			binary.BigEndian.PutUint32(row[1:], uint32(compressed[n][0]))
			binary.BigEndian.PutUint16(row[5:], uint16(compressed[n][1]))
		default:
			row[0] = 1
			binary.BigEndian.PutUint32(row[1:], uint32(offsets[n]))
		}
		rows.Write(row)
	}
	var z bytes.Buffer
	zw := zlib.NewWriter(&z)
	zw.Write(rows.Bytes())
	zw.Close()
	fmt.Fprintf(&buf, "%d 0 obj\n<< /Type /XRef /Size %d /W [1 4 2] /Root 1 0 R /ID [<0A0B0C0D> <0A0B0C0D>] /Filter /FlateDecode /Length %d >>\nstream\n",
		xrefNum, size, z.Len())
	buf.Write(z.Bytes())
	fmt.Fprintf(&buf, "\nendstream\nendobj\nstartxref\n%d\n%%%%EOF\n", xrefOff)
	return buf.Bytes()
}
