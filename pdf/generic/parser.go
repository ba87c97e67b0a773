package generic

import (
	"bytes"
	"strconv"
)

// Resolver resolves an indirect reference. Parsers use it for stream lengths
// stored as indirect objects.
type Resolver func(ref Reference) (PdfObject, error)

// Parser reads PDF objects from an in-memory buffer.
type Parser struct {
	data     []byte
	pos      int
	resolver Resolver
}

// NewParser creates a parser positioned at the start of data.
func NewParser(data []byte) *Parser {
	return &Parser{data: data}
}

// NewParserAt creates a parser positioned at offset.
func NewParserAt(data []byte, offset int, resolver Resolver) *Parser {
	return &Parser{data: data, pos: offset, resolver: resolver}
}

// Pos returns the current offset.
func (p *Parser) Pos() int { return p.pos }

// Seek moves the parser to offset.
func (p *Parser) Seek(offset int) { p.pos = offset }

// SkipWhitespace skips whitespace and comments.
func (p *Parser) SkipWhitespace() {
	for p.pos < len(p.data) {
		c := p.data[p.pos]
		switch {
		case IsWhitespace(c):
			p.pos++
		case c == '%':
			for p.pos < len(p.data) && p.data[p.pos] != '\n' && p.data[p.pos] != '\r' {
				p.pos++
			}
		default:
			return
		}
	}
}

// ReadKeyword reads a run of regular characters.
func (p *Parser) ReadKeyword() string {
	p.SkipWhitespace()
	start := p.pos
	for p.pos < len(p.data) && IsRegular(p.data[p.pos]) {
		p.pos++
	}
	return string(p.data[start:p.pos])
}

// ExpectKeyword consumes kw or fails.
func (p *Parser) ExpectKeyword(kw string) error {
	start := p.pos
	if got := p.ReadKeyword(); got != kw {
		return syntaxErrorf(start, "expected %q, got %q", kw, got)
	}
	return nil
}

// ReadInt reads an unsigned or signed integer token.
func (p *Parser) ReadInt() (int64, error) {
	start := p.pos
	tok := p.ReadKeyword()
	v, err := strconv.ParseInt(tok, 10, 64)
	if err != nil {
		return 0, syntaxErrorf(start, "expected integer, got %q", tok)
	}
	return v, nil
}

// ParseObject parses the next direct object, folding "n g R" into a Reference.
func (p *Parser) ParseObject() (PdfObject, error) {
	p.SkipWhitespace()
	if p.pos >= len(p.data) {
		return nil, ErrUnexpectedEOF
	}
	start := p.pos
	c := p.data[p.pos]
	switch {
	case c == '/':
		return p.parseName()
	case c == '(':
		return p.parseLiteralString()
	case c == '<':
		if p.pos+1 < len(p.data) && p.data[p.pos+1] == '<' {
			return p.parseDictionary()
		}
		return p.parseHexString()
	case c == '[':
		return p.parseArray()
	case c == '+' || c == '-' || c == '.' || (c >= '0' && c <= '9'):
		return p.parseNumberOrReference()
	}
	kw := p.ReadKeyword()
	switch kw {
	case "true":
		return BooleanObject(true), nil
	case "false":
		return BooleanObject(false), nil
	case "null":
		return NullObject{}, nil
	case "":
		return nil, syntaxErrorf(start, "unexpected character %q", c)
	}
	return nil, syntaxErrorf(start, "unexpected keyword %q", kw)
}

// ParseIndirectObject parses "n g obj ... endobj", including a stream body.
func (p *Parser) ParseIndirectObject() (Reference, PdfObject, error) {
	num, err := p.ReadInt()
	if err != nil {
		return Reference{}, nil, err
	}
	gen, err := p.ReadInt()
	if err != nil {
		return Reference{}, nil, err
	}
	if err := p.ExpectKeyword("obj"); err != nil {
		return Reference{}, nil, err
	}
	ref := NewReference(int(num), int(gen))
	obj, err := p.ParseObject()
	if err != nil {
		return ref, nil, err
	}
	if dict, ok := obj.(*DictionaryObject); ok {
		save := p.pos
		if p.ReadKeyword() == "stream" {
			stream, err := p.parseStreamBody(dict)
			if err != nil {
				return ref, nil, err
			}
			obj = stream
		} else {
			p.pos = save
		}
	}
	save := p.pos
	if p.ReadKeyword() != "endobj" {
		p.pos = save
	}
	return ref, obj, nil
}

func (p *Parser) parseStreamBody(dict *DictionaryObject) (*StreamObject, error) {
	if p.pos < len(p.data) && p.data[p.pos] == '\r' {
		p.pos++
	}
	if p.pos < len(p.data) && p.data[p.pos] == '\n' {
		p.pos++
	}
	start := p.pos
	length := -1
	switch v := dict.Get("Length").(type) {
	case IntegerObject:
		length = int(v)
	case Reference:
		if p.resolver != nil {
			if obj, err := p.resolver(v); err == nil {
				if n, ok := obj.(IntegerObject); ok {
					length = int(n)
				}
			}
		}
	}
	if length >= 0 && start+length <= len(p.data) && p.endstreamAt(start+length) {
		p.pos = start + length
		data := p.data[start:p.pos]
		_ = p.ExpectKeyword("endstream")
		return &StreamObject{Dict: dict, Data: data}, nil
	}
	idx := bytes.Index(p.data[start:], []byte("endstream"))
	if idx < 0 {
		return nil, syntaxErrorf(start, "stream without endstream")
	}
	end := start + idx
	if end > start && p.data[end-1] == '\n' {
		end--
	}
	if end > start && p.data[end-1] == '\r' {
		end--
	}
	p.pos = start + idx + len("endstream")
	return &StreamObject{Dict: dict, Data: p.data[start:end]}, nil
}

func (p *Parser) endstreamAt(off int) bool {
	for off < len(p.data) && IsWhitespace(p.data[off]) {
		off++
	}
	return bytes.HasPrefix(p.data[off:], []byte("endstream"))
}

func (p *Parser) parseNumberOrReference() (PdfObject, error) {
	start := p.pos
	tok := p.ReadKeyword()
	if !bytes.ContainsAny([]byte(tok), ".") {
		n, err := strconv.ParseInt(tok, 10, 64)
		if err != nil {
			return nil, syntaxErrorf(start, "invalid number %q", tok)
		}
		if n >= 0 && tok[0] != '+' && tok[0] != '-' {
			if ref, ok := p.tryReference(int(n)); ok {
				return ref, nil
			}
		}
		return IntegerObject(n), nil
	}
	f, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return nil, syntaxErrorf(start, "invalid number %q", tok)
	}
	return RealObject(f), nil
}

func (p *Parser) tryReference(num int) (Reference, bool) {
	save := p.pos
	p.SkipWhitespace()
	genStart := p.pos
	for p.pos < len(p.data) && p.data[p.pos] >= '0' && p.data[p.pos] <= '9' {
		p.pos++
	}
	if p.pos == genStart || (p.pos < len(p.data) && IsRegular(p.data[p.pos])) {
		p.pos = save
		return Reference{}, false
	}
	gen, _ := strconv.Atoi(string(p.data[genStart:p.pos]))
	p.SkipWhitespace()
	if p.pos < len(p.data) && p.data[p.pos] == 'R' &&
		(p.pos+1 == len(p.data) || !IsRegular(p.data[p.pos+1])) {
		p.pos++
		return NewReference(num, gen), true
	}
	p.pos = save
	return Reference{}, false
}

func (p *Parser) parseName() (NameObject, error) {
	p.pos++ // '/'
	var buf bytes.Buffer
	for p.pos < len(p.data) && IsRegular(p.data[p.pos]) {
		c := p.data[p.pos]
		if c == '#' && p.pos+2 < len(p.data) {
			if v, err := strconv.ParseUint(string(p.data[p.pos+1:p.pos+3]), 16, 8); err == nil {
				buf.WriteByte(byte(v))
				p.pos += 3
				continue
			}
		}
		buf.WriteByte(c)
		p.pos++
	}
	return NameObject(buf.String()), nil
}

func (p *Parser) parseLiteralString() (*StringObject, error) {
	start := p.pos
	p.pos++ // '('
	var buf bytes.Buffer
	depth := 1
	for p.pos < len(p.data) {
		c := p.data[p.pos]
		p.pos++
		switch c {
		case '(':
			depth++
			buf.WriteByte(c)
		case ')':
			depth--
			if depth == 0 {
				return &StringObject{Value: buf.Bytes()}, nil
			}
			buf.WriteByte(c)
		case '\\':
			if p.pos >= len(p.data) {
				return nil, ErrUnexpectedEOF
			}
			e := p.data[p.pos]
			p.pos++
			switch e {
			case 'n':
				buf.WriteByte('\n')
			case 'r':
				buf.WriteByte('\r')
			case 't':
				buf.WriteByte('\t')
			case 'b':
				buf.WriteByte('\b')
			case 'f':
				buf.WriteByte('\f')
			case '\r':
				if p.pos < len(p.data) && p.data[p.pos] == '\n' {
					p.pos++
				}
			case '\n':
			default:
				if e >= '0' && e <= '7' {
					v := int(e - '0')
					for i := 0; i < 2 && p.pos < len(p.data) && p.data[p.pos] >= '0' && p.data[p.pos] <= '7'; i++ {
						v = v*8 + int(p.data[p.pos]-'0')
						p.pos++
					}
					buf.WriteByte(byte(v))
				} else {
					buf.WriteByte(e)
				}
			}
		default:
			buf.WriteByte(c)
		}
	}
	return nil, syntaxErrorf(start, "unterminated string")
}

func (p *Parser) parseHexString() (*StringObject, error) {
	start := p.pos
	p.pos++ // '<'
	var digits []byte
	for p.pos < len(p.data) {
		c := p.data[p.pos]
		p.pos++
		if c == '>' {
			if len(digits)%2 == 1 {
				digits = append(digits, '0')
			}
			out := make([]byte, len(digits)/2)
			for i := range out {
				v, err := strconv.ParseUint(string(digits[2*i:2*i+2]), 16, 8)
				if err != nil {
					return nil, syntaxErrorf(start, "invalid hex string")
				}
				out[i] = byte(v)
			}
			return &StringObject{Value: out, Hex: true}, nil
		}
		if IsWhitespace(c) {
			continue
		}
		digits = append(digits, c)
	}
	return nil, syntaxErrorf(start, "unterminated hex string")
}

func (p *Parser) parseArray() (ArrayObject, error) {
	p.pos++ // '['
	arr := ArrayObject{}
	for {
		p.SkipWhitespace()
		if p.pos >= len(p.data) {
			return nil, ErrUnexpectedEOF
		}
		if p.data[p.pos] == ']' {
			p.pos++
			return arr, nil
		}
		obj, err := p.ParseObject()
		if err != nil {
			return nil, err
		}
		arr = append(arr, obj)
	}
}

func (p *Parser) parseDictionary() (*DictionaryObject, error) {
	p.pos += 2 // '<<'
	dict := NewDictionary()
	for {
		p.SkipWhitespace()
		if p.pos >= len(p.data) {
			return nil, ErrUnexpectedEOF
		}
		if p.data[p.pos] == '>' {
			if p.pos+1 < len(p.data) && p.data[p.pos+1] == '>' {
				p.pos += 2
				return dict, nil
			}
			return nil, syntaxErrorf(p.pos, "single '>' in dictionary")
		}
		if p.data[p.pos] != '/' {
			return nil, syntaxErrorf(p.pos, "dictionary key is not a name")
		}
		key, err := p.parseName()
		if err != nil {
			return nil, err
		}
		val, err := p.ParseObject()
		if err != nil {
			return nil, err
		}
		if _, isNull := val.(NullObject); isNull {
			continue
		}
		dict.Set(string(key), val)
	}
}
