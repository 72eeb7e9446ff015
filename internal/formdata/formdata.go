// Package formdata parses multipart bodies while keeping every byte needed
// to write them back out unchanged.
package formdata

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"mime"
	"net/textproto"
	"strings"
)

var (
	ErrNoBoundary = errors.New("formdata: missing boundary")
	ErrMalformed  = errors.New("formdata: malformed multipart body")
)

// Form is a parsed multipart body.
type Form struct {
	Boundary string
	Preamble []byte
	Parts    []*Part
	Epilogue []byte
}

// Part is one multipart section. RawHeader holds the header block exactly
// as received, without the blank line that terminates it.
type Part struct {
	RawHeader []byte
	Header    textproto.MIMEHeader
	Content   []byte
}

// Boundary extracts the boundary parameter of a multipart content type.
func Boundary(contentType string) (string, bool) {
	mt, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mt, "multipart/") {
		return "", false
	}
	b := params["boundary"]
	return b, b != ""
}

// Parse splits body on boundary.
func Parse(body []byte, boundary string) (*Form, error) {
	if boundary == "" {
		return nil, ErrNoBoundary
	}
	delim := []byte("--" + boundary)
	sep := []byte("\r\n--" + boundary)

	f := &Form{Boundary: boundary}

	var pos int
	switch {
	case bytes.HasPrefix(body, delim):
		pos = len(delim)
	default:
		i := bytes.Index(body, sep)
		if i < 0 {
			return nil, ErrMalformed
		}
		f.Preamble = body[:i+2]
		pos = i + len(sep)
	}

	for {
		rest := body[pos:]
		if bytes.HasPrefix(rest, []byte("--")) {
			f.Epilogue = rest[2:]
			return f, nil
		}
		if !bytes.HasPrefix(rest, []byte("\r\n")) {
			return nil, ErrMalformed
		}
		pos += 2

		end := bytes.Index(body[pos:], sep)
		if end < 0 {
			return nil, ErrMalformed
		}
		part, err := parsePart(body[pos : pos+end])
		if err != nil {
			return nil, err
		}
		f.Parts = append(f.Parts, part)
		pos += end + len(sep)
	}
}

func parsePart(raw []byte) (*Part, error) {
	p := &Part{}
	if bytes.HasPrefix(raw, []byte("\r\n")) {
		p.Content = raw[2:]
		p.Header = textproto.MIMEHeader{}
		return p, nil
	}
	i := bytes.Index(raw, []byte("\r\n\r\n"))
	if i < 0 {
		return nil, ErrMalformed
	}
	p.RawHeader = raw[:i]
	p.Content = raw[i+4:]

	tr := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw[:i+4])))
	h, err := tr.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	p.Header = h
	return p, nil
}

// Encode writes the form back out. An unmodified form encodes to the
// exact bytes it was parsed from.
func (f *Form) Encode() []byte {
	var buf bytes.Buffer
	buf.Grow(f.size())
	buf.Write(f.Preamble)
	for _, p := range f.Parts {
		buf.WriteString("--")
		buf.WriteString(f.Boundary)
		buf.WriteString("\r\n")
		if len(p.RawHeader) > 0 {
			buf.Write(p.RawHeader)
			buf.WriteString("\r\n")
		}
		buf.WriteString("\r\n")
		buf.Write(p.Content)
		buf.WriteString("\r\n")
	}
	buf.WriteString("--")
	buf.WriteString(f.Boundary)
	buf.WriteString("--")
	buf.Write(f.Epilogue)
	return buf.Bytes()
}

func (f *Form) size() int {
	n := len(f.Preamble) + len(f.Epilogue) + len(f.Boundary) + 4
	for _, p := range f.Parts {
		n += len(f.Boundary) + len(p.RawHeader) + len(p.Content) + 10
	}
	return n
}

// ContentType returns the multipart/form-data content type for f.
func (f *Form) ContentType() string {
	return mime.FormatMediaType("multipart/form-data", map[string]string{"boundary": f.Boundary})
}

// Name returns the form field name of the part.
func (p *Part) Name() string {
	_, params := p.disposition()
	return params["name"]
}

// FileName returns the filename of a file part, or "".
func (p *Part) FileName() string {
	_, params := p.disposition()
	return params["filename"]
}

// ContentType returns the declared content type of the part.
func (p *Part) ContentType() string {
	return p.Header.Get("Content-Type")
}

func (p *Part) disposition() (string, map[string]string) {
	v := p.Header.Get("Content-Disposition")
	if v == "" {
		return "", nil
	}
	d, params, err := mime.ParseMediaType(v)
	if err != nil {
		return "", nil
	}
	return d, params
}

// Values returns the non-file fields as a map of field name to values, in
// part order.
func (f *Form) Values() map[string][]string {
	out := make(map[string][]string)
	for _, p := range f.Parts {
		if p.FileName() != "" {
			continue
		}
		name := p.Name()
		if name == "" {
			continue
		}
		out[name] = append(out[name], string(p.Content))
	}
	return out
}
