// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package xmpp

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
)

// Decoder reads top-level elements from an RFC 6120 TCP stream.
//
// The stream header is returned as a StreamOpen element and the footer as a
// StreamClose element; everything in between is returned one complete
// top-level element at a time. Whitespace keepalives, comments and processing
// instructions between elements are skipped.
type Decoder struct {
	d *xml.Decoder
	b builder
}

// NewDecoder creates a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{d: xml.NewDecoder(r)}
}

// Next returns the next top-level element. It returns io.EOF when the reader
// is exhausted between elements and io.ErrUnexpectedEOF inside one.
func (dec *Decoder) Next() (*Element, error) {
	for {
		tok, err := dec.d.RawToken()
		if err != nil {
			if err == io.EOF && dec.b.depth() > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			t = t.Copy()
			if dec.b.depth() == 0 && dec.isHeader(t) {
				decls := declarations(t.Attr)
				dec.b.scope = decls
				return &Element{
					Type:  StreamOpen,
					Name:  t.Name,
					Attr:  t.Attr,
					space: decls[t.Name.Space],
				}, nil
			}
			dec.b.start(t)

		case xml.EndElement:
			if dec.b.depth() == 0 {
				if t.Name.Local != "stream" || dec.b.resolve(t.Name.Space) != NSStream {
					return nil, fmt.Errorf("unexpected end element %s", qualified(t.Name))
				}
				return &Element{Type: StreamClose, Name: t.Name, space: NSStream}, nil
			}
			el, err := dec.b.end(t)
			if err != nil {
				return nil, err
			}
			if el != nil {
				return el, nil
			}

		case xml.CharData:
			if dec.b.depth() > 0 {
				dec.b.text(t)
			}
		}
	}
}

func (dec *Decoder) isHeader(t xml.StartElement) bool {
	if t.Name.Local != "stream" {
		return false
	}
	if ns, ok := declarations(t.Attr)[t.Name.Space]; ok {
		return ns == NSStream
	}
	return dec.b.resolve(t.Name.Space) == NSStream
}

// Parse parses a WebSocket text payload that must hold exactly one element.
// An open or close element in the framing namespace is classified as
// StreamOpen or StreamClose. Errors wrap errors.ErrMalformedPayload.
func Parse(data []byte) (*Element, error) {
	d := xml.NewDecoder(bytes.NewReader(data))
	var b builder
	var el *Element

	for {
		tok, err := d.RawToken()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, malformed(err.Error())
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if el != nil {
				return nil, malformed("more than one element")
			}
			b.start(t.Copy())
		case xml.EndElement:
			done, err := b.end(t)
			if err != nil {
				return nil, malformed(err.Error())
			}
			if done != nil {
				el = done
			}
		case xml.CharData:
			if b.depth() > 0 {
				b.text(t)
				continue
			}
			if len(bytes.TrimSpace(t)) > 0 {
				return nil, malformed("text outside element")
			}
		case xml.Directive:
			return nil, malformed("directive not allowed")
		}
	}

	if b.depth() > 0 {
		return nil, malformed("unexpected end of payload")
	}
	if el == nil {
		return nil, malformed("no element")
	}

	if el.space == NSFraming {
		switch el.Name.Local {
		case "open":
			el.Type = StreamOpen
		case "close":
			el.Type = StreamClose
		}
	}

	return el, nil
}

// builder assembles elements from raw tokens and resolves their namespaces.
type builder struct {
	stack []*Element
	decls []map[string]string
	scope map[string]string
}

func (b *builder) depth() int {
	return len(b.stack)
}

func (b *builder) resolve(prefix string) string {
	if prefix == "xml" {
		return NSXML
	}
	for i := len(b.decls) - 1; i >= 0; i-- {
		if ns, ok := b.decls[i][prefix]; ok {
			return ns
		}
	}
	return b.scope[prefix]
}

func (b *builder) start(t xml.StartElement) {
	el := &Element{Name: t.Name, Attr: t.Attr}
	b.decls = append(b.decls, declarations(t.Attr))
	el.space = b.resolve(t.Name.Space)
	if len(b.stack) == 0 {
		el.scope = b.scope
	}
	b.stack = append(b.stack, el)
}

// end closes the innermost element. It returns the element when it was a
// top-level one.
func (b *builder) end(t xml.EndElement) (*Element, error) {
	if len(b.stack) == 0 {
		return nil, fmt.Errorf("unexpected end element %s", qualified(t.Name))
	}
	top := b.stack[len(b.stack)-1]
	if top.Name != t.Name {
		return nil, fmt.Errorf("element %s closed by %s", qualified(top.Name), qualified(t.Name))
	}
	b.stack = b.stack[:len(b.stack)-1]
	b.decls = b.decls[:len(b.decls)-1]

	if len(b.stack) == 0 {
		return top, nil
	}
	parent := b.stack[len(b.stack)-1]
	parent.Children = append(parent.Children, top)
	return nil, nil
}

func (b *builder) text(t xml.CharData) {
	top := b.stack[len(b.stack)-1]
	if n := len(top.Children); n > 0 {
		if cd, ok := top.Children[n-1].(CharData); ok {
			top.Children[n-1] = cd + CharData(t)
			return
		}
	}
	top.Children = append(top.Children, CharData(t))
}
