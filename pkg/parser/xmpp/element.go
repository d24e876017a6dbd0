// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package xmpp

import (
	"encoding/xml"
	"sort"
	"strings"
)

// Namespaces used on either side of the gateway.
const (
	NSClient  = "jabber:client"
	NSStream  = "http://etherx.jabber.org/streams"
	NSFraming = "urn:ietf:params:xml:ns:xmpp-framing"
	NSTLS     = "urn:ietf:params:xml:ns:xmpp-tls"
	NSStreams = "urn:ietf:params:xml:ns:xmpp-streams"
	NSXML     = "http://www.w3.org/XML/1998/namespace"
)

// Type classifies a top-level element crossing the gateway.
type Type int

const (
	// Stanza is any element that is not a stream delimiter.
	Stanza Type = iota
	// StreamOpen is a TCP stream header or a WebSocket open element.
	StreamOpen
	// StreamClose is a TCP stream footer or a WebSocket close element.
	StreamClose
)

// String returns a string representation of the type.
func (t Type) String() string {
	switch t {
	case Stanza:
		return "stanza"
	case StreamOpen:
		return "open"
	case StreamClose:
		return "close"
	default:
		return "unknown"
	}
}

// Node is a child of an Element: either *Element or CharData.
type Node interface {
	isNode()
}

// CharData is decoded character data inside an element.
type CharData string

func (CharData) isNode() {}

// Element is one XML element as read from a transport.
//
// Name and Attr keep the prefixes exactly as written, so String reproduces the
// element without renaming. The resolved namespace is available through NS.
type Element struct {
	Type     Type
	Name     xml.Name
	Attr     []xml.Attr
	Children []Node

	space string
	// Declarations of the enclosing stream header, for top-level stanzas.
	scope map[string]string
}

func (*Element) isNode() {}

// Local returns the local name of the element.
func (e *Element) Local() string {
	return e.Name.Local
}

// NS returns the resolved namespace of the element.
func (e *Element) NS() string {
	return e.space
}

// Attribute returns the value of the unprefixed attribute with the given name.
func (e *Element) Attribute(name string) string {
	for _, a := range e.Attr {
		if a.Name.Space == "" && a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// Lang returns the xml:lang attribute.
func (e *Element) Lang() string {
	for _, a := range e.Attr {
		if a.Name.Space == "xml" && a.Name.Local == "lang" {
			return a.Value
		}
	}
	return ""
}

// FindChild returns the first child element with the given local name and namespace.
func (e *Element) FindChild(local, ns string) *Element {
	for _, c := range e.Children {
		if el, ok := c.(*Element); ok && el.Name.Local == local && el.space == ns {
			return el
		}
	}
	return nil
}

// Elements returns the child elements, skipping character data.
func (e *Element) Elements() []*Element {
	var els []*Element
	for _, c := range e.Children {
		if el, ok := c.(*Element); ok {
			els = append(els, el)
		}
	}
	return els
}

// Text returns the concatenated character data of the element.
func (e *Element) Text() string {
	var b strings.Builder
	for _, c := range e.Children {
		if cd, ok := c.(CharData); ok {
			b.WriteString(string(cd))
		}
	}
	return b.String()
}

// String serializes the element. Namespace declarations that the element only
// inherited from its stream header are written on the element itself, so the
// result stands alone as a WebSocket frame.
func (e *Element) String() string {
	var b strings.Builder
	e.write(&b, e.inherited())
	return b.String()
}

func (e *Element) inherited() []xml.Attr {
	if len(e.scope) == 0 {
		return nil
	}

	own := declarations(e.Attr)
	var decls []xml.Attr
	if _, ok := own[""]; !ok {
		if ns := e.scope[""]; ns != "" {
			decls = append(decls, xml.Attr{Name: xml.Name{Local: "xmlns"}, Value: ns})
		}
	}

	used := map[string]bool{}
	e.prefixes(used)
	var prefixes []string
	for p := range used {
		if _, ok := own[p]; ok {
			continue
		}
		if _, ok := e.scope[p]; ok {
			prefixes = append(prefixes, p)
		}
	}
	sort.Strings(prefixes)
	for _, p := range prefixes {
		decls = append(decls, xml.Attr{Name: xml.Name{Space: "xmlns", Local: p}, Value: e.scope[p]})
	}

	return decls
}

func (e *Element) prefixes(used map[string]bool) {
	if e.Name.Space != "" {
		used[e.Name.Space] = true
	}
	for _, a := range e.Attr {
		if a.Name.Space != "" && a.Name.Space != "xmlns" && a.Name.Space != "xml" {
			used[a.Name.Space] = true
		}
	}
	for _, c := range e.Children {
		if el, ok := c.(*Element); ok {
			el.prefixes(used)
		}
	}
}

func (e *Element) write(b *strings.Builder, extra []xml.Attr) {
	name := qualified(e.Name)
	b.WriteByte('<')
	b.WriteString(name)
	for _, a := range extra {
		writeAttr(b, a)
	}
	for _, a := range e.Attr {
		writeAttr(b, a)
	}
	if len(e.Children) == 0 {
		b.WriteString("/>")
		return
	}
	b.WriteByte('>')
	for _, c := range e.Children {
		switch c := c.(type) {
		case *Element:
			c.write(b, nil)
		case CharData:
			escape(b, string(c), false)
		}
	}
	b.WriteString("</")
	b.WriteString(name)
	b.WriteByte('>')
}

func qualified(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}

func writeAttr(b *strings.Builder, a xml.Attr) {
	b.WriteByte(' ')
	b.WriteString(qualified(a.Name))
	b.WriteString(`="`)
	escape(b, a.Value, true)
	b.WriteByte('"')
}

func escape(b *strings.Builder, s string, attr bool) {
	for _, r := range s {
		switch r {
		case '&':
			b.WriteString("&amp;")
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '\r':
			b.WriteString("&#xD;")
		case '"':
			if attr {
				b.WriteString("&quot;")
			} else {
				b.WriteRune(r)
			}
		case '\n':
			if attr {
				b.WriteString("&#xA;")
			} else {
				b.WriteRune(r)
			}
		case '\t':
			if attr {
				b.WriteString("&#x9;")
			} else {
				b.WriteRune(r)
			}
		default:
			b.WriteRune(r)
		}
	}
}

// declarations returns the namespace declarations among attrs, keyed by
// prefix ("" for the default namespace).
func declarations(attrs []xml.Attr) map[string]string {
	var decls map[string]string
	for _, a := range attrs {
		var prefix string
		switch {
		case a.Name.Space == "xmlns":
			prefix = a.Name.Local
		case a.Name.Space == "" && a.Name.Local == "xmlns":
			prefix = ""
		default:
			continue
		}
		if decls == nil {
			decls = make(map[string]string)
		}
		decls[prefix] = a.Value
	}
	return decls
}
