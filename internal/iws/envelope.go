package iws

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	soapNS     = "http://www.w3.org/2003/05/soap-envelope"
	upstreamNS = "http://www.iridium.com/"
)

// Element is one XML element of a request body. An Element with neither
// Value nor Children renders as a self-closing tag.
type Element struct {
	Name     string
	Value    string
	Children []Element
}

// El builds a leaf element.
func El(name, value string) Element {
	return Element{Name: name, Value: value}
}

// Header carries the signed authentication block every request starts with.
// Field order on the wire is fixed: iwsUsername, signature,
// serviceProviderAccountNumber, timestamp.
type Header struct {
	Username  string
	Signature string
	SPAccount string
	Timestamp string
}

// EncodeRequest renders a SOAP 1.2 envelope for the given action, with the
// signed header block followed by the operation-specific fields.
func EncodeRequest(action string, header Header, fields []Element) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	b.WriteString("\n<soap:Envelope xmlns:soap=\"")
	b.WriteString(soapNS)
	b.WriteString("\">\n  <soap:Header/>\n  <soap:Body>\n    <tns:")
	b.WriteString(action)
	b.WriteString(" xmlns:tns=\"")
	b.WriteString(upstreamNS)
	b.WriteString("\">\n      <request>\n")

	writeElement(&b, Element{Name: "iwsUsername", Value: header.Username}, 8)
	writeElement(&b, Element{Name: "signature", Value: header.Signature}, 8)
	writeElement(&b, Element{Name: "serviceProviderAccountNumber", Value: header.SPAccount}, 8)
	writeElement(&b, Element{Name: "timestamp", Value: header.Timestamp}, 8)
	for _, field := range fields {
		writeElement(&b, field, 8)
	}

	b.WriteString("      </request>\n    </tns:")
	b.WriteString(action)
	b.WriteString(">\n  </soap:Body>\n</soap:Envelope>")
	return b.String()
}

func writeElement(b *strings.Builder, el Element, indent int) {
	pad := strings.Repeat(" ", indent)
	b.WriteString(pad)
	b.WriteString("<")
	b.WriteString(el.Name)
	if el.Value == "" && len(el.Children) == 0 {
		b.WriteString("/>\n")
		return
	}
	b.WriteString(">")
	if len(el.Children) > 0 {
		b.WriteString("\n")
		for _, child := range el.Children {
			writeElement(b, child, indent+2)
		}
		b.WriteString(pad)
	} else {
		b.WriteString(escapeXML(el.Value))
	}
	b.WriteString("</")
	b.WriteString(el.Name)
	b.WriteString(">\n")
}

func escapeXML(value string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(value)); err != nil {
		return value
	}
	return b.String()
}

// Node is one element of a decoded response, with namespaces stripped. The
// sandbox and production gateways disagree on namespace qualification, so
// lookups go by local name only.
type Node struct {
	Name     string
	Text     string
	Children []*Node
}

// Decode parses a response envelope into a Node tree.
func Decode(raw string) (*Node, error) {
	decoder := xml.NewDecoder(strings.NewReader(raw))
	root := &Node{Name: "document"}
	stack := []*Node{root}
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iws: malformed response: %w", err)
		}
		switch t := token.(type) {
		case xml.StartElement:
			node := &Node{Name: t.Name.Local}
			parent := stack[len(stack)-1]
			parent.Children = append(parent.Children, node)
			stack = append(stack, node)
		case xml.CharData:
			stack[len(stack)-1].Text += string(t)
		case xml.EndElement:
			top := stack[len(stack)-1]
			top.Text = strings.TrimSpace(top.Text)
			stack = stack[:len(stack)-1]
		}
	}
	if len(root.Children) == 0 {
		return nil, errors.New("iws: response is not valid xml")
	}
	return root, nil
}

// Find returns the first element with the given local name, depth first.
func (n *Node) Find(name string) *Node {
	for _, child := range n.Children {
		if child.Name == name {
			return child
		}
		if found := child.Find(name); found != nil {
			return found
		}
	}
	return nil
}

// All returns every element with the given local name, depth first.
func (n *Node) All(name string) []*Node {
	var out []*Node
	for _, child := range n.Children {
		if child.Name == name {
			out = append(out, child)
		}
		out = append(out, child.All(name)...)
	}
	return out
}

// TextOf returns the trimmed text of the first matching element. Missing
// optional fields read as absent, never as an error.
func (n *Node) TextOf(name string) (string, bool) {
	found := n.Find(name)
	if found == nil || found.Text == "" {
		return "", false
	}
	return found.Text, true
}

// TextOr returns the text of the first matching element or fallback.
func (n *Node) TextOr(name, fallback string) string {
	if value, ok := n.TextOf(name); ok {
		return value
	}
	return fallback
}

// Fault is a protocol-level SOAP fault, distinct from an HTTP error.
type Fault struct {
	Code   string
	Reason string
	Detail string
}

// FindFault extracts a SOAP 1.2 fault (or a 1.1-style fallback) from a
// decoded response. Returns nil when the envelope carries no fault.
func FindFault(root *Node) *Fault {
	fault := root.Find("Fault")
	if fault == nil {
		return nil
	}
	out := &Fault{Code: "Unknown", Reason: "Unknown error"}
	if code := fault.Find("Code"); code != nil {
		out.Code = code.TextOr("Value", code.Text)
	} else if code, ok := fault.TextOf("faultcode"); ok {
		out.Code = code
	}
	if reason := fault.Find("Reason"); reason != nil {
		out.Reason = reason.TextOr("Text", reason.Text)
	} else if reason, ok := fault.TextOf("faultstring"); ok {
		out.Reason = reason
	}
	if detail := fault.Find("Detail"); detail != nil {
		out.Detail = flattenText(detail)
	}
	return out
}

func flattenText(n *Node) string {
	parts := []string{}
	if n.Text != "" {
		parts = append(parts, n.Text)
	}
	for _, child := range n.Children {
		if text := flattenText(child); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " | ")
}
