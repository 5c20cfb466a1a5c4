package feed

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/ianaindex"
)

// ReasonMalformedMarkup is the only decode failure reason
const ReasonMalformedMarkup = "malformed-markup"

// DecodeError is returned when a payload is not a well-formed document
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to parse feed: %s: %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func malformed(err error) error {
	return &DecodeError{Reason: ReasonMalformedMarkup, Err: err}
}

// Node is a generic element of the parsed document. Names keep the prefix
// exactly as written, e.g. "job_listing:company".
type Node struct {
	Name     string
	Attrs    map[string]string
	Text     string
	Children []*Node
}

// Child returns the first direct child with the given name
func (n *Node) Child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// ChildrenNamed returns every direct child with the given name
func (n *Node) ChildrenNamed(name string) []*Node {
	var out []*Node
	for _, c := range n.Children {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// InnerText concatenates the text of the node and its descendants
func (n *Node) InnerText() string {
	if len(n.Children) == 0 {
		return n.Text
	}
	var b strings.Builder
	b.WriteString(n.Text)
	for _, c := range n.Children {
		b.WriteString(c.InnerText())
	}
	return b.String()
}

// descendants collects nodes named name without descending into matches
func (n *Node) descendants(name string, out []*Node) []*Node {
	for _, c := range n.Children {
		if c.Name == name {
			out = append(out, c)
			continue
		}
		out = c.descendants(name, out)
	}
	return out
}

// Field is one child element of an item
type Field struct {
	Name  string
	Value string
}

// Item is a feed entry with optional fields in document order
type Item struct {
	Fields []Field
}

// Get returns the first value for name
func (i Item) Get(name string) (string, bool) {
	for _, f := range i.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// Map flattens the item, keeping the first value of repeated fields
func (i Item) Map() map[string]string {
	out := make(map[string]string, len(i.Fields))
	for _, f := range i.Fields {
		if _, ok := out[f.Name]; !ok {
			out[f.Name] = f.Value
		}
	}
	return out
}

func itemFromNode(n *Node) Item {
	item := Item{Fields: make([]Field, 0, len(n.Children))}
	for _, c := range n.Children {
		item.Fields = append(item.Fields, Field{Name: c.Name, Value: c.InnerText()})
	}
	return item
}

// Decode parses a raw RSS document into its items. Items are taken from
// rss/channel/item, or from any item element when the document has another shape.
func Decode(raw []byte) ([]Item, error) {
	root, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	var nodes []*Node
	if root.Name == "rss" {
		if channel := root.Child("channel"); channel != nil {
			nodes = channel.ChildrenNamed("item")
		}
	}
	if len(nodes) == 0 {
		nodes = root.descendants("item", nil)
	}

	items := make([]Item, 0, len(nodes))
	for _, n := range nodes {
		items = append(items, itemFromNode(n))
	}
	return items, nil
}

// Parse builds the element tree of a document
func Parse(raw []byte) (*Node, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, malformed(errors.New("empty payload"))
	}

	dec := xml.NewDecoder(bytes.NewReader(raw))
	dec.Strict = true
	dec.Entity = xml.HTMLEntity
	dec.CharsetReader = charsetReader

	var (
		root  *Node
		stack []*Node
	)

	for {
		tok, err := dec.RawToken()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, malformed(err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			node := &Node{Name: qualifiedName(t.Name)}
			if len(t.Attr) > 0 {
				node.Attrs = make(map[string]string, len(t.Attr))
				for _, a := range t.Attr {
					node.Attrs[qualifiedName(a.Name)] = a.Value
				}
			}

			if len(stack) == 0 {
				if root != nil {
					return nil, malformed(fmt.Errorf("unexpected second root element <%s>", node.Name))
				}
				root = node
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, node)
			}
			stack = append(stack, node)

		case xml.EndElement:
			name := qualifiedName(t.Name)
			if len(stack) == 0 {
				return nil, malformed(fmt.Errorf("unexpected closing tag </%s>", name))
			}
			top := stack[len(stack)-1]
			if top.Name != name {
				return nil, malformed(fmt.Errorf("element <%s> closed by </%s>", top.Name, name))
			}
			stack = stack[:len(stack)-1]

		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].Text += string(t)
			} else if len(bytes.TrimSpace(t)) > 0 {
				return nil, malformed(errors.New("text outside root element"))
			}
		}
	}

	if root == nil {
		return nil, malformed(errors.New("no root element"))
	}
	if len(stack) > 0 {
		return nil, malformed(fmt.Errorf("element <%s> is not closed", stack[len(stack)-1].Name))
	}

	return root, nil
}

func qualifiedName(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}

func charsetReader(label string, input io.Reader) (io.Reader, error) {
	if strings.EqualFold(label, "us-ascii") || strings.EqualFold(label, "ascii") {
		return input, nil
	}
	enc, err := ianaindex.IANA.Encoding(label)
	if err != nil {
		return nil, err
	}
	if enc == nil {
		return nil, fmt.Errorf("unsupported charset %q", label)
	}
	return enc.NewDecoder().Reader(input), nil
}
