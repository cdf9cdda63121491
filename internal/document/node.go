// Package document is the content model the collaboration core relies on:
// a JSON node tree, steps that transform it, and (de)serialization.
// Trees are treated as immutable; steps return modified copies.
package document

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	TypeDoc       = "doc"
	TypeParagraph = "paragraph"
	TypeText      = "text"
)

var ErrInvalidDocument = errors.New("invalid document")

// Mark is an inline annotation such as bold or link.
type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// Node is one element of the document tree.
type Node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []*Node        `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

// Empty returns a document holding a single empty paragraph.
func Empty() *Node {
	return &Node{Type: TypeDoc, Content: []*Node{{Type: TypeParagraph}}}
}

// IsText reports whether n is a text leaf.
func (n *Node) IsText() bool { return n.Type == TypeText }

// shallowCopy copies n and its child slice; children themselves are shared.
func (n *Node) shallowCopy() *Node {
	c := *n
	if n.Content != nil {
		c.Content = append([]*Node(nil), n.Content...)
	}
	if n.Attrs != nil {
		c.Attrs = make(map[string]any, len(n.Attrs))
		for k, v := range n.Attrs {
			c.Attrs[k] = v
		}
	}
	return &c
}

// TextContent concatenates all text below n.
func (n *Node) TextContent() string {
	if n.IsText() {
		return n.Text
	}
	var out string
	for _, c := range n.Content {
		out += c.TextContent()
	}
	return out
}

func (n *Node) validate() error {
	if n.Type == "" {
		return fmt.Errorf("%w: node without type", ErrInvalidDocument)
	}
	if n.IsText() {
		if len(n.Content) > 0 {
			return fmt.Errorf("%w: text node with children", ErrInvalidDocument)
		}
		return nil
	}
	for _, c := range n.Content {
		if c == nil {
			return fmt.Errorf("%w: nil child in %s", ErrInvalidDocument, n.Type)
		}
		if err := c.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Serialize encodes the tree as JSON.
func Serialize(n *Node) ([]byte, error) {
	if n == nil {
		return nil, fmt.Errorf("%w: nil document", ErrInvalidDocument)
	}
	return json.Marshal(n)
}

// Parse decodes a serialized tree. An empty blob yields Empty().
func Parse(data []byte) (*Node, error) {
	if len(data) == 0 {
		return Empty(), nil
	}
	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if n.Type != TypeDoc {
		return nil, fmt.Errorf("%w: root must be %q, got %q", ErrInvalidDocument, TypeDoc, n.Type)
	}
	if err := n.validate(); err != nil {
		return nil, err
	}
	return &n, nil
}
