package document

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrStepFailed is returned when a step cannot be applied to a tree.
var ErrStepFailed = errors.New("step failed")

const (
	KindInsertText = "insertText"
	KindDeleteText = "deleteText"
	KindInsertNode = "insertNode"
	KindRemoveNode = "removeNode"
	KindSetAttrs   = "setAttrs"
	KindAddMark    = "addMark"
	KindRemoveMark = "removeMark"
)

// Step is one atomic document mutation. Apply never modifies its input.
type Step interface {
	Kind() string
	Apply(doc *Node) (*Node, error)
}

// Path addresses a node by child indices from the root.
type Path []int

// InsertText inserts Text at rune Offset of the text node at Path. An empty
// non-text node accepts an insert at offset 0 by gaining a text child.
type InsertText struct {
	Path   Path   `json:"path"`
	Offset int    `json:"offset"`
	Text   string `json:"text"`
}

// DeleteText removes runes [From, To) from the text node at Path.
type DeleteText struct {
	Path Path `json:"path"`
	From int  `json:"from"`
	To   int  `json:"to"`
}

// InsertNode inserts Node as child Index of the node at Path.
type InsertNode struct {
	Path  Path  `json:"path"`
	Index int   `json:"index"`
	Node  *Node `json:"node"`
}

// RemoveNode removes the node at Path. The root cannot be removed.
type RemoveNode struct {
	Path Path `json:"path"`
}

// SetAttrs merges Attrs into the node at Path; nil values delete keys.
type SetAttrs struct {
	Path  Path           `json:"path"`
	Attrs map[string]any `json:"attrs"`
}

// AddMark adds Mark to the text node at Path, replacing a mark of the same type.
type AddMark struct {
	Path Path `json:"path"`
	Mark Mark `json:"mark"`
}

// RemoveMark drops marks of MarkType from the text node at Path.
type RemoveMark struct {
	Path     Path   `json:"path"`
	MarkType string `json:"markType"`
}

func (InsertText) Kind() string { return KindInsertText }
func (DeleteText) Kind() string { return KindDeleteText }
func (InsertNode) Kind() string { return KindInsertNode }
func (RemoveNode) Kind() string { return KindRemoveNode }
func (SetAttrs) Kind() string   { return KindSetAttrs }
func (AddMark) Kind() string    { return KindAddMark }
func (RemoveMark) Kind() string { return KindRemoveMark }

func (s InsertText) Apply(doc *Node) (*Node, error) {
	return update(doc, s.Path, func(n *Node) (*Node, error) {
		if !n.IsText() {
			if len(n.Content) == 0 && s.Offset == 0 {
				c := n.shallowCopy()
				c.Content = []*Node{{Type: TypeText, Text: s.Text}}
				return c, nil
			}
			return nil, stepErr(s, "target is not a text node")
		}
		if s.Offset < 0 || s.Offset > utf8.RuneCountInString(n.Text) {
			return nil, stepErr(s, "offset %d out of range", s.Offset)
		}
		r := []rune(n.Text)
		c := n.shallowCopy()
		c.Text = string(r[:s.Offset]) + s.Text + string(r[s.Offset:])
		return c, nil
	})
}

func (s DeleteText) Apply(doc *Node) (*Node, error) {
	return update(doc, s.Path, func(n *Node) (*Node, error) {
		if !n.IsText() {
			return nil, stepErr(s, "target is not a text node")
		}
		r := []rune(n.Text)
		if s.From < 0 || s.To < s.From || s.To > len(r) {
			return nil, stepErr(s, "range [%d,%d) out of bounds", s.From, s.To)
		}
		c := n.shallowCopy()
		c.Text = string(r[:s.From]) + string(r[s.To:])
		return c, nil
	})
}

func (s InsertNode) Apply(doc *Node) (*Node, error) {
	if s.Node == nil {
		return nil, stepErr(s, "missing node")
	}
	if err := s.Node.validate(); err != nil {
		return nil, stepErr(s, "%v", err)
	}
	return update(doc, s.Path, func(n *Node) (*Node, error) {
		if n.IsText() {
			return nil, stepErr(s, "text nodes have no children")
		}
		if s.Index < 0 || s.Index > len(n.Content) {
			return nil, stepErr(s, "index %d out of range", s.Index)
		}
		c := n.shallowCopy()
		c.Content = append(c.Content[:s.Index], append([]*Node{s.Node}, n.Content[s.Index:]...)...)
		return c, nil
	})
}

func (s RemoveNode) Apply(doc *Node) (*Node, error) {
	if len(s.Path) == 0 {
		return nil, stepErr(s, "cannot remove the root")
	}
	parent, idx := s.Path[:len(s.Path)-1], s.Path[len(s.Path)-1]
	return update(doc, parent, func(n *Node) (*Node, error) {
		if idx < 0 || idx >= len(n.Content) {
			return nil, stepErr(s, "index %d out of range", idx)
		}
		c := n.shallowCopy()
		c.Content = append(c.Content[:idx], n.Content[idx+1:]...)
		return c, nil
	})
}

func (s SetAttrs) Apply(doc *Node) (*Node, error) {
	return update(doc, s.Path, func(n *Node) (*Node, error) {
		c := n.shallowCopy()
		if c.Attrs == nil {
			c.Attrs = make(map[string]any, len(s.Attrs))
		}
		for k, v := range s.Attrs {
			if v == nil {
				delete(c.Attrs, k)
				continue
			}
			c.Attrs[k] = v
		}
		if len(c.Attrs) == 0 {
			c.Attrs = nil
		}
		return c, nil
	})
}

func (s AddMark) Apply(doc *Node) (*Node, error) {
	if s.Mark.Type == "" {
		return nil, stepErr(s, "mark without type")
	}
	return update(doc, s.Path, func(n *Node) (*Node, error) {
		if !n.IsText() {
			return nil, stepErr(s, "marks apply to text nodes only")
		}
		c := n.shallowCopy()
		c.Marks = append(withoutMark(n.Marks, s.Mark.Type), s.Mark)
		return c, nil
	})
}

func (s RemoveMark) Apply(doc *Node) (*Node, error) {
	return update(doc, s.Path, func(n *Node) (*Node, error) {
		if !n.IsText() {
			return nil, stepErr(s, "marks apply to text nodes only")
		}
		c := n.shallowCopy()
		c.Marks = withoutMark(n.Marks, s.MarkType)
		return c, nil
	})
}

func withoutMark(marks []Mark, markType string) []Mark {
	var out []Mark
	for _, m := range marks {
		if m.Type != markType {
			out = append(out, m)
		}
	}
	return out
}

// update rebuilds the spine from the root to path, replacing the target with fn's result.
func update(root *Node, path Path, fn func(*Node) (*Node, error)) (*Node, error) {
	if root == nil {
		return nil, fmt.Errorf("%w: nil document", ErrStepFailed)
	}
	if len(path) == 0 {
		return fn(root)
	}
	idx := path[0]
	if idx < 0 || idx >= len(root.Content) {
		return nil, fmt.Errorf("%w: path index %d out of range in %s", ErrStepFailed, idx, root.Type)
	}
	child, err := update(root.Content[idx], path[1:], fn)
	if err != nil {
		return nil, err
	}
	c := root.shallowCopy()
	c.Content[idx] = child
	return c, nil
}

func stepErr(s Step, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrStepFailed, s.Kind(), fmt.Sprintf(format, args...))
}
