package document

import (
	"encoding/json"
	"fmt"
)

// Steps travel as JSON objects tagged with a "stepType" field.

type envelope struct {
	StepType string `json:"stepType"`
}

func tagged(kind string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	k, _ := json.Marshal(kind)
	fields["stepType"] = k
	return json.Marshal(fields)
}

func (s InsertText) MarshalJSON() ([]byte, error) {
	type plain InsertText
	return tagged(s.Kind(), plain(s))
}

func (s DeleteText) MarshalJSON() ([]byte, error) {
	type plain DeleteText
	return tagged(s.Kind(), plain(s))
}

func (s InsertNode) MarshalJSON() ([]byte, error) {
	type plain InsertNode
	return tagged(s.Kind(), plain(s))
}

func (s RemoveNode) MarshalJSON() ([]byte, error) {
	type plain RemoveNode
	return tagged(s.Kind(), plain(s))
}

func (s SetAttrs) MarshalJSON() ([]byte, error) {
	type plain SetAttrs
	return tagged(s.Kind(), plain(s))
}

func (s AddMark) MarshalJSON() ([]byte, error) {
	type plain AddMark
	return tagged(s.Kind(), plain(s))
}

func (s RemoveMark) MarshalJSON() ([]byte, error) {
	type plain RemoveMark
	return tagged(s.Kind(), plain(s))
}

// DecodeStep parses a single tagged step.
func DecodeStep(data []byte) (Step, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	var (
		s   Step
		err error
	)
	switch env.StepType {
	case KindInsertText:
		var v InsertText
		err = json.Unmarshal(data, &v)
		s = v
	case KindDeleteText:
		var v DeleteText
		err = json.Unmarshal(data, &v)
		s = v
	case KindInsertNode:
		var v InsertNode
		err = json.Unmarshal(data, &v)
		s = v
	case KindRemoveNode:
		var v RemoveNode
		err = json.Unmarshal(data, &v)
		s = v
	case KindSetAttrs:
		var v SetAttrs
		err = json.Unmarshal(data, &v)
		s = v
	case KindAddMark:
		var v AddMark
		err = json.Unmarshal(data, &v)
		s = v
	case KindRemoveMark:
		var v RemoveMark
		err = json.Unmarshal(data, &v)
		s = v
	default:
		return nil, fmt.Errorf("%w: unknown step type %q", ErrInvalidDocument, env.StepType)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return s, nil
}

// DecodeSteps parses a JSON array of tagged steps.
func DecodeSteps(data []byte) ([]Step, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	steps := make([]Step, 0, len(raw))
	for i, r := range raw {
		s, err := DecodeStep(r)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		steps = append(steps, s)
	}
	return steps, nil
}

// ApplyAll applies steps in order. On error the input tree is untouched and
// the returned error names the failing step index.
func ApplyAll(doc *Node, steps []Step) (*Node, error) {
	cur := doc
	for i, s := range steps {
		next, err := s.Apply(cur)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		cur = next
	}
	return cur, nil
}
