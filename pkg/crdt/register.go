package crdt

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/astromechza/replistore/pkg/stamp"
)

// AttachmentToken references an immutable blob in the attachment store. A
// register holding a token is how documents point at attachments.
type AttachmentToken struct {
	ID       string            `json:"id"`
	Len      int64             `json:"len"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Register is a last-write-wins value. Arrays and other opaque objects are
// registers too: they are replaced wholesale, never merged element-wise.
type Register struct {
	Value any
	Stamp stamp.Stamp
}

// NewRegister normalizes v into its canonical JSON-like form.
func NewRegister(v any, s stamp.Stamp) (*Register, error) {
	n, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	return &Register{Value: n, Stamp: s}, nil
}

func (r *Register) Kind() Kind {
	return KindRegister
}

func (r *Register) Clone() Value {
	return &Register{Value: cloneValue(r.Value), Stamp: r.Stamp}
}

func (r *Register) Equal(o Value) bool {
	other, ok := o.(*Register)
	return ok && r.Stamp == other.Stamp && ValuesEqual(r.Value, other.Value)
}

// Merge keeps the value with the greater stamp. Equal stamps must carry equal
// values; anything else is a StampCollisionError.
func (r *Register) Merge(path []string, o *Register) (*Register, error) {
	switch r.Stamp.Compare(o.Stamp) {
	case 1:
		return r.Clone().(*Register), nil
	case -1:
		return o.Clone().(*Register), nil
	}
	if !ValuesEqual(r.Value, o.Value) {
		return nil, &StampCollisionError{Path: path, Stamp: r.Stamp, Left: r.Value, Right: o.Value}
	}
	return r.Clone().(*Register), nil
}

// Normalize converts a Go value into the canonical register form: nil, bool,
// string, float64, []any, map[string]any or AttachmentToken. Anything else is
// passed through encoding/json.
//
// Tokens are only recognised at the top level; nested inside an object or
// array they are plain JSON objects.
func Normalize(v any) (any, error) {
	switch vv := v.(type) {
	case AttachmentToken:
		return cloneToken(vv), nil
	case *AttachmentToken:
		if vv == nil {
			return nil, nil
		}
		return cloneToken(*vv), nil
	}
	return normalizeJSON(v)
}

func normalizeJSON(v any) (any, error) {
	switch vv := v.(type) {
	case nil, bool, string, float64:
		return vv, nil
	case int:
		return float64(vv), nil
	case int8:
		return float64(vv), nil
	case int16:
		return float64(vv), nil
	case int32:
		return float64(vv), nil
	case int64:
		return float64(vv), nil
	case uint:
		return float64(vv), nil
	case uint8:
		return float64(vv), nil
	case uint16:
		return float64(vv), nil
	case uint32:
		return float64(vv), nil
	case uint64:
		return float64(vv), nil
	case float32:
		return float64(vv), nil
	case json.Number:
		f, err := vv.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
		}
		return f, nil
	case []any:
		out := make([]any, len(vv))
		for i, item := range vv {
			n, err := normalizeJSON(item)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(vv))
		for k, item := range vv {
			n, err := normalizeJSON(item)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %T: %v", ErrUnsupportedValue, v, err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %T: %v", ErrUnsupportedValue, v, err)
	}
	return out, nil
}

// ValuesEqual compares two normalized register values.
func ValuesEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

func cloneToken(t AttachmentToken) AttachmentToken {
	out := AttachmentToken{ID: t.ID, Len: t.Len}
	if len(t.Metadata) > 0 {
		out.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func cloneValue(v any) any {
	switch vv := v.(type) {
	case []any:
		out := make([]any, len(vv))
		for i, item := range vv {
			out[i] = cloneValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(vv))
		for k, item := range vv {
			out[k] = cloneValue(item)
		}
		return out
	case AttachmentToken:
		return cloneToken(vv)
	}
	return v
}
