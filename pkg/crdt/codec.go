package crdt

import (
	"encoding/json"
	"fmt"

	"github.com/astromechza/replistore/pkg/stamp"
)

// envelope is the tagged JSON form of a Value. It is what gets persisted,
// replicated and measured by the size guard.
type envelope struct {
	Kind Kind `json:"kind"`

	Stamp      *stamp.Stamp     `json:"stamp,omitempty"`
	Value      json.RawMessage  `json:"value,omitempty"`
	Attachment *AttachmentToken `json:"attachment,omitempty"`

	Entries map[string]entryEnvelope `json:"entries,omitempty"`

	Epoch   *stamp.Stamp      `json:"epoch,omitempty"`
	Base    int64             `json:"base,omitempty"`
	Inc     map[string]uint64 `json:"inc,omitempty"`
	Dec     map[string]uint64 `json:"dec,omitempty"`
	Updated *stamp.Stamp      `json:"updated,omitempty"`
}

type entryEnvelope struct {
	Value      *envelope     `json:"value,omitempty"`
	Dots       []stamp.Stamp `json:"dots,omitempty"`
	Tombstones []Tombstone   `json:"tombstones,omitempty"`
}

// MarshalValue encodes v deterministically: map keys are sorted and dots and
// tombstones are kept in stamp order.
func MarshalValue(v Value) ([]byte, error) {
	env, err := toEnvelope(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// UnmarshalValue decodes the output of MarshalValue.
func UnmarshalValue(raw []byte) (Value, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}
	return fromEnvelope(&env)
}

func toEnvelope(v Value) (*envelope, error) {
	switch vv := v.(type) {
	case *Register:
		s := vv.Stamp
		env := &envelope{Kind: KindRegister, Stamp: &s}
		if tok, ok := vv.Value.(AttachmentToken); ok {
			t := cloneToken(tok)
			env.Attachment = &t
			return env, nil
		}
		raw, err := json.Marshal(vv.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to encode register: %w", err)
		}
		env.Value = raw
		return env, nil
	case *Counter:
		epoch, updated := vv.Epoch, vv.Updated
		return &envelope{
			Kind:    KindCounter,
			Epoch:   &epoch,
			Base:    vv.Base,
			Inc:     nonZero(vv.Inc),
			Dec:     nonZero(vv.Dec),
			Updated: &updated,
		}, nil
	case *Map:
		env := &envelope{Kind: KindMap, Entries: make(map[string]entryEnvelope, len(vv.entries))}
		for k, e := range vv.entries {
			ee := entryEnvelope{Dots: e.Dots, Tombstones: e.Tombstones}
			if e.Value != nil {
				child, err := toEnvelope(e.Value)
				if err != nil {
					return nil, err
				}
				ee.Value = child
			}
			env.Entries[k] = ee
		}
		return env, nil
	}
	return nil, fmt.Errorf("cannot encode value of type %T", v)
}

func fromEnvelope(env *envelope) (Value, error) {
	switch env.Kind {
	case KindRegister:
		r := &Register{}
		if env.Stamp != nil {
			r.Stamp = *env.Stamp
		}
		if env.Attachment != nil {
			r.Value = cloneToken(*env.Attachment)
			return r, nil
		}
		if len(env.Value) > 0 {
			var raw any
			if err := json.Unmarshal(env.Value, &raw); err != nil {
				return nil, fmt.Errorf("failed to decode register: %w", err)
			}
			r.Value = raw
		}
		return r, nil
	case KindCounter:
		c := NewCounter(env.Base, stamp.Zero)
		if env.Epoch != nil {
			c.Epoch = *env.Epoch
		}
		if env.Updated != nil {
			c.Updated = *env.Updated
		}
		for r, n := range env.Inc {
			c.Inc[r] = n
		}
		for r, n := range env.Dec {
			c.Dec[r] = n
		}
		return c, nil
	case KindMap:
		m := NewMap()
		for k, ee := range env.Entries {
			e := &Entry{Dots: ee.Dots, Tombstones: ee.Tombstones}
			if ee.Value != nil {
				child, err := fromEnvelope(ee.Value)
				if err != nil {
					return nil, err
				}
				e.Value = child
			}
			m.SetEntry(k, e)
		}
		return m, nil
	}
	return nil, fmt.Errorf("unknown value kind %v", env.Kind)
}

func nonZero(in map[string]uint64) map[string]uint64 {
	var out map[string]uint64
	for r, n := range in {
		if n == 0 {
			continue
		}
		if out == nil {
			out = make(map[string]uint64, len(in))
		}
		out[r] = n
	}
	return out
}
