// Package crdt implements the value types a replicated document is built
// from: last-write-wins registers, add-wins maps and PN counters with reset
// epochs. Every merge is commutative, associative and idempotent.
package crdt

import (
	"github.com/astromechza/replistore/pkg/stamp"
)

// Value is the state of one field. Implementations are *Register, *Map and
// *Counter.
type Value interface {
	Kind() Kind
	Clone() Value
	// Equal compares replicated state, not just the visible value.
	Equal(o Value) bool
}

// Merge joins two states of the same field. A nil side yields a clone of the
// other side. The inputs are never modified.
func Merge(path []string, a, b Value) (Value, error) {
	switch {
	case a == nil && b == nil:
		return nil, nil
	case a == nil:
		return b.Clone(), nil
	case b == nil:
		return a.Clone(), nil
	}
	if a.Kind() != b.Kind() {
		return nil, &TypeMismatchError{Path: path, Have: a.Kind(), Want: b.Kind()}
	}
	switch av := a.(type) {
	case *Register:
		return av.Merge(path, b.(*Register))
	case *Map:
		return av.Merge(path, b.(*Map))
	case *Counter:
		return av.Merge(path, b.(*Counter))
	}
	return nil, &TypeMismatchError{Path: path, Have: a.Kind(), Want: b.Kind()}
}

// Equal compares two possibly nil states.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(b)
}

// Plain converts the visible part of a state to plain Go values: maps become
// map[string]any of their live keys, counters int64, registers their value.
func Plain(v Value) any {
	switch vv := v.(type) {
	case *Register:
		return vv.Value
	case *Counter:
		return vv.Value()
	case *Map:
		out := make(map[string]any, len(vv.entries))
		for _, k := range vv.Keys() {
			child, _ := vv.Get(k)
			out[k] = Plain(child)
		}
		return out
	}
	return nil
}

// Depth returns the nesting depth of maps under v. A leaf has depth 0.
func Depth(v Value) int {
	m, ok := v.(*Map)
	if !ok {
		return 0
	}
	deepest := 0
	for _, e := range m.entries {
		if d := Depth(e.Value); d > deepest {
			deepest = d
		}
	}
	return deepest + 1
}

// WalkFunc is called for every field reached by Walk.
type WalkFunc func(path []string, v Value) error

// Walk visits v and every live descendant depth first, in key order.
func Walk(path []string, v Value, fn WalkFunc) error {
	if v == nil {
		return nil
	}
	if err := fn(path, v); err != nil {
		return err
	}
	m, ok := v.(*Map)
	if !ok {
		return nil
	}
	for _, k := range m.Keys() {
		child, _ := m.Get(k)
		if err := Walk(appendPath(path, k), child, fn); err != nil {
			return err
		}
	}
	return nil
}

// Stamps visits every causal stamp held by the state of v, including those
// of hidden map entries and tombstones.
func Stamps(v Value, fn func(s stamp.Stamp)) {
	switch vv := v.(type) {
	case *Register:
		fn(vv.Stamp)
	case *Counter:
		fn(vv.Epoch)
		fn(vv.Updated)
	case *Map:
		for _, e := range vv.entries {
			for _, d := range e.Dots {
				fn(d)
			}
			for _, t := range e.Tombstones {
				fn(t.Dot)
				fn(t.By)
			}
			if e.Value != nil {
				Stamps(e.Value, fn)
			}
		}
	}
}

// MaxStamp returns the greatest stamp held anywhere in v.
func MaxStamp(v Value) stamp.Stamp {
	out := stamp.Zero
	if v == nil {
		return out
	}
	Stamps(v, func(s stamp.Stamp) {
		out = stamp.Max(out, s)
	})
	return out
}

func appendPath(path []string, key string) []string {
	out := make([]string, len(path), len(path)+1)
	copy(out, path)
	return append(out, key)
}
