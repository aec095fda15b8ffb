// Package delta produces the minimal replicated state a local edit needs to
// ship, and converts it to and from per-field tuples for transports that
// exchange (document id, path, kind, value, stamp) records.
package delta

import (
	"errors"
	"fmt"
	"slices"

	"github.com/astromechza/replistore/pkg/crdt"
	"github.com/astromechza/replistore/pkg/document"
	"github.com/astromechza/replistore/pkg/stamp"
)

var (
	// ErrNotCausallyRelated is returned by ComputeDelta when after does not
	// descend from before. Concurrent versions must be merged in full.
	ErrNotCausallyRelated = errors.New("versions are not causally related")

	ErrMalformed = errors.New("malformed delta")
)

// Delta is a sparse document: it carries only the field state that changed.
// Because it is ordinary CRDT state, merging it is the same join as merging
// a full snapshot, and applying it twice is harmless.
type Delta struct {
	ID      document.ID
	Fields  *crdt.Map
	Deleted stamp.Stamp
}

// Document exposes the delta as a (sparse) document for the merge engine.
func (d *Delta) Document() *document.Document {
	return &document.Document{ID: d.ID, Fields: d.Fields, Deleted: d.Deleted}
}

// FromDocument wraps a full snapshot as a delta.
func FromDocument(doc *document.Document) *Delta {
	return &Delta{ID: doc.ID, Fields: doc.Fields.Clone().(*crdt.Map), Deleted: doc.Deleted}
}

func (d *Delta) IsEmpty() bool {
	return d.Deleted.IsZero() && len(d.Fields.AllKeys()) == 0
}

// ComputeDelta returns the state in after that before does not already
// have. after must be a sequential descendant of before.
func ComputeDelta(before, after *document.Document) (*Delta, error) {
	if before.ID.Key() != after.ID.Key() {
		return nil, fmt.Errorf("%w: different documents %s and %s", ErrNotCausallyRelated, before.ID, after.ID)
	}
	if err := checkDescends(before, after); err != nil {
		return nil, err
	}
	out := &Delta{ID: after.ID, Fields: crdt.NewMap()}
	if after.IsDeleted() {
		if before.Deleted != after.Deleted {
			out.Deleted = after.Deleted
		}
		return out, nil
	}
	out.Fields = diffMap(before.Fields, after.Fields)
	return out, nil
}

func checkDescends(before, after *document.Document) error {
	if after.IsDeleted() {
		if before.IsDeleted() && after.Deleted.Less(before.Deleted) {
			return fmt.Errorf("%w: after carries an older delete", ErrNotCausallyRelated)
		}
		return nil
	}
	if before.IsDeleted() {
		return fmt.Errorf("%w: before is deleted and after is not", ErrNotCausallyRelated)
	}
	// after descends from before exactly when joining before adds nothing
	joined, err := crdt.Merge(nil, before.Fields, after.Fields)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotCausallyRelated, err)
	}
	if !joined.Equal(after.Fields) {
		return fmt.Errorf("%w: before holds state after does not", ErrNotCausallyRelated)
	}
	return nil
}

func diffMap(before, after *crdt.Map) *crdt.Map {
	out := crdt.NewMap()
	for _, key := range after.AllKeys() {
		ae, _ := after.Entry(key)
		be, ok := before.Entry(key)
		if !ok {
			out.SetEntry(key, cloneEntry(ae))
			continue
		}
		metaChanged := !slices.Equal(ae.Dots, be.Dots) || !slices.Equal(ae.Tombstones, be.Tombstones)
		am, aIsMap := ae.Value.(*crdt.Map)
		bm, bIsMap := be.Value.(*crdt.Map)
		if aIsMap && bIsMap {
			child := diffMap(bm, am)
			if metaChanged || len(child.AllKeys()) > 0 {
				out.SetEntry(key, &crdt.Entry{
					Value:      child,
					Dots:       slices.Clone(ae.Dots),
					Tombstones: slices.Clone(ae.Tombstones),
				})
			}
			continue
		}
		if metaChanged || !crdt.Equal(ae.Value, be.Value) {
			out.SetEntry(key, cloneEntry(ae))
		}
	}
	return out
}

func cloneEntry(e *crdt.Entry) *crdt.Entry {
	out := &crdt.Entry{Dots: slices.Clone(e.Dots), Tombstones: slices.Clone(e.Tombstones)}
	if e.Value != nil {
		out.Value = e.Value.Clone()
	}
	return out
}

// ShouldSkipWrite reports whether writing value at path with the given kind
// would leave the visible document unchanged, in which case the write should
// not be made at all: even an equal value would otherwise replicate as a
// delta with a fresh stamp.
func ShouldSkipWrite(doc *document.Document, path string, value any, kind crdt.Kind) bool {
	p, err := document.ParsePath(path)
	if err != nil || p.IsID() || doc.IsDeleted() {
		return false
	}
	current, ok := doc.Field(p)
	if !ok || current.Kind() != kind {
		return false
	}
	return sameAs(current, value)
}

func sameAs(current crdt.Value, value any) bool {
	switch cv := current.(type) {
	case *crdt.Register:
		if rf, ok := value.(document.RegisterField); ok {
			value = rf.Value
		}
		n, err := crdt.Normalize(value)
		return err == nil && crdt.ValuesEqual(cv.Value, n)
	case *crdt.Counter:
		n, ok := asInt64(value)
		return ok && cv.Value() == n
	case *crdt.Map:
		fields, ok := value.(map[string]any)
		if !ok {
			return value == nil
		}
		for k, v := range fields {
			child, ok := cv.Get(k)
			if !ok {
				return false
			}
			switch v.(type) {
			case map[string]any:
				if child.Kind() != crdt.KindMap {
					return false
				}
			case document.CounterField:
				if child.Kind() != crdt.KindCounter {
					return false
				}
			default:
				if child.Kind() != crdt.KindRegister {
					return false
				}
			}
			if !sameAs(child, v) {
				return false
			}
		}
		return true
	}
	return false
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case document.CounterField:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), n == float64(int64(n))
	}
	return 0, false
}
