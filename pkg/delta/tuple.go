package delta

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/astromechza/replistore/pkg/crdt"
	"github.com/astromechza/replistore/pkg/document"
	"github.com/astromechza/replistore/pkg/stamp"
)

// Tuple is one flattened field record of a delta.
//
// A tuple with Tombstones carries removals and its Stamp is the newest
// remover. Otherwise a non-zero Stamp is a live add of Value at Path. Map
// tuples carry an empty map shell; their children travel as their own
// tuples. A tuple whose path is the id field marks the document deleted. A
// map tuple with an empty path says the document exists, so a document
// without fields still replicates.
type Tuple struct {
	DocumentID document.ID
	Path       document.Path
	Kind       crdt.Kind
	Value      crdt.Value
	Stamp      stamp.Stamp
	Tombstones []crdt.Tombstone
}

type wireTuple struct {
	DocumentID document.ID      `json:"id"`
	Path       []string         `json:"path"`
	Kind       crdt.Kind        `json:"kind,omitempty"`
	Value      json.RawMessage  `json:"value,omitempty"`
	Stamp      stamp.Stamp      `json:"stamp"`
	Tombstones []crdt.Tombstone `json:"tombstones,omitempty"`
}

func (t Tuple) MarshalJSON() ([]byte, error) {
	w := wireTuple{
		DocumentID: t.DocumentID,
		Path:       t.Path,
		Kind:       t.Kind,
		Stamp:      t.Stamp,
		Tombstones: t.Tombstones,
	}
	if t.Value != nil {
		raw, err := crdt.MarshalValue(t.Value)
		if err != nil {
			return nil, err
		}
		w.Value = raw
	}
	return json.Marshal(w)
}

func (t *Tuple) UnmarshalJSON(raw []byte) error {
	var w wireTuple
	if err := json.Unmarshal(raw, &w); err != nil {
		return err
	}
	*t = Tuple{
		DocumentID: w.DocumentID,
		Path:       w.Path,
		Kind:       w.Kind,
		Stamp:      w.Stamp,
		Tombstones: w.Tombstones,
	}
	if len(w.Value) > 0 {
		v, err := crdt.UnmarshalValue(w.Value)
		if err != nil {
			return err
		}
		t.Value = v
	}
	return nil
}

func (t Tuple) isDelete() bool {
	return t.Path.IsID()
}

func (t Tuple) isPresence() bool {
	return len(t.Path) == 0
}

// Tuples flattens the delta into per-field records in path order. The first
// tuple is either the delete marker or the presence marker.
func (d *Delta) Tuples() []Tuple {
	var out []Tuple
	if !d.Deleted.IsZero() {
		out = append(out, Tuple{DocumentID: d.ID, Path: document.Path{document.IDField}, Stamp: d.Deleted})
	} else {
		out = append(out, Tuple{DocumentID: d.ID, Path: document.Path{}, Kind: crdt.KindMap})
	}
	flatten(d.ID, nil, d.Fields, &out)
	return out
}

func flatten(id document.ID, prefix document.Path, m *crdt.Map, out *[]Tuple) {
	for _, key := range m.AllKeys() {
		e, _ := m.Entry(key)
		path := append(slices.Clone(prefix), key)
		var kind crdt.Kind
		var shell crdt.Value
		child, isMap := e.Value.(*crdt.Map)
		switch {
		case isMap:
			kind, shell = crdt.KindMap, crdt.NewMap()
		case e.Value != nil:
			kind, shell = e.Value.Kind(), e.Value.Clone()
		}
		for _, dot := range e.Dots {
			*out = append(*out, Tuple{DocumentID: id, Path: path, Kind: kind, Value: shell, Stamp: dot})
		}
		if len(e.Tombstones) > 0 {
			by := stamp.Zero
			for _, t := range e.Tombstones {
				by = stamp.Max(by, t.By)
			}
			*out = append(*out, Tuple{
				DocumentID: id,
				Path:       path,
				Kind:       kind,
				Value:      shell,
				Stamp:      by,
				Tombstones: slices.Clone(e.Tombstones),
			})
		}
		if len(e.Dots) == 0 && len(e.Tombstones) == 0 && shell != nil && (!isMap || len(child.AllKeys()) == 0) {
			*out = append(*out, Tuple{DocumentID: id, Path: path, Kind: kind, Value: shell})
		}
		if isMap {
			flatten(id, path, child, out)
		}
	}
}

// FromTuples reassembles a delta. Tuples may arrive in any order and may
// repeat; they must all belong to one document.
func FromTuples(tuples []Tuple) (*Delta, error) {
	if len(tuples) == 0 {
		return nil, fmt.Errorf("%w: no tuples", ErrMalformed)
	}
	out := &Delta{ID: tuples[0].DocumentID, Fields: crdt.NewMap()}
	for i, t := range tuples {
		if t.DocumentID.Key() != out.ID.Key() {
			return nil, fmt.Errorf("%w: tuple %d belongs to %s, not %s", ErrMalformed, i, t.DocumentID, out.ID)
		}
		if t.isDelete() {
			if len(t.Path) != 1 {
				return nil, fmt.Errorf("%w: tuple %d writes inside the id", ErrMalformed, i)
			}
			out.Deleted = stamp.Max(out.Deleted, t.Stamp)
			continue
		}
		if t.isPresence() {
			if t.Kind != crdt.KindMap || t.Value != nil || len(t.Tombstones) > 0 {
				return nil, fmt.Errorf("%w: tuple %d writes to the document root", ErrMalformed, i)
			}
			continue
		}
		root, err := tupleRoot(t)
		if err != nil {
			return nil, fmt.Errorf("tuple %d: %w", i, err)
		}
		merged, err := crdt.Merge(nil, out.Fields, root)
		if err != nil {
			return nil, fmt.Errorf("%w: tuple %d: %w", ErrMalformed, i, err)
		}
		out.Fields = merged.(*crdt.Map)
	}
	return out, nil
}

// tupleRoot builds the sparse root map holding just this tuple.
func tupleRoot(t Tuple) (*crdt.Map, error) {
	if len(t.Path) == 0 {
		return nil, fmt.Errorf("%w: empty path", ErrMalformed)
	}
	if t.Value != nil && t.Kind != 0 && t.Value.Kind() != t.Kind {
		return nil, fmt.Errorf("%w: kind %s does not match value of kind %s", ErrMalformed, t.Kind, t.Value.Kind())
	}
	leaf := &crdt.Entry{Value: t.Value}
	if t.Value != nil {
		leaf.Value = t.Value.Clone()
	}
	switch {
	case len(t.Tombstones) > 0:
		leaf.Tombstones = slices.Clone(t.Tombstones)
	case !t.Stamp.IsZero():
		leaf.Dots = []stamp.Stamp{t.Stamp}
	}
	m := crdt.NewMap()
	m.SetEntry(t.Path[len(t.Path)-1], leaf)
	for i := len(t.Path) - 2; i >= 0; i-- {
		parent := crdt.NewMap()
		parent.SetEntry(t.Path[i], &crdt.Entry{Value: m})
		m = parent
	}
	return m, nil
}

// Encode serialises a delta in the document wire format.
func Encode(d *Delta) ([]byte, error) {
	return document.Marshal(d.Document())
}

func Decode(raw []byte) (*Delta, error) {
	doc, err := document.Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return &Delta{ID: doc.ID, Fields: doc.Fields, Deleted: doc.Deleted}, nil
}
