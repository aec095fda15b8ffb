// Package document models a replicated document: an immutable id plus a
// tree of CRDT-typed fields rooted in an add-wins map.
//
// Mutating operations never modify their input. They return a new version,
// so a rejected write leaves the caller's document untouched.
package document

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/astromechza/replistore/pkg/crdt"
	"github.com/astromechza/replistore/pkg/stamp"
)

// Document is one replicated document.
type Document struct {
	ID     ID
	Fields *crdt.Map
	// Deleted is the stamp of the delete that retired the document, zero
	// while it is live.
	Deleted stamp.Stamp
}

// New returns an empty live document.
func New(id ID) *Document {
	return &Document{ID: id, Fields: crdt.NewMap()}
}

// CounterField marks a value in a field tree as a counter.
type CounterField int64

// RegisterField forces a value in a field tree to be stored as a single
// register even when it is an object.
type RegisterField struct {
	Value any
}

// Create builds a document from a plain field tree. Objects become maps,
// CounterField values become counters and everything else, arrays included,
// becomes a register. Every field is stamped with one fresh stamp from rc.
func Create(rc *stamp.ReplicaContext, id ID, fields map[string]any) (*Document, error) {
	if id.IsZero() {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidID)
	}
	if _, ok := fields[IDField]; ok {
		return nil, fmt.Errorf("%w: the field tree may not contain %s", ErrImmutableID, IDField)
	}
	doc := New(id)
	s := rc.Next()
	for _, k := range sortedKeys(fields) {
		v, err := BuildValue(fields[k], s)
		if err != nil {
			return nil, fmt.Errorf("failed to build field %q: %w", k, err)
		}
		if err := doc.Fields.Put(nil, k, v, s); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// BuildValue converts a plain value into CRDT state stamped s.
func BuildValue(v any, s stamp.Stamp) (crdt.Value, error) {
	switch vv := v.(type) {
	case CounterField:
		return crdt.NewCounter(int64(vv), s), nil
	case RegisterField:
		return crdt.NewRegister(vv.Value, s)
	case map[string]any:
		m := crdt.NewMap()
		for _, k := range sortedKeys(vv) {
			child, err := BuildValue(vv[k], s)
			if err != nil {
				return nil, fmt.Errorf("failed to build field %q: %w", k, err)
			}
			if err := m.Put(nil, k, child, s); err != nil {
				return nil, err
			}
		}
		return m, nil
	}
	return crdt.NewRegister(v, s)
}

func (d *Document) Clone() *Document {
	return &Document{ID: d.ID, Fields: d.Fields.Clone().(*crdt.Map), Deleted: d.Deleted}
}

func (d *Document) IsDeleted() bool {
	return !d.Deleted.IsZero()
}

// Equal compares full replicated state.
func (d *Document) Equal(o *Document) bool {
	return d.ID.Key() == o.ID.Key() && d.Deleted == o.Deleted && d.Fields.Equal(o.Fields)
}

// Value returns the visible document as plain values, including its id.
func (d *Document) Value() map[string]any {
	out := crdt.Plain(d.Fields).(map[string]any)
	out[IDField] = d.ID.Value()
	return out
}

// Field returns the CRDT state at path.
func (d *Document) Field(path Path) (crdt.Value, bool) {
	var cur crdt.Value = d.Fields
	for _, seg := range path {
		m, ok := cur.(*crdt.Map)
		if !ok {
			return nil, false
		}
		if cur, ok = m.Get(seg); !ok {
			return nil, false
		}
	}
	return cur, true
}

// Lookup returns the plain value at path and whether it exists.
func (d *Document) Lookup(path string) (any, bool) {
	p, err := ParsePath(path)
	if err != nil {
		return nil, false
	}
	if p.IsID() {
		if len(p) > 1 {
			parts, ok := d.ID.Value().(map[string]any)
			if !ok || len(p) != 2 {
				return nil, false
			}
			v, ok := parts[p[1]]
			return v, ok
		}
		return d.ID.Value(), true
	}
	v, ok := d.Field(p)
	if !ok {
		return nil, false
	}
	return crdt.Plain(v), true
}

// GetField returns the plain value at path or ErrFieldNotFound.
func (d *Document) GetField(path string) (any, error) {
	if _, err := ParsePath(path); err != nil {
		return nil, err
	}
	v, ok := d.Lookup(path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFieldNotFound, path)
	}
	return v, nil
}

// KindOf returns the CRDT kind of the field at path.
func (d *Document) KindOf(path string) (crdt.Kind, bool) {
	p, err := ParsePath(path)
	if err != nil || p.IsID() {
		return 0, false
	}
	v, ok := d.Field(p)
	if !ok {
		return 0, false
	}
	return v.Kind(), true
}

// SetField writes value at path as a field of the given kind, creating
// intermediate maps as needed. Counter writes reset the counter to value;
// map writes merge the given keys into the existing map.
func SetField(rc *stamp.ReplicaContext, d *Document, path string, value any, kind crdt.Kind) (*Document, error) {
	p, err := writablePath(d, path)
	if err != nil {
		return nil, err
	}
	s := rc.Next()
	v, err := valueForKind(value, kind, s)
	if err != nil {
		return nil, fmt.Errorf("failed to set %s: %w", path, err)
	}
	out := d.Clone()
	parent, err := ensureParent(out.Fields, p, s)
	if err != nil {
		return nil, err
	}
	if err := parent.Put(p[:len(p)-1], p[len(p)-1], v, s); err != nil {
		return nil, err
	}
	return out, nil
}

// Increment adds by to the counter at path, creating it in the zero epoch
// when it does not exist yet.
func Increment(rc *stamp.ReplicaContext, d *Document, path string, by int64) (*Document, error) {
	p, err := writablePath(d, path)
	if err != nil {
		return nil, err
	}
	s := rc.Next()
	out := d.Clone()
	parent, err := ensureParent(out.Fields, p, s)
	if err != nil {
		return nil, err
	}
	key := p[len(p)-1]
	wasLive := false
	if e, ok := parent.Entry(key); ok {
		wasLive = e.Live()
	}
	v, err := parent.Ensure(p[:len(p)-1], key, crdt.KindCounter, s)
	if err != nil {
		return nil, err
	}
	c := v.(*crdt.Counter)
	if wasLive {
		parent.Touch(key, s)
	} else if !c.Epoch.IsZero() || c.Value() != 0 {
		c.Reset(0, s)
	}
	c.Add(by, s)
	return out, nil
}

// RemoveField hides the key at path. Concurrent writes to the same key that
// this replica has not seen survive the removal.
func RemoveField(rc *stamp.ReplicaContext, d *Document, path string) (*Document, error) {
	p, err := writablePath(d, path)
	if err != nil {
		return nil, err
	}
	out := d.Clone()
	parentVal, ok := out.Field(p[:len(p)-1])
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFieldNotFound, path)
	}
	parent, ok := parentVal.(*crdt.Map)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFieldNotFound, path)
	}
	if !parent.Remove(p[len(p)-1], rc.Next()) {
		return nil, fmt.Errorf("%w: %s", ErrFieldNotFound, path)
	}
	return out, nil
}

// Delete retires the document. Its fields are dropped and the tombstone
// stamp replicates so other replicas delete it too.
func Delete(rc *stamp.ReplicaContext, d *Document) *Document {
	out := New(d.ID)
	out.Deleted = rc.Next()
	return out
}

// Clock summarises every stamp held by the document per replica.
func (d *Document) Clock() stamp.VersionVector {
	vv := stamp.VersionVector{}
	crdt.Stamps(d.Fields, vv.Witness)
	vv.Witness(d.Deleted)
	return vv
}

// FieldStamp is the highest counter a replica has written at a field path.
type FieldStamp struct {
	Path    string
	Replica string
	Counter uint64
}

// FieldStamps flattens the causal metadata of every field, visible or not,
// into (path, replica) -> highest counter rows sorted by path then replica.
func (d *Document) FieldStamps() []FieldStamp {
	highest := map[[2]string]uint64{}
	record := func(path []string, s stamp.Stamp) {
		if s.IsZero() {
			return
		}
		k := [2]string{Path(path).String(), s.Replica}
		if s.Counter > highest[k] {
			highest[k] = s.Counter
		}
	}
	var walk func(path []string, m *crdt.Map)
	walk = func(path []string, m *crdt.Map) {
		for _, key := range m.AllKeys() {
			e, _ := m.Entry(key)
			child := append(slices.Clone(path), key)
			for _, dot := range e.Dots {
				record(child, dot)
			}
			for _, t := range e.Tombstones {
				record(child, t.Dot)
				record(child, t.By)
			}
			switch v := e.Value.(type) {
			case *crdt.Map:
				walk(child, v)
			case *crdt.Register:
				record(child, v.Stamp)
			case *crdt.Counter:
				record(child, v.Epoch)
				record(child, v.Updated)
			}
		}
	}
	walk(nil, d.Fields)
	record([]string{IDField}, d.Deleted)
	out := make([]FieldStamp, 0, len(highest))
	for k, c := range highest {
		out = append(out, FieldStamp{Path: k[0], Replica: k[1], Counter: c})
	}
	slices.SortFunc(out, func(a, b FieldStamp) int {
		if c := cmp.Compare(a.Path, b.Path); c != 0 {
			return c
		}
		return cmp.Compare(a.Replica, b.Replica)
	})
	return out
}

type wireDocument struct {
	ID      ID              `json:"id"`
	Fields  json.RawMessage `json:"fields"`
	Deleted *stamp.Stamp    `json:"deleted,omitempty"`
}

// Marshal encodes the full replicated state deterministically.
func Marshal(d *Document) ([]byte, error) {
	fields, err := crdt.MarshalValue(d.Fields)
	if err != nil {
		return nil, err
	}
	w := wireDocument{ID: d.ID, Fields: fields}
	if d.IsDeleted() {
		del := d.Deleted
		w.Deleted = &del
	}
	return json.Marshal(w)
}

func Unmarshal(raw []byte) (*Document, error) {
	var w wireDocument
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	if w.ID.IsZero() {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidID)
	}
	doc := New(w.ID)
	if len(w.Fields) > 0 {
		v, err := crdt.UnmarshalValue(w.Fields)
		if err != nil {
			return nil, err
		}
		m, ok := v.(*crdt.Map)
		if !ok {
			return nil, fmt.Errorf("document fields must be a map, got %s", v.Kind())
		}
		doc.Fields = m
	}
	if w.Deleted != nil {
		doc.Deleted = *w.Deleted
	}
	return doc, nil
}

func writablePath(d *Document, path string) (Path, error) {
	p, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	if p.IsID() {
		return nil, fmt.Errorf("%w: cannot write %s", ErrImmutableID, path)
	}
	if d.IsDeleted() {
		return nil, fmt.Errorf("%w: %s", ErrDeleted, d.ID)
	}
	return p, nil
}

func ensureParent(root *crdt.Map, p Path, s stamp.Stamp) (*crdt.Map, error) {
	parent := root
	for i, seg := range p[:len(p)-1] {
		v, err := parent.Ensure(p[:i], seg, crdt.KindMap, s)
		if err != nil {
			return nil, err
		}
		parent = v.(*crdt.Map)
	}
	return parent, nil
}

func valueForKind(value any, kind crdt.Kind, s stamp.Stamp) (crdt.Value, error) {
	switch kind {
	case crdt.KindRegister:
		if rf, ok := value.(RegisterField); ok {
			value = rf.Value
		}
		return crdt.NewRegister(value, s)
	case crdt.KindCounter:
		n, err := toInt64(value)
		if err != nil {
			return nil, err
		}
		return crdt.NewCounter(n, s), nil
	case crdt.KindMap:
		if value == nil {
			return crdt.NewMap(), nil
		}
		fields, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: map field needs an object, got %T", crdt.ErrUnsupportedValue, value)
		}
		return BuildValue(fields, s)
	}
	return nil, fmt.Errorf("unknown crdt kind %v", kind)
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case CounterField:
		return int64(n), nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint32:
		return int64(n), nil
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("%w: counter value %v is not whole", crdt.ErrUnsupportedValue, n)
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	}
	return 0, fmt.Errorf("%w: counter value must be an integer, got %T", crdt.ErrUnsupportedValue, v)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
