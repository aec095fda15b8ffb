package crdt

import (
	"slices"

	"github.com/astromechza/replistore/pkg/stamp"
)

// Tombstone records that the add identified by Dot was removed by the write
// stamped By.
type Tombstone struct {
	Dot stamp.Stamp `json:"dot"`
	By  stamp.Stamp `json:"by"`
}

// Entry is the replicated state of one map key. Dots are the adds that are
// still live; Tombstones are the adds that some replica removed after
// observing them. A key is visible while it has a live dot, or when it holds
// a map with visible keys of its own.
type Entry struct {
	Value      Value
	Dots       []stamp.Stamp
	Tombstones []Tombstone
}

func (e *Entry) Live() bool {
	if e == nil {
		return false
	}
	if len(e.Dots) > 0 {
		return true
	}
	if m, ok := e.Value.(*Map); ok {
		return m.Len() > 0
	}
	return false
}

func (e *Entry) clone() *Entry {
	out := &Entry{
		Dots:       slices.Clone(e.Dots),
		Tombstones: slices.Clone(e.Tombstones),
	}
	if e.Value != nil {
		out.Value = e.Value.Clone()
	}
	return out
}

func (e *Entry) equal(o *Entry) bool {
	return Equal(e.Value, o.Value) &&
		slices.Equal(e.Dots, o.Dots) &&
		slices.Equal(e.Tombstones, o.Tombstones)
}

// Map is an add-wins map: a concurrent add and remove of the same key leaves
// the key present, because a remove only covers the adds it has observed.
type Map struct {
	entries map[string]*Entry
}

func NewMap() *Map {
	return &Map{entries: make(map[string]*Entry)}
}

func (m *Map) Kind() Kind {
	return KindMap
}

func (m *Map) Clone() Value {
	out := &Map{entries: make(map[string]*Entry, len(m.entries))}
	for k, e := range m.entries {
		out.entries[k] = e.clone()
	}
	return out
}

func (m *Map) Equal(o Value) bool {
	other, ok := o.(*Map)
	if !ok || len(m.entries) != len(other.entries) {
		return false
	}
	for k, e := range m.entries {
		oe, ok := other.entries[k]
		if !ok || !e.equal(oe) {
			return false
		}
	}
	return true
}

// Len counts visible keys.
func (m *Map) Len() int {
	n := 0
	for _, e := range m.entries {
		if e.Live() {
			n++
		}
	}
	return n
}

// Keys returns the visible keys in sorted order.
func (m *Map) Keys() []string {
	out := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if e.Live() {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}

// AllKeys returns every key with replicated state, visible or not.
func (m *Map) AllKeys() []string {
	out := make([]string, 0, len(m.entries))
	for k := range m.entries {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Get returns the value of a visible key.
func (m *Map) Get(key string) (Value, bool) {
	e, ok := m.entries[key]
	if !ok || !e.Live() {
		return nil, false
	}
	return e.Value, true
}

// Entry returns the raw state of a key, visible or not.
func (m *Map) Entry(key string) (*Entry, bool) {
	e, ok := m.entries[key]
	return e, ok
}

// SetEntry installs raw entry state, normalizing dot and tombstone order.
func (m *Map) SetEntry(key string, e *Entry) {
	e.Dots = sortDots(e.Dots)
	e.Tombstones = sortTombstones(e.Tombstones)
	e.Dots = pruneDots(e.Dots, e.Tombstones)
	m.entries[key] = e
}

// Put writes v under key as a local write stamped s. Adds the key had are
// superseded: they become tombstones and s is the only live dot.
func (m *Map) Put(path []string, key string, v Value, s stamp.Stamp) error {
	e, ok := m.entries[key]
	if !ok {
		m.entries[key] = &Entry{Value: v, Dots: []stamp.Stamp{s}}
		return nil
	}
	if e.Value != nil && e.Value.Kind() != v.Kind() {
		return &TypeMismatchError{Path: appendPath(path, key), Have: e.Value.Kind(), Want: v.Kind()}
	}
	merged, err := Merge(appendPath(path, key), e.Value, v)
	if err != nil {
		return err
	}
	e.Value = merged
	e.Tombstones = sortTombstones(append(e.Tombstones, tombstonesFor(e.Dots, s)...))
	e.Dots = []stamp.Stamp{s}
	return nil
}

// Ensure returns the value under key, creating an empty value of the given
// kind when there is none, and makes the key visible with dot s if it is not.
// The returned value is owned by the map and may be mutated in place.
func (m *Map) Ensure(path []string, key string, kind Kind, s stamp.Stamp) (Value, error) {
	e, ok := m.entries[key]
	if !ok {
		e = &Entry{}
		m.entries[key] = e
	}
	if e.Value != nil && e.Value.Kind() != kind {
		return nil, &TypeMismatchError{Path: appendPath(path, key), Have: e.Value.Kind(), Want: kind}
	}
	if e.Value == nil {
		switch kind {
		case KindMap:
			e.Value = NewMap()
		case KindCounter:
			e.Value = NewCounter(0, stamp.Zero)
		default:
			e.Value = &Register{}
		}
	}
	if !e.Live() {
		e.Dots = append(e.Dots, s)
	}
	return e.Value, nil
}

// Touch records a local write stamped s to an existing key without changing
// its value. The key's adds are superseded the same way Put does it, so a
// concurrent Remove that has not seen s leaves the key visible.
func (m *Map) Touch(key string, s stamp.Stamp) {
	e, ok := m.entries[key]
	if !ok {
		return
	}
	e.Tombstones = sortTombstones(append(e.Tombstones, tombstonesFor(e.Dots, s)...))
	e.Dots = []stamp.Stamp{s}
}

// Remove hides key by tombstoning every add observed so far, recursing into
// nested maps so a later concurrent re-add starts from a clean slate. It
// reports whether the key was visible.
func (m *Map) Remove(key string, s stamp.Stamp) bool {
	e, ok := m.entries[key]
	if !ok || !e.Live() {
		return false
	}
	m.removeEntry(e, s)
	return true
}

func (m *Map) removeEntry(e *Entry, s stamp.Stamp) {
	e.Tombstones = sortTombstones(append(e.Tombstones, tombstonesFor(e.Dots, s)...))
	e.Dots = nil
	if nested, ok := e.Value.(*Map); ok {
		for _, child := range nested.entries {
			if child.Live() {
				nested.removeEntry(child, s)
			}
		}
	}
}

// Merge joins two maps key by key. Dots and tombstones are unioned and any
// dot covered by a tombstone is dropped; values are merged recursively.
func (m *Map) Merge(path []string, o *Map) (*Map, error) {
	out := &Map{entries: make(map[string]*Entry, len(m.entries)+len(o.entries))}
	for k, e := range m.entries {
		oe, ok := o.entries[k]
		if !ok {
			out.entries[k] = e.clone()
			continue
		}
		merged, err := mergeEntries(appendPath(path, k), e, oe)
		if err != nil {
			return nil, err
		}
		out.entries[k] = merged
	}
	for k, oe := range o.entries {
		if _, ok := m.entries[k]; !ok {
			out.entries[k] = oe.clone()
		}
	}
	return out, nil
}

func mergeEntries(path []string, a, b *Entry) (*Entry, error) {
	v, err := Merge(path, a.Value, b.Value)
	if err != nil {
		return nil, err
	}
	tombs := unionTombstones(a.Tombstones, b.Tombstones)
	dots := pruneDots(unionDots(a.Dots, b.Dots), tombs)
	return &Entry{Value: v, Dots: dots, Tombstones: tombs}, nil
}

// Compact drops tombstones whose removing write is older than horizon and
// forgets entries left with no visible state and no tombstones. It returns
// the number of tombstones dropped. Compaction is a local decision: an add
// arriving after its tombstone was compacted becomes visible again.
func (m *Map) Compact(horizon uint64) int {
	dropped := 0
	for k, e := range m.entries {
		if nested, ok := e.Value.(*Map); ok {
			dropped += nested.Compact(horizon)
		}
		kept := e.Tombstones[:0]
		for _, t := range e.Tombstones {
			if t.By.Counter < horizon {
				dropped++
				continue
			}
			kept = append(kept, t)
		}
		if len(kept) == 0 {
			e.Tombstones = nil
		} else {
			e.Tombstones = kept
		}
		if !e.Live() && len(e.Tombstones) == 0 {
			delete(m.entries, k)
		}
	}
	return dropped
}

func tombstonesFor(dots []stamp.Stamp, by stamp.Stamp) []Tombstone {
	out := make([]Tombstone, len(dots))
	for i, d := range dots {
		out[i] = Tombstone{Dot: d, By: by}
	}
	return out
}

func sortDots(in []stamp.Stamp) []stamp.Stamp {
	if len(in) == 0 {
		return nil
	}
	out := slices.Clone(in)
	slices.SortFunc(out, stamp.Stamp.Compare)
	return slices.Compact(out)
}

func unionDots(a, b []stamp.Stamp) []stamp.Stamp {
	return sortDots(append(slices.Clone(a), b...))
}

// sortTombstones orders by dot and keeps one tombstone per dot, the one with
// the greatest removing stamp, so the union stays a join.
func sortTombstones(in []Tombstone) []Tombstone {
	if len(in) == 0 {
		return nil
	}
	out := slices.Clone(in)
	slices.SortFunc(out, func(a, b Tombstone) int {
		if c := a.Dot.Compare(b.Dot); c != 0 {
			return c
		}
		return a.By.Compare(b.By)
	})
	dedup := out[:0]
	for _, t := range out {
		if n := len(dedup); n > 0 && dedup[n-1].Dot == t.Dot {
			dedup[n-1] = t
			continue
		}
		dedup = append(dedup, t)
	}
	return dedup
}

func unionTombstones(a, b []Tombstone) []Tombstone {
	return sortTombstones(append(slices.Clone(a), b...))
}

func pruneDots(dots []stamp.Stamp, tombs []Tombstone) []stamp.Stamp {
	if len(tombs) == 0 || len(dots) == 0 {
		return dots
	}
	out := dots[:0:0]
	for _, d := range dots {
		_, found := slices.BinarySearchFunc(tombs, d, func(t Tombstone, d stamp.Stamp) int {
			return t.Dot.Compare(d)
		})
		if !found {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
