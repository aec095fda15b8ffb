package stamp

import "maps"

// Relation describes how two version vectors relate.
type Relation int

const (
	Before Relation = iota
	After
	Equal
	Concurrent
)

func (r Relation) String() string {
	switch r {
	case Before:
		return "before"
	case After:
		return "after"
	case Equal:
		return "equal"
	default:
		return "concurrent"
	}
}

// VersionVector maps replica id to the highest counter observed from it.
type VersionVector map[string]uint64

// Witness records a stamp in the vector.
func (v VersionVector) Witness(s Stamp) {
	if s.IsZero() {
		return
	}
	if s.Counter > v[s.Replica] {
		v[s.Replica] = s.Counter
	}
}

// Covers reports whether the stamp is included in the vector.
func (v VersionVector) Covers(s Stamp) bool {
	return s.IsZero() || v[s.Replica] >= s.Counter
}

func (v VersionVector) Clone() VersionVector {
	return maps.Clone(v)
}

// Merge returns the entry-wise maximum of both vectors.
func (v VersionVector) Merge(o VersionVector) VersionVector {
	out := v.Clone()
	if out == nil {
		out = VersionVector{}
	}
	for r, c := range o {
		if c > out[r] {
			out[r] = c
		}
	}
	return out
}

// Compare reports whether v happened before, after, equal to or concurrently
// with o.
func (v VersionVector) Compare(o VersionVector) Relation {
	less, greater := false, false
	for r, c := range v {
		oc := o[r]
		if c < oc {
			less = true
		} else if c > oc {
			greater = true
		}
	}
	for r, oc := range o {
		if _, ok := v[r]; !ok && oc > 0 {
			less = true
		}
	}
	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}
