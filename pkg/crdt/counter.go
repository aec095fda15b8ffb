package crdt

import (
	"maps"

	"github.com/astromechza/replistore/pkg/stamp"
)

// Counter is a PN counter with reset epochs. Increments from every replica
// commute within an epoch. A reset starts a new epoch stamped with the reset
// write; the epoch with the greatest stamp wins a merge and everything
// counted in older epochs is discarded, including increments that were
// concurrent with the reset.
type Counter struct {
	Epoch stamp.Stamp
	Base  int64
	Inc   map[string]uint64
	Dec   map[string]uint64
	// Updated is the greatest stamp of any write to the counter.
	Updated stamp.Stamp
}

func NewCounter(base int64, epoch stamp.Stamp) *Counter {
	return &Counter{
		Epoch:   epoch,
		Base:    base,
		Inc:     map[string]uint64{},
		Dec:     map[string]uint64{},
		Updated: epoch,
	}
}

func (c *Counter) Kind() Kind {
	return KindCounter
}

func (c *Counter) Clone() Value {
	out := &Counter{
		Epoch:   c.Epoch,
		Base:    c.Base,
		Inc:     maps.Clone(c.Inc),
		Dec:     maps.Clone(c.Dec),
		Updated: c.Updated,
	}
	if out.Inc == nil {
		out.Inc = map[string]uint64{}
	}
	if out.Dec == nil {
		out.Dec = map[string]uint64{}
	}
	return out
}

func (c *Counter) Equal(o Value) bool {
	other, ok := o.(*Counter)
	return ok &&
		c.Epoch == other.Epoch &&
		c.Base == other.Base &&
		c.Updated == other.Updated &&
		countsEqual(c.Inc, other.Inc) &&
		countsEqual(c.Dec, other.Dec)
}

// Value is the base of the current epoch plus all increments made in it.
func (c *Counter) Value() int64 {
	v := c.Base
	for _, n := range c.Inc {
		v += int64(n)
	}
	for _, n := range c.Dec {
		v -= int64(n)
	}
	return v
}

// Add applies a local increment (or decrement for negative n) stamped s.
func (c *Counter) Add(n int64, s stamp.Stamp) {
	if c.Inc == nil {
		c.Inc = map[string]uint64{}
	}
	if c.Dec == nil {
		c.Dec = map[string]uint64{}
	}
	if n >= 0 {
		c.Inc[s.Replica] += uint64(n)
	} else {
		c.Dec[s.Replica] += uint64(-n)
	}
	c.Updated = stamp.Max(c.Updated, s)
}

// Reset starts a new epoch at value v.
func (c *Counter) Reset(v int64, s stamp.Stamp) {
	c.Epoch = s
	c.Base = v
	c.Inc = map[string]uint64{}
	c.Dec = map[string]uint64{}
	c.Updated = stamp.Max(c.Updated, s)
}

// Merge keeps the epoch with the greater stamp. Within the same epoch each
// replica's running totals are joined with max.
func (c *Counter) Merge(path []string, o *Counter) (*Counter, error) {
	updated := stamp.Max(c.Updated, o.Updated)
	switch c.Epoch.Compare(o.Epoch) {
	case 1:
		out := c.Clone().(*Counter)
		out.Updated = updated
		return out, nil
	case -1:
		out := o.Clone().(*Counter)
		out.Updated = updated
		return out, nil
	}
	if c.Base != o.Base {
		return nil, &StampCollisionError{Path: path, Stamp: c.Epoch, Left: c.Base, Right: o.Base}
	}
	out := &Counter{
		Epoch:   c.Epoch,
		Base:    c.Base,
		Inc:     maxCounts(c.Inc, o.Inc),
		Dec:     maxCounts(c.Dec, o.Dec),
		Updated: updated,
	}
	return out, nil
}

func maxCounts(a, b map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(a)+len(b))
	for r, n := range a {
		out[r] = n
	}
	for r, n := range b {
		if n > out[r] {
			out[r] = n
		}
	}
	return out
}

func countsEqual(a, b map[string]uint64) bool {
	for r, n := range a {
		if n != 0 && b[r] != n {
			return false
		}
	}
	for r, n := range b {
		if n != 0 && a[r] != n {
			return false
		}
	}
	return true
}
