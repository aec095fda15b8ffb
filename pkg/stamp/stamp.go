// Package stamp provides the causal stamps every replicated write carries.
//
// A Stamp is a (counter, replica id) pair drawn from a per-replica Lamport
// clock. If write a happened before write b then a's counter is lower, so
// ordering stamps by (counter, replica) gives a total order that respects
// causality and breaks ties between concurrent writes by replica id.
package stamp

import (
	"cmp"
	"fmt"
	"sync"
)

// Stamp is the causal stamp of a single write.
type Stamp struct {
	Counter uint64 `json:"c"`
	Replica string `json:"r"`
}

// Zero is the stamp of state that no replica has written yet.
var Zero = Stamp{}

func New(replica string, counter uint64) Stamp {
	return Stamp{Counter: counter, Replica: replica}
}

func (s Stamp) IsZero() bool {
	return s.Counter == 0 && s.Replica == ""
}

// Compare orders by counter first, then replica id.
func (s Stamp) Compare(o Stamp) int {
	if c := cmp.Compare(s.Counter, o.Counter); c != 0 {
		return c
	}
	return cmp.Compare(s.Replica, o.Replica)
}

func (s Stamp) Less(o Stamp) bool {
	return s.Compare(o) < 0
}

func (s Stamp) String() string {
	if s.IsZero() {
		return "0"
	}
	return fmt.Sprintf("%s@%d", s.Replica, s.Counter)
}

// Max returns the greater of the two stamps.
func Max(a, b Stamp) Stamp {
	if a.Less(b) {
		return b
	}
	return a
}

// ReplicaContext carries the local replica id and its Lamport clock. It is
// passed explicitly to every operation that produces writes.
type ReplicaContext struct {
	mu      sync.Mutex
	replica string
	clock   uint64
}

// NewReplicaContext creates a context for the replica, resuming from a
// previously persisted clock value (0 for a fresh replica).
func NewReplicaContext(replica string, clock uint64) *ReplicaContext {
	return &ReplicaContext{replica: replica, clock: clock}
}

func (c *ReplicaContext) ReplicaID() string {
	return c.replica
}

// Next allocates a fresh stamp. Stamps allocated by one context are strictly
// increasing.
func (c *ReplicaContext) Next() Stamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock++
	return Stamp{Counter: c.clock, Replica: c.replica}
}

// Observe advances the clock past a stamp seen from another replica so that
// subsequent local writes are ordered after it.
func (c *ReplicaContext) Observe(s Stamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.Counter > c.clock {
		c.clock = s.Counter
	}
}

// Clock returns the current clock value.
func (c *ReplicaContext) Clock() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clock
}
