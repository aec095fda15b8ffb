package store

import (
	"sync"

	"github.com/astromechza/replistore/pkg/delta"
	"github.com/astromechza/replistore/pkg/document"
)

type Origin int

const (
	Local Origin = iota
	Remote
)

func (o Origin) String() string {
	if o == Remote {
		return "remote"
	}
	return "local"
}

// Change is one committed mutation.
type Change struct {
	ID     document.ID
	Delta  *delta.Delta
	Origin Origin
}

// Subscription delivers changes in commit order. Its queue is unbounded, so
// a slow reader never blocks writers and never misses a change.
type Subscription struct {
	ch     chan Change
	mu     sync.Mutex
	queue  []Change
	wake   chan struct{}
	closed bool
	once   sync.Once
	done   chan struct{}
}

// Subscribe starts a subscription. Cancel it with Store.Unsubscribe.
func (s *Store) Subscribe() *Subscription {
	sub := &Subscription{
		ch:   make(chan Change),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go sub.pump()
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub
}

func (s *Store) Unsubscribe(sub *Subscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
	sub.close()
}

func (s *Store) publish(c Change) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for sub := range s.subs {
		sub.push(c)
	}
}

// Changes is closed when the subscription ends.
func (sub *Subscription) Changes() <-chan Change {
	return sub.ch
}

func (sub *Subscription) push(c Change) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.queue = append(sub.queue, c)
	sub.mu.Unlock()
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *Subscription) close() {
	sub.once.Do(func() {
		sub.mu.Lock()
		sub.closed = true
		sub.mu.Unlock()
		close(sub.done)
	})
}

func (sub *Subscription) pump() {
	defer close(sub.ch)
	for {
		sub.mu.Lock()
		pending := sub.queue
		sub.queue = nil
		sub.mu.Unlock()

		for _, c := range pending {
			select {
			case sub.ch <- c:
			case <-sub.done:
				return
			}
		}
		select {
		case <-sub.wake:
		case <-sub.done:
			return
		}
	}
}
