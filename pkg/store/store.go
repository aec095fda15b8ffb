// Package store is a replica's document store. It owns the replica's causal
// clock, serialises mutations per document, runs every committed version
// through the merge engine and the size guard, and publishes the resulting
// deltas to subscribers such as replication.
package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/astromechza/replistore/pkg/crdt"
	"github.com/astromechza/replistore/pkg/delta"
	"github.com/astromechza/replistore/pkg/document"
	"github.com/astromechza/replistore/pkg/merge"
	"github.com/astromechza/replistore/pkg/metrics"
	"github.com/astromechza/replistore/pkg/sizeguard"
	"github.com/astromechza/replistore/pkg/stamp"
)

const DefaultTombstoneRetention = 100000

type Options struct {
	MaxDepth  int
	SoftLimit int
	HardLimit int
	// TombstoneRetention is how many clock ticks a removal is kept before
	// CompactTombstones may drop it.
	TombstoneRetention uint64
	Persister          Persister
	Logger             *slog.Logger
}

type Store struct {
	rc        *stamp.ReplicaContext
	engine    *merge.Engine
	guard     *sizeguard.Guard
	persister Persister
	retention uint64
	logger    *slog.Logger

	mu   sync.RWMutex
	docs map[string]*entry
	subs map[*Subscription]struct{}
}

// entry serialises all writes to one document. An evicted entry is no
// longer in the store's map and must not be written to.
type entry struct {
	mu      sync.Mutex
	doc     *document.Document
	evicted bool
}

// Open loads the persisted documents and resumes the replica clock after
// every stamp they hold.
func Open(ctx context.Context, replica string, opts Options) (*Store, error) {
	if replica == "" {
		return nil, errors.New("replica id must not be empty")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	persister := opts.Persister
	if persister == nil {
		persister = memoryPersister{}
	}
	retention := opts.TombstoneRetention
	if retention == 0 {
		retention = DefaultTombstoneRetention
	}

	docs, clock, err := persister.Load(ctx, replica)
	if err != nil {
		return nil, fmt.Errorf("failed to load documents: %w", err)
	}
	s := &Store{
		rc:        stamp.NewReplicaContext(replica, clock),
		engine:    merge.NewEngine(opts.MaxDepth, logger),
		guard:     sizeguard.New(opts.SoftLimit, opts.HardLimit, logger),
		persister: persister,
		retention: retention,
		logger:    logger.With("replica", replica),
		docs:      make(map[string]*entry, len(docs)),
		subs:      map[*Subscription]struct{}{},
	}
	for _, doc := range docs {
		s.observe(doc)
		s.docs[doc.ID.Key()] = &entry{doc: doc}
	}
	s.logger.Info("opened store", "documents", len(docs), "clock", s.rc.Clock())
	return s, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	for sub := range s.subs {
		sub.close()
	}
	s.subs = map[*Subscription]struct{}{}
	s.mu.Unlock()
	return s.persister.Close()
}

func (s *Store) ReplicaID() string {
	return s.rc.ReplicaID()
}

func (s *Store) Clock() uint64 {
	return s.rc.Clock()
}

func (s *Store) observe(doc *document.Document) {
	s.rc.Observe(stamp.Max(crdt.MaxStamp(doc.Fields), doc.Deleted))
}

func (s *Store) lookup(id document.ID) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.docs[id.Key()]
	return e, ok
}

// acquire returns the locked entry for id, creating an empty one when the
// store has never seen the id. Callers must unlock.
func (s *Store) acquire(id document.ID) *entry {
	for {
		s.mu.Lock()
		e, ok := s.docs[id.Key()]
		if !ok {
			e = &entry{}
			s.docs[id.Key()] = e
		}
		s.mu.Unlock()
		e.mu.Lock()
		if !e.evicted {
			return e
		}
		e.mu.Unlock()
	}
}

// release unlocks e, dropping it from the map if nothing was committed.
func (s *Store) release(id document.ID, e *entry) {
	empty := e.doc == nil
	e.mu.Unlock()
	if empty {
		s.mu.Lock()
		if cur, ok := s.docs[id.Key()]; ok && cur == e && e.doc == nil {
			delete(s.docs, id.Key())
		}
		s.mu.Unlock()
	}
}

type Conflict int

const (
	// Fail rejects an insert whose id already exists.
	Fail Conflict = iota
	// Merge writes the inserted fields into the existing document.
	Merge
)

type InsertOptions struct {
	OnConflict Conflict
}

// Insert creates a document from a plain field tree and returns its id. A
// zero id is replaced by a generated one. Deleted ids stay retired.
func (s *Store) Insert(ctx context.Context, id document.ID, fields map[string]any, opts InsertOptions) (document.ID, error) {
	if id.IsZero() {
		id = document.NewID()
	}
	e := s.acquire(id)
	defer s.release(id, e)

	if e.doc != nil {
		if e.doc.IsDeleted() {
			return id, fmt.Errorf("%w: %s", document.ErrDeleted, id)
		}
		if opts.OnConflict != Merge {
			return id, fmt.Errorf("%w: %s", document.ErrDuplicateID, id)
		}
		next := e.doc
		for _, k := range sortedKeys(fields) {
			kind := kindOf(fields[k])
			if delta.ShouldSkipWrite(next, k, fields[k], kind) {
				metrics.RecordSkippedWrite()
				continue
			}
			var err error
			if next, err = document.SetField(s.rc, next, k, fields[k], kind); err != nil {
				return id, err
			}
		}
		return id, s.commit(ctx, e, next, Local)
	}

	doc, err := document.Create(s.rc, id, fields)
	if err != nil {
		return id, err
	}
	return id, s.commit(ctx, e, doc, Local)
}

// Get returns a copy of a live document.
func (s *Store) Get(id document.ID) (*document.Document, error) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", document.ErrDocumentNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.doc == nil || e.doc.IsDeleted() {
		return nil, fmt.Errorf("%w: %s", document.ErrDocumentNotFound, id)
	}
	return e.doc.Clone(), nil
}

func (s *Store) GetField(id document.ID, path string) (any, error) {
	doc, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return doc.GetField(path)
}

// update applies fn to the current version of a live document and commits
// the result. fn returning a nil document means there is nothing to write.
func (s *Store) update(ctx context.Context, id document.ID, fn func(*document.Document) (*document.Document, error)) error {
	e, ok := s.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", document.ErrDocumentNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.doc == nil || e.doc.IsDeleted() {
		return fmt.Errorf("%w: %s", document.ErrDocumentNotFound, id)
	}
	next, err := fn(e.doc)
	if err != nil || next == nil {
		return err
	}
	return s.commit(ctx, e, next, Local)
}

// OpType names a field mutation.
type OpType string

const (
	OpSet       OpType = "set"
	OpIncrement OpType = "increment"
	OpRemove    OpType = "remove"
)

var ErrInvalidOp = errors.New("invalid operation")

// Op is one field mutation of an Apply batch. Kind defaults to a register
// for sets; By is only read by increments.
type Op struct {
	Op    OpType    `json:"op"`
	Path  string    `json:"path"`
	Value any       `json:"value,omitempty"`
	Kind  crdt.Kind `json:"kind,omitempty"`
	By    int64     `json:"by,omitempty"`
}

// Apply runs ops in order against one version of the document and commits
// the result once. If any op fails nothing is written.
func (s *Store) Apply(ctx context.Context, id document.ID, ops ...Op) error {
	return s.update(ctx, id, func(doc *document.Document) (*document.Document, error) {
		next := doc
		for i, op := range ops {
			var err error
			if next, err = s.applyOp(next, op); err != nil {
				if len(ops) > 1 {
					return nil, fmt.Errorf("op %d: %w", i, err)
				}
				return nil, err
			}
		}
		if next == doc {
			return nil, nil
		}
		return next, nil
	})
}

// applyOp returns doc itself when op would not change the visible document.
func (s *Store) applyOp(doc *document.Document, op Op) (*document.Document, error) {
	switch op.Op {
	case OpSet:
		kind := op.Kind
		if kind == 0 {
			kind = crdt.KindRegister
		}
		if delta.ShouldSkipWrite(doc, op.Path, op.Value, kind) {
			metrics.RecordSkippedWrite()
			return doc, nil
		}
		return document.SetField(s.rc, doc, op.Path, op.Value, kind)
	case OpIncrement:
		if op.By == 0 {
			if kind, ok := doc.KindOf(op.Path); ok && kind == crdt.KindCounter {
				metrics.RecordSkippedWrite()
				return doc, nil
			}
		}
		return document.Increment(s.rc, doc, op.Path, op.By)
	case OpRemove:
		return document.RemoveField(s.rc, doc, op.Path)
	default:
		return nil, fmt.Errorf("%w: unknown op %q", ErrInvalidOp, op.Op)
	}
}

// SetField writes one field. Writes that would not change the visible
// document are skipped so they never replicate.
func (s *Store) SetField(ctx context.Context, id document.ID, path string, value any, kind crdt.Kind) error {
	return s.Apply(ctx, id, Op{Op: OpSet, Path: path, Value: value, Kind: kind})
}

func (s *Store) Increment(ctx context.Context, id document.ID, path string, by int64) error {
	return s.Apply(ctx, id, Op{Op: OpIncrement, Path: path, By: by})
}

func (s *Store) RemoveField(ctx context.Context, id document.ID, path string) error {
	return s.Apply(ctx, id, Op{Op: OpRemove, Path: path})
}

// Delete retires a document on every replica.
func (s *Store) Delete(ctx context.Context, id document.ID) error {
	return s.update(ctx, id, func(doc *document.Document) (*document.Document, error) {
		return document.Delete(s.rc, doc), nil
	})
}

// Evict forgets a document on this replica only. Nothing replicates, and a
// later delta from a peer brings the document back.
func (s *Store) Evict(ctx context.Context, id document.ID) error {
	e, ok := s.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", document.ErrDocumentNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted || e.doc == nil {
		return fmt.Errorf("%w: %s", document.ErrDocumentNotFound, id)
	}
	// the row is removed while e.mu is held so a concurrent writer can only
	// save after it, into a fresh entry
	if err := s.persister.Remove(ctx, id); err != nil {
		return fmt.Errorf("failed to evict %s: %w", id, err)
	}
	e.doc = nil
	e.evicted = true
	s.mu.Lock()
	if cur, ok := s.docs[id.Key()]; ok && cur == e {
		delete(s.docs, id.Key())
	}
	s.mu.Unlock()
	s.logger.Info("evicted document", "doc", id.String())
	return nil
}

// Merge applies a delta or snapshot from another replica. It reports whether
// the local document changed. A rejected delta leaves the document as it
// was.
func (s *Store) Merge(ctx context.Context, d *delta.Delta) (bool, error) {
	metrics.RecordDelta("in")
	start := time.Now()
	e := s.acquire(d.ID)
	defer s.release(d.ID, e)

	local := e.doc
	if local == nil {
		local = document.New(d.ID)
	}
	merged, err := s.engine.MergeDocuments(local, d.Document())
	if err != nil {
		metrics.RecordMerge("rejected", time.Since(start).Seconds())
		return false, err
	}
	if e.doc != nil && merged.Equal(e.doc) {
		metrics.RecordMerge("noop", time.Since(start).Seconds())
		return false, nil
	}
	s.observe(merged)
	if err := s.commit(ctx, e, merged, Remote); err != nil {
		metrics.RecordMerge("rejected", time.Since(start).Seconds())
		return false, err
	}
	metrics.RecordMerge("applied", time.Since(start).Seconds())
	return true, nil
}

// ComputeDelta returns what after adds to before for the same document.
func (s *Store) ComputeDelta(before, after *document.Document) (*delta.Delta, error) {
	return delta.ComputeDelta(before, after)
}

// commit validates next, persists it and publishes its delta. The caller
// holds e.mu.
func (s *Store) commit(ctx context.Context, e *entry, next *document.Document, origin Origin) error {
	if err := s.engine.CheckDepth(next); err != nil {
		return err
	}
	res, err := s.guard.Check(next)
	if err != nil {
		metrics.RecordSizeCheck("rejected")
		return err
	}
	metrics.RecordSizeCheck(res.Status.String())

	prev := e.doc
	if prev == nil {
		prev = document.New(next.ID)
	}
	d, err := delta.ComputeDelta(prev, next)
	if err != nil {
		return fmt.Errorf("failed to compute delta for %s: %w", next.ID, err)
	}
	if err := s.persister.Save(ctx, next, s.rc.ReplicaID(), s.rc.Clock()); err != nil {
		return fmt.Errorf("failed to persist %s: %w", next.ID, err)
	}
	e.doc = next
	if origin == Local {
		metrics.RecordDelta("out")
	}
	s.logger.Debug("committed", "doc", next.ID.String(), "origin", origin.String(), "size", res.Size)
	s.publish(Change{ID: next.ID, Delta: d, Origin: origin})
	return nil
}

// IDs lists the ids of live documents.
func (s *Store) IDs() []document.ID {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.docs))
	for _, e := range s.docs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var out []document.ID
	for _, e := range entries {
		e.mu.Lock()
		if e.doc != nil && !e.doc.IsDeleted() {
			out = append(out, e.doc.ID)
		}
		e.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b document.ID) int {
		return cmp.Compare(a.Key(), b.Key())
	})
	return out
}

// Snapshot returns copies of every document the store holds, deleted ones
// included so their tombstones can replicate.
func (s *Store) Snapshot() []*document.Document {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.docs))
	for _, e := range s.docs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var out []*document.Document
	for _, e := range entries {
		e.mu.Lock()
		if e.doc != nil {
			out = append(out, e.doc.Clone())
		}
		e.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b *document.Document) int {
		return cmp.Compare(a.ID.Key(), b.ID.Key())
	})
	return out
}

// CompactTombstones drops map tombstones whose removal is more than the
// retention window behind the replica clock. It is a local operation and
// publishes nothing.
func (s *Store) CompactTombstones(ctx context.Context) (int, error) {
	clock := s.rc.Clock()
	if clock <= s.retention {
		return 0, nil
	}
	horizon := clock - s.retention
	total := 0
	for _, id := range s.IDs() {
		e, ok := s.lookup(id)
		if !ok {
			continue
		}
		e.mu.Lock()
		if e.doc == nil || e.doc.IsDeleted() {
			e.mu.Unlock()
			continue
		}
		next := e.doc.Clone()
		dropped := next.Fields.Compact(horizon)
		if dropped > 0 {
			if err := s.persister.Save(ctx, next, s.rc.ReplicaID(), clock); err != nil {
				e.mu.Unlock()
				return total, fmt.Errorf("failed to persist %s: %w", id, err)
			}
			e.doc = next
			total += dropped
		}
		e.mu.Unlock()
	}
	metrics.RecordCompaction(total)
	if total > 0 {
		s.logger.Info("compacted tombstones", "dropped", total, "horizon", horizon)
	}
	return total, nil
}

// AttachmentRefs returns the ids of every attachment token held by a
// visible field of a live document.
func (s *Store) AttachmentRefs(ctx context.Context) (map[string]struct{}, error) {
	out := map[string]struct{}{}
	for _, doc := range s.Snapshot() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if doc.IsDeleted() {
			continue
		}
		err := crdt.Walk(nil, doc.Fields, func(_ []string, v crdt.Value) error {
			if r, ok := v.(*crdt.Register); ok {
				if tok, ok := r.Value.(crdt.AttachmentToken); ok {
					out[tok.ID] = struct{}{}
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func kindOf(v any) crdt.Kind {
	switch v.(type) {
	case map[string]any:
		return crdt.KindMap
	case document.CounterField:
		return crdt.KindCounter
	}
	return crdt.KindRegister
}

func sortedKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
