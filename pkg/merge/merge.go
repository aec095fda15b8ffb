// Package merge is the merge engine: it joins two versions of a document
// field by field according to each field's CRDT kind.
package merge

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/astromechza/replistore/pkg/crdt"
	"github.com/astromechza/replistore/pkg/document"
	"github.com/astromechza/replistore/pkg/stamp"
)

// DefaultMaxDepth bounds map nesting so recursion cost stays bounded.
const DefaultMaxDepth = 64

var (
	ErrDocumentTooDeep = errors.New("document nesting too deep")
	// ErrInvalidDelta wraps every reason an incoming version is rejected.
	ErrInvalidDelta = errors.New("invalid delta")
)

// Engine merges documents. It holds no per-document state; callers serialise
// merges into the same document.
type Engine struct {
	maxDepth int
	logger   *slog.Logger
}

func NewEngine(maxDepth int, logger *slog.Logger) *Engine {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{maxDepth: maxDepth, logger: logger}
}

// MergeDocuments joins remote into local and returns the result. remote may
// be a full snapshot or a sparse delta document. Neither input is modified,
// and a rejected remote leaves nothing half-applied.
//
// A delete tombstone on either side wins: the result is deleted with the
// greater of the two delete stamps.
func (e *Engine) MergeDocuments(local, remote *document.Document) (*document.Document, error) {
	if local.ID.Key() != remote.ID.Key() {
		return nil, e.reject(local, fmt.Errorf("%w: id %s does not match %s", ErrInvalidDelta, remote.ID.Key(), local.ID.Key()))
	}
	if err := e.checkDepth(remote); err != nil {
		return nil, e.reject(local, err)
	}
	if local.IsDeleted() || remote.IsDeleted() {
		out := document.New(local.ID)
		out.Deleted = stamp.Max(local.Deleted, remote.Deleted)
		return out, nil
	}
	merged, err := crdt.Merge(nil, local.Fields, remote.Fields)
	if err != nil {
		return nil, e.reject(local, fmt.Errorf("%w: %w", ErrInvalidDelta, err))
	}
	return &document.Document{ID: local.ID, Fields: merged.(*crdt.Map)}, nil
}

func (e *Engine) checkDepth(d *document.Document) error {
	if err := e.CheckDepth(d); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDelta, err)
	}
	return nil
}

// CheckDepth validates a locally produced version against the depth limit.
func (e *Engine) CheckDepth(d *document.Document) error {
	if depth := crdt.Depth(d.Fields); depth > e.maxDepth {
		return fmt.Errorf("%w: depth %d exceeds %d", ErrDocumentTooDeep, depth, e.maxDepth)
	}
	return nil
}

func (e *Engine) reject(local *document.Document, err error) error {
	if errors.Is(err, crdt.ErrStampCollision) {
		e.logger.Error("causal stamp collision, stamp allocation is broken", "doc", local.ID.String(), "err", err)
	} else {
		e.logger.Error("rejected incoming document version", "doc", local.ID.String(), "err", err)
	}
	return err
}
