// Package sizeguard checks a document version against the size limits before
// it is committed.
package sizeguard

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/astromechza/replistore/pkg/document"
)

const (
	DefaultSoftLimit = 250 * 1024
	DefaultHardLimit = 5 * 1024 * 1024
)

var ErrDocumentTooLarge = errors.New("document too large")

type TooLargeError struct {
	ID    string
	Size  int
	Limit int
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("document %s is %d bytes, limit is %d", e.ID, e.Size, e.Limit)
}

func (e *TooLargeError) Is(target error) bool {
	return target == ErrDocumentTooLarge
}

type Status int

const (
	Ok Status = iota
	Warn
)

func (s Status) String() string {
	if s == Warn {
		return "warn"
	}
	return "ok"
}

type Result struct {
	Status Status
	Size   int
}

// Guard measures a document by its encoded replicated state. Attachments are
// held as tokens, so their payload never counts.
type Guard struct {
	soft, hard int
	logger     *slog.Logger
}

func New(soft, hard int, logger *slog.Logger) *Guard {
	if soft <= 0 {
		soft = DefaultSoftLimit
	}
	if hard <= 0 {
		hard = DefaultHardLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{soft: soft, hard: hard, logger: logger}
}

// Check returns Warn at or above the soft limit and fails with a
// *TooLargeError above the hard limit.
func (g *Guard) Check(doc *document.Document) (Result, error) {
	size, err := Size(doc)
	if err != nil {
		return Result{}, err
	}
	if size > g.hard {
		return Result{Size: size}, &TooLargeError{ID: doc.ID.String(), Size: size, Limit: g.hard}
	}
	if size >= g.soft {
		g.logger.Warn("document above soft size limit", "doc", doc.ID.String(), "size", size, "soft", g.soft)
		return Result{Status: Warn, Size: size}, nil
	}
	return Result{Status: Ok, Size: size}, nil
}

func Size(doc *document.Document) (int, error) {
	raw, err := document.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("failed to measure document: %w", err)
	}
	return len(raw), nil
}
