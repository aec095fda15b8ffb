package attachment

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/astromechza/replistore/pkg/metrics"
)

const (
	DefaultGCInterval = 10 * time.Minute
	DefaultDebounce   = 10 * time.Minute
)

// References reports the attachment ids currently referenced by documents.
type References interface {
	AttachmentRefs(ctx context.Context) (map[string]struct{}, error)
}

// Collection summarises one collection pass.
type Collection struct {
	Referenced int
	Marked     int
	Unmarked   int
	Swept      int
}

// Collector deletes attachments that no document references. It works in
// three phases: it scans references, marks unreferenced blobs, and sweeps
// blobs that were already marked by an earlier pass at least debounce ago
// and are still unreferenced. References are scanned again right before the
// sweep, so a document committed during the pass keeps its blob. Nothing is
// deleted while scanning, so an interrupted pass leaves marks and blobs
// consistent.
type Collector struct {
	store    *Store
	refs     References
	debounce time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

func NewCollector(store *Store, refs References, debounce time.Duration, logger *slog.Logger) *Collector {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{store: store, refs: refs, debounce: debounce, now: time.Now, logger: logger}
}

func (c *Collector) Collect(ctx context.Context) (Collection, error) {
	var res Collection
	live, err := c.refs.AttachmentRefs(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to scan attachment references: %w", err)
	}
	res.Referenced = len(live)
	if err := ctx.Err(); err != nil {
		return res, err
	}

	now := c.now()
	var candidates map[string][]byte
	err = c.store.db.Update(func(txn *badger.Txn) error {
		candidates, err = c.mark(txn, live, now, &res)
		return err
	})
	if err != nil {
		return res, fmt.Errorf("failed to mark attachments: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if len(candidates) > 0 {
		if err := c.recheck(ctx, candidates, &res); err != nil {
			return res, err
		}
	}

	for id, stamp := range candidates {
		swept, err := c.sweep(id, stamp)
		if err != nil {
			return res, fmt.Errorf("failed to sweep attachment %s: %w", id, err)
		}
		if swept {
			c.store.cache.Remove(id)
			res.Swept++
			res.Marked--
		}
	}

	metrics.RecordCollection(res.Marked, res.Swept)
	c.logger.Info("attachment collection finished",
		"referenced", res.Referenced, "marked", res.Marked, "unmarked", res.Unmarked, "swept", res.Swept)
	return res, nil
}

// mark records the first time each blob is seen unreferenced and clears the
// mark of blobs referenced again. It returns the marks old enough to sweep.
func (c *Collector) mark(txn *badger.Txn, live map[string]struct{}, now time.Time, res *Collection) (map[string][]byte, error) {
	candidates := map[string][]byte{}
	for _, id := range listIDs(txn, blobPrefix) {
		mk := key(markPrefix, id)
		item, err := txn.Get(mk)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			item = nil
		case err != nil:
			return nil, err
		}

		if _, ok := live[id]; ok {
			if item != nil {
				if err := txn.Delete(mk); err != nil {
					return nil, err
				}
				res.Unmarked++
			}
			continue
		}

		res.Marked++
		if item == nil {
			if err := txn.Set(mk, encodeTime(now)); err != nil {
				return nil, err
			}
			continue
		}
		stamp, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		if now.Sub(decodeTime(stamp)) >= c.debounce {
			candidates[id] = stamp
		}
	}
	return candidates, nil
}

// recheck drops candidates that became referenced after the first scan and
// clears their marks.
func (c *Collector) recheck(ctx context.Context, candidates map[string][]byte, res *Collection) error {
	live, err := c.refs.AttachmentRefs(ctx)
	if err != nil {
		return fmt.Errorf("failed to rescan attachment references: %w", err)
	}
	for id := range candidates {
		if _, ok := live[id]; !ok {
			continue
		}
		delete(candidates, id)
		err := c.store.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key(markPrefix, id))
		})
		if err != nil {
			return fmt.Errorf("failed to unmark attachment %s: %w", id, err)
		}
		res.Marked--
		res.Unmarked++
	}
	return nil
}

// sweep deletes a marked blob if its mark is unchanged. Publishing the same
// content again clears the mark, which keeps the blob.
func (c *Collector) sweep(id string, stamp []byte) (bool, error) {
	swept := false
	err := c.store.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key(markPrefix, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		current, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if string(current) != string(stamp) {
			return nil
		}
		for _, prefix := range []string{blobPrefix, metaPrefix, markPrefix} {
			if err := txn.Delete(key(prefix, id)); err != nil {
				return err
			}
		}
		swept = true
		return nil
	})
	return swept, err
}

func encodeTime(t time.Time) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(t.UnixNano()))
	return b[:]
}

func decodeTime(b []byte) time.Time {
	if len(b) != 8 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(b)))
}

// Runner runs collection passes on an interval and follows each with badger
// value log GC so swept blobs release disk space.
type Runner struct {
	collector    *Collector
	interval     time.Duration
	discardRatio float64
	logger       *slog.Logger
}

func NewRunner(c *Collector, interval time.Duration, logger *slog.Logger) *Runner {
	if interval <= 0 {
		interval = DefaultGCInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{collector: c, interval: interval, discardRatio: 0.5, logger: logger}
}

// Run blocks until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

func (r *Runner) RunOnce(ctx context.Context) {
	if _, err := r.collector.Collect(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("attachment collection failed", "err", err)
	}
	if r.collector.store.inMemory {
		return
	}
	if err := r.collector.store.db.RunValueLogGC(r.discardRatio); err == nil {
		r.logger.Debug("badger value log GC completed")
	} else if !errors.Is(err, badger.ErrNoRewrite) {
		r.logger.Warn("badger value log GC error", "err", err)
	}
}
