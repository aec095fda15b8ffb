package attachment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/astromechza/replistore/pkg/metrics"
)

// State is the lifecycle of one fetch:
// Requested -> Progress* -> Completed | Unavailable | Cancelled | Deleted.
type State int

const (
	Requested State = iota
	Progress
	Completed
	Unavailable
	Cancelled
	Deleted
)

func (s State) String() string {
	switch s {
	case Requested:
		return "requested"
	case Progress:
		return "progress"
	case Completed:
		return "completed"
	case Unavailable:
		return "unavailable"
	case Cancelled:
		return "cancelled"
	case Deleted:
		return "deleted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) Terminal() bool {
	return s >= Completed
}

type Event struct {
	State      State
	Downloaded int64
	Total      int64
	// Err explains an Unavailable or Cancelled event when there is more to
	// say than the state, for example ErrTimeout.
	Err error
}

// Source transfers attachment bytes from elsewhere, typically a peer. It
// returns ErrNotFound while the peer does not have the blob yet and
// ErrDeleted when it never will.
type Source interface {
	Open(ctx context.Context, tok Token) (io.ReadCloser, error)
}

// Result is the terminal outcome of a fetch.
type Result struct {
	State State
	Data  []byte
}

// Handle tracks one fetch. Events are delivered on a buffered channel that
// is closed after the terminal event; progress events are dropped rather
// than block the transfer when the reader falls behind.
type Handle struct {
	Token Token

	mu     sync.Mutex
	state  State
	data   []byte
	err    error
	events chan Event
	done   chan struct{}
	cancel context.CancelCauseFunc
}

const eventBuffer = 32

func newHandle(tok Token) *Handle {
	h := &Handle{
		Token:  tok,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
		cancel: func(error) {},
	}
	h.events <- Event{State: Requested, Total: tok.Len}
	return h
}

func (h *Handle) Events() <-chan Event {
	return h.events
}

func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Cancel stops a fetch in any non-terminal state. The handle is Cancelled
// on return and no partial blob becomes visible.
func (h *Handle) Cancel() {
	if !h.finish(Event{State: Cancelled, Err: ErrCancelled}, nil) {
		return
	}
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	cancel(ErrCancelled)
}

// Wait blocks until the fetch is terminal or ctx is done. Unavailable is a
// normal outcome and not an error unless the fetch timed out.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{State: h.State()}, ctx.Err()
	case <-h.done:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return Result{State: h.state, Data: h.data}, h.err
}

func (h *Handle) progress(downloaded, total int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Terminal() {
		return
	}
	h.state = Progress
	// keep one slot free for the terminal event
	if len(h.events) < cap(h.events)-1 {
		h.events <- Event{State: Progress, Downloaded: downloaded, Total: total}
	}
}

// finish moves the handle to a terminal state. Only the first call wins.
func (h *Handle) finish(ev Event, data []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Terminal() {
		return false
	}
	h.state = ev.State
	h.data = data
	switch {
	case ev.State == Cancelled:
		h.err = ErrCancelled
	case errors.Is(ev.Err, ErrTimeout), errors.Is(ev.Err, ErrCorrupt):
		h.err = ev.Err
	}
	if ev.State == Completed {
		ev.Downloaded, ev.Total = int64(len(data)), int64(len(data))
	}
	h.events <- ev
	close(h.events)
	close(h.done)
	metrics.RecordAttachmentFetch(ev.State.String())
	return true
}

// Fetcher brings attachments into the local store on request. Fetching is
// never automatic: a synced document may hold a token whose bytes are not
// resident until someone asks for them.
type Fetcher struct {
	store    *Store
	source   Source
	timeout  time.Duration
	maxTries uint
	chunk    int
	logger   *slog.Logger
}

const (
	DefaultFetchTimeout = time.Minute
	defaultMaxTries     = 5
	defaultChunk        = 32 * 1024
)

func NewFetcher(store *Store, source Source, timeout time.Duration, logger *slog.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		store:    store,
		source:   source,
		timeout:  timeout,
		maxTries: defaultMaxTries,
		chunk:    defaultChunk,
		logger:   logger,
	}
}

// Fetch starts fetching tok and returns its handle. A resident attachment
// completes immediately.
func (f *Fetcher) Fetch(ctx context.Context, tok Token) *Handle {
	h := newHandle(tok)
	if data, err := f.store.Get(tok.ID); err == nil {
		h.finish(Event{State: Completed}, data)
		return h
	}
	if f.source == nil {
		h.finish(Event{State: Unavailable}, nil)
		return h
	}

	ctx, cancel := context.WithCancelCause(ctx)
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()
	go f.run(ctx, cancel, h)
	return h
}

func (f *Fetcher) run(ctx context.Context, cancel context.CancelCauseFunc, h *Handle) {
	defer cancel(nil)
	tctx, stop := context.WithTimeoutCause(ctx, f.timeout, ErrTimeout)
	defer stop()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	eb.MaxInterval = 2 * time.Second
	data, err := backoff.Retry(tctx, func() ([]byte, error) {
		return f.download(tctx, h)
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(f.maxTries))

	if err == nil {
		h.finish(Event{State: Completed}, data)
		return
	}
	if tctx.Err() != nil {
		err = context.Cause(tctx)
	}
	if derr := f.store.discard(h.Token.ID); derr != nil {
		f.logger.Warn("failed to discard partial attachment", "id", h.Token.ID, "err", derr)
	}

	switch {
	case errors.Is(err, ErrNotFound):
		h.finish(Event{State: Unavailable}, nil)
	case errors.Is(err, ErrDeleted):
		h.finish(Event{State: Deleted}, nil)
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		f.logger.Warn("attachment fetch timed out", "id", h.Token.ID, "timeout", f.timeout)
		h.finish(Event{State: Unavailable, Err: ErrTimeout}, nil)
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		h.finish(Event{State: Cancelled, Err: ErrCancelled}, nil)
	default:
		f.logger.Warn("attachment fetch failed", "id", h.Token.ID, "err", err)
		h.finish(Event{State: Unavailable, Err: err}, nil)
	}
}

// download transfers the blob, verifies it against its token, stages it and
// only then publishes it.
func (f *Fetcher) download(ctx context.Context, h *Handle) ([]byte, error) {
	tok := h.Token
	rc, err := f.source.Open(ctx, tok)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDeleted) {
		return nil, backoff.Permanent(err)
	}
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var buf bytes.Buffer
	chunk := make([]byte, f.chunk)
	for {
		if err := ctx.Err(); err != nil {
			return nil, backoff.Permanent(context.Cause(ctx))
		}
		n, rerr := rc.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			h.progress(int64(buf.Len()), tok.Len)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, rerr
		}
	}

	data := buf.Bytes()
	if int64(len(data)) != tok.Len || TokenID(data, tok.Metadata) != tok.ID {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, tok.ID)
	}
	if err := f.store.stage(tok.ID, data); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to stage attachment: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return nil, backoff.Permanent(context.Cause(ctx))
	}
	if err := f.store.publish(tok, data); err != nil {
		return nil, backoff.Permanent(err)
	}
	return data, nil
}

// FetchWithFallback returns the first of tokens that can be fetched, for
// example a full image and then its thumbnail. Each candidate gets the
// fetcher's own timeout.
func FetchWithFallback(ctx context.Context, f *Fetcher, tokens ...Token) (Token, []byte, error) {
	var errs []error
	for _, tok := range tokens {
		res, err := f.Fetch(ctx, tok).Wait(ctx)
		if ctx.Err() != nil {
			return Token{}, nil, ctx.Err()
		}
		if err == nil && res.State == Completed {
			return tok, res.Data, nil
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", tok.ID, err))
		}
	}
	return Token{}, nil, errors.Join(append([]error{ErrUnavailable}, errs...)...)
}
