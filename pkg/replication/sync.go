// Package replication exchanges document deltas between two replicas over a
// websocket. Each side first sends its full state, then streams every change
// it commits. Merges are idempotent, so replaying or echoing a delta is
// harmless, and forwarding remote changes lets deltas gossip across peers.
package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/astromechza/replistore/pkg/delta"
	"github.com/astromechza/replistore/pkg/store"
)

type message struct {
	From   string        `json:"from"`
	Tuples []delta.Tuple `json:"tuples"`
}

func writeDelta(conn *websocket.Conn, from string, d *delta.Delta) error {
	raw, err := json.Marshal(message{From: from, Tuples: d.Tuples()})
	if err != nil {
		return fmt.Errorf("failed to encode delta: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func readAndMerge(ctx context.Context, conn *websocket.Conn, s *store.Store, logger *slog.Logger) error {
	mt, p, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}
	if mt != websocket.BinaryMessage {
		return nil
	}
	var msg message
	if err := json.Unmarshal(p, &msg); err != nil {
		logger.Error("dropping undecodable message", "err", err)
		return nil
	}
	if len(msg.Tuples) == 0 {
		return nil
	}
	d, err := delta.FromTuples(msg.Tuples)
	if err != nil {
		logger.Error("dropping malformed delta", "from", msg.From, "err", err)
		return nil
	}
	if _, err := s.Merge(ctx, d); err != nil {
		// the merge engine has already logged why
		logger.Warn("rejected delta", "from", msg.From, "doc", d.ID.String())
	}
	return nil
}

// Sync replicates s over conn until ctx is done or the connection fails.
func Sync(ctx context.Context, conn *websocket.Conn, s *store.Store, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("syncing", "remote", conn.RemoteAddr().String())

	// subscribe before the snapshot so nothing committed in between is lost
	sub := s.Subscribe()
	defer s.Unsubscribe(sub)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return conn.Close()
	})

	g.Go(func() error {
		for {
			if err := readAndMerge(gctx, conn, s, logger); err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	})

	g.Go(func() error {
		for _, doc := range s.Snapshot() {
			if err := writeDelta(conn, s.ReplicaID(), delta.FromDocument(doc)); err != nil {
				return err
			}
		}
		for {
			select {
			case c, ok := <-sub.Changes():
				if !ok {
					return errors.New("store closed")
				}
				if err := writeDelta(conn, s.ReplicaID(), c.Delta); err != nil {
					return err
				}
			case <-gctx.Done():
				return nil
			}
		}
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Handler accepts sync connections from peers.
func Handler(s *store.Store, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return func(writer http.ResponseWriter, request *http.Request) {
		conn, err := upgrader.Upgrade(writer, request, nil)
		if err != nil {
			logger.Error("failed to upgrade", "err", err)
			return
		}
		defer conn.Close()
		if err := Sync(request.Context(), conn, s, logger); err != nil {
			logger.Error("failed to sync", "err", err)
		}
	}
}

// Dial connects to a peer's sync endpoint and replicates until ctx is done
// or the connection drops.
func Dial(ctx context.Context, url string, s *store.Store, logger *slog.Logger) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.Close()
	if err := Sync(ctx, conn, s, logger); err != nil {
		return fmt.Errorf("failed to sync: %w", err)
	}
	return nil
}

// DialContinuously keeps a connection to url open, redialling every interval
// after a failure, until ctx is done.
func DialContinuously(ctx context.Context, url string, interval time.Duration, s *store.Store, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if err := Dial(ctx, url, s, logger); err != nil {
			logger.Error("failed to sync", "peer", url, "err", err)
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			logger.Info("stopping scheduled sync", "peer", url)
			return
		}
	}
}
