// Package attachment is a content-addressed store for immutable blobs that
// documents reference by token.
//
// There is no update operation. Changing an attachment means creating a new
// one and replacing the token in the document field that references it;
// the old blob is collected once nothing references it.
package attachment

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/astromechza/replistore/pkg/crdt"
)

// Token is the document-side reference to an attachment.
type Token = crdt.AttachmentToken

var (
	ErrNotFound = errors.New("attachment not found")
	// ErrDeleted is returned by a Source for an attachment that was collected
	// everywhere and will never become available.
	ErrDeleted   = errors.New("attachment deleted")
	ErrTimeout   = errors.New("attachment fetch timed out")
	ErrCancelled = errors.New("attachment fetch cancelled")
	ErrCorrupt   = errors.New("attachment content does not match its token")
	// ErrUnavailable is returned when none of several candidate attachments
	// could be fetched.
	ErrUnavailable = errors.New("attachment unavailable")
)

const (
	blobPrefix    = "blob/"
	metaPrefix    = "meta/"
	markPrefix    = "mark/"
	partialPrefix = "partial/"

	DefaultCacheEntries = 128
)

type Config struct {
	// Path is the badger directory, ignored when InMemory is set.
	Path         string
	InMemory     bool
	SyncWrites   bool
	CacheEntries int
	Logger       *slog.Logger
}

type Store struct {
	db       *badger.DB
	cache    *lru.Cache[string, []byte]
	logger   *slog.Logger
	inMemory bool
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens the blob store and drops any partially fetched blobs left by
// an earlier process.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent attachment store")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("failed to create attachment directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: logger.With("component", "badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open attachment store: %w", err)
	}

	entries := cfg.CacheEntries
	if entries <= 0 {
		entries = DefaultCacheEntries
	}
	cache, err := lru.New[string, []byte](entries)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create attachment cache: %w", err)
	}

	s := &Store{db: db, cache: cache, logger: logger, inMemory: cfg.InMemory}
	if n, err := s.dropPartials(); err != nil {
		_ = db.Close()
		return nil, err
	} else if n > 0 {
		logger.Info("dropped partial attachments", "count", n)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// TokenID derives the attachment id from its bytes and metadata, so equal
// content with equal metadata always produces the same token.
func TokenID(data []byte, metadata map[string]string) string {
	h := sha256.New()
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	var n [8]byte
	writeField := func(b []byte) {
		binary.BigEndian.PutUint64(n[:], uint64(len(b)))
		h.Write(n[:])
		h.Write(b)
	}
	binary.BigEndian.PutUint64(n[:], uint64(len(keys)))
	h.Write(n[:])
	for _, k := range keys {
		writeField([]byte(k))
		writeField([]byte(metadata[k]))
	}
	writeField(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Create stores data and returns its token. Creating the same content twice
// returns the same token and stores it once.
func (s *Store) Create(data []byte, metadata map[string]string) (Token, error) {
	tok := Token{ID: TokenID(data, metadata), Len: int64(len(data))}
	if len(metadata) > 0 {
		tok.Metadata = make(map[string]string, len(metadata))
		for k, v := range metadata {
			tok.Metadata[k] = v
		}
	}
	if err := s.publish(tok, data); err != nil {
		return Token{}, err
	}
	s.logger.Debug("created attachment", "id", tok.ID, "len", tok.Len)
	return tok, nil
}

// publish makes a blob visible. Blob, metadata and the removal of any
// staged copy or collection mark commit in one transaction.
func (s *Store) publish(tok Token, data []byte) error {
	meta, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("failed to encode attachment metadata: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key(blobPrefix, tok.ID), data); err != nil {
			return err
		}
		if err := txn.Set(key(metaPrefix, tok.ID), meta); err != nil {
			return err
		}
		if err := txn.Delete(key(partialPrefix, tok.ID)); err != nil {
			return err
		}
		return txn.Delete(key(markPrefix, tok.ID))
	})
	if err != nil {
		return fmt.Errorf("failed to store attachment %s: %w", tok.ID, err)
	}
	s.cache.Add(tok.ID, bytes.Clone(data))
	return nil
}

// stage writes fetched bytes under the partial prefix where readers never
// look.
func (s *Store) stage(id string, data []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(partialPrefix, id), data)
	})
}

func (s *Store) discard(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(partialPrefix, id))
	})
}

func (s *Store) staged(id string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(partialPrefix, id))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return out, err
}

// Get returns the bytes of a resident attachment.
func (s *Store) Get(id string) ([]byte, error) {
	if data, ok := s.cache.Get(id); ok {
		return bytes.Clone(data), nil
	}
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(blobPrefix, id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment %s: %w", id, err)
	}
	s.cache.Add(id, data)
	return bytes.Clone(data), nil
}

// Token returns the stored token of a resident attachment.
func (s *Store) Token(id string) (Token, error) {
	var tok Token
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(metaPrefix, id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &tok)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Token{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return tok, err
}

func (s *Store) Has(id string) bool {
	if s.cache.Contains(id) {
		return true
	}
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key(blobPrefix, id))
		return err
	})
	return err == nil
}

// IDs lists resident attachment ids in key order.
func (s *Store) IDs() ([]string, error) {
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		out = listIDs(txn, blobPrefix)
		return nil
	})
	return out, err
}

func (s *Store) dropPartials() (int, error) {
	var ids []string
	err := s.db.Update(func(txn *badger.Txn) error {
		ids = listIDs(txn, partialPrefix)
		for _, id := range ids {
			if err := txn.Delete(key(partialPrefix, id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to drop partial attachments: %w", err)
	}
	return len(ids), nil
}

func listIDs(txn *badger.Txn, prefix string) []string {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()
	var out []string
	for it.Rewind(); it.Valid(); it.Next() {
		out = append(out, string(it.Item().Key()[len(prefix):]))
	}
	return out
}

func key(prefix, id string) []byte {
	return []byte(prefix + id)
}
