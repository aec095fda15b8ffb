package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/replistore/pkg/document"
)

// Persister is where committed document versions and the replica clock
// survive restarts.
type Persister interface {
	Load(ctx context.Context, replica string) ([]*document.Document, uint64, error)
	Save(ctx context.Context, doc *document.Document, replica string, clock uint64) error
	Remove(ctx context.Context, id document.ID) error
	Close() error
}

// SQLitePersister stores each document as its encoded state, and keeps the
// per-field causal stamps in their own table so they can be queried without
// decoding documents.
type SQLitePersister struct {
	database *sql.DB
}

func OpenSQLite(path string) (*SQLitePersister, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serialises writers anyway, and one connection keeps in-memory
	// databases from being opened once per connection.
	db.SetMaxOpenConns(1)
	p := &SQLitePersister{database: db}
	if err := p.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

func (p *SQLitePersister) init() error {
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS documents (
		id text not null primary key,
		content text not null,
		deleted integer not null default 0
		)`,
		`CREATE TABLE IF NOT EXISTS field_stamps (
		document_id text not null,
		field_path text not null,
		replica_id text not null,
		counter integer not null,
		primary key (document_id, field_path, replica_id)
		)`,
		`CREATE TABLE IF NOT EXISTS replica_clock (
		replica_id text not null primary key,
		counter integer not null
		)`,
	} {
		if _, err := p.database.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create tables: %w", err)
		}
	}
	return nil
}

func (p *SQLitePersister) Load(ctx context.Context, replica string) ([]*document.Document, uint64, error) {
	var clock uint64
	err := p.database.QueryRowContext(ctx, `SELECT counter FROM replica_clock WHERE replica_id = ?`, replica).Scan(&clock)
	if err != nil && err != sql.ErrNoRows {
		return nil, 0, fmt.Errorf("failed to read replica clock: %w", err)
	}

	res, err := p.database.QueryContext(ctx, `SELECT id, content FROM documents ORDER BY id`)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query: %w", err)
	}
	defer func(res *sql.Rows) {
		if err := res.Close(); err != nil {
			slog.Error("failed to close rows", "err", err)
		}
	}(res)

	var out []*document.Document
	for res.Next() {
		var key, content string
		if err := res.Scan(&key, &content); err != nil {
			return nil, 0, fmt.Errorf("failed to scan: %w", err)
		}
		doc, err := document.Unmarshal([]byte(content))
		if err != nil {
			return nil, 0, fmt.Errorf("failed to load document %s: %w", key, err)
		}
		out = append(out, doc)
	}
	return out, clock, res.Err()
}

// Save writes the document, its field stamps and the replica clock in one
// transaction.
func (p *SQLitePersister) Save(ctx context.Context, doc *document.Document, replica string, clock uint64) error {
	content, err := document.Marshal(doc)
	if err != nil {
		return err
	}
	key := doc.ID.Key()
	tx, err := p.database.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	deleted := 0
	if doc.IsDeleted() {
		deleted = 1
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents (id, content, deleted) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET content = excluded.content, deleted = excluded.deleted`,
		key, string(content), deleted,
	); err != nil {
		return fmt.Errorf("failed to save document %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM field_stamps WHERE document_id = ?`, key); err != nil {
		return fmt.Errorf("failed to clear field stamps: %w", err)
	}
	for _, fs := range doc.FieldStamps() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO field_stamps (document_id, field_path, replica_id, counter) VALUES (?, ?, ?, ?)`,
			key, fs.Path, fs.Replica, fs.Counter,
		); err != nil {
			return fmt.Errorf("failed to save field stamp: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO replica_clock (replica_id, counter) VALUES (?, ?)
		ON CONFLICT (replica_id) DO UPDATE SET counter = max(counter, excluded.counter)`,
		replica, clock,
	); err != nil {
		return fmt.Errorf("failed to save replica clock: %w", err)
	}
	return tx.Commit()
}

func (p *SQLitePersister) Remove(ctx context.Context, id document.ID) error {
	tx, err := p.database.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM field_stamps WHERE document_id = ?`, id.Key()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id.Key()); err != nil {
		return err
	}
	return tx.Commit()
}

// FieldStamps returns the persisted stamps of one document, newest first.
func (p *SQLitePersister) FieldStamps(ctx context.Context, id document.ID) ([]document.FieldStamp, error) {
	res, err := p.database.QueryContext(ctx,
		`SELECT field_path, replica_id, counter FROM field_stamps WHERE document_id = ?
		ORDER BY counter DESC, replica_id DESC, field_path`, id.Key())
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer res.Close()
	var out []document.FieldStamp
	for res.Next() {
		var fs document.FieldStamp
		if err := res.Scan(&fs.Path, &fs.Replica, &fs.Counter); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		out = append(out, fs)
	}
	return out, res.Err()
}

func (p *SQLitePersister) Close() error {
	return p.database.Close()
}

// memoryPersister keeps nothing; it backs stores that do not persist.
type memoryPersister struct{}

func (memoryPersister) Load(context.Context, string) ([]*document.Document, uint64, error) {
	return nil, 0, nil
}

func (memoryPersister) Save(context.Context, *document.Document, string, uint64) error {
	return nil
}

func (memoryPersister) Remove(context.Context, document.ID) error {
	return nil
}

func (memoryPersister) Close() error {
	return nil
}
