// Package sqlite provides a SQLite-backed durable store.
//
// One database holds every namespace; entries are keyed by (namespace, key).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	nethttp "net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/meigma/assetcache/internal/payload"
	"github.com/meigma/assetcache/store"
)

const schema = `CREATE TABLE IF NOT EXISTS entries (
	namespace  TEXT    NOT NULL,
	key        TEXT    NOT NULL,
	header     TEXT    NOT NULL,
	body       BLOB    NOT NULL,
	digest     TEXT    NOT NULL,
	encoding   TEXT    NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (namespace, key)
)`

// Option configures a DB.
type Option func(*DB)

// WithCompression enables zstd compression of stored bodies.
func WithCompression(enabled bool) Option {
	return func(db *DB) {
		db.compress = enabled
	}
}

// DB is an open SQLite database holding entries for any number of namespaces.
type DB struct {
	sqlDB    *sql.DB
	compress bool
}

// Open opens (creating if needed) the SQLite database at path.
func Open(path string, opts ...Option) (*DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	db := &DB{sqlDB: sqlDB}
	for _, opt := range opts {
		opt(db)
	}
	return db, nil
}

// Close closes the SQLite handle.
func (db *DB) Close() error {
	if db == nil || db.sqlDB == nil {
		return nil
	}
	return db.sqlDB.Close()
}

// Namespace returns the store for one namespace.
func (db *DB) Namespace(name string) *Store {
	return &Store{db: db, namespace: name}
}

// Opener returns a store.Opener serving every namespace from db.
func Opener(db *DB) store.Opener {
	return store.OpenerFunc(func(ctx context.Context, namespace string) (store.Store, error) {
		if db == nil || db.sqlDB == nil {
			return nil, store.ErrUnavailable
		}
		if err := db.sqlDB.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping sqlite db: %w", err)
		}
		return db.Namespace(namespace), nil
	})
}

// Store is the durable store for one namespace of a DB.
type Store struct {
	db        *DB
	namespace string
}

var _ store.Store = (*Store)(nil)

// Match implements store.Store.
//
// A row that fails to decode is removed and reported as a miss.
func (s *Store) Match(ctx context.Context, key string) (*store.Entry, bool, error) {
	var (
		header   string
		body     []byte
		dgst     string
		encoding string
	)
	err := s.db.sqlDB.QueryRowContext(ctx,
		`SELECT header, body, digest, encoding FROM entries WHERE namespace = ? AND key = ?`,
		s.namespace, key,
	).Scan(&header, &body, &dgst, &encoding)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select entry: %w", err)
	}

	h := make(nethttp.Header)
	if err := json.Unmarshal([]byte(header), &h); err != nil {
		_, _ = s.Delete(ctx, key)
		return nil, false, nil
	}
	decoded, err := payload.Decode(payload.Envelope{
		Digest:   digest.Digest(dgst),
		Encoding: encoding,
		Data:     body,
	})
	if err != nil {
		_, _ = s.Delete(ctx, key)
		return nil, false, nil
	}
	return &store.Entry{Header: h, Body: decoded}, true, nil
}

// Put implements store.Store.
func (s *Store) Put(ctx context.Context, key string, entry *store.Entry) error {
	if entry == nil {
		return errors.New("entry is nil")
	}
	header := entry.Header
	if header == nil {
		header = make(nethttp.Header)
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	env, err := payload.Encode(entry.Body, s.db.compress)
	if err != nil {
		return err
	}
	data := env.Data
	if data == nil {
		data = []byte{}
	}

	_, err = s.db.sqlDB.ExecContext(ctx,
		`INSERT INTO entries (namespace, key, header, body, digest, encoding, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE SET
		   header = excluded.header,
		   body = excluded.body,
		   digest = excluded.digest,
		   encoding = excluded.encoding,
		   updated_at = excluded.updated_at`,
		s.namespace, key, string(headerJSON), data, env.Digest.String(), env.Encoding, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert entry: %w", err)
	}
	return nil
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.sqlDB.ExecContext(ctx,
		`DELETE FROM entries WHERE namespace = ? AND key = ?`,
		s.namespace, key,
	)
	if err != nil {
		return false, fmt.Errorf("delete entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete entry: %w", err)
	}
	return n > 0, nil
}

// Len returns the number of entries stored in the namespace.
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	err := s.db.sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entries WHERE namespace = ?`, s.namespace,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}
