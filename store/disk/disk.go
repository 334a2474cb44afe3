// Package disk provides a filesystem-backed durable store.
package disk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	nethttp "net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/meigma/assetcache/internal/payload"
	"github.com/meigma/assetcache/store"
)

const (
	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700
)

// Option configures a disk store.
type Option func(*config)

type config struct {
	shardPrefixLen int
	dirPerm        os.FileMode
	maxBytes       int64
	compress       bool
	now            func() time.Time
}

// WithShardPrefixLen sets the number of hex characters used for sharding.
// Use 0 to disable sharding. Defaults to 2.
func WithShardPrefixLen(n int) Option {
	return func(c *config) {
		c.shardPrefixLen = n
	}
}

// WithDirPerm sets the directory permissions used for store directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(c *config) {
		c.dirPerm = mode
	}
}

// WithMaxBytes sets the maximum store size in bytes.
// Values < 0 are invalid. Use 0 to disable the limit.
func WithMaxBytes(n int64) Option {
	return func(c *config) {
		c.maxBytes = n
	}
}

// WithCompression enables zstd compression of stored bodies.
func WithCompression(enabled bool) Option {
	return func(c *config) {
		c.compress = enabled
	}
}

// WithClock sets the time source Prune uses to find expired entries.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		c.now = now
	}
}

// record is the metadata line written ahead of each stored body.
type record struct {
	Key      string         `json:"key"`
	Header   nethttp.Header `json:"header"`
	Digest   digest.Digest  `json:"digest"`
	Encoding string         `json:"encoding"`
}

// Store persists entries as files under a directory.
//
// Keys are hashed with SHA256 to create safe filenames, since URLs contain
// characters like ':', '/', and '?'.
type Store struct {
	dir            string
	shardPrefixLen int
	dirPerm        os.FileMode
	maxBytes       int64
	compress       bool
	now            func() time.Time
	bytes          atomic.Int64
	pruneMu        sync.Mutex
}

var _ store.Store = (*Store)(nil)

// New creates a disk store rooted at dir.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("store dir is empty")
	}
	cfg := config{
		shardPrefixLen: defaultShardPrefixLen,
		dirPerm:        defaultDirPerm,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.shardPrefixLen < 0 {
		return nil, errors.New("shard prefix length must be >= 0")
	}
	if cfg.maxBytes < 0 {
		return nil, errors.New("max bytes must be >= 0")
	}
	if err := os.MkdirAll(dir, cfg.dirPerm); err != nil {
		return nil, err
	}
	s := &Store{
		dir:            dir,
		shardPrefixLen: cfg.shardPrefixLen,
		dirPerm:        cfg.dirPerm,
		maxBytes:       cfg.maxBytes,
		compress:       cfg.compress,
		now:            cfg.now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	defer root.Close()
	_, size, err := s.scan(root, false)
	if err != nil {
		return nil, err
	}
	s.bytes.Store(size)
	return s, nil
}

// Opener returns a store.Opener that keeps each namespace in its own
// subdirectory of root. An empty root reports store.ErrUnavailable.
func Opener(root string, opts ...Option) store.Opener {
	return store.OpenerFunc(func(ctx context.Context, namespace string) (store.Store, error) {
		if root == "" {
			return nil, store.ErrUnavailable
		}
		if namespace == "" || namespace == "." || strings.ContainsAny(namespace, `/\`) || !filepath.IsLocal(namespace) {
			return nil, fmt.Errorf("invalid namespace %q", namespace)
		}
		return New(filepath.Join(root, namespace), opts...)
	})
}

// Match implements store.Store.
//
// A record that fails to decode is removed and reported as a miss.
func (s *Store) Match(ctx context.Context, key string) (*store.Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	path := s.path(key)
	root, err := os.OpenRoot(s.dir)
	if err != nil {
		return nil, false, fmt.Errorf("open store root: %w", err)
	}
	defer root.Close()

	data, err := root.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read entry: %w", err)
	}

	rec, body, err := decodeRecord(data)
	if err != nil {
		_, _ = s.remove(root, path)
		return nil, false, nil
	}
	if rec.Key != key {
		return nil, false, nil
	}
	return &store.Entry{Header: rec.Header, Body: body}, true, nil
}

// Put implements store.Store. Entries larger than the configured limit are
// skipped silently.
func (s *Store) Put(ctx context.Context, key string, entry *store.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry == nil {
		return errors.New("entry is nil")
	}
	data, err := encodeRecord(key, entry, s.compress)
	if err != nil {
		return err
	}

	path := s.path(key)
	root, err := os.OpenRoot(s.dir)
	if err != nil {
		return fmt.Errorf("open store root: %w", err)
	}
	defer root.Close()

	var previous int64
	if info, err := root.Stat(path); err == nil {
		previous = info.Size()
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat entry: %w", err)
	}

	written := int64(len(data))
	if ok, err := s.reserve(written - previous); err != nil {
		return err
	} else if !ok {
		return nil
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := root.MkdirAll(dir, s.dirPerm); err != nil {
			return fmt.Errorf("create store dir: %w", err)
		}
	}

	tmp, tmpPath, err := createTemp(root, dir)
	if err != nil {
		return fmt.Errorf("create temp entry file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = root.Remove(tmpPath)
		return fmt.Errorf("write entry file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = root.Remove(tmpPath)
		return fmt.Errorf("close entry file: %w", err)
	}

	// The entry may have been pruned or replaced since the stat above.
	if info, err := root.Stat(path); err == nil {
		previous = info.Size()
	} else {
		previous = 0
	}
	if err := root.Rename(tmpPath, path); err != nil {
		_ = root.Remove(tmpPath)
		return fmt.Errorf("rename entry file: %w", err)
	}
	s.bytes.Add(written - previous)
	return nil
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	root, err := os.OpenRoot(s.dir)
	if err != nil {
		return false, fmt.Errorf("open store root: %w", err)
	}
	defer root.Close()
	return s.remove(root, s.path(key))
}

// MaxBytes returns the configured size limit (0 = unlimited).
func (s *Store) MaxBytes() int64 {
	return s.maxBytes
}

// SizeBytes returns the current store size in bytes.
func (s *Store) SizeBytes() int64 {
	return s.bytes.Load()
}

// path maps key to its file, sharded by the leading hex characters of the
// key's sha256 digest.
func (s *Store) path(key string) string {
	name := digest.FromString(key).Encoded()
	if n := min(s.shardPrefixLen, len(name)); n > 0 {
		return filepath.Join(name[:n], name)
	}
	return name
}

// remove deletes the file at path and reports whether it existed.
func (s *Store) remove(root *os.Root, path string) (bool, error) {
	info, err := root.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := root.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	s.bytes.Add(-info.Size())
	return true, nil
}

func encodeRecord(key string, entry *store.Entry, compress bool) ([]byte, error) {
	env, err := payload.Encode(entry.Body, compress)
	if err != nil {
		return nil, err
	}
	meta, err := json.Marshal(record{
		Key:      key,
		Header:   entry.Header,
		Digest:   env.Digest,
		Encoding: env.Encoding,
	})
	if err != nil {
		return nil, fmt.Errorf("encode entry metadata: %w", err)
	}
	data := make([]byte, 0, len(meta)+1+len(env.Data))
	data = append(data, meta...)
	data = append(data, '\n')
	data = append(data, env.Data...)
	return data, nil
}

func decodeRecord(data []byte) (record, []byte, error) {
	meta, rest, ok := bytes.Cut(data, []byte{'\n'})
	if !ok {
		return record{}, nil, payload.ErrCorrupt
	}
	var rec record
	if err := json.Unmarshal(meta, &rec); err != nil {
		return record{}, nil, fmt.Errorf("%w: %v", payload.ErrCorrupt, err)
	}
	body, err := payload.Decode(payload.Envelope{
		Digest:   rec.Digest,
		Encoding: rec.Encoding,
		Data:     rest,
	})
	if err != nil {
		return record{}, nil, err
	}
	if rec.Header == nil {
		rec.Header = make(nethttp.Header)
	}
	return rec, body, nil
}

// createTemp creates a uniquely named temp file in dir. Its name carries
// tempPrefix so concurrent prunes leave it alone.
func createTemp(root *os.Root, dir string) (*os.File, string, error) {
	path := filepath.Join(dir, tempPrefix+uuid.NewString())
	f, err := root.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, "", err
	}
	return f, path, nil
}
