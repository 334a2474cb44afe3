package sqlite

import (
	"bytes"
	"context"
	nethttp "net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/assetcache/store"
)

func openTestDB(t *testing.T, opts ...Option) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "assets.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestStorePutMatchDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestDB(t).Namespace("image")
	key := "https://cdn.example.com/a.webp"

	_, ok, err := s.Match(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, key, &store.Entry{
		Header: nethttp.Header{store.HeaderContentType: {"image/webp"}},
		Body:   []byte("webp"),
	}))

	e, ok, err := s.Match(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("webp"), e.Body)
	assert.Equal(t, "image/webp", e.Header.Get(store.HeaderContentType))

	removed, err := s.Delete(ctx, key)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.Delete(ctx, key)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestStoreUpsert(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestDB(t).Namespace("audio")

	require.NoError(t, s.Put(ctx, "k", &store.Entry{Body: []byte("v1")}))
	require.NoError(t, s.Put(ctx, "k", &store.Entry{Body: []byte("v2")}))

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e, ok, err := s.Match(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), e.Body)
}

func TestNamespacesIsolated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	image := db.Namespace("image")
	audio := db.Namespace("audio")

	require.NoError(t, image.Put(ctx, "shared-key", &store.Entry{Body: []byte("image")}))

	_, ok, err := audio.Match(ctx, "shared-key")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreCompressedEmptyBody(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestDB(t, WithCompression(true)).Namespace("image")

	require.NoError(t, s.Put(ctx, "empty", &store.Entry{Header: nethttp.Header{}}))
	e, ok, err := s.Match(ctx, "empty")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, e.Body)

	body := bytes.Repeat([]byte("frame"), 512)
	require.NoError(t, s.Put(ctx, "big", &store.Entry{Body: body}))
	e, ok, err = s.Match(ctx, "big")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, body, e.Body)
}

func TestStoreCorruptRowRemoved(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	s := db.Namespace("image")
	require.NoError(t, s.Put(ctx, "k", &store.Entry{Body: []byte("intact")}))

	_, err := db.sqlDB.ExecContext(ctx, `UPDATE entries SET body = ? WHERE key = ?`, []byte("broken"), "k")
	require.NoError(t, err)

	_, ok, err := s.Match(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "corrupt row should be deleted")
}

func TestOpener(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	s, err := Opener(db).Open(context.Background(), "image")
	require.NoError(t, err)
	assert.IsType(t, &Store{}, s)

	_, err = Opener(nil).Open(context.Background(), "image")
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestOpenEmptyPath(t *testing.T) {
	t.Parallel()

	_, err := Open("  ")
	assert.Error(t, err)
}
