package store

import (
	"context"
	"errors"
	nethttp "net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryExpires(t *testing.T) {
	t.Parallel()

	expires := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		entry *Entry
		want  time.Time
	}{
		{
			name:  "nil entry",
			entry: nil,
			want:  time.Unix(0, 0),
		},
		{
			name:  "missing header",
			entry: &Entry{Header: nethttp.Header{}},
			want:  time.Unix(0, 0),
		},
		{
			name:  "unparseable header",
			entry: &Entry{Header: nethttp.Header{HeaderExpires: {"tomorrow"}}},
			want:  time.Unix(0, 0),
		},
		{
			name:  "http date",
			entry: &Entry{Header: nethttp.Header{HeaderExpires: {expires.Format(nethttp.TimeFormat)}}},
			want:  expires,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.True(t, tt.want.Equal(tt.entry.Expires()), "Expires() = %v, want %v", tt.entry.Expires(), tt.want)
		})
	}
}

func TestMemoryPutMatchDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()

	_, ok, err := m.Match(ctx, "https://example.com/a.png")
	require.NoError(t, err)
	assert.False(t, ok)

	body := []byte("png")
	require.NoError(t, m.Put(ctx, "https://example.com/a.png", &Entry{
		Header: nethttp.Header{HeaderContentType: {"image/png"}},
		Body:   body,
	}))
	body[0] = 'x'

	e, ok, err := m.Match(ctx, "https://example.com/a.png")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("png"), e.Body, "stored body must not alias caller slice")
	assert.Equal(t, "image/png", e.Header.Get(HeaderContentType))

	removed, err := m.Delete(ctx, "https://example.com/a.png")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = m.Delete(ctx, "https://example.com/a.png")
	require.NoError(t, err)
	assert.False(t, removed, "second delete has nothing to remove")
}

func TestMemoryClear(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Put(ctx, "a", &Entry{Body: []byte("a")}))
	require.NoError(t, m.Put(ctx, "b", &Entry{Body: []byte("b")}))
	assert.Equal(t, 2, m.Len())

	m.Clear()
	assert.Equal(t, 0, m.Len())
}

func TestPoolSharesOpen(t *testing.T) {
	t.Parallel()

	var opens atomic.Int32
	release := make(chan struct{})
	pool := NewPool(OpenerFunc(func(ctx context.Context, namespace string) (Store, error) {
		opens.Add(1)
		<-release
		return NewMemory(), nil
	}))

	const callers = 8
	stores := make([]Store, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := pool.Instance(context.Background(), "image")
			assert.NoError(t, err)
			stores[i] = s
		}()
	}

	require.Eventually(t, func() bool { return opens.Load() == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), opens.Load())
	for _, s := range stores {
		assert.Same(t, stores[0], s)
	}

	again, err := pool.Instance(context.Background(), "image")
	require.NoError(t, err)
	assert.Same(t, stores[0], again)
}

func TestPoolSeparatesNamespaces(t *testing.T) {
	t.Parallel()

	pool := NewPool(MemoryOpener())
	image, err := pool.Instance(context.Background(), "image")
	require.NoError(t, err)
	audio, err := pool.Instance(context.Background(), "audio")
	require.NoError(t, err)
	assert.NotSame(t, image, audio)
}

func TestPoolRemembersFailure(t *testing.T) {
	t.Parallel()

	openErr := errors.New("quota exceeded")
	var opens atomic.Int32
	pool := NewPool(OpenerFunc(func(context.Context, string) (Store, error) {
		opens.Add(1)
		return nil, openErr
	}))

	for range 3 {
		_, err := pool.Instance(context.Background(), "audio")
		require.ErrorIs(t, err, openErr)
	}
	assert.Equal(t, int32(1), opens.Load(), "failed open must not be retried")
}

func TestPoolNilOpenerUnavailable(t *testing.T) {
	t.Parallel()

	pool := NewPool(nil)
	_, err := pool.Instance(context.Background(), "image")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestPoolCancelledWaiterDoesNotPoison(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	pool := NewPool(OpenerFunc(func(ctx context.Context, namespace string) (Store, error) {
		<-release
		return NewMemory(), ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := pool.Instance(ctx, "image")
		done <- err
	}()

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(release)
	s, err := pool.Instance(context.Background(), "image")
	require.NoError(t, err)
	assert.NotNil(t, s)
}
