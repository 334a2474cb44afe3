package http_test

import (
	"context"
	"errors"
	nethttp "net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	assethttp "github.com/meigma/assetcache/http"
)

func TestFetchOK(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		assert.Equal(t, "assetcache-test", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("mp3 bytes"))
	}))
	t.Cleanup(server.Close)

	f, err := assethttp.NewFetcher(assethttp.WithHeader("User-Agent", "assetcache-test"))
	require.NoError(t, err)

	body, header, err := f.Fetch(context.Background(), server.URL+"/song.mp3")
	require.NoError(t, err)
	assert.Equal(t, []byte("mp3 bytes"), body)
	assert.Equal(t, "audio/mpeg", header.Get("Content-Type"))
}

func TestFetchRelativeURL(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		_, _ = w.Write([]byte(r.URL.Path))
	}))
	t.Cleanup(server.Close)

	f, err := assethttp.NewFetcher(assethttp.WithBaseURL(server.URL + "/assets/"))
	require.NoError(t, err)

	body, _, err := f.Fetch(context.Background(), "images/bg.jpg")
	require.NoError(t, err)
	assert.Equal(t, "/assets/images/bg.jpg", string(body))
}

func TestFetchRelativeWithoutBase(t *testing.T) {
	t.Parallel()

	f, err := assethttp.NewFetcher()
	require.NoError(t, err)

	_, _, err = f.Fetch(context.Background(), "images/bg.jpg")
	assert.Error(t, err)
}

func TestNewFetcherRejectsRelativeBase(t *testing.T) {
	t.Parallel()

	_, err := assethttp.NewFetcher(assethttp.WithBaseURL("assets/"))
	assert.Error(t, err)
}

func TestFetchStatusErrorNotRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		hits.Add(1)
		nethttp.NotFound(w, r)
	}))
	t.Cleanup(server.Close)

	f, err := assethttp.NewFetcher(assethttp.WithRetry(3), assethttp.WithRetryInterval(time.Millisecond))
	require.NoError(t, err)

	_, _, err = f.Fetch(context.Background(), server.URL)
	var statusErr *assethttp.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, nethttp.StatusNotFound, statusErr.StatusCode)
	assert.Equal(t, int32(1), hits.Load(), "4xx is permanent")
}

func TestFetchRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(nethttp.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("finally"))
	}))
	t.Cleanup(server.Close)

	f, err := assethttp.NewFetcher(assethttp.WithRetry(5), assethttp.WithRetryInterval(time.Millisecond))
	require.NoError(t, err)

	body, _, err := f.Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, []byte("finally"), body)
	assert.Equal(t, int32(3), hits.Load())
}

func TestFetchNoRetryByDefault(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		hits.Add(1)
		w.WriteHeader(nethttp.StatusBadGateway)
	}))
	t.Cleanup(server.Close)

	f, err := assethttp.NewFetcher()
	require.NoError(t, err)

	_, _, err = f.Fetch(context.Background(), server.URL)
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchBodyTooLarge(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		_, _ = w.Write(make([]byte, 64))
	}))
	t.Cleanup(server.Close)

	f, err := assethttp.NewFetcher(assethttp.WithMaxBodySize(16))
	require.NoError(t, err)

	_, _, err = f.Fetch(context.Background(), server.URL)
	assert.ErrorIs(t, err, assethttp.ErrBodyTooLarge)
}

func TestFetchCancel(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		close(started)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(release) })

	f, err := assethttp.NewFetcher(assethttp.WithRetry(3), assethttp.WithRetryInterval(time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := f.Fetch(ctx, server.URL)
		done <- err
	}()

	<-started
	cancel()
	err = <-done
	assert.True(t, errors.Is(err, context.Canceled), "Fetch() error = %v, want context.Canceled", err)
}
