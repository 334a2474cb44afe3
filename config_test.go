package assetcache

import (
	"context"
	nethttp "net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{
		"ASSETCACHE_BACKEND", "ASSETCACHE_DIR", "ASSETCACHE_TTL", "ASSETCACHE_COMPRESS",
		"ASSETCACHE_MAX_BYTES", "ASSETCACHE_RUN_CONCURRENCY", "ASSETCACHE_RETRY",
		"ASSETCACHE_BASE_URL", "ASSETCACHE_HANDLE_BASE",
	} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, BackendDisk, cfg.Backend)
	assert.Equal(t, 6*time.Hour, cfg.TTL)
	assert.Equal(t, uint(3), cfg.Retry)
	assert.False(t, cfg.Compress)
	assert.Zero(t, cfg.MaxBytes)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("ASSETCACHE_BACKEND", "sqlite")
	t.Setenv("ASSETCACHE_DIR", "/var/cache/assets")
	t.Setenv("ASSETCACHE_TTL", "90m")
	t.Setenv("ASSETCACHE_COMPRESS", "true")
	t.Setenv("ASSETCACHE_MAX_BYTES", "1048576")
	t.Setenv("ASSETCACHE_RUN_CONCURRENCY", "4")
	t.Setenv("ASSETCACHE_RETRY", "5")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, Config{
		Backend:        BackendSQLite,
		Dir:            "/var/cache/assets",
		TTL:            90 * time.Minute,
		Compress:       true,
		MaxBytes:       1 << 20,
		RunConcurrency: 4,
		Retry:          5,
	}, cfg)
}

func TestLoadConfigInvalid(t *testing.T) {
	t.Setenv("ASSETCACHE_TTL", "soon")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env")
}

func TestConfigOptionsBackends(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		backend   string
		available bool
	}{
		{name: "disk", backend: BackendDisk, available: true},
		{name: "sqlite", backend: BackendSQLite, available: true},
		{name: "memory", backend: BackendMemory, available: true},
		{name: "none", backend: BackendNone, available: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := Config{Backend: tt.backend, Dir: t.TempDir(), TTL: time.Hour}
			opts, closer, err := cfg.Options()
			require.NoError(t, err)
			t.Cleanup(func() { assert.NoError(t, closer.Close()) })

			reg, err := NewRegistry(opts...)
			require.NoError(t, err)
			c := reg.Cache("image")
			require.NoError(t, c.Open(context.Background()))

			assert.Equal(t, tt.available, c.Available())
			assert.Equal(t, time.Hour, c.TTL())
		})
	}
}

func TestConfigOptionsUnknownBackend(t *testing.T) {
	t.Parallel()

	_, _, err := Config{Backend: "indexeddb"}.Options()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown storage backend "indexeddb"`)
}

func TestConfigOptionsInvalidBaseURL(t *testing.T) {
	t.Parallel()

	_, _, err := Config{Backend: BackendNone, BaseURL: "assets/"}.Options()
	require.Error(t, err)
}

func TestDiskBackendAcrossRestarts(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png payload for " + r.URL.Path))
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	cfg := Config{Backend: BackendDisk, Dir: dir, Compress: true, BaseURL: srv.URL + "/"}

	for range 2 {
		opts, closer, err := cfg.Options()
		require.NoError(t, err)
		reg, err := NewRegistry(opts...)
		require.NoError(t, err)

		h, err := reg.Cache("image").Get(context.Background(), "icons/logo.png")
		require.NoError(t, err)
		assert.Equal(t, []byte("png payload for /icons/logo.png"), h.Bytes())
		assert.Equal(t, "image/png", h.ContentType())
		require.NoError(t, closer.Close())
	}

	assert.Equal(t, int64(1), hits.Load(), "second registry is served from disk")
	_, err := os.Stat(filepath.Join(dir, "image"))
	assert.NoError(t, err)
}
