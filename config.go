package assetcache

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"

	assethttp "github.com/meigma/assetcache/http"
	"github.com/meigma/assetcache/store"
	"github.com/meigma/assetcache/store/disk"
	"github.com/meigma/assetcache/store/sqlite"
)

// Storage backends accepted by Config.Backend.
const (
	BackendDisk   = "disk"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
	BackendNone   = "none"
)

// Config is the environment-driven registry configuration.
type Config struct {
	// Backend selects durable storage: disk, sqlite, memory, or none.
	Backend string `env:"ASSETCACHE_BACKEND" envDefault:"disk"`
	// Dir is the storage root. Defaults to <user cache dir>/assetcache.
	Dir      string        `env:"ASSETCACHE_DIR"`
	TTL      time.Duration `env:"ASSETCACHE_TTL" envDefault:"6h"`
	Compress bool          `env:"ASSETCACHE_COMPRESS" envDefault:"false"`
	MaxBytes int64         `env:"ASSETCACHE_MAX_BYTES" envDefault:"0"`

	RunConcurrency int    `env:"ASSETCACHE_RUN_CONCURRENCY" envDefault:"0"`
	Retry          uint   `env:"ASSETCACHE_RETRY" envDefault:"3"`
	BaseURL        string `env:"ASSETCACHE_BASE_URL"`
	HandleBase     string `env:"ASSETCACHE_HANDLE_BASE"`
}

// LoadConfig parses Config from environment variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Options translates cfg into registry options. fetcherOpts are applied
// after the ones derived from cfg.
//
// The returned closer releases any storage opened for the backend and must
// be called once the registry is no longer used.
func (cfg Config) Options(fetcherOpts ...assethttp.Option) ([]Option, io.Closer, error) {
	fetcher, err := assethttp.NewFetcher(append([]assethttp.Option{
		assethttp.WithBaseURL(cfg.BaseURL),
		assethttp.WithRetry(cfg.Retry),
	}, fetcherOpts...)...)
	if err != nil {
		return nil, nil, err
	}
	opts := []Option{
		WithFetcher(fetcher),
		WithRunConcurrency(cfg.RunConcurrency),
		WithHandleBase(cfg.HandleBase),
	}
	if cfg.TTL > 0 {
		opts = append(opts, WithDefaultTTL(cfg.TTL))
	}

	var closer io.Closer = nopCloser{}
	switch cfg.Backend {
	case BackendDisk, "":
		dir, err := cfg.storageDir()
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, WithOpener(disk.Opener(dir,
			disk.WithCompression(cfg.Compress),
			disk.WithMaxBytes(cfg.MaxBytes),
		)))
	case BackendSQLite:
		dir, err := cfg.storageDir()
		if err != nil {
			return nil, nil, err
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, nil, err
		}
		db, err := sqlite.Open(filepath.Join(dir, "assets.db"), sqlite.WithCompression(cfg.Compress))
		if err != nil {
			return nil, nil, err
		}
		closer = db
		opts = append(opts, WithOpener(sqlite.Opener(db)))
	case BackendMemory:
		opts = append(opts, WithOpener(store.MemoryOpener()))
	case BackendNone:
		// no opener: storage unavailable
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	return opts, closer, nil
}

func (cfg Config) storageDir() (string, error) {
	if cfg.Dir != "" {
		return cfg.Dir, nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", errors.Join(errors.New("no storage dir configured"), err)
	}
	return filepath.Join(base, "assetcache"), nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
