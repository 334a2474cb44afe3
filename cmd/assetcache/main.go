// Command assetcache resolves asset URLs through a namespaced cache and
// prints a local handle URL for each.
//
// Usage:
//
//	assetcache [flags] url...
//
// Storage defaults come from ASSETCACHE_* environment variables; flags
// override them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	nethttp "net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/felixge/fgprof"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/assetcache"
	assethttp "github.com/meigma/assetcache/http"
)

type options struct {
	namespace   string
	eager       string
	serveAddr   string
	verbose     bool
	latency     time.Duration
	bytesPerSec int64
	fgProfile   string
	timeout     time.Duration
	urls        []string
}

func main() {
	cfg, err := assetcache.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	opts, err := parseFlags(flag.CommandLine, os.Args[1:], &cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	failed, err := run(ctx, cfg, opts, os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func parseFlags(fs *flag.FlagSet, args []string, cfg *assetcache.Config) (options, error) {
	var opts options
	var bps string
	fs.StringVar(&opts.namespace, "ns", "image", "cache namespace")
	fs.StringVar(&opts.eager, "eager", "", "comma-separated URLs resolved concurrently before the batch")
	fs.StringVar(&opts.serveAddr, "serve", "", "serve handles at /blob/ on this address after resolving (e.g. 127.0.0.1:8080)")
	fs.BoolVar(&opts.verbose, "v", false, "debug logging")
	fs.DurationVar(&opts.latency, "latency", 0, "per-request latency added to network fetches")
	fs.StringVar(&bps, "bps", "", "bytes/sec throttle for network fetches (e.g. 512KBps)")
	fs.StringVar(&opts.fgProfile, "fgprofile", "", "write fgprof (wall clock) profile to file")
	fs.DurationVar(&opts.timeout, "timeout", 0, "abort resolution after this long (0 disables)")

	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "storage backend: disk, sqlite, memory, none")
	fs.StringVar(&cfg.Dir, "dir", cfg.Dir, "storage directory")
	fs.DurationVar(&cfg.TTL, "ttl", cfg.TTL, "freshness window for stored entries")
	fs.BoolVar(&cfg.Compress, "compress", cfg.Compress, "zstd-compress stored bodies")
	fs.Int64Var(&cfg.MaxBytes, "max-bytes", cfg.MaxBytes, "disk store size limit (0 is unlimited)")
	fs.IntVar(&cfg.RunConcurrency, "concurrency", cfg.RunConcurrency, "URLs resolved at once (0 is unbounded)")
	fs.UintVar(&cfg.Retry, "retry", cfg.Retry, "attempts per network fetch")
	fs.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "base URL for relative asset URLs")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if bps != "" {
		n, err := parseBytesPerSecond(bps)
		if err != nil {
			return options{}, fmt.Errorf("bps: %w", err)
		}
		opts.bytesPerSec = n
	}
	opts.urls = fs.Args()
	if len(opts.urls) == 0 && opts.eager == "" {
		return options{}, errors.New("no urls given")
	}
	return opts, nil
}

// run resolves the requested URLs and returns the number of failed items.
//
//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func run(ctx context.Context, cfg assetcache.Config, opts options, stdout, stderr io.Writer) (int, error) {
	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	if opts.fgProfile != "" {
		f, err := os.Create(opts.fgProfile)
		if err != nil {
			return 0, err
		}
		stopFG := fgprof.Start(f, fgprof.FormatPprof)
		defer func() {
			if err := stopFG(); err != nil {
				logger.Warn("fgprof stop failed", "error", err)
			}
			_ = f.Close()
		}()
	}

	if opts.serveAddr != "" && cfg.HandleBase == "" {
		cfg.HandleBase = "http://" + opts.serveAddr + "/blob/"
	}
	regOpts, closer, err := cfg.Options(assethttp.WithClient(newHTTPClient(opts)))
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := closer.Close(); err != nil {
			logger.Warn("close storage", "error", err)
		}
	}()
	reg, err := assetcache.NewRegistry(append(regOpts, assetcache.WithLogger(logger))...)
	if err != nil {
		return 0, err
	}

	resolveCtx := ctx
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		resolveCtx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	cache := reg.Cache(opts.namespace)
	failed := resolveEager(resolveCtx, cache, splitList(opts.eager), stdout)

	items := make([]*assetcache.Item, 0, len(opts.urls))
	for _, url := range opts.urls {
		items = append(items, &assetcache.Item{
			URL:       url,
			OnSuccess: func(h *assetcache.Handle) { printComplete(stdout, url, h) },
			OnFailure: func(err error) {
				failed++
				fmt.Fprintf(stdout, "invalid %s: %v\n", url, err)
			},
		})
	}
	cache.Run(resolveCtx, items)

	if opts.serveAddr != "" {
		if err := serve(ctx, opts.serveAddr, reg.Handles(), logger); err != nil {
			return failed, err
		}
	}
	return failed, nil
}

// resolveEager gets every url concurrently and waits for all of them
// before the batch starts. It returns the number of failures.
func resolveEager(ctx context.Context, cache *assetcache.Cache, urls []string, stdout io.Writer) int {
	var mu sync.Mutex
	failed := 0
	var g errgroup.Group
	for _, url := range urls {
		g.Go(func() error {
			h, err := cache.Get(ctx, url)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				fmt.Fprintf(stdout, "invalid %s: %v\n", url, err)
				return nil
			}
			printComplete(stdout, url, h)
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // workers never return errors
	return failed
}

func printComplete(w io.Writer, url string, h *assetcache.Handle) {
	fmt.Fprintf(w, "complete %s -> %s (%d bytes, %s)\n", url, h.URL(), h.Size(), h.ContentType())
}

// serve exposes handles until ctx is done.
func serve(ctx context.Context, addr string, handles nethttp.Handler, logger *slog.Logger) error {
	mux := nethttp.NewServeMux()
	mux.Handle("/blob/", handles)
	srv := &nethttp.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving handles", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
