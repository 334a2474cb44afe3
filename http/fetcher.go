// Package http provides the network fetcher used by the asset cache.
//
// A Fetcher issues GET requests, reads the full body, and optionally
// retries transient failures with exponential backoff.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultMaxBodySize bounds the bytes read from a single response.
const DefaultMaxBodySize int64 = 256 << 20 // 256 MB

// ErrBodyTooLarge is returned when a response exceeds the configured limit.
var ErrBodyTooLarge = errors.New("response body too large")

// StatusError reports a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %s", e.URL, e.Status)
}

// Temporary reports whether the status is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == nethttp.StatusTooManyRequests
}

// Fetcher retrieves whole resources over HTTP.
type Fetcher struct {
	client        *nethttp.Client
	headers       nethttp.Header
	baseURL       string
	base          *url.URL
	maxTries      uint
	retryInterval time.Duration
	maxBodySize   int64
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(f *Fetcher) {
		if headers == nil {
			return
		}
		f.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(f *Fetcher) {
		if f.headers == nil {
			f.headers = make(nethttp.Header)
		}
		f.headers.Set(key, value)
	}
}

// WithBaseURL resolves relative request URLs against base.
func WithBaseURL(base string) Option {
	return func(f *Fetcher) {
		f.baseURL = base
	}
}

// WithRetry allows up to maxTries attempts per fetch. Values <= 1 disable retries.
func WithRetry(maxTries uint) Option {
	return func(f *Fetcher) {
		f.maxTries = maxTries
	}
}

// WithRetryInterval sets the initial backoff interval between attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(f *Fetcher) {
		f.retryInterval = d
	}
}

// WithMaxBodySize bounds the response body size. Values <= 0 use DefaultMaxBodySize.
func WithMaxBodySize(n int64) Option {
	return func(f *Fetcher) {
		f.maxBodySize = n
	}
}

// NewFetcher creates a Fetcher.
func NewFetcher(opts ...Option) (*Fetcher, error) {
	f := &Fetcher{
		client:        nethttp.DefaultClient,
		retryInterval: backoff.DefaultInitialInterval,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = nethttp.DefaultClient
	}
	if f.maxBodySize <= 0 {
		f.maxBodySize = DefaultMaxBodySize
	}
	if f.baseURL != "" {
		base, err := url.Parse(f.baseURL)
		if err != nil {
			return nil, fmt.Errorf("parse base url: %w", err)
		}
		if !base.IsAbs() {
			return nil, fmt.Errorf("base url %q is not absolute", f.baseURL)
		}
		f.base = base
	}
	return f, nil
}

// Fetch retrieves rawURL and returns its body and response headers.
//
// Cancelling ctx aborts the in-progress request and any pending retry.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, nethttp.Header, error) {
	target, err := f.resolve(rawURL)
	if err != nil {
		return nil, nil, err
	}

	type result struct {
		body   []byte
		header nethttp.Header
	}
	op := func() (result, error) {
		body, header, err := f.fetchOnce(ctx, target)
		if err != nil {
			return result{}, err
		}
		return result{body: body, header: header}, nil
	}

	if f.maxTries <= 1 {
		res, err := op()
		if err != nil {
			var permanent *backoff.PermanentError
			if errors.As(err, &permanent) {
				return nil, nil, permanent.Unwrap()
			}
			return nil, nil, err
		}
		return res.body, res.header, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.retryInterval
	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(f.maxTries),
	)
	if err != nil {
		return nil, nil, err
	}
	return res.body, res.header, nil
}

func (f *Fetcher) resolve(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if f.base != nil {
		u = f.base.ResolveReference(u)
	}
	if !u.IsAbs() {
		return "", fmt.Errorf("url %q is not absolute and no base url is configured", rawURL)
	}
	return u.String(), nil
}

// fetchOnce performs a single attempt. Errors that must not be retried are
// wrapped with backoff.Permanent.
func (f *Fetcher) fetchOnce(ctx context.Context, target string) ([]byte, nethttp.Header, error) {
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, target, nil)
	if err != nil {
		return nil, nil, backoff.Permanent(err)
	}
	for key, values := range f.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, backoff.Permanent(err)
		}
		return nil, nil, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{URL: target, StatusCode: resp.StatusCode, Status: resp.Status}
		if statusErr.Temporary() {
			return nil, nil, statusErr
		}
		return nil, nil, backoff.Permanent(statusErr)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodySize+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, backoff.Permanent(err)
		}
		return nil, nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxBodySize {
		return nil, nil, backoff.Permanent(fmt.Errorf("%w: limit %d bytes", ErrBodyTooLarge, f.maxBodySize))
	}
	return body, resp.Header.Clone(), nil
}
