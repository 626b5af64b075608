package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/VladCristian27/rag-site-auditor/internal/config"
	"github.com/VladCristian27/rag-site-auditor/pkg/types"
)

// Fetcher retrieves a web page for the crawler.
type Fetcher interface {
	Fetch(ctx context.Context, target *url.URL) (*types.Page, error)
}

// ErrUnexpectedStatus marks a response whose status is not 2xx.
var ErrUnexpectedStatus = errors.New("unexpected http status")

// ErrBodyTooLarge marks a response body over the configured limit.
var ErrBodyTooLarge = errors.New("response body exceeds limit")

var errBuildRequest = errors.New("build request")

// FetchError is returned for every failed fetch, after retries are exhausted.
type FetchError struct {
	URL        string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d after %d attempt(s): %v", e.URL, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("fetch %s after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the final failure was of a transient kind.
func (e *FetchError) Retryable() bool {
	return isRetryable(e.StatusCode, e.Err)
}

var retryableStatus = map[int]struct{}{
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Options controls HTTP fetching behaviour.
type Options struct {
	UserAgent     string
	Headers       map[string]string
	Timeout       time.Duration
	MaxRetries    int
	BackoffFactor time.Duration
	MaxBodyBytes  int64
	ProxyURL      string
	Logger        *slog.Logger
	Sleep         SleepFunc
}

// OptionsFromConfig maps crawler configuration onto fetch options.
func OptionsFromConfig(crawl config.CrawlConfig, fetch config.FetchConfig) Options {
	return Options{
		UserAgent:     crawl.UserAgent,
		Headers:       crawl.Headers,
		Timeout:       fetch.Timeout.Duration,
		MaxRetries:    fetch.MaxRetries,
		BackoffFactor: fetch.BackoffFactor.Duration,
		MaxBodyBytes:  fetch.MaxBodyBytes,
		ProxyURL:      fetch.ProxyURL,
	}
}

// HTTPFetcher implements Fetcher via the Go http.Client with bounded retries.
// It holds no per-URL state between calls.
type HTTPFetcher struct {
	client        *http.Client
	userAgent     string
	extraHeaders  map[string]string
	maxRetries    int
	backoffFactor time.Duration
	maxBodyBytes  int64
	logger        *slog.Logger
	sleep         SleepFunc
}

// NewHTTPFetcher constructs an HTTP fetcher using the provided options.
func NewHTTPFetcher(opts Options) (*HTTPFetcher, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 12 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = config.DefaultMaxBodyBytes
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sleep == nil {
		opts.Sleep = Sleep
	}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if strings.TrimSpace(opts.ProxyURL) != "" {
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		// The identifying User-Agent is fixed; robots.txt group matching relies on it.
		if strings.EqualFold(strings.TrimSpace(k), "User-Agent") {
			opts.Logger.Warn("ignoring User-Agent in extra headers", "value", v)
			continue
		}
		headers[k] = v
	}

	return &HTTPFetcher{
		client:        &http.Client{Timeout: opts.Timeout, Transport: transport},
		userAgent:     opts.UserAgent,
		extraHeaders:  headers,
		maxRetries:    opts.MaxRetries,
		backoffFactor: opts.BackoffFactor,
		maxBodyBytes:  opts.MaxBodyBytes,
		logger:        opts.Logger,
		sleep:         opts.Sleep,
	}, nil
}

// Fetch downloads a single URL with GET.
func (f *HTTPFetcher) Fetch(ctx context.Context, target *url.URL) (*types.Page, error) {
	return f.Do(ctx, http.MethodGet, target)
}

// Do performs a request, retrying transient failures for idempotent methods.
// Every failure is returned as *FetchError.
func (f *HTTPFetcher) Do(ctx context.Context, method string, target *url.URL) (*types.Page, error) {
	if target == nil {
		return nil, &FetchError{Err: errors.New("request URL is nil")}
	}
	maxAttempts := 1
	if method == http.MethodGet || method == http.MethodHead {
		maxAttempts += f.maxRetries
	}

	for attempt := 1; ; attempt++ {
		page, status, err := f.attempt(ctx, method, target)
		if err == nil {
			page.Attempts = attempt
			return page, nil
		}
		ferr := &FetchError{URL: target.String(), StatusCode: status, Attempts: attempt, Err: err}
		if attempt >= maxAttempts || !isRetryable(status, err) || ctx.Err() != nil {
			return nil, ferr
		}

		wait := f.backoff(attempt)
		f.logger.Debug("retrying fetch", "url", ferr.URL, "attempt", attempt, "status", status, "wait", wait, "error", err)
		if serr := f.sleep(ctx, wait); serr != nil {
			ferr.Err = errors.Join(err, serr)
			return nil, ferr
		}
	}
}

// backoff returns factor * 2^(attempt-1).
func (f *HTTPFetcher) backoff(attempt int) time.Duration {
	if f.backoffFactor <= 0 {
		return 0
	}
	return f.backoffFactor << (attempt - 1)
}

func (f *HTTPFetcher) attempt(ctx context.Context, method string, target *url.URL) (*types.Page, int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", errBuildRequest, err)
	}

	if f.userAgent != "" {
		httpReq.Header.Set("User-Agent", f.userAgent)
	}
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.8")
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")

	for k, v := range f.extraHeaders {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("http fetch failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		_ = resp.Body.Close()
		return nil, resp.StatusCode, fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
	}

	body, err := f.readBody(resp)
	if err != nil {
		return nil, resp.StatusCode, err
	}

	finalURL := target
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}

	return &types.Page{
		URL:         target,
		FinalURL:    finalURL,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
		Headers:     resp.Header.Clone(),
		FetchedAt:   time.Now().UTC(),
		Latency:     time.Since(start),
	}, resp.StatusCode, nil
}

func (f *HTTPFetcher) readBody(resp *http.Response) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, errors.New("empty response body")
	}

	reader := io.Reader(resp.Body)
	closers := []io.Closer{resp.Body}

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader = fl
		closers = append(closers, fl)
	}

	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	limited := io.LimitReader(reader, f.maxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, fmt.Errorf("%w of %d bytes", ErrBodyTooLarge, f.maxBodyBytes)
	}
	return body, nil
}

// Client exposes the underlying HTTP client so robots.txt requests share its transport.
func (f *HTTPFetcher) Client() *http.Client {
	if f == nil {
		return nil
	}
	return f.client
}

func isRetryable(status int, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrUnexpectedStatus):
		_, ok := retryableStatus[status]
		return ok
	case errors.Is(err, errBuildRequest), errors.Is(err, ErrBodyTooLarge), errors.Is(err, context.Canceled):
		return false
	default:
		// transport and body-read failures
		return true
	}
}

// Sleep waits for d unless ctx is cancelled first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
