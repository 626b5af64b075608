package crawler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VladCristian27/rag-site-auditor/internal/config"
	"github.com/VladCristian27/rag-site-auditor/internal/extractor"
	"github.com/VladCristian27/rag-site-auditor/internal/fetcher"
	"github.com/VladCristian27/rag-site-auditor/internal/logging"
	"github.com/VladCristian27/rag-site-auditor/pkg/types"
)

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	fail  map[string]int
	calls []string
}

func newFakeFetcher(pages map[string]string) *fakeFetcher {
	return &fakeFetcher{pages: pages, fail: map[string]int{}}
}

func (f *fakeFetcher) Fetch(_ context.Context, target *url.URL) (*types.Page, error) {
	key := target.String()
	f.mu.Lock()
	f.calls = append(f.calls, key)
	f.mu.Unlock()

	if status, ok := f.fail[key]; ok {
		return nil, &fetcher.FetchError{URL: key, StatusCode: status, Attempts: 4, Err: fetcher.ErrUnexpectedStatus}
	}
	body, ok := f.pages[key]
	if !ok {
		return nil, &fetcher.FetchError{URL: key, StatusCode: http.StatusNotFound, Attempts: 1, Err: fetcher.ErrUnexpectedStatus}
	}
	return &types.Page{URL: target, FinalURL: target, Body: []byte(body), StatusCode: http.StatusOK, Attempts: 1}, nil
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// robotsTransport serves robots.txt bodies per host and 404 for everything else.
type robotsTransport map[string]string

func (rt robotsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	body, ok := rt[req.URL.Host]
	status := http.StatusOK
	if !ok || req.URL.Path != "/robots.txt" {
		status = http.StatusNotFound
		body = ""
	}
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}, nil
}

type sleepLog struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepLog) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestScheduler(t *testing.T, f fetcher.Fetcher, robotsFiles map[string]string, opts Options) (*Scheduler, *sleepLog) {
	t.Helper()
	sleeps := &sleepLog{}
	if opts.DefaultDelay == 0 {
		opts.DefaultDelay = time.Second
	}
	opts.Robots = config.RobotsConfig{Respect: true, UserAgent: config.DefaultUserAgent}
	opts.RobotsClient = &http.Client{Transport: robotsTransport(robotsFiles)}
	opts.Sleep = sleeps.sleep
	opts.Logger = logging.Discard()
	s, err := NewScheduler(f, extractor.NewHTMLExtractor(), opts)
	require.NoError(t, err)
	return s, sleeps
}

func collect(t *testing.T, s *Scheduler, params Params) []types.PageRecord {
	t.Helper()
	stream, err := s.Run(context.Background(), params)
	require.NoError(t, err)
	var out []types.PageRecord
	for record := range stream {
		out = append(out, record)
	}
	return out
}

func urls(records []types.PageRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.URL)
	}
	return out
}

func TestRunSameDomainBreadthFirst(t *testing.T) {
	f := newFakeFetcher(map[string]string{
		"https://a.test/":  `<title>A</title><a href="/x">x</a><a href="https://b.test/">b</a>`,
		"https://a.test/x": `<title>X</title><p>x page</p>`,
		"https://b.test/":  `<title>B</title>`,
	})
	s, sleeps := newTestScheduler(t, f, nil, Options{})

	records := collect(t, s, Params{Seeds: []string{"https://a.test/"}, MaxPages: 5, MaxDepth: 1, SameDomainOnly: true})

	assert.Equal(t, []string{"https://a.test/", "https://a.test/x"}, urls(records))
	assert.Equal(t, []string{"https://a.test/", "https://a.test/x"}, f.Calls())
	assert.Equal(t, 0, records[0].Depth)
	assert.Equal(t, 1, records[1].Depth)
	assert.Equal(t, "X", records[1].Title)
	assert.Empty(t, records[1].Error)
	assert.False(t, records[1].ScrapedAt.IsZero())
	for _, w := range sleeps.waits {
		assert.Equal(t, time.Second, w)
	}
}

func TestRunFollowsExternalWhenAllowed(t *testing.T) {
	f := newFakeFetcher(map[string]string{
		"https://a.test/":  `<a href="/x">x</a><a href="https://b.test/">b</a>`,
		"https://a.test/x": `<p>x</p>`,
		"https://b.test/":  `<p>b</p>`,
	})
	s, _ := newTestScheduler(t, f, nil, Options{})

	records := collect(t, s, Params{Seeds: []string{"https://a.test/"}, MaxPages: 5, MaxDepth: 1, SameDomainOnly: false})
	assert.Equal(t, []string{"https://a.test/", "https://a.test/x", "https://b.test/"}, urls(records))
}

func TestRunBreadthFirstOrderAcrossLevels(t *testing.T) {
	f := newFakeFetcher(map[string]string{
		"https://a.test/":  `<a href="/a">a</a><a href="/b">b</a>`,
		"https://a.test/a": `<a href="/c">c</a>`,
		"https://a.test/b": `<a href="/d">d</a>`,
		"https://a.test/c": `<p>c</p>`,
		"https://a.test/d": `<p>d</p>`,
	})
	s, _ := newTestScheduler(t, f, nil, Options{})

	records := collect(t, s, Params{Seeds: []string{"https://a.test/"}, MaxPages: 10, MaxDepth: 2, SameDomainOnly: true})
	assert.Equal(t, []string{
		"https://a.test/",
		"https://a.test/a",
		"https://a.test/b",
		"https://a.test/c",
		"https://a.test/d",
	}, urls(records))
	for i, want := range []int{0, 1, 1, 2, 2} {
		assert.Equal(t, want, records[i].Depth)
	}
}

func TestRunSeedsProcessedInOrder(t *testing.T) {
	f := newFakeFetcher(map[string]string{
		"https://a.test/one": `<a href="/three">3</a>`,
		"https://a.test/two": `<p>two</p>`,
	})
	s, _ := newTestScheduler(t, f, nil, Options{})

	records := collect(t, s, Params{Seeds: []string{"https://a.test/one", "https://a.test/two"}, MaxPages: 10, MaxDepth: 1, SameDomainOnly: true})
	assert.Equal(t, []string{"https://a.test/one", "https://a.test/two", "https://a.test/three"}, urls(records))
	assert.Equal(t, types.ErrorFetchFailedOrBlocked, records[2].Error)
}

func TestRunNeverFetchesTwice(t *testing.T) {
	f := newFakeFetcher(map[string]string{
		"https://a.test/":  `<a href="/a">a</a><a href="/a#top">a</a><a href="https://A.TEST:443/a">a</a><a href="/">home</a>`,
		"https://a.test/a": `<a href="/">home</a><a href="/a">self</a>`,
	})
	s, _ := newTestScheduler(t, f, nil, Options{})

	records := collect(t, s, Params{Seeds: []string{"https://a.test/"}, MaxPages: 10, MaxDepth: 3, SameDomainOnly: true})
	assert.Equal(t, []string{"https://a.test/", "https://a.test/a"}, urls(records))
	assert.Equal(t, []string{"https://a.test/", "https://a.test/a"}, f.Calls())
}

func TestRunRecordsCanonicalURLs(t *testing.T) {
	f := newFakeFetcher(map[string]string{
		"https://a.test/":  `<a href="/x#top">top</a><a href="/x">x</a><a href="HTTPS://a.test:443/x?q=1#frag">q</a>`,
		"https://a.test/x": `<title>X</title>`,
	})
	s, _ := newTestScheduler(t, f, nil, Options{})

	records := collect(t, s, Params{Seeds: []string{"https://A.TEST:443"}, MaxPages: 10, MaxDepth: 2, SameDomainOnly: true})
	assert.Equal(t, []string{"https://a.test/", "https://a.test/x", "https://a.test/x?q=1"}, urls(records))
	assert.Equal(t, []string{"https://a.test/", "https://a.test/x", "https://a.test/x?q=1"}, f.Calls())
	assert.Equal(t, "X", records[1].Title)
	assert.Equal(t, types.ErrorFetchFailedOrBlocked, records[2].Error)
}

func TestRunStopsAtMaxPages(t *testing.T) {
	pages := map[string]string{}
	for _, p := range []string{"", "1", "2", "3", "4", "5"} {
		pages["https://a.test/"+p] = `<a href="/1">1</a><a href="/2">2</a><a href="/3">3</a><a href="/4">4</a><a href="/5">5</a>`
	}
	f := newFakeFetcher(pages)
	s, sleeps := newTestScheduler(t, f, nil, Options{})

	records := collect(t, s, Params{Seeds: []string{"https://a.test/"}, MaxPages: 3, MaxDepth: 2, SameDomainOnly: true})
	assert.Len(t, records, 3)
	assert.Len(t, f.Calls(), 3)
	assert.Len(t, sleeps.waits, 2, "no pause after the final page")
}

func TestRunDropsEntriesBeyondMaxDepth(t *testing.T) {
	f := newFakeFetcher(map[string]string{
		"https://a.test/":  `<a href="/a">a</a>`,
		"https://a.test/a": `<a href="/b">b</a>`,
		"https://a.test/b": `<p>too deep</p>`,
	})
	s, _ := newTestScheduler(t, f, nil, Options{})

	records := collect(t, s, Params{Seeds: []string{"https://a.test/"}, MaxPages: 10, MaxDepth: 1, SameDomainOnly: true})
	assert.Equal(t, []string{"https://a.test/", "https://a.test/a"}, urls(records))
	assert.NotContains(t, f.Calls(), "https://a.test/b")
}

func TestRunRobotsBlockedNeverFetched(t *testing.T) {
	f := newFakeFetcher(map[string]string{
		"https://a.test/":          `<a href="/private/x">p</a><a href="/public">q</a>`,
		"https://a.test/private/x": `<p>secret</p>`,
		"https://a.test/public":    `<p>open</p>`,
	})
	robotsFiles := map[string]string{
		"a.test": "User-agent: *\nDisallow: /private\nCrawl-delay: 3\n",
	}
	s, sleeps := newTestScheduler(t, f, robotsFiles, Options{})

	records := collect(t, s, Params{Seeds: []string{"https://a.test/"}, MaxPages: 10, MaxDepth: 2, SameDomainOnly: true})
	require.Equal(t, []string{"https://a.test/", "https://a.test/private/x", "https://a.test/public"}, urls(records))
	assert.Equal(t, types.ErrorFetchFailedOrBlocked, records[1].Error)
	assert.Equal(t, 1, records[1].Depth)
	assert.Empty(t, records[1].Title)
	assert.NotContains(t, f.Calls(), "https://a.test/private/x")
	assert.Equal(t, []time.Duration{3 * time.Second}, sleeps.waits)
}

func TestRunFetchFailureYieldsErrorRecord(t *testing.T) {
	f := newFakeFetcher(map[string]string{
		"https://a.test/":       `<a href="/broken">b</a><a href="/ok">ok</a>`,
		"https://a.test/broken": `<a href="/hidden">h</a>`,
		"https://a.test/ok":     `<p>fine</p>`,
	})
	f.fail["https://a.test/broken"] = http.StatusServiceUnavailable
	s, sleeps := newTestScheduler(t, f, nil, Options{DefaultDelay: 2 * time.Second})

	records := collect(t, s, Params{Seeds: []string{"https://a.test/"}, MaxPages: 10, MaxDepth: 2, SameDomainOnly: true})
	require.Equal(t, []string{"https://a.test/", "https://a.test/broken", "https://a.test/ok"}, urls(records))
	assert.Equal(t, types.ErrorFetchFailedOrBlocked, records[1].Error)
	assert.Empty(t, records[2].Error)
	assert.NotContains(t, f.Calls(), "https://a.test/hidden")
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, sleeps.waits)
}

func TestRunSkipsNonHTTPLinks(t *testing.T) {
	f := newFakeFetcher(map[string]string{
		"https://a.test/": `<a href="javascript:alert(1)">js</a><a href="mailto:x@a.test">m</a><a href="tel:123">t</a><a href="ftp://a.test/file">f</a>`,
	})
	s, _ := newTestScheduler(t, f, nil, Options{})

	records := collect(t, s, Params{Seeds: []string{"https://a.test/"}, MaxPages: 10, MaxDepth: 2, SameDomainOnly: true})
	require.Len(t, records, 1)
	assert.Equal(t, []string{"ftp://a.test/file"}, records[0].InternalLinks)
	assert.Equal(t, []string{"https://a.test/"}, f.Calls())
}

func TestRunIncludeExcludePatterns(t *testing.T) {
	f := newFakeFetcher(map[string]string{
		"https://a.test/":           `<a href="/docs/a">a</a><a href="/blog/b">b</a><a href="/docs/draft">d</a>`,
		"https://a.test/docs/a":     `<p>a</p>`,
		"https://a.test/blog/b":     `<p>b</p>`,
		"https://a.test/docs/draft": `<p>d</p>`,
	})
	s, _ := newTestScheduler(t, f, nil, Options{
		IncludePatterns: []string{`/docs/`},
		ExcludePatterns: []string{`draft`},
	})

	records := collect(t, s, Params{Seeds: []string{"https://a.test/"}, MaxPages: 10, MaxDepth: 1, SameDomainOnly: true})
	assert.Equal(t, []string{"https://a.test/", "https://a.test/docs/a"}, urls(records))
}

func TestWalkReportsStats(t *testing.T) {
	f := newFakeFetcher(map[string]string{
		"https://a.test/":  `<a href="/a">a</a><a href="/a">again</a><a href="/private">p</a><a href="/gone">g</a>`,
		"https://a.test/a": `<p>a</p>`,
	})
	robotsFiles := map[string]string{"a.test": "User-agent: *\nDisallow: /private\n"}
	s, _ := newTestScheduler(t, f, robotsFiles, Options{})

	var progress []int
	params := Params{
		Seeds: []string{"https://a.test/"}, MaxPages: 10, MaxDepth: 1, SameDomainOnly: true,
		Progress: func(st Stats) { progress = append(progress, st.Processed) },
	}
	var emitted int
	stats, err := s.Walk(context.Background(), params, func(context.Context, types.PageRecord) error {
		emitted++
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 4, stats.Processed)
	assert.Equal(t, 2, stats.Succeeded)
	assert.Equal(t, 1, stats.Blocked)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 5, stats.Enqueued)
	assert.Equal(t, 4, emitted)
	assert.Equal(t, []int{1, 2, 3, 4}, progress)
	assert.False(t, stats.FinishedAt.Before(stats.StartedAt))
}

func TestWalkStopsOnCancel(t *testing.T) {
	f := newFakeFetcher(map[string]string{
		"https://a.test/":  `<a href="/a">a</a>`,
		"https://a.test/a": `<p>a</p>`,
	})
	s, _ := newTestScheduler(t, f, nil, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	params := Params{
		Seeds: []string{"https://a.test/"}, MaxPages: 10, MaxDepth: 1, SameDomainOnly: true,
		Progress: func(Stats) { cancel() },
	}
	stats, err := s.Walk(ctx, params, func(context.Context, types.PageRecord) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, []string{"https://a.test/"}, f.Calls())
}

func TestWalkEmitErrorAborts(t *testing.T) {
	f := newFakeFetcher(map[string]string{
		"https://a.test/":  `<a href="/a">a</a>`,
		"https://a.test/a": `<p>a</p>`,
	})
	s, _ := newTestScheduler(t, f, nil, Options{})

	boom := errors.New("disk full")
	_, err := s.Walk(context.Background(), Params{Seeds: []string{"https://a.test/"}, MaxPages: 10, MaxDepth: 1},
		func(context.Context, types.PageRecord) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.Len(t, f.Calls(), 1)
}

func TestRunRejectsInvalidParams(t *testing.T) {
	s, _ := newTestScheduler(t, newFakeFetcher(nil), nil, Options{})

	cases := []struct {
		name   string
		params Params
		want   error
	}{
		{"no seeds", Params{MaxPages: 10, MaxDepth: 2}, config.ErrNoSeeds},
		{"zero pages", Params{Seeds: []string{"https://a.test/"}, MaxPages: 0, MaxDepth: 2}, config.ErrInvalidMaxPages},
		{"negative depth", Params{Seeds: []string{"https://a.test/"}, MaxPages: 10, MaxDepth: -1}, config.ErrInvalidMaxDepth},
		{"zero depth", Params{Seeds: []string{"https://a.test/"}, MaxPages: 10, MaxDepth: 0}, config.ErrInvalidMaxDepth},
		{"bad scheme", Params{Seeds: []string{"ftp://a.test/"}, MaxPages: 10, MaxDepth: 2}, config.ErrInvalidSeed},
		{"blank seed", Params{Seeds: []string{"  "}, MaxPages: 10, MaxDepth: 2}, config.ErrInvalidSeed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stream, err := s.Run(context.Background(), tc.params)
			assert.Nil(t, stream)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestParseSeedAddsScheme(t *testing.T) {
	u, err := parseSeed("example.com/docs")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/docs", u.String())
}

func TestNewSchedulerRejectsBadPattern(t *testing.T) {
	_, err := NewScheduler(newFakeFetcher(nil), extractor.NewHTMLExtractor(), Options{IncludePatterns: []string{"("}})
	assert.Error(t, err)
}
