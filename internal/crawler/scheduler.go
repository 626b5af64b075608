package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/VladCristian27/rag-site-auditor/internal/config"
	"github.com/VladCristian27/rag-site-auditor/internal/extractor"
	"github.com/VladCristian27/rag-site-auditor/internal/fetcher"
	"github.com/VladCristian27/rag-site-auditor/internal/robots"
	"github.com/VladCristian27/rag-site-auditor/pkg/types"
)

// Params describes a single crawl run.
type Params struct {
	Seeds          []string `json:"seeds"`
	MaxPages       int      `json:"max_pages"`
	MaxDepth       int      `json:"max_depth"`
	SameDomainOnly bool     `json:"same_domain_only"`

	// Progress, when set, is called after every processed URL.
	Progress func(Stats) `json:"-"`
}

// ParamsFromConfig copies the run limits from configuration.
func ParamsFromConfig(cfg config.CrawlConfig) Params {
	return Params{
		Seeds:          append([]string(nil), cfg.Seeds...),
		MaxPages:       cfg.MaxPages,
		MaxDepth:       cfg.MaxDepth,
		SameDomainOnly: cfg.SameDomainOnly,
	}
}

// Validate reports the first configuration error that prevents the run from starting.
func (p Params) Validate() error {
	_, err := p.seedURLs()
	return err
}

func (p Params) seedURLs() ([]*url.URL, error) {
	if len(p.Seeds) == 0 {
		return nil, config.ErrNoSeeds
	}
	if p.MaxPages <= 0 {
		return nil, fmt.Errorf("%w (got %d)", config.ErrInvalidMaxPages, p.MaxPages)
	}
	if p.MaxDepth <= 0 {
		return nil, fmt.Errorf("%w (got %d)", config.ErrInvalidMaxDepth, p.MaxDepth)
	}
	seeds := make([]*url.URL, 0, len(p.Seeds))
	for _, raw := range p.Seeds {
		u, err := parseSeed(raw)
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, u)
	}
	return seeds, nil
}

func parseSeed(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty seed", config.ErrInvalidSeed)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", config.ErrInvalidSeed, raw, err)
	}
	if !isHTTPScheme(u.Scheme) || u.Hostname() == "" {
		return nil, fmt.Errorf("%w %q: need an http(s) url with a host", config.ErrInvalidSeed, raw)
	}
	return u, nil
}

// Stats summarises a crawl run.
type Stats struct {
	Processed  int       `json:"processed"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Blocked    int       `json:"blocked"`
	Skipped    int       `json:"skipped"`
	Enqueued   int       `json:"enqueued"`
	LastURL    string    `json:"last_url,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// EmitFunc receives each record as it is produced.
type EmitFunc func(ctx context.Context, record types.PageRecord) error

// Options tune a Scheduler.
type Options struct {
	// DefaultDelay is the pause after a fetch when robots.txt declares no Crawl-delay.
	DefaultDelay    time.Duration
	Robots          config.RobotsConfig
	RobotsClient    *http.Client
	IncludePatterns []string
	ExcludePatterns []string
	Sleep           fetcher.SleepFunc
	Logger          *slog.Logger
	Now             func() time.Time
}

// Scheduler performs breadth-first crawl runs. Each run owns a fresh frontier
// and robots.txt cache; the scheduler itself carries no per-run state.
type Scheduler struct {
	fetcher   fetcher.Fetcher
	extractor extractor.Extractor

	defaultDelay time.Duration
	robotsCfg    config.RobotsConfig
	robotsClient *http.Client

	includePatterns []*regexp.Regexp
	excludePatterns []*regexp.Regexp

	sleep  fetcher.SleepFunc
	logger *slog.Logger
	now    func() time.Time
}

// NewScheduler wires a scheduler from its collaborators.
func NewScheduler(f fetcher.Fetcher, x extractor.Extractor, opts Options) (*Scheduler, error) {
	if f == nil {
		return nil, errors.New("scheduler requires a fetcher")
	}
	if x == nil {
		return nil, errors.New("scheduler requires an extractor")
	}
	include, err := compilePatterns(opts.IncludePatterns)
	if err != nil {
		return nil, fmt.Errorf("invalid include pattern: %w", err)
	}
	exclude, err := compilePatterns(opts.ExcludePatterns)
	if err != nil {
		return nil, fmt.Errorf("invalid exclude pattern: %w", err)
	}
	if opts.DefaultDelay < 0 {
		opts.DefaultDelay = 0
	}
	if opts.Sleep == nil {
		opts.Sleep = fetcher.Sleep
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		fetcher:         f,
		extractor:       x,
		defaultDelay:    opts.DefaultDelay,
		robotsCfg:       opts.Robots,
		robotsClient:    opts.RobotsClient,
		includePatterns: include,
		excludePatterns: exclude,
		sleep:           opts.Sleep,
		logger:          opts.Logger,
		now:             opts.Now,
	}, nil
}

// Run validates params and starts a crawl whose records arrive on the returned
// channel. The channel is closed when the run ends or ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, params Params) (<-chan types.PageRecord, error) {
	seeds, err := params.seedURLs()
	if err != nil {
		return nil, err
	}
	out := make(chan types.PageRecord)
	go func() {
		defer close(out)
		_, err := s.walk(ctx, params, seeds, func(ctx context.Context, record types.PageRecord) error {
			select {
			case out <- record:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("crawl run stopped", "error", err)
		}
	}()
	return out, nil
}

// Walk runs a crawl synchronously, handing each record to emit.
// An emit error aborts the run and is returned.
func (s *Scheduler) Walk(ctx context.Context, params Params, emit EmitFunc) (Stats, error) {
	seeds, err := params.seedURLs()
	if err != nil {
		return Stats{}, err
	}
	return s.walk(ctx, params, seeds, emit)
}

type runState struct {
	params   Params
	frontier *Frontier
	policies *robots.Resolver
	domain   string
	stats    Stats
}

func (s *Scheduler) walk(ctx context.Context, params Params, seeds []*url.URL, emit EmitFunc) (Stats, error) {
	run := &runState{
		params:   params,
		frontier: NewFrontier(),
		policies: robots.NewResolver(s.robotsCfg, s.robotsClient, s.logger),
		domain:   strings.ToLower(seeds[0].Hostname()),
		stats:    Stats{StartedAt: s.now().UTC()},
	}
	for _, seed := range seeds {
		run.frontier.Push(types.FrontierEntry{URL: seed, Depth: 0})
		run.stats.Enqueued++
	}
	finish := func() Stats {
		run.stats.FinishedAt = s.now().UTC()
		return run.stats
	}

	s.logger.Info("crawl started", "seeds", len(seeds), "max_pages", params.MaxPages, "max_depth", params.MaxDepth, "same_domain_only", params.SameDomainOnly)

	for run.stats.Processed < params.MaxPages {
		if err := ctx.Err(); err != nil {
			return finish(), err
		}
		entry, ok := run.frontier.Pop()
		if !ok {
			break
		}
		entry.URL = canonicalURL(entry.URL)
		if reason := run.skipReason(entry); reason != "" {
			run.stats.Skipped++
			s.logger.Debug("skipping frontier entry", "url", entry.URL.String(), "depth", entry.Depth, "reason", reason)
			continue
		}
		run.frontier.MarkVisited(entry.URL)

		record, delay := s.process(ctx, run, entry)
		run.stats.Processed++
		run.stats.LastURL = record.URL
		if err := emit(ctx, record); err != nil {
			return finish(), fmt.Errorf("emit %s: %w", record.URL, err)
		}
		if params.Progress != nil {
			params.Progress(run.stats)
		}

		if delay > 0 && run.frontier.Len() > 0 && run.stats.Processed < params.MaxPages {
			if err := s.sleep(ctx, delay); err != nil {
				return finish(), err
			}
		}
	}

	stats := finish()
	s.logger.Info("crawl finished", "processed", stats.Processed, "succeeded", stats.Succeeded, "failed", stats.Failed, "blocked", stats.Blocked)
	return stats, nil
}

func (r *runState) skipReason(entry types.FrontierEntry) string {
	switch {
	case entry.URL == nil:
		return "invalid"
	case r.frontier.Visited(entry.URL):
		return "visited"
	case entry.Depth > r.params.MaxDepth:
		return "depth"
	case r.params.SameDomainOnly && !strings.EqualFold(entry.URL.Hostname(), r.domain):
		return "off-domain"
	default:
		return ""
	}
}

// process handles one admitted entry and returns its record and the pause owed afterwards.
func (s *Scheduler) process(ctx context.Context, run *runState, entry types.FrontierEntry) (types.PageRecord, time.Duration) {
	target := entry.URL
	logger := s.logger.With("url", target.String(), "depth", entry.Depth)

	policy := run.policies.Resolve(ctx, target)
	if !policy.Allowed(target) {
		run.stats.Blocked++
		logger.Info("blocked by robots.txt")
		return types.ErrorRecord(target.String(), entry.Depth, s.now()), 0
	}
	delay := s.defaultDelay
	if d, ok := policy.CrawlDelay(); ok {
		delay = d
	}

	// An in-flight fetch is allowed to finish even when the run is cancelled.
	page, err := s.fetcher.Fetch(context.WithoutCancel(ctx), target)
	if err != nil {
		run.stats.Failed++
		logger.Warn("fetch failed", "error", err)
		return types.ErrorRecord(target.String(), entry.Depth, s.now()), delay
	}

	base := page.FinalURL
	if base == nil {
		base = target
	}
	record, err := s.extractor.Extract(page.Body, base)
	if err != nil {
		run.stats.Failed++
		logger.Warn("extract failed", "error", err)
		return types.ErrorRecord(target.String(), entry.Depth, s.now()), delay
	}
	record.URL = target.String()
	record.Depth = entry.Depth
	record.ScrapedAt = s.now().UTC()
	record.Error = ""
	run.stats.Succeeded++

	queued := s.enqueueLinks(run, entry, record.InternalLinks)
	logger.Debug("page processed", "status", page.StatusCode, "attempts", page.Attempts, "links", len(record.InternalLinks), "queued", queued)
	return record, delay
}

func (s *Scheduler) enqueueLinks(run *runState, parent types.FrontierEntry, links []string) int {
	depth := parent.Depth + 1
	if depth > run.params.MaxDepth {
		return 0
	}
	queued := 0
	for _, link := range links {
		u, err := url.Parse(link)
		if err != nil || !isHTTPScheme(u.Scheme) {
			continue
		}
		if run.frontier.Visited(u) || !s.acceptLink(u) {
			continue
		}
		run.frontier.Push(types.FrontierEntry{URL: u, Depth: depth})
		run.stats.Enqueued++
		queued++
	}
	return queued
}

func (s *Scheduler) acceptLink(target *url.URL) bool {
	raw := target.String()
	if len(s.includePatterns) > 0 {
		matched := false
		for _, pat := range s.includePatterns {
			if pat.MatchString(raw) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, pat := range s.excludePatterns {
		if pat.MatchString(raw) {
			return false
		}
	}
	return true
}

func isHTTPScheme(scheme string) bool {
	scheme = strings.ToLower(scheme)
	return scheme == "http" || scheme == "https"
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, raw := range patterns {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		pat, err := regexp.Compile(raw)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, pat)
	}
	return compiled, nil
}
