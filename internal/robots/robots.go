package robots

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"

	"github.com/VladCristian27/rag-site-auditor/internal/config"
)

const maxRobotsBytes = 512 * 1024

// PolicyError records why a domain's robots.txt could not be used.
// It is logged and attached to the permissive fallback policy, never returned to callers.
type PolicyError struct {
	Domain string
	Err    error
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("robots policy for %s: %v", e.Domain, e.Err)
}

func (e *PolicyError) Unwrap() error {
	return e.Err
}

// CrawlPolicy is the politeness policy of a single domain root.
type CrawlPolicy struct {
	Domain string
	// Failure is set when the policy is the permissive fallback for an unusable robots.txt.
	Failure error

	group *robotstxt.Group
	delay time.Duration
}

// Allowed reports whether the policy permits fetching target.
func (p CrawlPolicy) Allowed(target *url.URL) bool {
	if p.group == nil || target == nil {
		return true
	}
	return p.group.Test(target.RequestURI())
}

// CrawlDelay returns the declared delay, or false when robots.txt does not declare one.
func (p CrawlPolicy) CrawlDelay() (time.Duration, bool) {
	if p.delay <= 0 {
		return 0, false
	}
	return p.delay, true
}

// Permissive returns a policy allowing everything with no declared delay.
func Permissive(domain string) CrawlPolicy {
	return CrawlPolicy{Domain: domain}
}

type cacheEntry struct {
	once   sync.Once
	policy CrawlPolicy
}

// Resolver fetches and caches robots.txt policies per domain root for one crawl run.
// Policies are resolved once and never refreshed: a failed fetch is cached as permissive.
type Resolver struct {
	client    *http.Client
	userAgent string
	respect   bool
	overrides map[string]struct{}
	logger    *slog.Logger

	mu    sync.Mutex
	cache map[string]*cacheEntry
}

// NewResolver constructs a resolver from configuration.
func NewResolver(cfg config.RobotsConfig, client *http.Client, logger *slog.Logger) *Resolver {
	if client == nil {
		timeout := cfg.Timeout.Duration
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}

	overrides := make(map[string]struct{}, len(cfg.Overrides))
	for _, host := range cfg.Overrides {
		host = strings.ToLower(strings.TrimSpace(host))
		if host == "" {
			continue
		}
		overrides[host] = struct{}{}
	}

	return &Resolver{
		client:    client,
		userAgent: cfg.UserAgent,
		respect:   cfg.Respect,
		overrides: overrides,
		logger:    logger,
		cache:     make(map[string]*cacheEntry),
	}
}

// Resolve returns the cached policy for target's domain root, fetching robots.txt on first use.
func (r *Resolver) Resolve(ctx context.Context, target *url.URL) CrawlPolicy {
	root, err := DomainRoot(target)
	if err != nil {
		return CrawlPolicy{Failure: &PolicyError{Err: err}}
	}
	if !r.respect {
		return Permissive(root)
	}
	if _, ok := r.overrides[strings.ToLower(target.Hostname())]; ok {
		return Permissive(root)
	}

	r.mu.Lock()
	entry, ok := r.cache[root]
	if !ok {
		entry = &cacheEntry{}
		r.cache[root] = entry
	}
	r.mu.Unlock()

	entry.once.Do(func() {
		entry.policy = r.load(ctx, root)
	})
	return entry.policy
}

// CanFetch reports whether target may be fetched. It is true unless robots.txt disallows it.
func (r *Resolver) CanFetch(ctx context.Context, target *url.URL) bool {
	return r.Resolve(ctx, target).Allowed(target)
}

// CrawlDelay returns the domain's declared crawl delay, if any.
func (r *Resolver) CrawlDelay(ctx context.Context, target *url.URL) (time.Duration, bool) {
	return r.Resolve(ctx, target).CrawlDelay()
}

func (r *Resolver) load(ctx context.Context, root string) CrawlPolicy {
	group, err := r.fetch(ctx, root)
	if err != nil {
		perr := &PolicyError{Domain: root, Err: err}
		r.logger.Warn("robots.txt unavailable, allowing all", "domain", root, "error", err)
		policy := Permissive(root)
		policy.Failure = perr
		return policy
	}
	r.logger.Debug("robots.txt loaded", "domain", root, "crawl_delay", group.CrawlDelay)
	return CrawlPolicy{Domain: root, group: group, delay: group.CrawlDelay}
}

func (r *Resolver) fetch(ctx context.Context, root string) (*robotstxt.Group, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, root+"/robots.txt", nil)
	if err != nil {
		return nil, fmt.Errorf("build robots request: %w", err)
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("robots returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots.txt: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}
	return data.FindGroup(r.userAgent), nil
}

// DomainRoot returns scheme://host for an absolute URL.
func DomainRoot(target *url.URL) (string, error) {
	if target == nil || !target.IsAbs() || target.Host == "" {
		return "", fmt.Errorf("url %v is not absolute", target)
	}
	return strings.ToLower(target.Scheme) + "://" + strings.ToLower(target.Host), nil
}
