package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// AppName names the data directory and the default database file location.
const AppName = "sitecrawler"

// DefaultUserAgent identifies the crawler on every request and in robots.txt group matching.
const DefaultUserAgent = "RAG-Auditor/1.0 (+https://yourdomain.example)"

// DefaultMaxBodyBytes caps a fetched response body.
const DefaultMaxBodyBytes int64 = 6 * 1024 * 1024

// Config captures the full configuration required to run the crawler.
type Config struct {
	Crawl   CrawlConfig   `yaml:"crawl"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Robots  RobotsConfig  `yaml:"robots"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	API     APIConfig     `yaml:"api"`
}

// CrawlConfig controls the crawl frontier and its limits.
type CrawlConfig struct {
	Seeds           []string          `yaml:"seeds"`
	MaxPages        int               `yaml:"max_pages"`
	MaxDepth        int               `yaml:"max_depth"`
	SameDomainOnly  bool              `yaml:"same_domain_only"`
	DefaultDelay    Duration          `yaml:"default_delay"`
	UserAgent       string            `yaml:"user_agent"`
	Headers         map[string]string `yaml:"headers"`
	IncludePatterns []string          `yaml:"include_patterns"`
	ExcludePatterns []string          `yaml:"exclude_patterns"`
}

// FetchConfig controls HTTP requests and retry behaviour.
type FetchConfig struct {
	Timeout       Duration `yaml:"timeout"`
	MaxRetries    int      `yaml:"max_retries"`
	BackoffFactor Duration `yaml:"backoff_factor"`
	MaxBodyBytes  int64    `yaml:"max_body_bytes"`
	ProxyURL      string   `yaml:"proxy_url"`
}

// RobotsConfig configures robots.txt handling.
type RobotsConfig struct {
	Respect   bool     `yaml:"respect"`
	Overrides []string `yaml:"overrides"`
	UserAgent string   `yaml:"user_agent"`
	Timeout   Duration `yaml:"timeout"`
}

// StorageConfig selects where page records are written.
type StorageConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	Path            string   `yaml:"path"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool     `yaml:"auto_migrate"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

// APIConfig configures the HTTP control surface.
type APIConfig struct {
	Addr           string `yaml:"addr"`
	MaxConcurrency int    `yaml:"max_concurrency"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Crawl: CrawlConfig{
			MaxPages:       10,
			MaxDepth:       2,
			SameDomainOnly: true,
			DefaultDelay:   DurationFrom(time.Second),
			UserAgent:      DefaultUserAgent,
			Headers:        map[string]string{},
		},
		Fetch: FetchConfig{
			Timeout:       DurationFrom(12 * time.Second),
			MaxRetries:    3,
			BackoffFactor: DurationFrom(500 * time.Millisecond),
			MaxBodyBytes:  DefaultMaxBodyBytes,
		},
		Robots: RobotsConfig{
			Respect:   true,
			Overrides: []string{},
			Timeout:   DurationFrom(10 * time.Second),
		},
		Storage: StorageConfig{
			Driver:      "sqlite",
			AutoMigrate: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: false,
		},
		API: APIConfig{
			Addr:           ":8080",
			MaxConcurrency: 2,
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return LoadFromReader(fh)
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// Validate enforces the invariants a crawl run needs before it may start.
// Seeds are not required here: they may come from the command line or an API request.
func (c Config) Validate() error {
	if c.Crawl.MaxPages <= 0 {
		return fmt.Errorf("%w (got %d)", ErrInvalidMaxPages, c.Crawl.MaxPages)
	}
	if c.Crawl.MaxDepth <= 0 {
		return fmt.Errorf("%w (got %d)", ErrInvalidMaxDepth, c.Crawl.MaxDepth)
	}
	if c.Crawl.DefaultDelay.Duration < 0 {
		return ErrInvalidDelay
	}
	if strings.TrimSpace(c.Crawl.UserAgent) == "" {
		return ErrMissingUserAgent
	}
	for i, seed := range c.Crawl.Seeds {
		if seed == "" {
			return fmt.Errorf("%w: seed %d is empty", ErrInvalidSeed, i)
		}
	}
	if c.Fetch.Timeout.Duration <= 0 {
		return ErrInvalidTimeout
	}
	if c.Fetch.MaxRetries < 0 {
		return fmt.Errorf("%w (got %d)", ErrInvalidRetries, c.Fetch.MaxRetries)
	}
	if c.Fetch.BackoffFactor.Duration < 0 {
		return ErrInvalidBackoff
	}
	if c.Fetch.MaxBodyBytes <= 0 {
		return fmt.Errorf("%w (got %d)", ErrInvalidMaxBodyBytes, c.Fetch.MaxBodyBytes)
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres", "pgx", "jsonl":
	default:
		return fmt.Errorf("%w %q", ErrUnsupportedDriver, c.Storage.Driver)
	}
	if (c.Storage.Driver == "postgres" || c.Storage.Driver == "pgx") && c.Storage.DSN == "" {
		return fmt.Errorf("%w: storage.dsn is required for %s", ErrMissingDSN, c.Storage.Driver)
	}
	if c.API.MaxConcurrency <= 0 {
		return fmt.Errorf("api.max_concurrency must be > 0 (got %d)", c.API.MaxConcurrency)
	}
	return nil
}

// Normalise trims user supplied values and fills derived defaults.
func (c *Config) Normalise() {
	seeds := make([]string, 0, len(c.Crawl.Seeds))
	for _, s := range c.Crawl.Seeds {
		if s = strings.TrimSpace(s); s != "" {
			seeds = append(seeds, s)
		}
	}
	c.Crawl.Seeds = seeds
	c.Crawl.UserAgent = strings.TrimSpace(c.Crawl.UserAgent)
	if c.Crawl.Headers == nil {
		c.Crawl.Headers = make(map[string]string)
	}

	c.Robots.UserAgent = strings.TrimSpace(c.Robots.UserAgent)
	if c.Robots.UserAgent == "" {
		c.Robots.UserAgent = c.Crawl.UserAgent
	}
	if len(c.Robots.Overrides) > 0 {
		c.Robots.Overrides = dedupeLower(c.Robots.Overrides)
	}

	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	c.Storage.DSN = strings.TrimSpace(c.Storage.DSN)
	c.Storage.Path = strings.TrimSpace(c.Storage.Path)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
}

// DatabasePath resolves the sqlite file location, defaulting to the XDG data directory.
func (s StorageConfig) DatabasePath() (string, error) {
	if s.Path != "" {
		return s.Path, nil
	}
	path, err := xdg.DataFile(filepath.Join(AppName, "pages.db"))
	if err != nil {
		return "", fmt.Errorf("resolve data dir: %w", err)
	}
	return path, nil
}

func dedupeLower(values []string) []string {
	unique := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := unique[v]; ok {
			continue
		}
		unique[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	sort.Strings(cleaned)
	return cleaned
}
