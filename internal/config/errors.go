package config

import "errors"

// Configuration validation errors. A run never starts when one of these is returned.
var (
	ErrNoSeeds             = errors.New("at least one crawl seed must be configured")
	ErrInvalidSeed         = errors.New("invalid seed url")
	ErrInvalidMaxPages     = errors.New("crawl.max_pages must be > 0")
	ErrInvalidMaxDepth     = errors.New("crawl.max_depth must be > 0")
	ErrInvalidDelay        = errors.New("crawl.default_delay must be non-negative")
	ErrMissingUserAgent    = errors.New("crawl.user_agent must be set")
	ErrInvalidTimeout      = errors.New("fetch.timeout must be positive")
	ErrInvalidRetries      = errors.New("fetch.max_retries must be >= 0")
	ErrInvalidBackoff      = errors.New("fetch.backoff_factor must be non-negative")
	ErrInvalidMaxBodyBytes = errors.New("fetch.max_body_bytes must be > 0")
	ErrUnsupportedDriver   = errors.New("unsupported storage driver")
	ErrMissingDSN          = errors.New("missing storage dsn")
)
