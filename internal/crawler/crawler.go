package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/VladCristian27/rag-site-auditor/internal/config"
	"github.com/VladCristian27/rag-site-auditor/internal/extractor"
	"github.com/VladCristian27/rag-site-auditor/internal/fetcher"
	"github.com/VladCristian27/rag-site-auditor/internal/storage"
	"github.com/VladCristian27/rag-site-auditor/pkg/types"
)

// Engine runs crawls and persists every produced record into a sink.
type Engine struct {
	scheduler *Scheduler
	sink      storage.Sink
	logger    *slog.Logger
}

// NewEngine builds a crawler engine from configuration. The sink is owned by the caller.
func NewEngine(cfg config.Config, sink storage.Sink, logger *slog.Logger) (*Engine, error) {
	if sink == nil {
		return nil, errors.New("engine requires a storage sink")
	}
	if logger == nil {
		logger = slog.Default()
	}

	fetchOpts := fetcher.OptionsFromConfig(cfg.Crawl, cfg.Fetch)
	fetchOpts.Logger = logger
	httpFetcher, err := fetcher.NewHTTPFetcher(fetchOpts)
	if err != nil {
		return nil, fmt.Errorf("http fetcher: %w", err)
	}

	// robots.txt goes through the page transport (and its proxy) with its own timeout.
	robotsClient := *httpFetcher.Client()
	if cfg.Robots.Timeout.Duration > 0 {
		robotsClient.Timeout = cfg.Robots.Timeout.Duration
	}

	scheduler, err := NewScheduler(httpFetcher, extractor.NewHTMLExtractor(), Options{
		DefaultDelay:    cfg.Crawl.DefaultDelay.Duration,
		Robots:          cfg.Robots,
		RobotsClient:    &robotsClient,
		IncludePatterns: cfg.Crawl.IncludePatterns,
		ExcludePatterns: cfg.Crawl.ExcludePatterns,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	return &Engine{scheduler: scheduler, sink: sink, logger: logger}, nil
}

// Crawl runs one crawl to completion, upserting each record as it is produced.
// A sink failure cancels the run and is returned together with the partial stats.
func (e *Engine) Crawl(ctx context.Context, params Params) (Stats, error) {
	seeds, err := params.seedURLs()
	if err != nil {
		return Stats{}, err
	}

	g, gctx := errgroup.WithContext(ctx)
	records := make(chan types.PageRecord)
	var stats Stats

	g.Go(func() error {
		defer close(records)
		var err error
		stats, err = e.scheduler.walk(gctx, params, seeds, func(ctx context.Context, record types.PageRecord) error {
			select {
			case records <- record:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		return err
	})

	g.Go(func() error {
		for record := range records {
			if err := e.sink.Upsert(gctx, record); err != nil {
				e.logger.Error("persist failed", "url", record.URL, "error", err)
				return fmt.Errorf("store %s: %w", record.URL, err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return stats, err
	}
	return stats, nil
}
