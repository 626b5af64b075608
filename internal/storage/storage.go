package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/VladCristian27/rag-site-auditor/internal/config"
	"github.com/VladCristian27/rag-site-auditor/pkg/types"
)

// ErrNotFound is returned when no record exists for a URL.
var ErrNotFound = errors.New("page not found")

// Sink receives page records keyed by URL. A later record for the same URL replaces the earlier one.
type Sink interface {
	Upsert(ctx context.Context, record types.PageRecord) error
}

// Reader reads stored page records back.
type Reader interface {
	Get(ctx context.Context, url string) (types.PageRecord, error)
	List(ctx context.Context, params PageListParams) (PageListResult, error)
}

// Store is a closable sink.
type Store interface {
	Sink
	io.Closer
}

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "sqlite", "postgres", "pgx":
		return OpenSQL(ctx, cfg)
	case "jsonl":
		if cfg.Path == "" || cfg.Path == "-" {
			return NewJSONLStream(os.Stdout), nil
		}
		return CreateJSONLFile(cfg.Path)
	default:
		return nil, fmt.Errorf("%w %q", config.ErrUnsupportedDriver, cfg.Driver)
	}
}

// Multi fans each record out to every sink in order, stopping at the first error.
type Multi []Sink

// Upsert writes record to all sinks.
func (m Multi) Upsert(ctx context.Context, record types.PageRecord) error {
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Upsert(ctx, record); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every sink that is also an io.Closer.
func (m Multi) Close() error {
	var errs []error
	for _, sink := range m {
		if c, ok := sink.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
