package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	pq "github.com/lib/pq"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/VladCristian27/rag-site-auditor/internal/config"
	"github.com/VladCristian27/rag-site-auditor/pkg/types"
)

// scrapedAtLayout is fixed width so text ordering matches time ordering.
const scrapedAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLStore persists page records into a relational pages table.
// It speaks sqlite (modernc.org/sqlite) and Postgres (lib/pq or pgx).
type SQLStore struct {
	db          *sql.DB
	driver      string
	autoMigrate bool
}

// OpenSQL connects to the configured database and applies the schema when auto_migrate is set.
func OpenSQL(ctx context.Context, cfg config.StorageConfig) (*SQLStore, error) {
	dsn, err := dataSourceName(cfg)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		if !cfg.AutoMigrate || !shouldAttemptCreateDatabase(cfg.Driver, err) {
			return nil, fmt.Errorf("ping sql connection: %w", err)
		}
		if err := createDatabase(pingCtx, cfg); err != nil {
			return nil, err
		}
		db, err = sql.Open(cfg.Driver, dsn)
		if err != nil {
			return nil, fmt.Errorf("open sql connection: %w", err)
		}
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping sql connection: %w", err)
		}
	}

	if cfg.Driver == "sqlite" {
		// sqlite allows a single writer.
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime.Duration > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	}

	store := &SQLStore{db: db, driver: cfg.Driver, autoMigrate: cfg.AutoMigrate}
	if cfg.AutoMigrate {
		if err := store.ensureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return store, nil
}

func dataSourceName(cfg config.StorageConfig) (string, error) {
	switch cfg.Driver {
	case "sqlite":
		if cfg.DSN != "" {
			return cfg.DSN, nil
		}
		path, err := cfg.DatabasePath()
		if err != nil {
			return "", err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return "", fmt.Errorf("create database directory: %w", err)
		}
		return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", nil
	case "postgres", "pgx":
		if cfg.DSN == "" {
			return "", fmt.Errorf("%w: storage.dsn is required for %s", config.ErrMissingDSN, cfg.Driver)
		}
		return cfg.DSN, nil
	default:
		return "", fmt.Errorf("%w %q", config.ErrUnsupportedDriver, cfg.Driver)
	}
}

// Upsert inserts the record or replaces the stored row for the same URL.
func (s *SQLStore) Upsert(ctx context.Context, record types.PageRecord) error {
	if s == nil || s.db == nil {
		return errors.New("sql store not initialised")
	}
	if err := s.upsertPage(ctx, record); err != nil {
		if s.autoMigrate && isUndefinedTableErr(err) {
			if schemaErr := s.ensureSchema(ctx); schemaErr != nil {
				return fmt.Errorf("ensure schema: %w", schemaErr)
			}
			if retryErr := s.upsertPage(ctx, record); retryErr != nil {
				return fmt.Errorf("upsert page: %w", retryErr)
			}
			return nil
		}
		return fmt.Errorf("upsert page: %w", err)
	}
	return nil
}

func (s *SQLStore) upsertPage(ctx context.Context, record types.PageRecord) error {
	headings, err := marshalJSON(record.Headings)
	if err != nil {
		return err
	}
	images, err := marshalJSON(record.Images)
	if err != nil {
		return err
	}
	links, err := marshalJSON(record.InternalLinks)
	if err != nil {
		return err
	}

	query := s.rebind(`
        INSERT INTO pages (url, depth, title, meta_description, headings, text, images, internal_links, scraped_at, error)
        VALUES (?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT (url) DO UPDATE SET
            depth = excluded.depth,
            title = excluded.title,
            meta_description = excluded.meta_description,
            headings = excluded.headings,
            text = excluded.text,
            images = excluded.images,
            internal_links = excluded.internal_links,
            scraped_at = excluded.scraped_at,
            error = excluded.error`)
	_, err = s.db.ExecContext(ctx, query,
		record.URL,
		record.Depth,
		record.Title,
		record.MetaDescription,
		headings,
		record.Text,
		images,
		links,
		record.ScrapedAt.UTC().Format(scrapedAtLayout),
		record.Error,
	)
	return err
}

// Close closes the underlying DB connection.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for Postgres drivers.
func (s *SQLStore) rebind(query string) string {
	if s.driver == "sqlite" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	schemaCtx := ctx
	if schemaCtx == nil || schemaCtx.Err() != nil {
		schemaCtx = context.Background()
	}
	schemaCtx, cancel := context.WithTimeout(schemaCtx, 10*time.Second)
	defer cancel()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pages (
		    url TEXT PRIMARY KEY,
		    depth INTEGER NOT NULL DEFAULT 0,
		    title TEXT NOT NULL DEFAULT '',
		    meta_description TEXT NOT NULL DEFAULT '',
		    headings TEXT NOT NULL DEFAULT '[]',
		    text TEXT NOT NULL DEFAULT '',
		    images TEXT NOT NULL DEFAULT '[]',
		    internal_links TEXT NOT NULL DEFAULT '[]',
		    scraped_at TEXT NOT NULL,
		    error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pages_scraped_at ON pages (scraped_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(schemaCtx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode column: %w", err)
	}
	if string(data) == "null" {
		return "[]", nil
	}
	return string(data), nil
}

func shouldAttemptCreateDatabase(driver string, err error) bool {
	if driver != "postgres" && driver != "pgx" {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "3D000"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "3D000"
	}
	return strings.Contains(strings.ToLower(err.Error()), "does not exist")
}

func createDatabase(ctx context.Context, cfg config.StorageConfig) error {
	parsed, err := url.Parse(cfg.DSN)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	dbName := strings.TrimPrefix(parsed.Path, "/")
	if dbName == "" {
		return errors.New("dsn missing database name")
	}
	if strings.EqualFold(dbName, "postgres") {
		return fmt.Errorf("target database %q cannot be auto-created", dbName)
	}
	parsed.Path = "/postgres"
	adminDB, err := sql.Open(cfg.Driver, parsed.String())
	if err != nil {
		return fmt.Errorf("connect admin database: %w", err)
	}
	defer adminDB.Close()
	if err := adminDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping admin database: %w", err)
	}
	stmt := fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName))
	if _, err := adminDB.ExecContext(ctx, stmt); err != nil {
		if pgCode(err) == "42P04" {
			return nil
		}
		return fmt.Errorf("create database %q: %w", dbName, err)
	}
	return nil
}

func isUndefinedTableErr(err error) bool {
	if code := pgCode(err); code != "" {
		return code == "42P01"
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "no such table") ||
		(strings.Contains(lower, "relation") && strings.Contains(lower, "does not exist"))
}

func pgCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
