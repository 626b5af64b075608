package storage

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/VladCristian27/rag-site-auditor/pkg/types"
)

// PageListParams controls pagination and filtering.
type PageListParams struct {
	Page     int
	PageSize int
	Search   string
	// FailedOnly restricts the listing to fetch_failed_or_blocked records.
	FailedOnly bool
}

// PageListResult wraps records with pagination metadata.
type PageListResult struct {
	Total    int64              `json:"total"`
	Page     int                `json:"page"`
	PageSize int                `json:"page_size"`
	Items    []types.PageRecord `json:"items"`
}

// ErrInvalidPageID is returned for identifiers that are not unpadded base64url.
var ErrInvalidPageID = errors.New("invalid page id")

// EncodePageID maps a page URL onto a path-safe identifier.
func EncodePageID(pageURL string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(pageURL))
}

// DecodePageID reverses EncodePageID.
func DecodePageID(id string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(id))
	if err != nil || len(raw) == 0 {
		return "", fmt.Errorf("%w %q", ErrInvalidPageID, id)
	}
	return string(raw), nil
}

const pageColumns = `url, depth, title, meta_description, headings, text, images, internal_links, scraped_at, error`

// Get returns the stored record for url, or ErrNotFound.
func (s *SQLStore) Get(ctx context.Context, url string) (types.PageRecord, error) {
	if s == nil || s.db == nil {
		return types.PageRecord{}, errors.New("sql store not initialised")
	}
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+pageColumns+` FROM pages WHERE url = ?`), url)
	record, err := scanPage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.PageRecord{}, fmt.Errorf("%w: %s", ErrNotFound, url)
		}
		return types.PageRecord{}, fmt.Errorf("fetch page: %w", err)
	}
	return record, nil
}

// List returns stored records, most recently scraped first.
func (s *SQLStore) List(ctx context.Context, params PageListParams) (PageListResult, error) {
	if s == nil || s.db == nil {
		return PageListResult{}, errors.New("sql store not initialised")
	}
	page := params.Page
	if page <= 0 {
		page = 1
	}
	pageSize := params.PageSize
	if pageSize <= 0 || pageSize > 200 {
		pageSize = 20
	}
	result := PageListResult{Page: page, PageSize: pageSize}

	var (
		where []string
		args  []any
	)
	if search := strings.ToLower(strings.TrimSpace(params.Search)); search != "" {
		pattern := "%" + search + "%"
		where = append(where, `(LOWER(url) LIKE ? OR LOWER(title) LIKE ?)`)
		args = append(args, pattern, pattern)
	}
	if params.FailedOnly {
		where = append(where, `error <> ''`)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM pages`+clause), args...).Scan(&result.Total); err != nil {
		return PageListResult{}, fmt.Errorf("count pages: %w", err)
	}

	listQuery := s.rebind(`SELECT ` + pageColumns + ` FROM pages` + clause + ` ORDER BY scraped_at DESC, url LIMIT ? OFFSET ?`)
	listArgs := append(append([]any(nil), args...), pageSize, (page-1)*pageSize)
	rows, err := s.db.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return PageListResult{}, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	items := make([]types.PageRecord, 0, pageSize)
	for rows.Next() {
		record, err := scanPage(rows)
		if err != nil {
			return PageListResult{}, fmt.Errorf("scan page: %w", err)
		}
		items = append(items, record)
	}
	if err := rows.Err(); err != nil {
		return PageListResult{}, err
	}
	result.Items = items
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPage(row rowScanner) (types.PageRecord, error) {
	var (
		record    types.PageRecord
		headings  string
		images    string
		links     string
		scrapedAt string
	)
	if err := row.Scan(&record.URL, &record.Depth, &record.Title, &record.MetaDescription,
		&headings, &record.Text, &images, &links, &scrapedAt, &record.Error); err != nil {
		return types.PageRecord{}, err
	}
	record.Headings = parseStrings(headings)
	record.InternalLinks = parseStrings(links)
	record.Images = parseImages(images)
	ts, err := parseScrapedAt(scrapedAt)
	if err != nil {
		return types.PageRecord{}, fmt.Errorf("page %s: %w", record.URL, err)
	}
	record.ScrapedAt = ts
	return record, nil
}

func parseScrapedAt(value string) (time.Time, error) {
	ts, err := time.Parse(scrapedAtLayout, value)
	if err == nil {
		return ts, nil
	}
	// Rows written before the fixed-width layout.
	if ts, rfcErr := time.Parse(time.RFC3339Nano, value); rfcErr == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("parse scraped_at %q: %w", value, err)
}

func parseStrings(data string) []string {
	out := []string{}
	if data == "" {
		return out
	}
	if err := json.Unmarshal([]byte(data), &out); err != nil || out == nil {
		return []string{}
	}
	return out
}

func parseImages(data string) []types.Image {
	out := []types.Image{}
	if data == "" {
		return out
	}
	if err := json.Unmarshal([]byte(data), &out); err != nil || out == nil {
		return []types.Image{}
	}
	return out
}
