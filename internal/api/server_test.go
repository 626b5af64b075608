package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VladCristian27/rag-site-auditor/internal/crawler"
	"github.com/VladCristian27/rag-site-auditor/internal/logging"
	"github.com/VladCristian27/rag-site-auditor/internal/storage"
	"github.com/VladCristian27/rag-site-auditor/pkg/types"
)

type fakePageReader struct {
	records  map[string]types.PageRecord
	lastList storage.PageListParams
}

func (f *fakePageReader) Get(_ context.Context, rawURL string) (types.PageRecord, error) {
	record, ok := f.records[rawURL]
	if !ok {
		return types.PageRecord{}, fmt.Errorf("%w: %s", storage.ErrNotFound, rawURL)
	}
	return record, nil
}

func (f *fakePageReader) List(_ context.Context, params storage.PageListParams) (storage.PageListResult, error) {
	f.lastList = params
	items := make([]types.PageRecord, 0, len(f.records))
	for _, record := range f.records {
		items = append(items, record)
	}
	return storage.PageListResult{Total: int64(len(items)), Page: params.Page, PageSize: params.PageSize, Items: items}, nil
}

func newTestServer(t *testing.T, c Crawler, pages storage.Reader) (*Server, *RunManager) {
	t.Helper()
	defaults := crawler.Params{MaxPages: 10, MaxDepth: 2, SameDomainOnly: true}
	manager := NewRunManager(context.Background(), c, defaults, 1, logging.Discard())
	t.Cleanup(manager.Shutdown)
	return NewServer(manager, pages, logging.Discard()), manager
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestServerStaticRoutes(t *testing.T) {
	server, _ := newTestServer(t, newBlockingCrawler(), nil)

	assertRoute(t, server, http.MethodGet, "/health", http.StatusOK, "application/json")
	assertRoute(t, server, http.MethodGet, "/openapi.yaml", http.StatusOK, "application/yaml")
	assertRoute(t, server, http.MethodGet, "/docs", http.StatusOK, "text/html; charset=utf-8")

	rr := serve(server, http.MethodPost, "/health", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	assert.Equal(t, http.MethodGet, rr.Header().Get("Allow"))
}

func TestServerRunLifecycle(t *testing.T) {
	c := newBlockingCrawler()
	server, _ := newTestServer(t, c, nil)

	rr := serve(server, http.MethodPost, "/api/crawls", `{"seeds":["https://example.com"],"max_pages":3}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created RunSummary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, RunStatusRunning, created.Status)
	assert.Equal(t, 3, created.Params.MaxPages)
	assert.Equal(t, 2, created.Params.MaxDepth)

	// Limit of one concurrent run.
	rr = serve(server, http.MethodPost, "/api/crawls", `{"seeds":["https://example.org"]}`)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)

	rr = serve(server, http.MethodGet, "/api/crawls/"+created.ID, "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = serve(server, http.MethodGet, "/api/crawls", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var listed []RunSummary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &listed))
	require.Len(t, listed, 1)

	rr = serve(server, http.MethodPost, "/api/crawls/"+created.ID+"/cancel", "")
	assert.Equal(t, http.StatusAccepted, rr.Code)

	require.Eventually(t, func() bool {
		rr := serve(server, http.MethodGet, "/api/crawls/"+created.ID, "")
		var summary RunSummary
		_ = json.Unmarshal(rr.Body.Bytes(), &summary)
		return summary.Status == RunStatusCancelled
	}, time.Second, 5*time.Millisecond)

	rr = serve(server, http.MethodPost, "/api/crawls/"+created.ID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestServerRunErrors(t *testing.T) {
	server, _ := newTestServer(t, newBlockingCrawler(), nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"bad json", http.MethodPost, "/api/crawls", `{`, http.StatusBadRequest},
		{"no seeds", http.MethodPost, "/api/crawls", `{"seeds":[]}`, http.StatusBadRequest},
		{"bad max pages", http.MethodPost, "/api/crawls", `{"seeds":["https://a.test"],"max_pages":0}`, http.StatusBadRequest},
		{"unsupported method", http.MethodDelete, "/api/crawls", "", http.StatusMethodNotAllowed},
		{"unknown run", http.MethodGet, "/api/crawls/missing", "", http.StatusNotFound},
		{"cancel unknown run", http.MethodPost, "/api/crawls/missing/cancel", "", http.StatusNotFound},
		{"cancel via get", http.MethodGet, "/api/crawls/missing/cancel", "", http.StatusMethodNotAllowed},
		{"unknown action", http.MethodGet, "/api/crawls/missing/other", "", http.StatusNotFound},
		{"events unknown run", http.MethodGet, "/api/crawls/missing/events", "", http.StatusNotFound},
		{"pages without reader", http.MethodGet, "/api/pages", "", http.StatusNotImplemented},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(server, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
		})
	}
}

func TestServerRunEventsStream(t *testing.T) {
	c := newBlockingCrawler()
	server, manager := newTestServer(t, c, nil)
	run, err := manager.Start(CreateRunRequest{Seeds: []string{"https://example.com"}})
	require.NoError(t, err)

	ts := httptest.NewServer(server)
	defer ts.Close()

	go func() {
		<-c.started
		c.finish(crawler.Stats{Processed: 1, Succeeded: 1}, nil)
	}()

	resp, err := http.Get(ts.URL + "/api/crawls/" + run.ID() + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body := readAll(t, resp)
	assert.Contains(t, body, "event: snapshot")
	assert.Contains(t, body, `"status":"completed"`)
}

func TestServerPages(t *testing.T) {
	record := types.PageRecord{URL: "https://example.com/a", Title: "A", Headings: []string{}, Images: []types.Image{}, InternalLinks: []string{}}
	reader := &fakePageReader{records: map[string]types.PageRecord{record.URL: record}}
	server, _ := newTestServer(t, newBlockingCrawler(), reader)

	rr := serve(server, http.MethodGet, "/api/pages?url="+url.QueryEscape(record.URL), "")
	require.Equal(t, http.StatusOK, rr.Code)
	var got types.PageRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "A", got.Title)

	rr = serve(server, http.MethodGet, "/api/pages?url="+url.QueryEscape("https://example.com/missing"), "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = serve(server, http.MethodGet, "/api/pages/"+storage.EncodePageID(record.URL), "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = serve(server, http.MethodGet, "/api/pages/!!!", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(server, http.MethodGet, "/api/pages?page=2&page_size=5&q=Example&failed=true", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, storage.PageListParams{Page: 2, PageSize: 5, Search: "Example", FailedOnly: true}, reader.lastList)
	var list storage.PageListResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	assert.Equal(t, int64(1), list.Total)

	rr = serve(server, http.MethodGet, "/api/pages?page=-1&page_size=abc", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, reader.lastList.Page)
	assert.Equal(t, 20, reader.lastList.PageSize)

	rr = serve(server, http.MethodGet, "/api/pages?failed=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func assertRoute(t *testing.T, h http.Handler, method, path string, wantStatus int, wantContentType string) {
	t.Helper()
	rr := serve(h, method, path, "")

	if rr.Code != wantStatus {
		t.Fatalf("%s %s: expected status %d, got %d (body=%s)", method, path, wantStatus, rr.Code, rr.Body.String())
	}
	if wantContentType != "" {
		if got := rr.Header().Get("Content-Type"); got != wantContentType {
			t.Fatalf("%s %s: expected content-type %s, got %s", method, path, wantContentType, got)
		}
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("%s %s: expected non-empty body", method, path)
	}
}
