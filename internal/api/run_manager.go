package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/VladCristian27/rag-site-auditor/internal/crawler"
)

var (
	// ErrMaxConcurrency signals that the global concurrency limit has been reached.
	ErrMaxConcurrency = errors.New("maximum concurrent runs reached")
	// ErrRunNotFound is returned for unknown run identifiers.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunNotActive is returned when cancelling a run that already ended.
	ErrRunNotActive = errors.New("run not running")
)

// Crawler executes a crawl run to completion.
type Crawler interface {
	Crawl(ctx context.Context, params crawler.Params) (crawler.Stats, error)
}

// RunManager launches crawl runs in the background and tracks their lifecycle.
type RunManager struct {
	mu             sync.RWMutex
	runs           map[string]*Run
	crawler        Crawler
	defaults       crawler.Params
	maxConcurrency int
	running        int
	rootCtx        context.Context
	logger         *slog.Logger
	wg             sync.WaitGroup
}

// NewRunManager constructs a manager. defaults supplies limits omitted by requests.
func NewRunManager(rootCtx context.Context, c Crawler, defaults crawler.Params, maxConcurrency int, logger *slog.Logger) *RunManager {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	if rootCtx == nil {
		rootCtx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RunManager{
		runs:           make(map[string]*Run),
		crawler:        c,
		defaults:       defaults,
		maxConcurrency: maxConcurrency,
		rootCtx:        rootCtx,
		logger:         logger,
	}
}

// Start validates the request and launches a crawl run.
func (m *RunManager) Start(req CreateRunRequest) (*Run, error) {
	params := m.buildParams(req)
	if err := params.Validate(); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(m.rootCtx)
	run := newRun(uuid.NewString(), params)
	run.cancel = cancel

	m.mu.Lock()
	if m.running >= m.maxConcurrency {
		m.mu.Unlock()
		cancel()
		return nil, ErrMaxConcurrency
	}
	m.running++
	m.runs[run.id] = run
	m.mu.Unlock()

	params.Progress = run.report
	logger := m.logger.With("run_id", run.id)
	logger.Info("crawl run started", "seeds", params.Seeds)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		stats, err := m.crawler.Crawl(runCtx, params)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("crawl run failed", "error", err)
		} else {
			logger.Info("crawl run ended", "processed", stats.Processed)
		}
		run.complete(stats, err)
		m.release()
	}()
	return run, nil
}

func (m *RunManager) buildParams(req CreateRunRequest) crawler.Params {
	params := m.defaults
	params.Seeds = make([]string, 0, len(req.Seeds))
	for _, seed := range req.Seeds {
		if seed = strings.TrimSpace(seed); seed != "" {
			params.Seeds = append(params.Seeds, seed)
		}
	}
	if req.MaxPages != nil {
		params.MaxPages = *req.MaxPages
	}
	if req.MaxDepth != nil {
		params.MaxDepth = *req.MaxDepth
	}
	if req.SameDomainOnly != nil {
		params.SameDomainOnly = *req.SameDomainOnly
	}
	params.Progress = nil
	return params
}

func (m *RunManager) release() {
	m.mu.Lock()
	if m.running > 0 {
		m.running--
	}
	m.mu.Unlock()
}

// List captures summaries for all runs, newest first.
func (m *RunManager) List() []RunSummary {
	m.mu.RLock()
	summaries := make([]RunSummary, 0, len(m.runs))
	for _, run := range m.runs {
		summaries = append(summaries, run.Snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	return summaries
}

// Get returns the run by id.
func (m *RunManager) Get(id string) (*Run, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[strings.TrimSpace(id)]
	return run, ok
}

// Cancel requests cancellation of an active run.
func (m *RunManager) Cancel(id string) error {
	run, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if !run.Cancel("cancel requested via API") {
		return fmt.Errorf("%w: %s", ErrRunNotActive, id)
	}
	return nil
}

// Shutdown cancels all active runs and waits for them to finish.
func (m *RunManager) Shutdown() {
	m.mu.RLock()
	snapshot := make([]*Run, 0, len(m.runs))
	for _, run := range m.runs {
		snapshot = append(snapshot, run)
	}
	m.mu.RUnlock()

	for _, run := range snapshot {
		run.Cancel("manager shutdown")
	}
	m.wg.Wait()
}

// Run tracks the lifecycle of one crawl.
type Run struct {
	id string

	mu          sync.Mutex
	params      crawler.Params
	status      RunStatus
	stats       crawler.Stats
	createdAt   time.Time
	completedAt *time.Time
	message     string
	lastError   string
	cancel      context.CancelFunc
	done        chan struct{}

	subMu       sync.RWMutex
	subscribers map[chan SSEEvent]struct{}
}

func newRun(id string, params crawler.Params) *Run {
	return &Run{
		id:          id,
		params:      params,
		status:      RunStatusRunning,
		createdAt:   time.Now().UTC(),
		message:     "running",
		done:        make(chan struct{}),
		subscribers: make(map[chan SSEEvent]struct{}),
	}
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// Done is closed once the run has finished.
func (r *Run) Done() <-chan struct{} { return r.done }

func (r *Run) report(stats crawler.Stats) {
	r.mu.Lock()
	r.stats = stats
	r.mu.Unlock()
	r.broadcast("progress")
}

func (r *Run) complete(stats crawler.Stats, err error) {
	now := time.Now().UTC()
	r.mu.Lock()
	r.stats = stats
	r.completedAt = &now
	r.cancel = nil
	switch {
	case errors.Is(err, context.Canceled):
		r.status = RunStatusCancelled
		r.message = "cancelled"
	case err != nil:
		r.status = RunStatusFailed
		r.message = "failed"
		r.lastError = err.Error()
	default:
		r.status = RunStatusCompleted
		r.message = "completed"
	}
	eventType := "run_" + string(r.status)
	r.mu.Unlock()

	r.broadcast(eventType)
	close(r.done)

	r.subMu.Lock()
	for ch := range r.subscribers {
		delete(r.subscribers, ch)
		close(ch)
	}
	r.subMu.Unlock()
}

// Cancel stops the run if it is still running.
func (r *Run) Cancel(reason string) bool {
	r.mu.Lock()
	if r.status != RunStatusRunning || r.cancel == nil {
		r.mu.Unlock()
		return false
	}
	r.status = RunStatusCancelling
	r.message = reason
	cancel := r.cancel
	r.mu.Unlock()

	r.broadcast("run_cancelling")
	cancel()
	return true
}

// Snapshot returns a copy of the public run state.
func (r *Run) Snapshot() RunSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	summary := RunSummary{
		ID:        r.id,
		Status:    r.status,
		Params:    r.params,
		Stats:     r.stats,
		CreatedAt: r.createdAt,
		Message:   r.message,
		Error:     r.lastError,
	}
	summary.Params.Seeds = append([]string(nil), r.params.Seeds...)
	if r.completedAt != nil {
		completed := *r.completedAt
		summary.CompletedAt = &completed
	}
	return summary
}

// Subscribe registers an SSE subscriber. The channel is closed when the run ends.
func (r *Run) Subscribe() (<-chan SSEEvent, func()) {
	ch := make(chan SSEEvent, 16)
	ch <- SSEEvent{Type: "snapshot", Timestamp: time.Now().UTC(), Run: r.Snapshot()}

	r.subMu.Lock()
	select {
	case <-r.done:
		r.subMu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	r.subscribers[ch] = struct{}{}
	r.subMu.Unlock()

	cancel := func() {
		r.subMu.Lock()
		if _, ok := r.subscribers[ch]; ok {
			delete(r.subscribers, ch)
			close(ch)
		}
		r.subMu.Unlock()
	}
	return ch, cancel
}

func (r *Run) broadcast(eventType string) {
	envelope := SSEEvent{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Run:       r.Snapshot(),
	}

	r.subMu.RLock()
	defer r.subMu.RUnlock()
	for ch := range r.subscribers {
		select {
		case ch <- envelope:
		default:
		}
	}
}
