package api

import (
	"time"

	"github.com/VladCristian27/rag-site-auditor/internal/crawler"
)

// CreateRunRequest captures the payload used to launch a crawl run.
// Omitted limits fall back to the server's configured defaults.
type CreateRunRequest struct {
	Seeds          []string `json:"seeds"`
	MaxPages       *int     `json:"max_pages,omitempty"`
	MaxDepth       *int     `json:"max_depth,omitempty"`
	SameDomainOnly *bool    `json:"same_domain_only,omitempty"`
}

// RunStatus captures the lifecycle stage of a run.
type RunStatus string

const (
	RunStatusRunning    RunStatus = "running"
	RunStatusCancelling RunStatus = "cancelling"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusCancelled  RunStatus = "cancelled"
	RunStatusFailed     RunStatus = "failed"
)

// RunSummary surfaces the state of a crawl run.
type RunSummary struct {
	ID          string         `json:"id"`
	Status      RunStatus      `json:"status"`
	Params      crawler.Params `json:"params"`
	Stats       crawler.Stats  `json:"stats"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Message     string         `json:"message,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// SSEEvent envelopes run state for Server-Sent Event clients.
type SSEEvent struct {
	Type      string     `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
	Run       RunSummary `json:"run"`
}
