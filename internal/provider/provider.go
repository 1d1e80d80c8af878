// Package provider defines the adapter contract for interchangeable AI
// backends and the shared bookkeeping (usage counters, request limiting)
// every adapter carries.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Task types routed to providers. Free-form strings; the routing table in
// configuration is the source of truth, these are the builtin ones.
const (
	TaskDocumentation = "documentation"
	TaskCodeAnalysis  = "code_analysis"
	TaskSuggestion    = "suggestion"
	TaskGeneral       = "general"
)

// HealthCheckTimeout bounds a single adapter health probe.
const HealthCheckTimeout = 5 * time.Second

// ErrUnavailable wraps a single backend failure. The orchestrator recovers
// from it by falling back to the next candidate; it is never surfaced alone.
var ErrUnavailable = errors.New("provider unavailable")

// Request is one generation call.
type Request struct {
	TaskType string
	Prompt   string
	System   string

	// Model overrides the adapter's configured model when non-empty.
	Model       string
	Temperature float32
	MaxTokens   int

	// Context carries opaque task-body context (not sent verbatim; adapters
	// may fold it into the prompt).
	Context map[string]any
}

// Result is a completed generation.
type Result struct {
	Content    string
	TokensUsed int
	ModelUsed  string
	Cost       float64

	// ProviderUsed is annotated by the orchestrator, not the adapter.
	ProviderUsed string
}

// Chunk is one element of a streamed generation. The stream channel is
// finite and closed by the adapter; a terminal transport error arrives as a
// final chunk with Err set. A consumed stream cannot be restarted.
type Chunk struct {
	Content string
	Err     error
}

// UsageStats is a point-in-time snapshot of an adapter's counters.
type UsageStats struct {
	Requests uint64  `json:"requests"`
	Failures uint64  `json:"failures"`
	Tokens   int64   `json:"tokens"`
	Cost     float64 `json:"cost"`
}

// Adapter wraps one AI backend.
//
// HealthCheck must complete within HealthCheckTimeout and never fail hard: a
// transport error means "unhealthy", not an error to propagate.
type Adapter interface {
	ID() string
	Name() string
	Capabilities() []string

	Init(ctx context.Context) error
	Generate(ctx context.Context, req Request) (*Result, error)
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
	HealthCheck(ctx context.Context) bool
	Usage() UsageStats
	Close() error
}

// CanServe reports whether capabilities (empty = any) admit taskType.
func CanServe(capabilities []string, taskType string) bool {
	if len(capabilities) == 0 {
		return true
	}
	for _, c := range capabilities {
		if c == taskType {
			return true
		}
	}
	return false
}

func unavailable(id string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, id, err)
}
