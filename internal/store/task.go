package store

import (
	"fmt"
	"time"
)

// Status is the task state machine.
//
// pending → running → {completed | failed}
// scheduled → pending (promotion, time/budget gated)
// pending|scheduled → cancelled
// running → failed (stuck reclaim)
type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusScheduled, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank orders priorities for claim selection (higher wins).
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 1
	}
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// AgentType names the worker family a task belongs to.
type AgentType string

const (
	AgentDocumentation AgentType = "documentation"
	AgentScanner       AgentType = "scanner"
	AgentAnalyzer      AgentType = "analyzer"
	AgentMonetization  AgentType = "monetization"
	AgentTaskSuggester AgentType = "task_suggester"
)

type RecurrenceUnit string

const (
	RecurMinutes RecurrenceUnit = "minutes"
	RecurHourly  RecurrenceUnit = "hourly"
	RecurDaily   RecurrenceUnit = "daily"
	RecurWeekly  RecurrenceUnit = "weekly"
)

// Recurrence is a time pattern: unit × interval.
type Recurrence struct {
	Unit     RecurrenceUnit `json:"unit"`
	Interval int            `json:"interval"`
}

func (r Recurrence) Validate() error {
	switch r.Unit {
	case RecurMinutes, RecurHourly, RecurDaily, RecurWeekly:
	default:
		return fmt.Errorf("unknown recurrence unit %q", r.Unit)
	}
	if r.Interval <= 0 {
		return fmt.Errorf("recurrence interval must be > 0, got %d", r.Interval)
	}
	return nil
}

// NextAfter computes the next run time relative to t.
func (r Recurrence) NextAfter(t time.Time) time.Time {
	n := r.Interval
	if n <= 0 {
		n = 1
	}
	switch r.Unit {
	case RecurMinutes:
		return t.Add(time.Duration(n) * time.Minute)
	case RecurHourly:
		return t.Add(time.Duration(n) * time.Hour)
	case RecurWeekly:
		return t.Add(time.Duration(n) * 7 * 24 * time.Hour)
	default: // daily
		return t.Add(time.Duration(n) * 24 * time.Hour)
	}
}

// Task is one unit of schedulable, retryable background work.
//
// Input/Output/Context are opaque to the scheduler; each agent owns the
// schema for its own agent type.
type Task struct {
	ID          string
	OwnerID     int64
	AgentType   AgentType
	Name        string
	Description string
	Priority    Priority
	Status      Status

	Input   map[string]any
	Output  map[string]any
	Context map[string]any

	ScheduledAt *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	NextRunAt   *time.Time

	IsRecurring bool
	Recurrence  *Recurrence

	RetryCount int
	MaxRetries int

	ProviderUsed string
	ModelUsed    string
	TokensUsed   int
	Cost         float64
	DurationMS   int64
	ErrorMessage string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Usage carries execution bookkeeping written back on completion/failure.
type Usage struct {
	Provider   string
	Model      string
	Tokens     int
	Cost       float64
	DurationMS int64
}

// Filter narrows ListTasks results. Zero values mean "any".
type Filter struct {
	Status    Status
	AgentType AgentType
	OwnerID   int64 // 0 = any
	Limit     int
	Offset    int
}
