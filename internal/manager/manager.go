// Package manager owns task intake and the periodic maintenance sweeps:
// promotion of due scheduled tasks (policy gated), recurring respawn, stuck
// task reclaim, budget reset, and terminal row retention.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"zenith/internal/agent"
	"zenith/internal/eventbus"
	"zenith/internal/orchestrator"
	"zenith/internal/store"
	"zenith/pkg/logx"
)

type Config struct {
	// PromoteInterval is the period of the scheduled→pending sweep. Default 60s.
	PromoteInterval time.Duration
	// RecurrenceInterval is the period of the recurring respawn sweep. Default 60s.
	RecurrenceInterval time.Duration
	// ReclaimInterval is the period of the stuck task sweep. Default 5m.
	ReclaimInterval time.Duration
	// StuckTimeout is how long a task may sit in running before reclaim. Default 1h.
	StuckTimeout time.Duration
	// BudgetResetInterval is the period of the policy budget reset sweep. Default 5m.
	BudgetResetInterval time.Duration
	// RetentionInterval is the period of the terminal row cleanup. Default 1h.
	RetentionInterval time.Duration
	// RetentionAge is how long terminal non-recurring rows are kept. Default 30 days.
	RetentionAge time.Duration
	// DefaultMaxRetries is the retry budget for tasks submitted without one. Default 3.
	DefaultMaxRetries int
}

func (c Config) withDefaults() Config {
	if c.PromoteInterval <= 0 {
		c.PromoteInterval = time.Minute
	}
	if c.RecurrenceInterval <= 0 {
		c.RecurrenceInterval = time.Minute
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = 5 * time.Minute
	}
	if c.StuckTimeout <= 0 {
		c.StuckTimeout = time.Hour
	}
	if c.BudgetResetInterval <= 0 {
		c.BudgetResetInterval = 5 * time.Minute
	}
	if c.RetentionInterval <= 0 {
		c.RetentionInterval = time.Hour
	}
	if c.RetentionAge <= 0 {
		c.RetentionAge = 30 * 24 * time.Hour
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = 3
	}
	return c
}

// ProviderReporter is the slice of the orchestrator the status snapshot needs.
type ProviderReporter interface {
	Report() []orchestrator.ProviderStatus
}

// Manager is the control plane of the scheduler: it accepts task submissions
// and drives the maintenance sweeps on cron entries. Sweeps are skip-if-still-
// running, so a slow pass delays the next one instead of stacking.
type Manager struct {
	cfg       Config
	st        *store.Store
	runners   []*agent.Runner
	providers ProviderReporter
	log       logx.Logger
	bus       eventbus.Bus
	served    map[store.AgentType]bool

	mu  sync.Mutex
	c   *cron.Cron
	ctx context.Context
}

func New(cfg Config, st *store.Store, runners []*agent.Runner, providers ProviderReporter, log logx.Logger, bus eventbus.Bus) *Manager {
	served := make(map[store.AgentType]bool, len(runners))
	for _, r := range runners {
		served[r.Status().AgentType] = true
	}
	return &Manager{
		cfg:       cfg.withDefaults(),
		st:        st,
		runners:   runners,
		providers: providers,
		log:       log,
		bus:       bus,
		served:    served,
	}
}

// Start registers the sweep entries and starts the cron runner. ctx bounds the
// sweeps themselves; Stop halts the schedule.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c != nil {
		return errors.New("manager already started")
	}

	clog := cronLogger{log: m.log}
	m.c = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(clog),
		cron.Recover(clog),
	))
	m.ctx = ctx

	entries := []struct {
		name  string
		every time.Duration
		run   func(context.Context)
	}{
		{"promote", m.cfg.PromoteInterval, m.promoteDue},
		{"recurrence", m.cfg.RecurrenceInterval, m.spawnRecurring},
		{"reclaim", m.cfg.ReclaimInterval, m.reclaimStuck},
		{"budget-reset", m.cfg.BudgetResetInterval, m.resetBudgets},
		{"retention", m.cfg.RetentionInterval, m.pruneTerminal},
	}
	for _, e := range entries {
		run := e.run
		if _, err := m.c.AddFunc(fmt.Sprintf("@every %s", e.every), func() {
			if ctx.Err() != nil {
				return
			}
			run(ctx)
		}); err != nil {
			return fmt.Errorf("register %s sweep: %w", e.name, err)
		}
		m.log.Debug("sweep registered", logx.String("sweep", e.name), logx.Duration("every", e.every))
	}

	m.c.Start()
	m.log.Info("manager started")
	return nil
}

// Stop halts the cron schedule and waits for in-flight sweeps, bounded by ctx.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	c := m.c
	m.c = nil
	m.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	m.log.Info("manager stopped")
}

// SubmitRequest describes one new task.
type SubmitRequest struct {
	OwnerID     int64
	AgentType   store.AgentType
	Name        string
	Description string
	Priority    store.Priority
	Input       map[string]any
	Context     map[string]any

	// ScheduledAt defers the task: a future time lands it in scheduled, to be
	// promoted by the sweep. Nil or past means immediately eligible.
	ScheduledAt *time.Time
	Recurrence  *store.Recurrence

	// MaxRetries overrides the default retry budget when > 0.
	MaxRetries int
}

func (r *SubmitRequest) validate() error {
	if r.AgentType == "" {
		return errors.New("agent_type is required")
	}
	if r.Name == "" {
		return errors.New("name is required")
	}
	if r.Priority != "" && !r.Priority.Valid() {
		return fmt.Errorf("unknown priority %q", r.Priority)
	}
	if r.Recurrence != nil {
		if err := r.Recurrence.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Submit validates and persists a new task, returning the stored row. A task
// for an agent type no runner serves is rejected up front: it would otherwise
// sit pending forever.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*store.Task, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if len(m.served) > 0 && !m.served[req.AgentType] {
		return nil, fmt.Errorf("no agent serves type %q", req.AgentType)
	}

	now := time.Now()
	status := store.StatusPending
	if req.ScheduledAt != nil && req.ScheduledAt.After(now) {
		status = store.StatusScheduled
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = m.cfg.DefaultMaxRetries
	}

	t := &store.Task{
		ID:          uuid.NewString(),
		OwnerID:     req.OwnerID,
		AgentType:   req.AgentType,
		Name:        req.Name,
		Description: req.Description,
		Priority:    req.Priority,
		Status:      status,
		Input:       req.Input,
		Context:     req.Context,
		ScheduledAt: req.ScheduledAt,
		IsRecurring: req.Recurrence != nil,
		Recurrence:  req.Recurrence,
		MaxRetries:  maxRetries,
	}
	if err := m.st.CreateTask(ctx, t); err != nil {
		return nil, err
	}

	m.log.Info("task submitted",
		logx.String("task", t.ID),
		logx.String("agent", string(t.AgentType)),
		logx.String("name", t.Name),
		logx.String("status", string(t.Status)))
	return t, nil
}

// Cancel withdraws a pending or scheduled task.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	if err := m.st.Cancel(ctx, id); err != nil {
		return err
	}
	t, err := m.st.GetTask(ctx, id)
	if err == nil {
		m.publishTask(eventbus.TaskCancelled, t, "")
	}
	m.log.Info("task cancelled", logx.String("task", id))
	return nil
}

// AgentStatus is one agent type's slice of the system snapshot.
type AgentStatus struct {
	agent.RunnerStatus
	QueueDepth int `json:"queue_depth"`
}

// SystemStatus is a point-in-time view of workers and providers.
type SystemStatus struct {
	Agents    []AgentStatus                 `json:"agents"`
	Providers []orchestrator.ProviderStatus `json:"providers"`
}

func (m *Manager) Status(ctx context.Context) (*SystemStatus, error) {
	out := &SystemStatus{}
	for _, r := range m.runners {
		rs := r.Status()
		depth, err := m.st.QueueDepth(ctx, rs.AgentType)
		if err != nil {
			return nil, err
		}
		out.Agents = append(out.Agents, AgentStatus{RunnerStatus: rs, QueueDepth: depth})
	}
	if m.providers != nil {
		out.Providers = m.providers.Report()
	}
	return out, nil
}

// promoteDue releases due scheduled tasks, gated by the owner's schedule
// policy. Blocked tasks stay scheduled; the next sweep reconsiders them.
func (m *Manager) promoteDue(ctx context.Context) {
	now := time.Now()
	due, err := m.st.DueScheduled(ctx, now, 100)
	if err != nil {
		m.log.Error("promotion sweep failed", logx.Err(err))
		return
	}

	type polKey struct {
		owner     int64
		agentType store.AgentType
	}
	policies := map[polKey]*store.SchedulePolicy{}

	promoted := 0
	for _, t := range due {
		key := polKey{t.OwnerID, t.AgentType}
		pol, cached := policies[key]
		if !cached {
			p, err := m.st.GetPolicy(ctx, t.OwnerID, t.AgentType)
			switch {
			case err == nil:
				pol = p
			case errors.Is(err, store.ErrPolicyNotFound):
				pol = nil // unrestricted
			default:
				m.log.Error("policy lookup failed", logx.String("task", t.ID), logx.Err(err))
				continue
			}
			policies[key] = pol
		}

		if ok, reason := pol.Allows(now); !ok {
			m.log.Debug("promotion deferred",
				logx.String("task", t.ID),
				logx.String("agent", string(t.AgentType)),
				logx.String("reason", reason))
			continue
		}

		ok, err := m.st.Promote(ctx, t.ID)
		if err != nil {
			m.log.Error("promote failed", logx.String("task", t.ID), logx.Err(err))
			continue
		}
		if !ok {
			// Concurrently cancelled or already promoted.
			continue
		}
		promoted++
		if pol != nil {
			if err := m.st.RecordRun(ctx, t.OwnerID, t.AgentType); err != nil {
				m.log.Warn("run bookkeeping failed", logx.String("task", t.ID), logx.Err(err))
			} else {
				pol.DailyRunsCount++ // keep the cached copy honest within this sweep
			}
		}
		m.publishTask(eventbus.TaskPromoted, t, "")
	}

	if promoted > 0 {
		m.log.Info("promotion sweep", logx.Int("due", len(due)), logx.Int("promoted", promoted))
	}
}

// spawnRecurring clones finished recurring tasks into their next scheduled run.
func (m *Manager) spawnRecurring(ctx context.Context) {
	due, err := m.st.RecurringDue(ctx, 100)
	if err != nil {
		m.log.Error("recurrence sweep failed", logx.Err(err))
		return
	}

	for _, t := range due {
		if t.Recurrence == nil {
			m.log.Warn("recurring task without recurrence", logx.String("task", t.ID))
			continue
		}
		base := time.Now()
		if t.CompletedAt != nil {
			base = *t.CompletedAt
		}
		next := t.Recurrence.NextAfter(base)

		successorID := uuid.NewString()
		ok, err := m.st.SpawnRecurring(ctx, t, successorID, next)
		if err != nil {
			m.log.Error("recurring spawn failed", logx.String("task", t.ID), logx.Err(err))
			continue
		}
		if !ok {
			continue
		}
		m.publishTask(eventbus.TaskRespawned, t, "")
		m.log.Info("recurring task respawned",
			logx.String("task", t.ID),
			logx.String("successor", successorID),
			logx.Time("next", next))
	}
}

// reclaimStuck force-fails tasks running longer than the stuck timeout.
func (m *Manager) reclaimStuck(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.StuckTimeout)
	msg := fmt.Sprintf("task timed out after %s", m.cfg.StuckTimeout)

	ids, err := m.st.ReclaimStuck(ctx, cutoff, msg)
	if err != nil {
		m.log.Error("reclaim sweep failed", logx.Err(err))
		return
	}
	for _, id := range ids {
		m.log.Warn("stuck task reclaimed", logx.String("task", id), logx.Duration("timeout", m.cfg.StuckTimeout))
		if m.bus != nil {
			m.bus.Publish(eventbus.Event{
				Type: eventbus.TaskReclaimed,
				Data: eventbus.TaskEvent{TaskID: id, Status: string(store.StatusFailed), Error: msg},
			})
		}
	}
}

// resetBudgets zeroes daily policy counters past their 24h window.
func (m *Manager) resetBudgets(ctx context.Context) {
	n, err := m.st.ResetExpiredBudgets(ctx, time.Now())
	if err != nil {
		m.log.Error("budget reset sweep failed", logx.Err(err))
		return
	}
	if n > 0 {
		m.log.Info("policy budgets reset", logx.Int64("policies", n))
	}
}

// pruneTerminal deletes old terminal non-recurring rows.
func (m *Manager) pruneTerminal(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.RetentionAge)
	n, err := m.st.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		m.log.Error("retention sweep failed", logx.Err(err))
		return
	}
	if n > 0 {
		m.log.Info("terminal tasks pruned", logx.Int64("removed", n))
	}
}

func (m *Manager) publishTask(eventType string, t *store.Task, errMsg string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{
		Type: eventType,
		Data: eventbus.TaskEvent{
			TaskID:    t.ID,
			AgentType: string(t.AgentType),
			Name:      t.Name,
			Status:    string(t.Status),
			Error:     errMsg,
		},
	})
}
