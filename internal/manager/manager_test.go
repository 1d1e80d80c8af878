package manager

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"zenith/internal/agent"
	"zenith/internal/store"
	"zenith/pkg/logx"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *store.Store) {
	t.Helper()
	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "mgr.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(cfg, s, nil, nil, logx.Nop(), nil), s
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"missing agent type", SubmitRequest{Name: "x"}},
		{"missing name", SubmitRequest{AgentType: store.AgentAnalyzer}},
		{"bad priority", SubmitRequest{AgentType: store.AgentAnalyzer, Name: "x", Priority: "urgent"}},
		{"bad recurrence", SubmitRequest{AgentType: store.AgentAnalyzer, Name: "x",
			Recurrence: &store.Recurrence{Unit: "fortnightly", Interval: 1}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Submit(ctx, tt.req); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

type noopExec struct{ typ store.AgentType }

func (e noopExec) Type() store.AgentType { return e.typ }
func (e noopExec) Execute(ctx context.Context, task *store.Task) (*agent.Result, error) {
	return &agent.Result{}, nil
}

func TestSubmitRejectsUnservedAgentType(t *testing.T) {
	t.Parallel()
	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "mgr.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	r := agent.NewRunner(noopExec{typ: store.AgentAnalyzer}, s, agent.RunnerConfig{}, logx.Nop(), nil)
	m := New(Config{}, s, []*agent.Runner{r}, nil, logx.Nop(), nil)
	ctx := context.Background()

	if _, err := m.Submit(ctx, SubmitRequest{AgentType: "analyser", Name: "typo"}); err == nil {
		t.Fatal("typo'd agent type accepted; the task would sit pending forever")
	}
	if _, err := m.Submit(ctx, SubmitRequest{AgentType: store.AgentAnalyzer, Name: "ok"}); err != nil {
		t.Fatalf("Submit for a served type: %v", err)
	}
}

func TestSubmitPendingAndScheduled(t *testing.T) {
	t.Parallel()
	m, s := newTestManager(t, Config{DefaultMaxRetries: 4})
	ctx := context.Background()

	now, err := m.Submit(ctx, SubmitRequest{
		AgentType: store.AgentAnalyzer,
		Name:      "run now",
		Input:     map[string]any{"code_snippet": "x"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if now.Status != store.StatusPending {
		t.Fatalf("status = %s, want pending", now.Status)
	}
	if now.MaxRetries != 4 {
		t.Fatalf("max_retries = %d, want default 4", now.MaxRetries)
	}
	if now.Priority != store.PriorityMedium {
		t.Fatalf("priority = %s, want medium default", now.Priority)
	}

	future := time.Now().Add(time.Hour)
	later, err := m.Submit(ctx, SubmitRequest{
		AgentType:   store.AgentAnalyzer,
		Name:        "run later",
		Priority:    store.PriorityHigh,
		ScheduledAt: &future,
		Recurrence:  &store.Recurrence{Unit: store.RecurDaily, Interval: 1},
		MaxRetries:  1,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if later.Status != store.StatusScheduled {
		t.Fatalf("status = %s, want scheduled", later.Status)
	}
	if !later.IsRecurring || later.MaxRetries != 1 {
		t.Fatalf("task mismatch: %+v", later)
	}

	stored, err := s.GetTask(ctx, later.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if stored.Status != store.StatusScheduled {
		t.Fatalf("stored status = %s", stored.Status)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	m, s := newTestManager(t, Config{})
	ctx := context.Background()

	created, err := m.Submit(ctx, SubmitRequest{AgentType: store.AgentAnalyzer, Name: "c"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := m.Cancel(ctx, created.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, _ := s.GetTask(ctx, created.ID)
	if got.Status != store.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if err := m.Cancel(ctx, "missing"); !errors.Is(err, store.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func submitDue(t *testing.T, m *Manager, ownerID int64, name string) *store.Task {
	t.Helper()
	soon := time.Now().Add(20 * time.Millisecond)
	task, err := m.Submit(context.Background(), SubmitRequest{
		OwnerID:     ownerID,
		AgentType:   store.AgentAnalyzer,
		Name:        name,
		ScheduledAt: &soon,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return task
}

func TestPromoteDueWithoutPolicy(t *testing.T) {
	t.Parallel()
	m, s := newTestManager(t, Config{})
	ctx := context.Background()

	a := submitDue(t, m, 1, "a")
	b := submitDue(t, m, 1, "b")
	time.Sleep(30 * time.Millisecond)

	m.promoteDue(ctx)

	for _, id := range []string{a.ID, b.ID} {
		got, _ := s.GetTask(ctx, id)
		if got.Status != store.StatusPending {
			t.Fatalf("task %s status = %s, want pending", id, got.Status)
		}
	}
}

func TestPromoteDueChargesRunBudget(t *testing.T) {
	t.Parallel()
	m, s := newTestManager(t, Config{})
	ctx := context.Background()

	if err := s.UpsertPolicy(ctx, &store.SchedulePolicy{
		OwnerID:      1,
		AgentType:    store.AgentAnalyzer,
		Enabled:      true,
		MaxDailyRuns: 1,
	}); err != nil {
		t.Fatalf("UpsertPolicy: %v", err)
	}

	a := submitDue(t, m, 1, "a")
	b := submitDue(t, m, 1, "b")
	time.Sleep(30 * time.Millisecond)

	m.promoteDue(ctx)

	var pending, scheduled int
	for _, id := range []string{a.ID, b.ID} {
		got, _ := s.GetTask(ctx, id)
		switch got.Status {
		case store.StatusPending:
			pending++
		case store.StatusScheduled:
			scheduled++
		}
	}
	if pending != 1 || scheduled != 1 {
		t.Fatalf("pending=%d scheduled=%d, want exactly one promoted", pending, scheduled)
	}

	pol, _ := s.GetPolicy(ctx, 1, store.AgentAnalyzer)
	if pol.DailyRunsCount != 1 {
		t.Fatalf("daily_runs_count = %d, want 1", pol.DailyRunsCount)
	}

	// Budget is spent: the next sweep promotes nothing.
	m.promoteDue(ctx)
	var stillScheduled int
	for _, id := range []string{a.ID, b.ID} {
		got, _ := s.GetTask(ctx, id)
		if got.Status == store.StatusScheduled {
			stillScheduled++
		}
	}
	if stillScheduled != 1 {
		t.Fatalf("scheduled = %d after second sweep, want 1", stillScheduled)
	}
}

func TestPromoteDueDisabledPolicyBlocks(t *testing.T) {
	t.Parallel()
	m, s := newTestManager(t, Config{})
	ctx := context.Background()

	if err := s.UpsertPolicy(ctx, &store.SchedulePolicy{
		OwnerID:   1,
		AgentType: store.AgentAnalyzer,
		Enabled:   false,
	}); err != nil {
		t.Fatalf("UpsertPolicy: %v", err)
	}

	a := submitDue(t, m, 1, "a")
	time.Sleep(30 * time.Millisecond)

	m.promoteDue(ctx)
	got, _ := s.GetTask(ctx, a.ID)
	if got.Status != store.StatusScheduled {
		t.Fatalf("status = %s, want scheduled (blocked)", got.Status)
	}
}

func TestSpawnRecurringSweep(t *testing.T) {
	t.Parallel()
	m, s := newTestManager(t, Config{})
	ctx := context.Background()

	src, err := m.Submit(ctx, SubmitRequest{
		AgentType:  store.AgentAnalyzer,
		Name:       "nightly",
		Input:      map[string]any{"project_name": "zenith"},
		Recurrence: &store.Recurrence{Unit: store.RecurDaily, Interval: 1},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	claimed, err := s.ClaimNext(ctx, store.AgentAnalyzer)
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNext: %v %v", claimed, err)
	}
	if err := s.CompleteTask(ctx, src.ID, nil, store.Usage{}); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	m.spawnRecurring(ctx)

	succ, err := s.ListTasks(ctx, store.Filter{Status: store.StatusScheduled})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(succ) != 1 {
		t.Fatalf("successors = %d, want 1", len(succ))
	}
	if succ[0].Name != "nightly" || !succ[0].IsRecurring {
		t.Fatalf("successor mismatch: %+v", succ[0])
	}

	// The sweep is idempotent.
	m.spawnRecurring(ctx)
	succ, _ = s.ListTasks(ctx, store.Filter{Status: store.StatusScheduled})
	if len(succ) != 1 {
		t.Fatalf("successors after second sweep = %d, want 1", len(succ))
	}
}

func TestReclaimStuckSweep(t *testing.T) {
	t.Parallel()
	m, s := newTestManager(t, Config{StuckTimeout: time.Nanosecond})
	ctx := context.Background()

	task, err := m.Submit(ctx, SubmitRequest{AgentType: store.AgentAnalyzer, Name: "stuck"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := s.ClaimNext(ctx, store.AgentAnalyzer); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	m.reclaimStuck(ctx)

	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != store.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.ErrorMessage != "task timed out after 1ns" {
		t.Fatalf("error_message = %q", got.ErrorMessage)
	}
}

func TestStatusSnapshot(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{})
	st, err := m.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(st.Agents) != 0 || len(st.Providers) != 0 {
		t.Fatalf("empty manager snapshot not empty: %+v", st)
	}
}
