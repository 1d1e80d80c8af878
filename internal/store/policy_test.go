package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicyAllows(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		policy *SchedulePolicy
		want   bool
		reason string
	}{
		{name: "nil policy is unrestricted", policy: nil, want: true},
		{
			name:   "disabled",
			policy: &SchedulePolicy{Enabled: false},
			want:   false, reason: "policy disabled",
		},
		{
			name:   "blackout hour",
			policy: &SchedulePolicy{Enabled: true, BlackoutHours: []int{14}},
			want:   false, reason: "blackout hour",
		},
		{
			name:   "outside preferred hours",
			policy: &SchedulePolicy{Enabled: true, PreferredHours: []int{2, 3}},
			want:   false, reason: "outside preferred hours",
		},
		{
			name:   "within preferred hours",
			policy: &SchedulePolicy{Enabled: true, PreferredHours: []int{14}},
			want:   true,
		},
		{
			name:   "run budget exhausted",
			policy: &SchedulePolicy{Enabled: true, MaxDailyRuns: 3, DailyRunsCount: 3},
			want:   false, reason: "daily run budget exhausted",
		},
		{
			name:   "cost budget exhausted",
			policy: &SchedulePolicy{Enabled: true, MaxCostPerDay: 1.0, DailyCostUsed: 1.5},
			want:   false, reason: "daily cost budget exhausted",
		},
		{
			name:   "under budget",
			policy: &SchedulePolicy{Enabled: true, MaxDailyRuns: 3, DailyRunsCount: 2, MaxCostPerDay: 1.0, DailyCostUsed: 0.5},
			want:   true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := tt.policy.Allows(at)
			if ok != tt.want {
				t.Fatalf("Allows = %v, want %v (reason %q)", ok, tt.want, reason)
			}
			if !ok && reason != tt.reason {
				t.Fatalf("reason = %q, want %q", reason, tt.reason)
			}
		})
	}
}

func TestPolicyRoundtripAndCounters(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetPolicy(ctx, 1, AgentAnalyzer); !errors.Is(err, ErrPolicyNotFound) {
		t.Fatalf("expected ErrPolicyNotFound, got %v", err)
	}

	pol := &SchedulePolicy{
		OwnerID:         1,
		AgentType:       AgentAnalyzer,
		Enabled:         true,
		PreferredHours:  []int{9, 10, 11},
		BlackoutHours:   []int{3},
		MaxDailyRuns:    5,
		MaxTokensPerRun: 1000,
		MaxCostPerDay:   2.5,
	}
	if err := s.UpsertPolicy(ctx, pol); err != nil {
		t.Fatalf("UpsertPolicy: %v", err)
	}

	got, err := s.GetPolicy(ctx, 1, AgentAnalyzer)
	if err != nil {
		t.Fatalf("GetPolicy: %v", err)
	}
	if !got.Enabled || got.MaxDailyRuns != 5 || got.MaxTokensPerRun != 1000 || got.MaxCostPerDay != 2.5 {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
	if len(got.PreferredHours) != 3 || got.PreferredHours[0] != 9 {
		t.Fatalf("preferred hours mismatch: %v", got.PreferredHours)
	}
	if len(got.BlackoutHours) != 1 || got.BlackoutHours[0] != 3 {
		t.Fatalf("blackout hours mismatch: %v", got.BlackoutHours)
	}

	if err := s.RecordRun(ctx, 1, AgentAnalyzer); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	if err := s.RecordUsage(ctx, 1, AgentAnalyzer, 250, 0.05); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}

	got, _ = s.GetPolicy(ctx, 1, AgentAnalyzer)
	if got.DailyRunsCount != 1 || got.DailyTokensUsed != 250 || got.DailyCostUsed != 0.05 {
		t.Fatalf("counters mismatch: %+v", got)
	}

	// Re-upserting the config must not clobber the counters.
	pol.MaxDailyRuns = 7
	if err := s.UpsertPolicy(ctx, pol); err != nil {
		t.Fatalf("UpsertPolicy: %v", err)
	}
	got, _ = s.GetPolicy(ctx, 1, AgentAnalyzer)
	if got.MaxDailyRuns != 7 {
		t.Fatalf("config not updated: %+v", got)
	}
	if got.DailyRunsCount != 1 || got.DailyTokensUsed != 250 {
		t.Fatalf("counters clobbered: %+v", got)
	}
}

func TestResetExpiredBudgets(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertPolicy(ctx, &SchedulePolicy{OwnerID: 1, AgentType: AgentAnalyzer, Enabled: true}); err != nil {
		t.Fatalf("UpsertPolicy: %v", err)
	}
	if err := s.RecordRun(ctx, 1, AgentAnalyzer); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}

	// Within the window: nothing resets.
	n, err := s.ResetExpiredBudgets(ctx, time.Now())
	if err != nil {
		t.Fatalf("ResetExpiredBudgets: %v", err)
	}
	if n != 0 {
		t.Fatalf("reset %d policies, want 0", n)
	}

	// A day later the counters roll over.
	n, err = s.ResetExpiredBudgets(ctx, time.Now().Add(25*time.Hour))
	if err != nil {
		t.Fatalf("ResetExpiredBudgets: %v", err)
	}
	if n != 1 {
		t.Fatalf("reset %d policies, want 1", n)
	}
	got, _ := s.GetPolicy(ctx, 1, AgentAnalyzer)
	if got.DailyRunsCount != 0 || got.DailyTokensUsed != 0 || got.DailyCostUsed != 0 {
		t.Fatalf("counters not reset: %+v", got)
	}
}
