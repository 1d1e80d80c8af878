package store

import (
	"testing"
	"time"
)

func TestPriorityRank(t *testing.T) {
	t.Parallel()
	order := []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Fatalf("%s should outrank %s", order[i], order[i-1])
		}
	}
	if Priority("bogus").Rank() != PriorityMedium.Rank() {
		t.Fatal("unknown priority should rank as medium")
	}
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusScheduled, StatusRunning} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}

func TestRecurrenceValidate(t *testing.T) {
	t.Parallel()
	if err := (Recurrence{Unit: RecurDaily, Interval: 1}).Validate(); err != nil {
		t.Fatalf("valid recurrence rejected: %v", err)
	}
	if err := (Recurrence{Unit: "fortnightly", Interval: 1}).Validate(); err == nil {
		t.Fatal("unknown unit accepted")
	}
	if err := (Recurrence{Unit: RecurDaily, Interval: 0}).Validate(); err == nil {
		t.Fatal("zero interval accepted")
	}
}

func TestRecurrenceNextAfter(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		rec  Recurrence
		want time.Time
	}{
		{Recurrence{Unit: RecurMinutes, Interval: 30}, base.Add(30 * time.Minute)},
		{Recurrence{Unit: RecurHourly, Interval: 6}, base.Add(6 * time.Hour)},
		{Recurrence{Unit: RecurDaily, Interval: 2}, base.Add(48 * time.Hour)},
		{Recurrence{Unit: RecurWeekly, Interval: 1}, base.Add(7 * 24 * time.Hour)},
	}
	for _, tt := range tests {
		if got := tt.rec.NextAfter(base); !got.Equal(tt.want) {
			t.Fatalf("%s x%d: NextAfter = %v, want %v", tt.rec.Unit, tt.rec.Interval, got, tt.want)
		}
	}
}
