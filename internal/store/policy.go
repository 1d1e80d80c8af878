package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// SchedulePolicy rate-limits task promotion per owner × agent type.
//
// Counters accumulate over a rolling day and reset once last_reset_at is more
// than 24h old (budget-reset sweep). An absent policy row means unrestricted.
type SchedulePolicy struct {
	OwnerID   int64
	AgentType AgentType

	Enabled        bool
	PreferredHours []int // hours of day; empty = any hour
	BlackoutHours  []int

	MaxDailyRuns    int
	MaxTokensPerRun int
	MaxCostPerDay   float64

	DailyRunsCount  int
	DailyTokensUsed int
	DailyCostUsed   float64
	LastResetAt     time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Allows reports whether a task may be released now, and the reason when not.
func (p *SchedulePolicy) Allows(now time.Time) (bool, string) {
	if p == nil {
		return true, ""
	}
	if !p.Enabled {
		return false, "policy disabled"
	}
	hour := now.Hour()
	for _, h := range p.BlackoutHours {
		if h == hour {
			return false, "blackout hour"
		}
	}
	if len(p.PreferredHours) > 0 {
		ok := false
		for _, h := range p.PreferredHours {
			if h == hour {
				ok = true
				break
			}
		}
		if !ok {
			return false, "outside preferred hours"
		}
	}
	if p.MaxDailyRuns > 0 && p.DailyRunsCount >= p.MaxDailyRuns {
		return false, "daily run budget exhausted"
	}
	if p.MaxCostPerDay > 0 && p.DailyCostUsed >= p.MaxCostPerDay {
		return false, "daily cost budget exhausted"
	}
	return true, ""
}

var ErrPolicyNotFound = errors.New("schedule policy not found")

const policyCols = `owner_id, agent_type, enabled, preferred_hours, blackout_hours,
	max_daily_runs, max_tokens_per_run, max_cost_per_day,
	daily_runs_count, daily_tokens_used, daily_cost_used, last_reset_at,
	created_at, updated_at`

// GetPolicy returns the policy for owner × agentType, or ErrPolicyNotFound.
func (s *Store) GetPolicy(ctx context.Context, ownerID int64, agentType AgentType) (*SchedulePolicy, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+policyCols+` FROM schedule_policies WHERE owner_id = ? AND agent_type = ?`,
		ownerID, string(agentType),
	)
	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPolicyNotFound
	}
	return p, err
}

// UpsertPolicy creates or replaces the policy's configuration. Usage counters
// of an existing row are preserved.
func (s *Store) UpsertPolicy(ctx context.Context, p *SchedulePolicy) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule_policies(owner_id, agent_type, enabled, preferred_hours, blackout_hours,
			max_daily_runs, max_tokens_per_run, max_cost_per_day,
			daily_runs_count, daily_tokens_used, daily_cost_used, last_reset_at,
			created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,0,0,0,?,?,?)
		 ON CONFLICT(owner_id, agent_type) DO UPDATE SET
			enabled = excluded.enabled,
			preferred_hours = excluded.preferred_hours,
			blackout_hours = excluded.blackout_hours,
			max_daily_runs = excluded.max_daily_runs,
			max_tokens_per_run = excluded.max_tokens_per_run,
			max_cost_per_day = excluded.max_cost_per_day,
			updated_at = excluded.updated_at`,
		p.OwnerID, string(p.AgentType), boolInt(p.Enabled),
		hoursText(p.PreferredHours), hoursText(p.BlackoutHours),
		p.MaxDailyRuns, p.MaxTokensPerRun, p.MaxCostPerDay,
		now.UnixMilli(), now.UnixMilli(), now.UnixMilli(),
	)
	return err
}

// RecordRun increments the daily run counter (called at promotion time so the
// budget is charged when the slot is released, not when the task finishes).
func (s *Store) RecordRun(ctx context.Context, ownerID int64, agentType AgentType) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedule_policies SET daily_runs_count = daily_runs_count + 1, updated_at = ?
		 WHERE owner_id = ? AND agent_type = ?`,
		time.Now().UnixMilli(), ownerID, string(agentType),
	)
	return err
}

// RecordUsage accumulates token/cost spend from a finished run.
func (s *Store) RecordUsage(ctx context.Context, ownerID int64, agentType AgentType, tokens int, cost float64) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedule_policies SET
			daily_tokens_used = daily_tokens_used + ?,
			daily_cost_used = daily_cost_used + ?,
			updated_at = ?
		 WHERE owner_id = ? AND agent_type = ?`,
		tokens, cost, time.Now().UnixMilli(), ownerID, string(agentType),
	)
	return err
}

// ResetExpiredBudgets zeroes counters on policies whose last reset is older
// than 24h. Returns the number of policies reset.
func (s *Store) ResetExpiredBudgets(ctx context.Context, now time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	cutoff := now.Add(-24 * time.Hour)
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedule_policies SET
			daily_runs_count = 0, daily_tokens_used = 0, daily_cost_used = 0,
			last_reset_at = ?, updated_at = ?
		 WHERE last_reset_at < ?`,
		now.UnixMilli(), now.UnixMilli(), cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanPolicy(r rowScanner) (*SchedulePolicy, error) {
	var (
		p         SchedulePolicy
		agentType string
		enabled   int
		preferred string
		blackout  string
		resetMS   int64
		createdMS int64
		updatedMS int64
	)
	err := r.Scan(
		&p.OwnerID, &agentType, &enabled, &preferred, &blackout,
		&p.MaxDailyRuns, &p.MaxTokensPerRun, &p.MaxCostPerDay,
		&p.DailyRunsCount, &p.DailyTokensUsed, &p.DailyCostUsed, &resetMS,
		&createdMS, &updatedMS,
	)
	if err != nil {
		return nil, err
	}
	p.AgentType = AgentType(agentType)
	p.Enabled = enabled != 0
	p.PreferredHours = parseHours(preferred)
	p.BlackoutHours = parseHours(blackout)
	p.LastResetAt = time.UnixMilli(resetMS)
	p.CreatedAt = time.UnixMilli(createdMS)
	p.UpdatedAt = time.UnixMilli(updatedMS)
	return &p, nil
}

func hoursText(hours []int) string {
	if len(hours) == 0 {
		return "[]"
	}
	b, err := json.Marshal(hours)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func parseHours(s string) []int {
	if s == "" {
		return nil
	}
	var hours []int
	if err := json.Unmarshal([]byte(s), &hours); err != nil {
		return nil
	}
	return hours
}
