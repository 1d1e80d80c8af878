package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*Task, error) {
	var (
		t          Task
		agentType  string
		priority   string
		status     string
		input      string
		output     sql.NullString
		taskCtx    string
		schedAt    sql.NullInt64
		startAt    sql.NullInt64
		complAt    sql.NullInt64
		nextAt     sql.NullInt64
		recurring  int
		recUnit    sql.NullString
		recIntv    int
		createdMS  int64
		updatedMS  int64
	)
	err := r.Scan(
		&t.ID, &t.OwnerID, &agentType, &t.Name, &t.Description, &priority, &status,
		&input, &output, &taskCtx,
		&schedAt, &startAt, &complAt, &nextAt,
		&recurring, &recUnit, &recIntv,
		&t.RetryCount, &t.MaxRetries,
		&t.ProviderUsed, &t.ModelUsed, &t.TokensUsed, &t.Cost, &t.DurationMS, &t.ErrorMessage,
		&createdMS, &updatedMS,
	)
	if err != nil {
		return nil, err
	}

	t.AgentType = AgentType(agentType)
	t.Priority = Priority(priority)
	t.Status = Status(status)
	t.Input = parseJSONMap(input)
	if output.Valid {
		t.Output = parseJSONMap(output.String)
	}
	t.Context = parseJSONMap(taskCtx)
	t.ScheduledAt = timePtr(schedAt)
	t.StartedAt = timePtr(startAt)
	t.CompletedAt = timePtr(complAt)
	t.NextRunAt = timePtr(nextAt)
	t.IsRecurring = recurring != 0
	if recUnit.Valid && recUnit.String != "" {
		t.Recurrence = &Recurrence{Unit: RecurrenceUnit(recUnit.String), Interval: recIntv}
	}
	t.CreatedAt = time.UnixMilli(createdMS)
	t.UpdatedAt = time.UnixMilli(updatedMS)
	return &t, nil
}

func jsonText(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func nullJSONText(m map[string]any) any {
	if m == nil {
		return nil
	}
	return jsonText(m)
}

func parseJSONMap(s string) map[string]any {
	if s == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
