package config

// Config is the full process configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// The file may be JSON or YAML; both are decoded strictly (unknown fields
// are rejected so typos surface at load time instead of silently defaulting).
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Store   StoreConfig   `json:"store"`

	// Providers declares the AI backends available to the orchestrator,
	// one entry per configured backend. Order here is not significant;
	// fallback order comes from Routing.
	Providers []ProviderConfig `json:"providers"`

	// Routing maps a task type to its ordered provider candidate list.
	// Order encodes quality/cost preference, not load distribution.
	Routing map[string][]string `json:"routing"`

	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Agents       AgentsConfig       `json:"agents"`
	Manager      ManagerConfig      `json:"manager"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StoreConfig controls the task store.
//
// Example:
//
//	"store": { "path": "./zenith.db", "busy_timeout": "5s" }
type StoreConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// ProviderConfig declares one AI backend.
//
// Kind selects the adapter implementation:
//   - "openai": OpenAI-compatible chat completions API. BaseURL may point at
//     any compatible endpoint (e.g. a HuggingFace router).
//   - "gemini": Google AI Studio (Gemini) API.
type ProviderConfig struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	DisplayName string `json:"display_name,omitempty"`
	APIKey      string `json:"api_key"`
	BaseURL     string `json:"base_url,omitempty"`
	Model       string `json:"model"`

	// Capabilities lists the task types this backend may serve.
	// Empty means "any routed type".
	Capabilities []string `json:"capabilities,omitempty"`

	// MaxRequestsPerMin caps outbound calls to this backend (0 = unlimited).
	MaxRequestsPerMin int `json:"max_requests_per_min,omitempty"`

	// PricePer1KTokens is used for cost bookkeeping (USD per 1000 tokens).
	PricePer1KTokens float64 `json:"price_per_1k_tokens,omitempty"`
}

// OrchestratorConfig controls provider selection and health checking.
type OrchestratorConfig struct {
	// HealthInterval is the period of the health-check sweep. Default "60s".
	HealthInterval string `json:"health_interval,omitempty"`
	// HealthTimeout bounds a single provider health check. Default "5s".
	HealthTimeout string `json:"health_timeout,omitempty"`
	// CallTimeout bounds a single generation call. Default "2m".
	CallTimeout string `json:"call_timeout,omitempty"`
}

// AgentsConfig controls the task-executing workers.
type AgentsConfig struct {
	// PollInterval is the idle sleep between claim attempts. Default "10s".
	PollInterval string `json:"poll_interval,omitempty"`
	// ExecTimeout bounds one task body execution. Default "30m".
	ExecTimeout string `json:"exec_timeout,omitempty"`
	// MaxRetries is the default retry budget for new tasks. Default 3.
	MaxRetries int `json:"max_retries,omitempty"`
	// Enabled restricts which builtin agent types run. Empty = all registered.
	Enabled []string `json:"enabled,omitempty"`
}

// ManagerConfig controls the periodic sweeps.
//
// Defaults (when fields are omitted):
//   - promote_interval:      "60s"
//   - recurrence_interval:   "60s"
//   - reclaim_interval:      "5m"
//   - stuck_timeout:         "1h"
//   - budget_reset_interval: "5m"
//   - retention_interval:    "1h"
//   - retention_age:         "720h" (30 days)
type ManagerConfig struct {
	PromoteInterval     string `json:"promote_interval,omitempty"`
	RecurrenceInterval  string `json:"recurrence_interval,omitempty"`
	ReclaimInterval     string `json:"reclaim_interval,omitempty"`
	StuckTimeout        string `json:"stuck_timeout,omitempty"`
	BudgetResetInterval string `json:"budget_reset_interval,omitempty"`
	RetentionInterval   string `json:"retention_interval,omitempty"`
	RetentionAge        string `json:"retention_age,omitempty"`
}
