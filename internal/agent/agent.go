// Package agent hosts the task-executing workers. Each Executor knows how to
// run tasks of one agent type; the Runner supplies the claim/execute/persist
// harness around it. Dispatch is by agent type, not inheritance: registering
// an Executor for a new type is the extension point of the system.
package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"zenith/internal/provider"
	"zenith/internal/store"
)

// Result is what a task body hands back. On failure a non-nil Result may
// still be returned alongside the error to report the usage spent before
// things went wrong; the runner charges it.
type Result struct {
	Output map[string]any
	Usage  store.Usage
}

// Executor is a task body for one agent type. Implementations own the schema
// of their input/output payloads.
type Executor interface {
	Type() store.AgentType
	Execute(ctx context.Context, task *store.Task) (*Result, error)
}

// Generator is the slice of the orchestrator task bodies consume.
type Generator interface {
	Generate(ctx context.Context, req provider.Request, preferred string) (*provider.Result, error)
}

// Registry holds the known executors keyed by agent type.
type Registry struct {
	mu    sync.RWMutex
	execs map[store.AgentType]Executor
}

func NewRegistry() *Registry {
	return &Registry{execs: map[store.AgentType]Executor{}}
}

func (r *Registry) Register(e Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.execs[e.Type()]; dup {
		return fmt.Errorf("executor for agent type %q already registered", e.Type())
	}
	r.execs[e.Type()] = e
	return nil
}

func (r *Registry) Get(t store.AgentType) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.execs[t]
	return e, ok
}

// Types returns the registered agent types, sorted for stable iteration.
func (r *Registry) Types() []store.AgentType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]store.AgentType, 0, len(r.execs))
	for t := range r.execs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ---- per-run token cap (from the owner's schedule policy) ----

type tokenCapKey struct{}

// WithTokenCap attaches the policy's max-tokens-per-run cap to ctx.
func WithTokenCap(ctx context.Context, n int) context.Context {
	if n <= 0 {
		return ctx
	}
	return context.WithValue(ctx, tokenCapKey{}, n)
}

// TokenCapFrom returns the attached cap, or 0 when unrestricted.
func TokenCapFrom(ctx context.Context) int {
	n, _ := ctx.Value(tokenCapKey{}).(int)
	return n
}

// capTokens applies the context cap to a requested token budget.
func capTokens(ctx context.Context, want int) int {
	cap := TokenCapFrom(ctx)
	if cap > 0 && (want <= 0 || want > cap) {
		return cap
	}
	return want
}
