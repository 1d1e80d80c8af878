package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"zenith/internal/provider"
	"zenith/pkg/logx"
)

type fakeAdapter struct {
	id      string
	caps    []string
	fail    atomic.Bool
	healthy atomic.Bool

	generates atomic.Int64
	probes    atomic.Int64
}

func newFakeAdapter(id string, caps ...string) *fakeAdapter {
	a := &fakeAdapter{id: id, caps: caps}
	a.healthy.Store(true)
	return a
}

func (a *fakeAdapter) ID() string             { return a.id }
func (a *fakeAdapter) Name() string           { return a.id }
func (a *fakeAdapter) Capabilities() []string { return a.caps }

func (a *fakeAdapter) Init(ctx context.Context) error { return nil }
func (a *fakeAdapter) Close() error                   { return nil }

func (a *fakeAdapter) Generate(ctx context.Context, req provider.Request) (*provider.Result, error) {
	a.generates.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if a.fail.Load() {
		return nil, errors.New("backend down")
	}
	return &provider.Result{Content: "answer from " + a.id, TokensUsed: 10, ModelUsed: "m"}, nil
}

func (a *fakeAdapter) Stream(ctx context.Context, req provider.Request) (<-chan provider.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if a.fail.Load() {
		return nil, errors.New("backend down")
	}
	ch := make(chan provider.Chunk, 1)
	ch <- provider.Chunk{Content: "chunk from " + a.id}
	close(ch)
	return ch, nil
}

func (a *fakeAdapter) HealthCheck(ctx context.Context) bool {
	a.probes.Add(1)
	return a.healthy.Load()
}

func (a *fakeAdapter) Usage() provider.UsageStats { return provider.UsageStats{} }

func newTestOrchestrator(routing map[string][]string, adapters ...provider.Adapter) *Orchestrator {
	return New(Config{Routing: routing}, adapters, logx.Nop(), nil)
}

func TestRouterFiltersUnhealthy(t *testing.T) {
	t.Parallel()
	down := map[string]bool{"b": true}
	r := NewRouter(map[string][]string{"general": {"a", "b", "c"}}, func(id string) bool { return !down[id] })

	got := r.CandidatesFor("general", "")
	want := []string{"a", "c"}
	if len(got) != len(want) {
		t.Fatalf("candidates = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidates = %v, want %v", got, want)
		}
	}
}

func TestRouterPreferredPromotion(t *testing.T) {
	t.Parallel()
	r := NewRouter(map[string][]string{"general": {"a", "b", "c", "d"}}, nil)

	tests := []struct {
		name      string
		preferred string
		want      []string
	}{
		{"no preference", "", []string{"a", "b", "c", "d"}},
		{"promote middle keeps prefix order", "c", []string{"c", "a", "b", "d"}},
		{"already first", "a", []string{"a", "b", "c", "d"}},
		{"unknown preference ignored", "zz", []string{"a", "b", "c", "d"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := r.CandidatesFor("general", tt.preferred)
			if len(got) != len(tt.want) {
				t.Fatalf("candidates = %v, want %v", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Fatalf("candidates = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestGenerateFallback(t *testing.T) {
	t.Parallel()
	a := newFakeAdapter("a")
	b := newFakeAdapter("b")
	a.fail.Store(true)

	o := newTestOrchestrator(map[string][]string{"general": {"a", "b"}}, a, b)

	res, err := o.Generate(context.Background(), provider.Request{TaskType: "general", Prompt: "hi"}, "")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.ProviderUsed != "b" {
		t.Fatalf("ProviderUsed = %s, want b", res.ProviderUsed)
	}
	if a.generates.Load() != 1 || b.generates.Load() != 1 {
		t.Fatalf("call counts a=%d b=%d", a.generates.Load(), b.generates.Load())
	}

	// The failing provider is degraded; the next request skips it entirely.
	if _, err := o.Generate(context.Background(), provider.Request{TaskType: "general"}, ""); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if a.generates.Load() != 1 {
		t.Fatalf("degraded provider called again: %d", a.generates.Load())
	}
}

func TestGenerateAllFail(t *testing.T) {
	t.Parallel()
	a := newFakeAdapter("a")
	b := newFakeAdapter("b")
	a.fail.Store(true)
	b.fail.Store(true)

	o := newTestOrchestrator(map[string][]string{"general": {"a", "b"}}, a, b)

	_, err := o.Generate(context.Background(), provider.Request{TaskType: "general"}, "")
	var all *AllProvidersFailedError
	if !errors.As(err, &all) {
		t.Fatalf("expected AllProvidersFailedError, got %v", err)
	}
	if all.Attempts != 2 {
		t.Fatalf("Attempts = %d, want 2", all.Attempts)
	}
	// Each provider is tried at most once per request.
	if a.generates.Load() != 1 || b.generates.Load() != 1 {
		t.Fatalf("call counts a=%d b=%d", a.generates.Load(), b.generates.Load())
	}
}

func TestGenerateCallerCancelDoesNotDegrade(t *testing.T) {
	t.Parallel()
	a := newFakeAdapter("a")
	b := newFakeAdapter("b")

	o := newTestOrchestrator(map[string][]string{"general": {"a", "b"}}, a, b)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := o.Generate(ctx, provider.Request{TaskType: "general"}, ""); err == nil {
		t.Fatal("expected error with cancelled context")
	}

	// The cancellation is the caller's fault; nobody gets marked unhealthy
	// and the fallback chain stops instead of burning the other candidates.
	if !o.isHealthy("a") || !o.isHealthy("b") {
		t.Fatalf("health after cancel: a=%v b=%v, want both healthy", o.isHealthy("a"), o.isHealthy("b"))
	}
	if a.generates.Load() != 1 || b.generates.Load() != 0 {
		t.Fatalf("call counts a=%d b=%d, want 1/0", a.generates.Load(), b.generates.Load())
	}

	// An unrelated request still routes to the first provider.
	res, err := o.Generate(context.Background(), provider.Request{TaskType: "general"}, "")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.ProviderUsed != "a" {
		t.Fatalf("ProviderUsed = %s, want a", res.ProviderUsed)
	}
}

func TestStreamCallerCancelDoesNotDegrade(t *testing.T) {
	t.Parallel()
	a := newFakeAdapter("a")
	o := newTestOrchestrator(map[string][]string{"general": {"a"}}, a)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := o.Stream(ctx, provider.Request{TaskType: "general"}, ""); err == nil {
		t.Fatal("expected error with cancelled context")
	}
	if !o.isHealthy("a") {
		t.Fatal("provider degraded by the caller's own cancellation")
	}
}

func TestGenerateNoRoute(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(map[string][]string{"general": {"a"}}, newFakeAdapter("a"))
	if _, err := o.Generate(context.Background(), provider.Request{TaskType: "unrouted"}, ""); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("expected ErrNoRoute, got %v", err)
	}
}

func TestGenerateRespectsCapabilities(t *testing.T) {
	t.Parallel()
	docsOnly := newFakeAdapter("docs", provider.TaskDocumentation)
	anyTask := newFakeAdapter("any")

	o := newTestOrchestrator(map[string][]string{"code_analysis": {"docs", "any"}}, docsOnly, anyTask)

	res, err := o.Generate(context.Background(), provider.Request{TaskType: "code_analysis"}, "")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.ProviderUsed != "any" {
		t.Fatalf("ProviderUsed = %s, want any", res.ProviderUsed)
	}
	if docsOnly.generates.Load() != 0 {
		t.Fatal("capability-mismatched provider was called")
	}
}

func TestSweepRestoresHealth(t *testing.T) {
	t.Parallel()
	a := newFakeAdapter("a")
	b := newFakeAdapter("b")
	a.fail.Store(true)
	a.healthy.Store(false)

	o := newTestOrchestrator(map[string][]string{"general": {"a", "b"}}, a, b)

	if _, err := o.Generate(context.Background(), provider.Request{TaskType: "general"}, ""); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	// Backend recovers; the sweep puts it back in rotation.
	a.fail.Store(false)
	a.healthy.Store(true)
	o.Sweep(context.Background())

	res, err := o.Generate(context.Background(), provider.Request{TaskType: "general"}, "")
	if err != nil {
		t.Fatalf("Generate after sweep: %v", err)
	}
	if res.ProviderUsed != "a" {
		t.Fatalf("ProviderUsed = %s, want a", res.ProviderUsed)
	}
}

func TestReport(t *testing.T) {
	t.Parallel()
	a := newFakeAdapter("a")
	b := newFakeAdapter("b")
	a.fail.Store(true)

	o := newTestOrchestrator(map[string][]string{"general": {"a", "b"}}, a, b)
	if _, err := o.Generate(context.Background(), provider.Request{TaskType: "general"}, ""); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	report := o.Report()
	if len(report) != 2 {
		t.Fatalf("report rows = %d, want 2", len(report))
	}
	byID := map[string]ProviderStatus{}
	for _, r := range report {
		byID[r.ID] = r
	}
	if byID["a"].Healthy {
		t.Fatal("failed provider reported healthy")
	}
	if !byID["b"].Healthy {
		t.Fatal("serving provider reported unhealthy")
	}
}

func TestStreamFallback(t *testing.T) {
	t.Parallel()
	a := newFakeAdapter("a")
	b := newFakeAdapter("b")
	a.fail.Store(true)

	o := newTestOrchestrator(map[string][]string{"general": {"a", "b"}}, a, b)

	ch, id, err := o.Stream(context.Background(), provider.Request{TaskType: "general"}, "")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if id != "b" {
		t.Fatalf("stream provider = %s, want b", id)
	}
	var content string
	for c := range ch {
		if c.Err != nil {
			t.Fatalf("chunk error: %v", c.Err)
		}
		content += c.Content
	}
	if content != "chunk from b" {
		t.Fatalf("content = %q", content)
	}
}
