// Package orchestrator owns the provider set: candidate selection with
// health-aware fallback, the periodic health sweep, and usage reporting.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"zenith/internal/eventbus"
	"zenith/internal/provider"
	"zenith/pkg/logx"
)

type Config struct {
	// Routing maps task type → ordered provider candidate list.
	Routing map[string][]string

	// HealthInterval is the period of the health sweep. Default 60s.
	HealthInterval time.Duration
	// HealthTimeout bounds one provider probe. Default provider.HealthCheckTimeout.
	HealthTimeout time.Duration
	// CallTimeout bounds one generation call. Default 2m.
	CallTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.HealthInterval <= 0 {
		c.HealthInterval = 60 * time.Second
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = provider.HealthCheckTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 2 * time.Minute
	}
	return c
}

// ProviderStatus is one row of the usage/health report.
type ProviderStatus struct {
	ID      string              `json:"id"`
	Name    string              `json:"name"`
	Healthy bool                `json:"healthy"`
	Usage   provider.UsageStats `json:"usage"`
}

// Orchestrator executes generation requests with ordered fallback across an
// injected set of provider adapters. Health state is process-local: a failed
// call degrades the provider in memory until the next sweep probes it again.
type Orchestrator struct {
	log logx.Logger
	bus eventbus.Bus
	cfg Config

	adapters map[string]provider.Adapter
	order    []string // configured order, for stable reports
	router   *Router

	healthMu sync.RWMutex
	healthy  map[string]bool

	// sweepMu keeps at most one health sweep in flight.
	sweepMu sync.Mutex
}

func New(cfg Config, adapters []provider.Adapter, log logx.Logger, bus eventbus.Bus) *Orchestrator {
	o := &Orchestrator{
		log:      log,
		bus:      bus,
		cfg:      cfg.withDefaults(),
		adapters: make(map[string]provider.Adapter, len(adapters)),
		healthy:  make(map[string]bool, len(adapters)),
	}
	for _, a := range adapters {
		o.adapters[a.ID()] = a
		o.order = append(o.order, a.ID())
		o.healthy[a.ID()] = true // optimistic until the first sweep
	}
	o.router = NewRouter(cfg.Routing, o.isHealthy)
	return o
}

// Init initializes every adapter. A failing adapter is degraded, not fatal:
// the health sweep will pick it back up if it recovers.
func (o *Orchestrator) Init(ctx context.Context) error {
	for id, a := range o.adapters {
		if err := a.Init(ctx); err != nil {
			o.log.Warn("provider init failed", logx.String("provider", id), logx.Err(err))
			o.setHealth(id, false, "init failed")
		}
	}
	return nil
}

func (o *Orchestrator) Close() error {
	for id, a := range o.adapters {
		if err := a.Close(); err != nil {
			o.log.Warn("provider close failed", logx.String("provider", id), logx.Err(err))
		}
	}
	return nil
}

func (o *Orchestrator) Router() *Router { return o.router }

// Generate tries the candidate providers for req.TaskType in order and
// returns the first success, annotated with the serving provider. Each
// failing provider is degraded in memory and skipped for the rest of this
// process until a health sweep clears it. No provider is tried twice for one
// request.
func (o *Orchestrator) Generate(ctx context.Context, req provider.Request, preferred string) (*provider.Result, error) {
	if !o.router.Routed(req.TaskType) {
		return nil, ErrNoRoute
	}

	candidates := o.router.CandidatesFor(req.TaskType, preferred)
	attempts := 0
	var lastErr error

	for _, id := range candidates {
		a := o.adapters[id]
		if a == nil || !provider.CanServe(a.Capabilities(), req.TaskType) {
			continue
		}
		attempts++

		callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
		res, err := a.Generate(callCtx, req)
		cancel()
		if err == nil {
			res.ProviderUsed = id
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			// The caller gave up, not the provider. A CallTimeout expiry on a
			// live caller context still degrades.
			break
		}
		o.degrade(id, err)
	}

	return nil, &AllProvidersFailedError{TaskType: req.TaskType, Attempts: attempts, LastErr: lastErr}
}

// Stream is the streaming variant of Generate. Fallback applies only up to
// stream establishment: once a provider starts delivering chunks, a mid-
// stream error is surfaced on the channel, not retried elsewhere.
func (o *Orchestrator) Stream(ctx context.Context, req provider.Request, preferred string) (<-chan provider.Chunk, string, error) {
	if !o.router.Routed(req.TaskType) {
		return nil, "", ErrNoRoute
	}

	candidates := o.router.CandidatesFor(req.TaskType, preferred)
	attempts := 0
	var lastErr error

	for _, id := range candidates {
		a := o.adapters[id]
		if a == nil || !provider.CanServe(a.Capabilities(), req.TaskType) {
			continue
		}
		attempts++

		ch, err := a.Stream(ctx, req)
		if err == nil {
			return ch, id, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		o.degrade(id, err)
	}

	return nil, "", &AllProvidersFailedError{TaskType: req.TaskType, Attempts: attempts, LastErr: lastErr}
}

// Report returns per-provider health and cumulative usage in configured order.
func (o *Orchestrator) Report() []ProviderStatus {
	out := make([]ProviderStatus, 0, len(o.order))
	for _, id := range o.order {
		a := o.adapters[id]
		out = append(out, ProviderStatus{
			ID:      id,
			Name:    a.Name(),
			Healthy: o.isHealthy(id),
			Usage:   a.Usage(),
		})
	}
	return out
}

func (o *Orchestrator) isHealthy(id string) bool {
	o.healthMu.RLock()
	defer o.healthMu.RUnlock()
	return o.healthy[id]
}

func (o *Orchestrator) setHealth(id string, healthy bool, reason string) {
	o.healthMu.Lock()
	changed := o.healthy[id] != healthy
	o.healthy[id] = healthy
	o.healthMu.Unlock()

	if changed && o.bus != nil {
		o.bus.Publish(eventbus.Event{
			Type: eventbus.ProviderHealth,
			Data: eventbus.ProviderEvent{ProviderID: id, Healthy: healthy, Reason: reason},
		})
	}
	if changed {
		o.log.Info("provider health changed",
			logx.String("provider", id),
			logx.Bool("healthy", healthy),
			logx.String("reason", reason))
	}
}

func (o *Orchestrator) degrade(id string, err error) {
	o.log.Warn("provider call failed; degrading", logx.String("provider", id), logx.Err(err))
	o.setHealth(id, false, "call failed")
	if o.bus != nil {
		o.bus.Publish(eventbus.Event{
			Type: eventbus.ProviderDegraded,
			Data: eventbus.ProviderEvent{ProviderID: id, Healthy: false, Reason: err.Error()},
		})
	}
}

// HealthLoop probes all providers on a fixed interval until ctx is done.
// An immediate sweep runs first so startup state is accurate. Sweeps never
// overlap and never raise; probe failures just mark the provider unhealthy.
func (o *Orchestrator) HealthLoop(ctx context.Context) error {
	o.Sweep(ctx)

	tick := time.NewTicker(o.cfg.HealthInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			o.Sweep(ctx)
		}
	}
}

// Sweep runs one health pass over every adapter. Concurrent calls collapse:
// if a sweep is already in flight the second call returns immediately.
func (o *Orchestrator) Sweep(ctx context.Context) {
	if !o.sweepMu.TryLock() {
		return
	}
	defer o.sweepMu.Unlock()

	var wg sync.WaitGroup
	for id, a := range o.adapters {
		wg.Add(1)
		go func(id string, a provider.Adapter) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, o.cfg.HealthTimeout)
			ok := a.HealthCheck(probeCtx)
			cancel()
			o.setHealth(id, ok, "health sweep")
		}(id, a)
	}
	wg.Wait()
}
