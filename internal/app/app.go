// Package app composes the process: config, logging, store, providers,
// orchestrator, agent runners, and the manager, supervised under one context.
package app

import (
	"context"
	"fmt"
	"time"

	"zenith/internal/agent"
	"zenith/internal/config"
	"zenith/internal/eventbus"
	"zenith/internal/manager"
	"zenith/internal/orchestrator"
	"zenith/internal/provider"
	"zenith/internal/runtime/supervisor"
	"zenith/internal/store"
	"zenith/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	st      *store.Store
	orch    *orchestrator.Orchestrator
	runners []*agent.Runner
	mgr     *manager.Manager
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	busyTimeout, err := config.ParseDurationOrDefault("store.busy_timeout", cfg.Store.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{
		Path:        cfg.Store.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	adapters, err := buildAdapters(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	orchCfg, err := mapOrchestratorConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	orch := orchestrator.New(orchCfg, adapters, log.With(logx.String("comp", "orchestrator")), bus)

	registry := agent.NewRegistry()
	builtins := []agent.Executor{
		agent.NewDocumentationExecutor(orch),
		agent.NewAnalyzerExecutor(orch),
		agent.NewScannerExecutor(orch),
		agent.NewMonetizationExecutor(orch),
		agent.NewSuggesterExecutor(orch),
	}
	enabled := enabledSet(cfg.Agents.Enabled)
	for _, e := range builtins {
		if enabled != nil && !enabled[string(e.Type())] {
			continue
		}
		if err := registry.Register(e); err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	runnerCfg, err := mapRunnerConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	var runners []*agent.Runner
	for _, t := range registry.Types() {
		exec, _ := registry.Get(t)
		runners = append(runners, agent.NewRunner(exec, st, runnerCfg,
			log.With(logx.String("comp", "agent")), bus))
	}

	mgrCfg, err := mapManagerConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	mgr := manager.New(mgrCfg, st, runners, orch, log.With(logx.String("comp", "manager")), bus)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		st:      st,
		orch:    orch,
		runners: runners,
		mgr:     mgr,
	}, nil
}

func (a *App) Manager() *manager.Manager { return a.mgr }
func (a *App) Store() *store.Store { return a.st }

// Done is closed when the app supervisor context is cancelled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.FirstErr()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, a.log)
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	if err := a.orch.Init(a.sup.Context()); err != nil {
		return err
	}
	a.sup.Go("orchestrator.health", a.orch.HealthLoop)

	for _, r := range a.runners {
		r := r
		name := fmt.Sprintf("agent.%s", r.Status().AgentType)
		a.sup.Go(name, r.Run)
	}

	if err := a.mgr.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.GoRestart("config.watch", time.Second, a.cfgm.Watch)

	// hot reload fan-out: logging applies live; everything else needs a restart
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})
				a.log.Info("config reloaded; logging applied (store/provider changes need a restart)")
			}
		}
	})

	// Keep an eye on the event stream at debug level.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	a.log.Info("started",
		logx.Int("agents", len(a.runners)),
		logx.Int("providers", len(a.orch.Report())))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")
	if a.mgr != nil {
		a.mgr.Stop(ctx)
	}
	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}
	if a.orch != nil {
		_ = a.orch.Close()
	}
	if a.st != nil {
		_ = a.st.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

func buildAdapters(cfg *config.Config) ([]provider.Adapter, error) {
	var out []provider.Adapter
	for _, pc := range cfg.Providers {
		st := provider.Settings{
			ID:                pc.ID,
			DisplayName:       pc.DisplayName,
			APIKey:            pc.APIKey,
			BaseURL:           pc.BaseURL,
			Model:             pc.Model,
			Capabilities:      pc.Capabilities,
			MaxRequestsPerMin: pc.MaxRequestsPerMin,
			PricePer1KTokens:  pc.PricePer1KTokens,
		}
		switch pc.Kind {
		case "openai":
			out = append(out, provider.NewOpenAI(st))
		case "gemini":
			out = append(out, provider.NewGemini(st))
		default:
			return nil, fmt.Errorf("providers[%s]: unknown kind %q", pc.ID, pc.Kind)
		}
	}
	return out, nil
}

func mapOrchestratorConfig(cfg *config.Config) (orchestrator.Config, error) {
	healthInterval, err := config.ParseDurationOrDefault("orchestrator.health_interval", cfg.Orchestrator.HealthInterval, 60*time.Second)
	if err != nil {
		return orchestrator.Config{}, err
	}
	healthTimeout, err := config.ParseDurationOrDefault("orchestrator.health_timeout", cfg.Orchestrator.HealthTimeout, provider.HealthCheckTimeout)
	if err != nil {
		return orchestrator.Config{}, err
	}
	callTimeout, err := config.ParseDurationOrDefault("orchestrator.call_timeout", cfg.Orchestrator.CallTimeout, 2*time.Minute)
	if err != nil {
		return orchestrator.Config{}, err
	}
	return orchestrator.Config{
		Routing:        cfg.Routing,
		HealthInterval: healthInterval,
		HealthTimeout:  healthTimeout,
		CallTimeout:    callTimeout,
	}, nil
}

func mapRunnerConfig(cfg *config.Config) (agent.RunnerConfig, error) {
	poll, err := config.ParseDurationOrDefault("agents.poll_interval", cfg.Agents.PollInterval, 10*time.Second)
	if err != nil {
		return agent.RunnerConfig{}, err
	}
	execTimeout, err := config.ParseDurationOrDefault("agents.exec_timeout", cfg.Agents.ExecTimeout, 30*time.Minute)
	if err != nil {
		return agent.RunnerConfig{}, err
	}
	return agent.RunnerConfig{PollInterval: poll, ExecTimeout: execTimeout}, nil
}

func mapManagerConfig(cfg *config.Config) (manager.Config, error) {
	mc := cfg.Manager
	out := manager.Config{DefaultMaxRetries: cfg.Agents.MaxRetries}
	for _, f := range []struct {
		path string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"manager.promote_interval", mc.PromoteInterval, time.Minute, &out.PromoteInterval},
		{"manager.recurrence_interval", mc.RecurrenceInterval, time.Minute, &out.RecurrenceInterval},
		{"manager.reclaim_interval", mc.ReclaimInterval, 5 * time.Minute, &out.ReclaimInterval},
		{"manager.stuck_timeout", mc.StuckTimeout, time.Hour, &out.StuckTimeout},
		{"manager.budget_reset_interval", mc.BudgetResetInterval, 5 * time.Minute, &out.BudgetResetInterval},
		{"manager.retention_interval", mc.RetentionInterval, time.Hour, &out.RetentionInterval},
		{"manager.retention_age", mc.RetentionAge, 30 * 24 * time.Hour, &out.RetentionAge},
	} {
		d, err := config.ParseDurationOrDefault(f.path, f.raw, f.def)
		if err != nil {
			return manager.Config{}, err
		}
		*f.dst = d
	}
	return out, nil
}

func enabledSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}
