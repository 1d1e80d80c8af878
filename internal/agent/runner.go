package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"zenith/internal/eventbus"
	"zenith/internal/store"
	"zenith/pkg/logx"
)

type RunnerConfig struct {
	// PollInterval is the idle sleep between claim attempts. Default 10s.
	PollInterval time.Duration
	// ExecTimeout bounds one task body execution. Default 30m.
	ExecTimeout time.Duration
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 30 * time.Minute
	}
	return c
}

// Runner drives one Executor: claim the next eligible task of its type,
// execute it under a timeout, persist the outcome, repeat. Polling is
// cooperative; when the queue is empty the runner sleeps PollInterval.
type Runner struct {
	exec Executor
	st   *store.Store
	log  logx.Logger
	bus  eventbus.Bus
	cfg  RunnerConfig

	mu          sync.Mutex
	running     bool
	currentID   string
	currentName string
}

// RunnerStatus is a point-in-time view for system status reporting.
type RunnerStatus struct {
	AgentType   store.AgentType `json:"agent_type"`
	Running     bool            `json:"running"`
	CurrentTask string          `json:"current_task,omitempty"`
}

func NewRunner(exec Executor, st *store.Store, cfg RunnerConfig, log logx.Logger, bus eventbus.Bus) *Runner {
	return &Runner{
		exec: exec,
		st:   st,
		log:  log.With(logx.String("agent", string(exec.Type()))),
		bus:  bus,
		cfg:  cfg.withDefaults(),
	}
}

func (r *Runner) Status() RunnerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RunnerStatus{
		AgentType:   r.exec.Type(),
		Running:     r.running,
		CurrentTask: r.currentName,
	}
}

// Run is the claim/execute loop. It blocks until ctx is done; errors from
// individual tasks are persisted on the task row, never returned.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("agent started", logx.Duration("poll", r.cfg.PollInterval))
	defer r.log.Info("agent stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		task, err := r.st.ClaimNext(ctx, r.exec.Type())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Error("claim failed", logx.Err(err))
			task = nil
		}

		if task == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.cfg.PollInterval):
			}
			continue
		}

		r.runOne(ctx, task)
	}
}

func (r *Runner) runOne(ctx context.Context, task *store.Task) {
	start := time.Now()
	r.setCurrent(task)
	defer r.clearCurrent()

	r.publish(eventbus.TaskClaimed, task, "")
	r.log.Debug("task claimed", logx.String("task", task.ID), logx.String("name", task.Name))

	execCtx, cancel := context.WithTimeout(ctx, r.cfg.ExecTimeout)
	execCtx = r.applyPolicyCaps(execCtx, task)
	res, err := r.execute(execCtx, task)
	cancel()

	dur := time.Since(start)

	if err != nil {
		r.finishFailed(ctx, task, res, err, dur)
		return
	}
	r.finishCompleted(ctx, task, res, dur)
}

// execute invokes the task body with a panic guard: a panicking executor
// fails its task, it does not take the runner down.
func (r *Runner) execute(ctx context.Context, task *store.Task) (res *Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in task body",
				logx.String("task", task.ID),
				logx.Any("panic", rec),
				logx.Stack(string(debug.Stack())))
			res = nil
			err = fmt.Errorf("task body panic: %v", rec)
		}
	}()
	return r.exec.Execute(ctx, task)
}

func (r *Runner) applyPolicyCaps(ctx context.Context, task *store.Task) context.Context {
	pol, err := r.st.GetPolicy(ctx, task.OwnerID, task.AgentType)
	if err != nil {
		if !errors.Is(err, store.ErrPolicyNotFound) {
			r.log.Warn("policy lookup failed", logx.String("task", task.ID), logx.Err(err))
		}
		return ctx
	}
	return WithTokenCap(ctx, pol.MaxTokensPerRun)
}

func (r *Runner) finishCompleted(ctx context.Context, task *store.Task, res *Result, dur time.Duration) {
	usage := store.Usage{}
	var output map[string]any
	if res != nil {
		usage = res.Usage
		output = res.Output
	}
	usage.DurationMS = dur.Milliseconds()

	if err := r.st.CompleteTask(ctx, task.ID, output, usage); err != nil {
		// Most likely reclaimed underneath us; the row already records the
		// timeout failure, so just log.
		r.log.Warn("complete write failed", logx.String("task", task.ID), logx.Err(err))
		return
	}
	r.recordUsage(ctx, task, usage)

	r.publish(eventbus.TaskCompleted, task, "")
	if dur >= 750*time.Millisecond {
		r.log.Info("task completed", logx.String("task", task.ID), logx.String("name", task.Name), logx.Duration("dur", dur))
	} else {
		r.log.Debug("task completed", logx.String("task", task.ID), logx.String("name", task.Name), logx.Duration("dur", dur))
	}
}

func (r *Runner) finishFailed(ctx context.Context, task *store.Task, res *Result, execErr error, dur time.Duration) {
	usage := store.Usage{}
	if res != nil {
		// Tokens spent before the failure still count against the owner's
		// daily budgets.
		usage = res.Usage
	}
	usage.DurationMS = dur.Milliseconds()

	st, err := r.st.FailTask(ctx, task.ID, execErr.Error(), usage)
	if err != nil {
		r.log.Warn("failure write failed", logx.String("task", task.ID), logx.Err(err))
		return
	}
	r.recordUsage(ctx, task, usage)

	r.publish(eventbus.TaskFailed, task, execErr.Error())
	r.log.Warn("task failed",
		logx.String("task", task.ID),
		logx.String("name", task.Name),
		logx.String("outcome", string(st)),
		logx.Duration("dur", dur),
		logx.Err(execErr))
}

func (r *Runner) recordUsage(ctx context.Context, task *store.Task, usage store.Usage) {
	if usage.Tokens == 0 && usage.Cost == 0 {
		return
	}
	if err := r.st.RecordUsage(ctx, task.OwnerID, task.AgentType, usage.Tokens, usage.Cost); err != nil {
		r.log.Warn("usage bookkeeping failed", logx.String("task", task.ID), logx.Err(err))
	}
}

func (r *Runner) publish(eventType string, task *store.Task, errMsg string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{
		Type: eventType,
		Data: eventbus.TaskEvent{
			TaskID:    task.ID,
			AgentType: string(task.AgentType),
			Name:      task.Name,
			Error:     errMsg,
		},
	})
}

func (r *Runner) setCurrent(task *store.Task) {
	r.mu.Lock()
	r.running = true
	r.currentID = task.ID
	r.currentName = task.Name
	r.mu.Unlock()
}

func (r *Runner) clearCurrent() {
	r.mu.Lock()
	r.running = false
	r.currentID = ""
	r.currentName = ""
	r.mu.Unlock()
}
