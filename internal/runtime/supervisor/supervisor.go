// Package supervisor manages named goroutines tied to a shared context:
// panic recovery, restart-with-backoff for loops, and timeout-aware stop.
package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"zenith/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log logx.Logger

	started atomic.Uint64
	active  atomic.Int64
	panics  atomic.Uint64

	firstErr atomic.Value // error
	errOnce  sync.Once

	wg sync.WaitGroup
}

// Counters exposes best-effort goroutine counters.
// These are operational signals only, not a synchronization primitive.
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
	Panics  uint64 `json:"panics"`
}

func New(parent context.Context, log logx.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{ctx: ctx, cancel: cancel, log: log}
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Go starts fn as a supervised goroutine. A panic is recovered and recorded,
// never propagated.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				s.panics.Add(1)
				s.log.Error("goroutine panic",
					logx.String("name", name),
					logx.Any("panic", r),
					logx.Stack(string(debug.Stack())))
				s.recordErr(fmt.Errorf("%s: panic: %v", name, r))
			}
		}()
		if err := fn(s.ctx); err != nil && s.ctx.Err() == nil {
			s.log.Error("goroutine exited with error", logx.String("name", name), logx.Err(err))
			s.recordErr(fmt.Errorf("%s: %w", name, err))
		}
	}()
}

// GoRestart runs fn in a loop, restarting it after restartDelay whenever it
// returns or panics, until the supervisor context is cancelled. Meant for
// long-lived loops that must survive their own failures.
func (s *Supervisor) GoRestart(name string, restartDelay time.Duration, fn func(ctx context.Context) error) {
	if restartDelay <= 0 {
		restartDelay = time.Second
	}
	s.Go(name, func(ctx context.Context) error {
		for {
			func() {
				defer func() {
					if r := recover(); r != nil {
						s.panics.Add(1)
						s.log.Error("goroutine panic (will restart)",
							logx.String("name", name),
							logx.Any("panic", r),
							logx.Stack(string(debug.Stack())))
					}
				}()
				if err := fn(ctx); err != nil && ctx.Err() == nil {
					s.log.Warn("goroutine restarting after error", logx.String("name", name), logx.Err(err))
				}
			}()
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(restartDelay):
			}
		}
	})
}

func (s *Supervisor) recordErr(err error) {
	s.errOnce.Do(func() { s.firstErr.Store(err) })
}

// FirstErr returns the first error recorded by any supervised goroutine.
func (s *Supervisor) FirstErr() error {
	if v := s.firstErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (s *Supervisor) Counters() Counters {
	return Counters{
		Active:  s.active.Load(),
		Started: s.started.Load(),
		Panics:  s.panics.Load(),
	}
}

// Stop cancels the shared context and waits for all goroutines to exit or the
// given context to expire, whichever comes first.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("supervisor stop: %w (still active: %d)", ctx.Err(), s.active.Load())
	}
}
