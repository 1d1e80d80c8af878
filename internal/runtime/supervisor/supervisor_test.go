package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"zenith/pkg/logx"
)

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), logx.Nop())

	s.Go("panics", func(ctx context.Context) error {
		panic("kaboom")
	})

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := s.Counters(); got.Panics != 1 || got.Started != 1 || got.Active != 0 {
		t.Fatalf("counters = %+v", got)
	}
	if err := s.FirstErr(); err == nil {
		t.Fatal("panic not recorded as first error")
	}
}

func TestFirstErrKeepsFirst(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), logx.Nop())

	first := errors.New("first failure")
	s.Go("a", func(ctx context.Context) error { return first })

	// Give the first goroutine time to record before starting the second.
	deadline := time.Now().Add(time.Second)
	for s.FirstErr() == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	s.Go("b", func(ctx context.Context) error { return errors.New("second failure") })

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.Stop(stopCtx)

	if err := s.FirstErr(); !errors.Is(err, first) {
		t.Fatalf("FirstErr = %v, want wrapped first failure", err)
	}
}

func TestStopCancelsContext(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), logx.Nop())

	started := make(chan struct{})
	s.Go("loop", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return nil
	})
	<-started

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-s.Context().Done():
	default:
		t.Fatal("supervisor context not cancelled after Stop")
	}
}

func TestGoRestartLoops(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), logx.Nop())

	runs := make(chan struct{}, 8)
	s.GoRestart("flappy", time.Millisecond, func(ctx context.Context) error {
		select {
		case runs <- struct{}{}:
		default:
		}
		return errors.New("transient")
	})

	// The loop must restart after a failure.
	for i := 0; i < 2; i++ {
		select {
		case <-runs:
		case <-time.After(time.Second):
			t.Fatalf("run %d never happened", i+1)
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
