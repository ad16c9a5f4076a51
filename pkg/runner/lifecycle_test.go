package runner

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/ranya-gladia/pkg/logging"
)

func TestLifecycleRunnerDrainsOnCancel(t *testing.T) {
	var drained, started, stopped atomic.Bool
	drainer := DrainFunc(func(ctx context.Context) error {
		drained.Store(true)
		return nil
	})
	r := NewLifecycleRunner(drainer, Hooks{
		OnStart: func(context.Context) error { started.Store(true); return nil },
		OnStop:  func() { stopped.Store(true) },
	}, time.Second).WithBanner(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for r.State() != StateRunning && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if r.State() != StateRunning {
		t.Fatalf("expected running, got %s", r.State())
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return")
	}
	if !started.Load() || !drained.Load() || !stopped.Load() {
		t.Fatalf("hooks not run: started=%v drained=%v stopped=%v", started.Load(), drained.Load(), stopped.Load())
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", r.State())
	}
	if err := r.Run(context.Background()); err == nil {
		t.Fatalf("expected second run to fail")
	}
}

func TestLifecycleRunnerDrainTimeout(t *testing.T) {
	drainer := DrainFunc(func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return ctx.Err()
	})
	r := NewLifecycleRunner(drainer, Hooks{}, 20*time.Millisecond).WithBanner(nil).WithLogger(logging.Discard())
	if err := r.Stop(); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected drain timeout, got %v", err)
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", r.State())
	}
	if err := r.Run(context.Background()); err == nil {
		t.Fatalf("expected run after stop to fail")
	}
}

func TestLifecycleRunnerStartFailure(t *testing.T) {
	boom := errors.New("boom")
	r := NewLifecycleRunner(nil, Hooks{
		OnStart: func(context.Context) error { return boom },
	}, time.Second).WithBanner(nil)
	if err := r.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected start error, got %v", err)
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", r.State())
	}
}

func TestPrintBanner(t *testing.T) {
	var buf bytes.Buffer
	PrintBanner(&buf)
	if !strings.Contains(buf.String(), "Version: "+Version) {
		t.Fatalf("expected version in banner, got %q", buf.String())
	}
}

func TestLifecycleRunnerReturnsDrainError(t *testing.T) {
	flushFailed := errors.New("flush failed")
	r := NewLifecycleRunner(DrainFunc(func(context.Context) error { return flushFailed }), Hooks{}, time.Second).
		WithBanner(nil).
		WithLogger(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Run(ctx); !errors.Is(err, flushFailed) {
		t.Fatalf("expected drain error, got %v", err)
	}
}
