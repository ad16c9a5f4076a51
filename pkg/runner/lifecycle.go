package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/ranya-gladia/pkg/logging"
)

// ErrDrainTimeout is returned when the drainer outlives the shutdown budget.
var ErrDrainTimeout = errors.New("drain timeout")

// LifecycleRunner starts the process hooks, blocks until its context is done
// and then drains within a bounded timeout.
type LifecycleRunner struct {
	state   atomic.Int32
	hooks   Hooks
	drainer Drainer
	timeout time.Duration
	banner  io.Writer
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc

	stopOnce sync.Once
	stopErr  error
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LifecycleRunner{
		hooks:   hooks,
		drainer: drainer,
		timeout: timeout,
		banner:  os.Stdout,
		logger:  logging.NewComponentLogger(nil, "runner"),
	}
}

// WithBanner redirects the startup banner; nil disables it.
func (r *LifecycleRunner) WithBanner(w io.Writer) *LifecycleRunner {
	r.banner = w
	return r
}

func (r *LifecycleRunner) WithLogger(logger *slog.Logger) *LifecycleRunner {
	r.logger = logging.NewComponentLogger(logger, "runner")
	return r
}

// Run blocks until ctx is done or Stop is called, then drains. A failing
// OnStart drains immediately and its error is returned.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.transition(StateNew, StateStarting) {
		return errors.New("runner already started")
	}
	PrintBanner(r.banner)
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	defer cancel()

	if r.hooks.OnStart != nil {
		if err := r.hooks.OnStart(ctx); err != nil {
			r.logger.Error("runner_start_failed", slog.String("error", err.Error()))
			_ = r.stop()
			return err
		}
	}
	r.transition(StateStarting, StateRunning)
	<-ctx.Done()
	return r.stop()
}

// Stop cancels Run and drains; it is safe to call before Run or repeatedly.
func (r *LifecycleRunner) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return r.stop()
}

func (r *LifecycleRunner) State() State {
	return State(r.state.Load())
}

func (r *LifecycleRunner) stop() error {
	r.stopOnce.Do(func() {
		r.set(StateDraining)
		started := time.Now()
		if r.drainer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			done := make(chan error, 1)
			go func() { done <- r.drainer.Drain(ctx) }()
			select {
			case r.stopErr = <-done:
			case <-ctx.Done():
				r.stopErr = ErrDrainTimeout
			}
			cancel()
		}
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.set(StateStopped)
		if r.stopErr != nil {
			r.logger.Warn("runner_drain_failed",
				slog.Duration("elapsed", time.Since(started)),
				slog.String("error", r.stopErr.Error()))
			return
		}
		r.logger.Info("runner_drained", slog.Duration("elapsed", time.Since(started)))
	})
	return r.stopErr
}

func (r *LifecycleRunner) transition(from, to State) bool {
	if !r.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	r.logger.Debug("runner_state", slog.String("from", from.String()), slog.String("to", to.String()))
	return true
}

func (r *LifecycleRunner) set(to State) {
	from := State(r.state.Swap(int32(to)))
	r.logger.Debug("runner_state", slog.String("from", from.String()), slog.String("to", to.String()))
}

var _ Runner = (*LifecycleRunner)(nil)
