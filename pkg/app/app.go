// Package app wires the transcription agent to its transports and sinks.
package app

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harunnryd/ranya-gladia/pkg/agent"
	"github.com/harunnryd/ranya-gladia/pkg/bbb"
	"github.com/harunnryd/ranya-gladia/pkg/config"
	"github.com/harunnryd/ranya-gladia/pkg/logging"
	"github.com/harunnryd/ranya-gladia/pkg/metrics"
	"github.com/harunnryd/ranya-gladia/pkg/natsink"
	"github.com/harunnryd/ranya-gladia/pkg/observers"
	"github.com/harunnryd/ranya-gladia/pkg/redact"
	"github.com/harunnryd/ranya-gladia/pkg/resilience"
	"github.com/harunnryd/ranya-gladia/pkg/runner"
	"github.com/harunnryd/ranya-gladia/pkg/transports"
	"github.com/harunnryd/ranya-gladia/pkg/transports/wsbridge"
)

type Options struct {
	Config    Config
	Logger    *slog.Logger
	Env       config.Environment
	Providers *ProviderRegistry
	// Transport replaces the WebSocket bridge built from Config.Bridge.
	Transport transports.Transport
	// Emitters are extra transcript sinks.
	Emitters []agent.Emitter
	// Registry receives the Prometheus collectors; a fresh one is created
	// when nil.
	Registry *prometheus.Registry
}

type App struct {
	cfg       Config
	logger    *slog.Logger
	registry  *prometheus.Registry
	asyncObs  *metrics.AsyncObserver
	agent     *agent.Agent
	transport transports.Transport
	redis     *bbb.Bridge
	nats      *natsink.Sink

	metricsServer *http.Server
	metricsAddr   string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) (*App, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)
	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviders()
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	logger.Info("agent_init",
		slog.String("environment", cfg.Environment),
		slog.String("stt_provider", cfg.Vendors.STT.Provider),
		slog.Bool("require_settings", cfg.Agent.RequireSettings),
		slog.Bool("redis", cfg.Redis.Enabled),
		slog.Bool("nats", cfg.NATS.Enabled),
	)

	promObs := metrics.NewPrometheusObserver(reg)
	logObs := metrics.NewLoggerObserver(logging.NewComponentLogger(logger, "metrics"))
	latencyObs := observers.NewLatencyObserver(logging.NewComponentLogger(logger, "latency"), reg)
	asyncObs := metrics.NewAsyncObserver(metrics.NewMultiObserver(promObs, logObs, latencyObs), 4096)
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "gladia_agent",
		Name:      "observer_dropped_events_total",
		Help:      "Metrics events dropped because the observer queue was full.",
	}, func() float64 { return float64(asyncObs.Dropped()) }))

	dialer, err := providers.BuildSTT(cfg.Vendors.STT.Provider, cfg.Vendors.STT.Settings, logger)
	if err != nil {
		asyncObs.Close()
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		asyncObs: asyncObs,
	}

	transport := opts.Transport
	if transport == nil {
		transport = wsbridge.New(cfg.Bridge, logger, asyncObs)
	}
	a.transport = transport

	emitters := agent.MultiEmitter{transport}
	if cfg.Redis.Enabled {
		a.redis = bbb.New(cfg.Redis.Config, logger, asyncObs)
		emitters = append(emitters, a.redis)
	}
	if cfg.NATS.Enabled {
		sink, err := natsink.Connect(cfg.NATS.Config, logger, asyncObs)
		if err != nil {
			a.closeSinks()
			asyncObs.Close()
			return nil, err
		}
		a.nats = sink
		emitters = append(emitters, sink)
	}
	emitters = append(emitters, opts.Emitters...)

	a.agent = agent.New(cfg.Agent, agent.Deps{
		Env:      opts.Env,
		Dialer:   dialer,
		Emitter:  emitters,
		Logger:   logger,
		Observer: asyncObs,
		Breaker:  resilience.NewCircuitBreaker(5, 30*time.Second),
	})
	transport.Attach(a.agent)
	return a, nil
}

func (a *App) Agent() *agent.Agent { return a.agent }

func (a *App) Registry() *prometheus.Registry { return a.registry }

// MetricsAddr returns the bound metrics address once Start has run.
func (a *App) MetricsAddr() string { return a.metricsAddr }

// Start brings up the transport, the metrics endpoint and the Redis listener.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	if err := a.transport.Start(ctx); err != nil {
		return err
	}
	if addr := a.cfg.Metrics.Addr; addr != "" {
		if err := a.startMetrics(addr); err != nil {
			return err
		}
	}
	if a.redis != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.redis.Listen(ctx, a.agent); err != nil && ctx.Err() == nil {
				a.logger.Error("redis_listen_failed", slog.String("error", err.Error()))
			}
		}()
	}

	fields := []any{slog.String("stt_provider", a.cfg.Vendors.STT.Provider)}
	if rr, ok := a.transport.(transports.ReadyReporter); ok {
		for k, v := range rr.ReadyFields() {
			fields = append(fields, slog.Any(k, v))
		}
	}
	if a.metricsAddr != "" {
		fields = append(fields, slog.String("metrics_addr", a.metricsAddr))
	}
	a.logger.Info("agent_ready", fields...)
	return nil
}

func (a *App) startMetrics(addr string) error {
	path := a.cfg.Metrics.Path
	if path == "" {
		path = "/metrics"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	a.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	a.metricsAddr = ln.Addr().String()
	go func() {
		if err := a.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics_server_error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Drain stops accepting tracks, flushes every session and closes the sinks.
func (a *App) Drain(ctx context.Context) error {
	if a.transport != nil {
		_ = a.transport.Stop()
	}
	err := a.agent.Close(ctx)
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	if a.metricsServer != nil {
		_ = a.metricsServer.Close()
	}
	a.closeSinks()
	a.asyncObs.Close()
	a.logger.Info("shutdown", slog.Int("goroutines", runtime.NumGoroutine()))
	return err
}

func (a *App) closeSinks() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.nats != nil {
		a.nats.Close()
	}
}

// Runner returns a lifecycle runner that starts the app and drains it on
// shutdown.
func (a *App) Runner() *runner.LifecycleRunner {
	timeout := a.cfg.Shutdown.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return runner.NewLifecycleRunner(a, runner.Hooks{
		OnStart: a.Start,
	}, timeout).WithLogger(a.logger)
}
