// Command orchestratord is the OmoiOS orchestration core's single binary:
// it loads configuration once at startup, wires every subsystem together,
// and runs the Orchestrator, Monitor, Guardian, and lock-expiry sweeps as
// supervised goroutines until signalled to stop.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/omoios/orchestrator/internal/config"
	"github.com/omoios/orchestrator/pkg/agentruntime"
	"github.com/omoios/orchestrator/pkg/agentruntime/anthropic"
	"github.com/omoios/orchestrator/pkg/agentruntime/bedrock"
	"github.com/omoios/orchestrator/pkg/agentruntime/localai"
	"github.com/omoios/orchestrator/pkg/anomaly"
	"github.com/omoios/orchestrator/pkg/baseline"
	"github.com/omoios/orchestrator/pkg/collab"
	"github.com/omoios/orchestrator/pkg/dispatcher"
	"github.com/omoios/orchestrator/pkg/domain"
	"github.com/omoios/orchestrator/pkg/eventbus"
	"github.com/omoios/orchestrator/pkg/guardian"
	"github.com/omoios/orchestrator/pkg/lock"
	"github.com/omoios/orchestrator/pkg/monitor"
	"github.com/omoios/orchestrator/pkg/orchestrator"
	"github.com/omoios/orchestrator/pkg/priority"
	"github.com/omoios/orchestrator/pkg/sandbox/httpexecutor"
	"github.com/omoios/orchestrator/pkg/store/memstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The Store is the in-memory reference implementation until
	// pkg/store/postgres lands; every other subsystem is wired against
	// the store.Store interface, so swapping it in later touches only
	// this constructor call.
	st := memstore.New()

	runtime, err := newAgentRuntime(ctx, cfg.AgentRuntime, logger)
	if err != nil {
		return fmt.Errorf("build agent runtime: %w", err)
	}

	sandboxExec := httpexecutor.New(cfg.AgentRuntime.Endpoint)

	bus := eventbus.New(logger)
	locks := lock.New(st)
	learner := baseline.New(st)
	anomalyScorer := anomaly.New(st, learner)
	prioScorer := priority.New(cfg.Priority)

	registry := prometheus.NewRegistry()
	mon := monitor.New(st, bus, anomalyScorer, learner, cfg.Monitor, registry)

	policy, err := guardian.NewPolicyEvaluator(ctx, cfg.Guardian.PolicyPath)
	if err != nil {
		return fmt.Errorf("compile guardian policy: %w", err)
	}
	guard := guardian.New(st, bus, locks, learner, policy, cfg.Guardian, cfg.Slack, logger)

	collabBus := collab.New(st, bus, runtime, sandboxExec, logger)
	_ = collabBus // wired for future inbound-API delivery; no HTTP surface yet

	var orch *orchestrator.Service
	disp := dispatcher.New(runtime, orchestratorAdapter{&orch}, cfg.Dispatcher, logger)
	orch = orchestrator.New(st, bus, locks, prioScorer, disp, cfg.Scheduler, cfg.Lock.DefaultTTL, logger)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error { return orch.Run(groupCtx, cfg.Scheduler.TickInterval) })
	group.Go(func() error { return mon.Run(groupCtx) })
	group.Go(func() error { return guard.Run(groupCtx) })
	group.Go(func() error { return runLockSweep(groupCtx, locks, cfg.Lock.SweepInterval, logger) })
	group.Go(func() error { return runMetricsServer(groupCtx, cfg.Server.MetricsPort, registry, logger) })

	logger.Info("orchestratord started", zap.String("namespace", cfg.Orchestration.Namespace))

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("subsystem exited: %w", err)
	}
	return nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
		zapCfg.Level = level
	}
	return zapCfg.Build()
}

func newAgentRuntime(ctx context.Context, cfg config.AgentRuntimeConfig, logger *zap.Logger) (agentruntime.AgentRuntime, error) {
	switch cfg.Provider {
	case "anthropic":
		return anthropic.New(cfg, logger), nil
	case "bedrock":
		return bedrock.New(ctx, cfg, logger)
	default:
		return localai.New(cfg, logger), nil
	}
}

// runLockSweep periodically releases expired resource locks so a crashed
// Dispatcher's locks don't strand a resource forever.
func runLockSweep(ctx context.Context, locks *lock.Manager, interval time.Duration, logger *zap.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := locks.CleanupExpired(ctx, time.Now()); err != nil && logger != nil {
				logger.Warn("lock sweep failed", zap.Error(err))
			} else if n > 0 && logger != nil {
				logger.Info("lock sweep released expired locks", zap.Int("count", n))
			}
		}
	}
}

func runMetricsServer(ctx context.Context, port string, registry *prometheus.Registry, logger *zap.Logger) error {
	if port == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: ":" + port, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && logger != nil {
			logger.Warn("metrics server shutdown failed", zap.Error(err))
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// orchestratorAdapter satisfies dispatcher.Orchestrator by forwarding to
// an *orchestrator.Service set after construction: Dispatcher and
// Orchestrator are built in a single cycle (Dispatcher needs Orchestrator's
// terminal entry points; Orchestrator needs a Dispatcher to start tasks),
// so the pointer is filled in once orch itself is constructed.
type orchestratorAdapter struct {
	svc **orchestrator.Service
}

func (a orchestratorAdapter) Completed(ctx context.Context, taskID domain.TaskID, result map[string]any) error {
	return (*a.svc).Completed(ctx, taskID, result)
}

func (a orchestratorAdapter) Failed(ctx context.Context, taskID domain.TaskID, cause string) error {
	return (*a.svc).Failed(ctx, taskID, cause)
}

func (a orchestratorAdapter) HeartbeatTimeout(ctx context.Context, taskID domain.TaskID) error {
	return (*a.svc).HeartbeatTimeout(ctx, taskID)
}
