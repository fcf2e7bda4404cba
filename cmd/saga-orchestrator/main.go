// saga-orchestrator runs the saga engine behind an HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	saga "github.com/grafikui/saga-orchestrator-go"
	"github.com/grafikui/saga-orchestrator-go/httpapi"
	"github.com/grafikui/saga-orchestrator-go/internal/config"
	"github.com/grafikui/saga-orchestrator-go/internal/logger"
	"github.com/grafikui/saga-orchestrator-go/internal/metrics"
	"github.com/grafikui/saga-orchestrator-go/internal/tracing"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.ServiceName, cfg.LogLevel, os.Stdout)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	if err := a.run(ctx); err != nil {
		log.Fatal().Err(err).Msg("orchestrator stopped")
	}
}

type app struct {
	cfg      *config.Config
	logger   *zerolog.Logger
	backends *backends
	store    saga.Store
	tr       *transport
	orch     *saga.Orchestrator
	sweeper  *saga.TimeoutSweeper
	server   *http.Server
	listener net.Listener
	shutdown func(context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config, log *zerolog.Logger) (a *app, err error) {
	shutdownTracing, err := tracing.Init(tracing.Config{ServiceName: cfg.ServiceName, Enabled: cfg.TracingEnabled})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			b.close()
		}
	}()

	store, err := buildStore(ctx, cfg, b)
	if err != nil {
		return nil, err
	}
	if !store.IsProductionSafe() {
		log.Warn().Str("store", cfg.StoreDriver).Msg("store is not durable; state is lost on restart")
	}

	tr, err := buildTransport(cfg, b, log)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	if err := m.RegisterStateGauge(store, 2*time.Second); err != nil {
		return nil, fmt.Errorf("register state gauge: %w", err)
	}
	hub := httpapi.NewHub()
	events := []*saga.OrchestratorEvents{m.Events(), hub.Events()}
	if cfg.TracingEnabled {
		events = append(events, tracing.Events())
	}

	orch := saga.NewOrchestrator(store, tr.channel, saga.OrchestratorOptions{
		Logger:             log,
		Events:             events,
		Lock:               buildLock(cfg, b),
		StepTimeout:        cfg.StepTimeout,
		MaxConflictRetries: cfg.MaxConflictRetries,
	})
	defs, err := loadDefinitions(cfg)
	if err != nil {
		return nil, err
	}
	for _, def := range defs {
		if err := orch.Register(def); err != nil {
			return nil, err
		}
		log.Info().Str("saga_type", def.Name).Int("steps", def.Len()).Msg("registered saga")
	}

	sweeper, err := saga.NewTimeoutSweeper(orch, cfg.SweepSchedule, log)
	if err != nil {
		return nil, err
	}

	var mw []gin.HandlerFunc
	if cfg.TracingEnabled {
		mw = append(mw, tracing.Middleware())
	}
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	api := httpapi.NewServer(orch, httpapi.Options{
		Store:      store,
		Hub:        hub,
		Metrics:    m.Handler(),
		Middleware: mw,
		Logger:     log,
	})

	ln, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.HTTPAddr, err)
	}

	return &app{
		cfg:      cfg,
		logger:   log,
		backends: b,
		store:    store,
		tr:       tr,
		orch:     orch,
		sweeper:  sweeper,
		server: &http.Server{
			Handler:           api.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: ln,
		shutdown: shutdownTracing,
	}, nil
}

// addr is the bound HTTP address.
func (a *app) addr() string {
	return a.listener.Addr().String()
}

// run serves until ctx is cancelled or a component fails, then shuts
// everything down within cfg.ShutdownTimeout.
func (a *app) run(ctx context.Context) error {
	defer a.backends.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.orch.Listen()
	a.sweeper.Start(ctx)

	errCh := make(chan error, 2)
	var wg sync.WaitGroup

	if a.tr.run != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.tr.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("reply consumer: %w", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.logger.Info().Str("addr", a.addr()).Msg("http server listening")
		if err := a.server.Serve(a.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info().Msg("shutting down")
	case runErr = <-errCh:
		a.logger.Error().Err(runErr).Msg("component failed, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error().Err(err).Msg("http shutdown")
	}
	cancel()
	<-a.sweeper.Stop().Done()
	wg.Wait()

	if a.tr.close != nil {
		if err := a.tr.close(); err != nil {
			a.logger.Error().Err(err).Msg("close channel")
		}
	}
	if err := a.shutdown(shutdownCtx); err != nil {
		a.logger.Error().Err(err).Msg("flush traces")
	}
	return runErr
}
