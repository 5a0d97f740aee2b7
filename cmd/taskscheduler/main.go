package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/taskscheduler/internal/api"
	"github.com/basket/taskscheduler/internal/audit"
	"github.com/basket/taskscheduler/internal/bus"
	"github.com/basket/taskscheduler/internal/config"
	"github.com/basket/taskscheduler/internal/cronparser"
	"github.com/basket/taskscheduler/internal/dispatcher"
	"github.com/basket/taskscheduler/internal/gateway"
	otelPkg "github.com/basket/taskscheduler/internal/otel"
	"github.com/basket/taskscheduler/internal/runner"
	"github.com/basket/taskscheduler/internal/store"
	"github.com/basket/taskscheduler/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v1.0-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the scheduler daemon

ENVIRONMENT VARIABLES:
  TASKSCHEDULER_HOME          Data directory (default: ~/.taskscheduler)
  TASKSCHEDULER_HOST/PORT     Override bind address from config.yaml
  TASKSCHEDULER_LOG_LEVEL     debug|info|warn|error
`, os.Args[0], os.Args[0])
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "help", "-h", "--help":
			printUsage()
			return
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := audit.Init(cfg.HomeDir); err != nil {
		return fmt.Errorf("init audit log: %w", err)
	}
	audit.SetDB(st.DB())
	defer audit.Close()

	provider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:        cfg.OTel.Enabled,
		Exporter:       cfg.OTel.Exporter,
		Endpoint:       cfg.OTel.Endpoint,
		ServiceName:    cfg.OTel.ServiceName,
		SampleRate:     cfg.OTel.SampleRate,
		MetricsEnabled: &cfg.OTel.MetricsEnabled,
	})
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer provider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	eventBus := bus.NewWithLogger(logger)

	taskTimeout := time.Duration(cfg.TaskTimeoutSeconds) * time.Second
	rn := runner.New(runner.Config{
		Store:        st,
		Bus:          eventBus,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       provider.Tracer,
		TaskTimeout:  taskTimeout,
		ResultLogCap: cfg.ResultLogCapBytes,
		Concurrency:  cfg.RunnerConcurrency,
	})

	disp := dispatcher.New(dispatcher.Config{
		Store:             st,
		Runner:            rn,
		Logger:            logger,
		ShutdownGrace:     time.Duration(cfg.ShutdownGraceSeconds) * time.Second,
		CronHorizonMonths: cronparser.DefaultHorizonMonths,
		ConditionTimeout:  time.Duration(cfg.ConditionTimeoutSeconds) * time.Second,
		Metrics:           metrics,
		Tracer:            provider.Tracer,
	})

	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		disp.Run(ctx)
	}()

	svc := api.NewService(st, rn)

	authMW, err := gateway.NewAuthMiddleware(cfg.Auth)
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}
	corsMW := gateway.NewCORSMiddleware(cfg.CORS)
	rateLimitMW := gateway.NewRateLimitMiddleware(cfg.RateLimit)
	rateLimitMW.SetMetrics(metrics)
	rateLimitMW.StartEviction(ctx, 5*time.Minute, 30*time.Minute)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx, cfg.Auth.FilePath); err != nil {
		logger.Warn("config watcher failed to start", "error", err)
	} else {
		go func() {
			for ev := range watcher.Events() {
				if ev.Path == cfg.Auth.FilePath {
					if err := authMW.Reload(); err != nil {
						logger.Error("auth reload failed", "error", err)
					} else {
						logger.Info("auth credentials reloaded")
					}
				}
			}
		}()
	}

	gw := gateway.New(gateway.Config{
		Service:         svc,
		Logger:          logger,
		Metrics:         metrics,
		Tracer:          provider.Tracer,
		BasePath:        cfg.BasePath,
		Auth:            authMW,
		CORS:            corsMW,
		RateLimit:       rateLimitMW,
		MaxRequestBytes: 10 * 1024 * 1024,
	})

	server := &http.Server{
		Addr:    cfg.BindAddr(),
		Handler: gw.Handler(),
	}

	tlsConf, err := gateway.LoadTLSConfig(cfg.TLS)
	if err != nil {
		return fmt.Errorf("init tls: %w", err)
	}
	server.TLSConfig = tlsConf

	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr())
	if err != nil {
		return fmt.Errorf("bind %s: %w", cfg.BindAddr(), err)
	}
	if tlsConf != nil {
		ln = tls.NewListener(ln, tlsConf)
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr(), "tls", tlsConf != nil)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	<-dispatcherDone
	logger.Info("shutdown complete")
	return nil
}
