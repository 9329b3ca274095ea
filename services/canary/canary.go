// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package canary assembles the canaryd service from its configuration.
//
// # Description
//
// New opens the configured store, builds the alert channels, the detection
// engine and the dead-letter tooling, and mounts the HTTP API on a gin
// router. Run serves the API until its context is cancelled and then shuts
// every component down in reverse order.
//
// # Thread Safety
//
// A Service is meant to be run once. Router and Engine are safe to call
// concurrently with Run.
package canary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianCanary/services/canary/alerting"
	"github.com/AleutianAI/AleutianCanary/services/canary/canaries"
	"github.com/AleutianAI/AleutianCanary/services/canary/config"
	"github.com/AleutianAI/AleutianCanary/services/canary/deadletter"
	"github.com/AleutianAI/AleutianCanary/services/canary/engine"
	"github.com/AleutianAI/AleutianCanary/services/canary/events"
	"github.com/AleutianAI/AleutianCanary/services/canary/observability"
	"github.com/AleutianAI/AleutianCanary/services/canary/routes"
	"github.com/AleutianAI/AleutianCanary/services/canary/storage"
	"github.com/AleutianAI/AleutianCanary/services/canary/storage/badger"
	"github.com/AleutianAI/AleutianCanary/services/canary/storage/postgres"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ServiceName is reported to the tracer and the gin middleware.
const ServiceName = "canaryd"

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Service is a fully wired canaryd instance.
type Service struct {
	cfg    config.Config
	logger *slog.Logger

	store    storage.Store
	registry *prometheus.Registry
	metrics  *observability.Metrics
	bus      *events.Bus
	engine   *engine.Engine
	alerts   *alerting.Service
	nats     *alerting.NATSChannel
	router   *gin.Engine

	tracerCleanup func(context.Context)
	closeOnce     sync.Once
}

// =============================================================================
// Construction
// =============================================================================

// New builds a Service from cfg.
//
// # Description
//
// Components are created bottom-up: tracing, metrics, storage, alert
// channels, the engine and finally the router. When any step fails the
// components already created are released before the error is returned.
//
// # Inputs
//
//   - ctx: Bounds store connection and migration.
//   - cfg: A validated configuration.
//   - logger: Nil uses slog.Default().
//
// # Outputs
//
//   - *Service: Ready to Run.
//   - error: Store, channel or tracer setup failure.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{cfg: cfg, logger: logger}

	cleanup, err := s.initTracer(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = observability.NewMetrics(s.registry)

	if s.store, err = openStore(ctx, cfg.Storage, logger); err != nil {
		s.Close()
		return nil, err
	}

	if err := s.initAlerting(); err != nil {
		s.Close()
		return nil, err
	}

	s.bus = events.NewBus(logger)
	var alerter engine.Alerter
	if s.alerts != nil {
		alerter = s.alerts
	}
	s.engine = engine.New(engine.Config{
		PollEnabled:     cfg.Pipeline.PollEnabled,
		PollInterval:    cfg.Pipeline.PollInterval(),
		PollAllCanaries: cfg.Pipeline.PollAllCanaries,
		SyncAlerts:      cfg.Pipeline.Sync,
	}, s.store, s.bus, alerter, s.metrics, logger)

	if n, err := s.store.PendingAlertFailures(ctx); err == nil {
		s.metrics.SetPendingFailures(n)
	}

	s.initRouter()
	return s, nil
}

// openStore opens the configured backend.
func openStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Backend {
	case "postgres":
		st, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		logger.Info("store opened", slog.String("backend", "postgres"))
		return st, nil
	default:
		bcfg := badger.DefaultConfig(cfg.DataDir)
		if cfg.InMemory {
			bcfg = badger.InMemoryConfig()
		}
		bcfg.Logger = logger
		st, err := badger.Open(bcfg)
		if err != nil {
			return nil, fmt.Errorf("open badger store: %w", err)
		}
		logger.Info("store opened",
			slog.String("backend", "badger"),
			slog.String("dir", cfg.DataDir),
			slog.Bool("in_memory", cfg.InMemory),
		)
		return st, nil
	}
}

// initAlerting builds the alert channels. Alerting stays off without a
// threshold, in which case no channel is created.
func (s *Service) initAlerting() error {
	acfg := s.cfg.Alerting
	if !acfg.Enabled() {
		s.logger.Info("alerting disabled: no threshold configured")
		return nil
	}

	var channels []alerting.Channel
	if acfg.Stdout {
		channels = append(channels, alerting.NewLogChannel(s.logger))
	}
	if acfg.WebhookURL != "" {
		wh, err := alerting.NewWebhookChannel(alerting.WebhookConfig{
			URL:           acfg.WebhookURL,
			Method:        acfg.WebhookMethod,
			Headers:       acfg.WebhookHeaders,
			Secret:        acfg.HMACSecret,
			Timeout:       time.Duration(acfg.WebhookTimeoutMs) * time.Millisecond,
			RatePerSecond: acfg.WebhookRatePerSec,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("webhook channel: %w", err)
		}
		channels = append(channels, wh)
	}
	if acfg.NATSURL != "" {
		nc, err := alerting.DialNATS(acfg.NATSURL, acfg.NATSSubject)
		if err != nil {
			return fmt.Errorf("nats channel: %w", err)
		}
		s.nats = nc
		channels = append(channels, nc)
	}
	if len(channels) == 0 {
		s.logger.Warn("alerting enabled without any channel")
	}

	s.alerts = alerting.NewService(alerting.Config{
		Threshold: *acfg.Threshold,
		Retry: alerting.RetryPolicy{
			MaxAttempts: acfg.MaxAttempts,
			BaseDelay:   time.Duration(acfg.RetryBaseMs) * time.Millisecond,
			Multiplier:  acfg.RetryMultiplier,
		},
	}, channels, s.store, s.metrics, s.logger)

	s.logger.Info("alerting enabled",
		slog.Int("threshold", *acfg.Threshold),
		slog.Any("channels", s.alerts.ChannelNames()),
	)
	return nil
}

func (s *Service) initRouter() {
	if s.cfg.Server.GinMode != "" {
		gin.SetMode(s.cfg.Server.GinMode)
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(ServiceName))

	var deliverer deadletter.Deliverer
	if s.alerts != nil {
		deliverer = s.alerts
	}
	routes.SetupRoutes(s.router, routes.Dependencies{
		Canaries:     canaries.NewService(s.store, nil, s.metrics, s.logger),
		Publisher:    s.bus,
		Engine:       s.engine,
		Store:        s.store,
		Replayer:     deadletter.NewReplayer(s.store, deliverer, s.metrics, s.logger),
		Purger:       deadletter.NewPurger(s.store, s.metrics, s.logger),
		Gatherer:     s.registry,
		SyncPipeline: s.cfg.Pipeline.Sync,
	})
}

// initTracer installs the OTLP exporter when an endpoint is configured.
// Without one the global no-op provider stays in place.
func (s *Service) initTracer(ctx context.Context) (func(context.Context), error) {
	endpoint := s.cfg.Server.OTelEndpoint
	if endpoint == "" {
		return func(context.Context) {}, nil
	}

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown tracer provider", slog.String("error", err.Error()))
		}
	}, nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// Router returns the configured gin engine.
func (s *Service) Router() *gin.Engine { return s.router }

// Engine returns the detection engine.
func (s *Service) Engine() *engine.Engine { return s.engine }

// Run listens on the configured port and serves until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Server.Port))
	if err != nil {
		s.Close()
		return fmt.Errorf("listen on port %d: %w", s.cfg.Server.Port, err)
	}
	return s.Serve(ctx, ln)
}

// Serve starts the engine and serves the API on ln.
//
// # Description
//
// Serve blocks until ctx is cancelled or the server fails. On return the
// HTTP server has been drained, the engine stopped and every resource
// released, so the Service cannot be reused.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	defer s.Close()

	s.engine.Start(ctx)
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("canaryd listening", slog.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// Close stops the engine and releases the store, the NATS connection and
// the tracer. It is safe to call more than once.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		if s.engine != nil {
			s.engine.Stop()
		}
		if s.nats != nil {
			if err := s.nats.Close(); err != nil {
				s.logger.Warn("nats close error", slog.String("error", err.Error()))
			}
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				s.logger.Warn("store close error", slog.String("error", err.Error()))
			}
		}
		if s.tracerCleanup != nil {
			s.tracerCleanup(context.Background())
		}
	})
}
