// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator assembles the chat relay service.
//
// # Description
//
// New wires configuration into the running pieces:
//
//	gin router ─► RequestID ─► otelgin ─► routes
//	                                        │
//	                                        ├─► AccessGate ─► ChatHandler
//	                                        │                   ├─► llm.OpenAIClient
//	                                        │                   └─► sink.Sink ─► storage (lazy)
//	                                        ├─► /health
//	                                        └─► /metrics
//
// Run serves until its context is cancelled, then drains in-flight requests
// and pending side-effect writes before closing the stores.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/chatrelay/pkg/extensions"
	"github.com/AleutianAI/chatrelay/pkg/logging"
	"github.com/AleutianAI/chatrelay/services/llm"
	"github.com/AleutianAI/chatrelay/services/orchestrator/handlers"
	"github.com/AleutianAI/chatrelay/services/orchestrator/middleware"
	"github.com/AleutianAI/chatrelay/services/orchestrator/observability"
	"github.com/AleutianAI/chatrelay/services/orchestrator/routes"
	"github.com/AleutianAI/chatrelay/services/orchestrator/sink"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
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

// serviceName identifies the relay in traces and logs.
const serviceName = "chatrelay"

// shutdownTimeout bounds the graceful drain in Run.
const shutdownTimeout = 15 * time.Second

// Service is a runnable relay.
type Service interface {
	// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
	Run(ctx context.Context) error

	// Router exposes the gin engine, mainly for tests.
	Router() *gin.Engine

	// Shutdown drains pending side-effect writes and releases resources.
	// Run calls it; call it directly only when Run was never started.
	Shutdown(ctx context.Context) error
}

type service struct {
	config        Config
	opts          extensions.ServiceOptions
	logger        *logging.Logger
	router        *gin.Engine
	llmClient     *llm.OpenAIClient
	sink          *sink.Sink
	metrics       *observability.RelayMetrics
	tracerCleanup func(context.Context)
}

// New creates the relay service.
//
// # Description
//
// Builds the logger, tracer, metrics, provider client, lazily-dialed stores,
// the side-effect sink and the router. No network connection is made here;
// the log store and cache are dialed on first use.
//
// # Inputs
//
//   - cfg: Validated configuration, usually from LoadConfig.
//   - opts: Extension points. Nil uses extensions.DefaultOptions.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Invalid configuration or tracer setup failure.
func New(cfg Config, opts *extensions.ServiceOptions) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &service{config: cfg}
	if opts != nil {
		s.opts = *opts
	} else {
		s.opts = extensions.DefaultOptions()
	}

	s.logger = logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Log.Level),
		Service: serviceName,
		JSON:    cfg.Log.JSON,
		LogDir:  cfg.Log.Dir,
	})
	slog.SetDefault(s.logger.Slog())

	if cfg.OTelEndpoint != "" {
		cleanup, err := s.initTracer()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	if cfg.EnableMetrics {
		s.metrics = observability.InitMetrics()
		s.logger.Info("Initialized Prometheus metrics")
	}

	s.llmClient = llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:  cfg.Provider.APIKey,
		BaseURL: cfg.Provider.BaseURL,
		Model:   cfg.Provider.Model,
		Timeout: cfg.Provider.Timeout,
	})

	s.sink = sink.New(sink.Config{
		LogStore: NewLogStore(cfg.LogStore, s.logger),
		Cache:    NewCache(cfg.Cache, s.logger),
		Logger:   s.logger,
		Metrics:  s.metrics,
		Timeout:  cfg.SideEffectTimeout,
		CacheTTL: cfg.Cache.TTL,
	})

	s.initRouter()

	s.logger.Info("Relay configured",
		"port", cfg.Port,
		"model", s.llmClient.Model(),
		"log_store", cfg.LogStore.Backend,
		"cache", cfg.Cache.Backend,
		"tracing", cfg.OTelEndpoint != "",
	)
	return s, nil
}

// Run implements Service.
func (s *service) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting relay server", "port", s.config.Port)
		errCh <- server.ListenAndServe()
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-ctx.Done():
		s.logger.Info("Shutting down relay server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP server shutdown incomplete", "error", err)
	}
	return errors.Join(serveErr, s.Shutdown(shutdownCtx))
}

// Router implements Service.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Shutdown implements Service.
func (s *service) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.sink.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain side effects: %w", err))
	}
	if err := s.sink.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close stores: %w", err))
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(ctx)
	}
	if err := s.logger.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}

	s.router = gin.New()
	s.router.Use(
		middleware.RequestID(),
		gin.CustomRecovery(func(c *gin.Context, recovered any) {
			s.logger.Error("Recovered from panic",
				"requestId", middleware.GetRequestID(c),
				"panic", recovered,
			)
			c.Header("Content-Type", "text/plain; charset=utf-8")
			c.String(http.StatusInternalServerError, handlers.InternalServerErrorBody)
			c.Abort()
		}),
		otelgin.Middleware(serviceName),
	)

	var metricsHandler http.Handler
	if s.metrics != nil {
		metricsHandler = promhttp.Handler()
	}

	routes.SetupRoutes(s.router, routes.Deps{
		Chat: handlers.NewChatHandler(handlers.ChatHandlerConfig{
			LLM:      s.llmClient,
			Recorder: s.sink,
			Model:    s.llmClient.Model(),
			Logger:   s.logger,
			Metrics:  s.metrics,
		}),
		Options:        s.opts,
		Metrics:        s.metrics,
		MetricsHandler: metricsHandler,
	})
}

func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown tracer provider", "error", err)
		}
		_ = conn.Close()
	}, nil
}
