// Copyright (C) 2026 Kodiak AI (maintainers@kodiakchat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator provides the streaming chat orchestrator service.
//
// This package wires the service together: HTTP routing, the model
// registry and its provider clients, the Badger session store, the
// attachment object store, asynchronous persistence, and observability
// infrastructure.
//
// # Deployment Integration
//
// The orchestrator supports dependency injection via
// extensions.ServiceOptions. Hosted deployments provide custom
// implementations of:
//   - AuthProvider: token validation against a real identity provider
//
// # Usage
//
// Open source (no-op auth, single local user):
//
//	cfg := orchestrator.ConfigFromEnv()
//	svc, err := orchestrator.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/KodiakAI/KodiakChat/pkg/extensions"
	"github.com/KodiakAI/KodiakChat/services/llm"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/handlers"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/observability"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/persist"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/routes"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/storage"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/store"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the orchestrator service.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run blocks and should
// only be called once per instance.
type Service interface {
	// Run starts the HTTP server and blocks until a shutdown signal or a
	// fatal server error. Cleanup (persister drain, store close, tracer
	// flush) happens before it returns.
	Run() error

	// Router returns the underlying Gin engine for integration testing.
	Router() *gin.Engine
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds orchestrator configuration. Zero values use defaults
// applied by New.
type Config struct {
	// Port is the HTTP server port. Default: 12210.
	Port int

	// DataDir is where the Badger session database lives.
	// Default: "./data/sessions".
	DataDir string

	// InMemoryStore replaces the on-disk Badger database with an
	// in-memory one. Nothing survives a restart; test use only.
	InMemoryStore bool

	// ModelsFile is an optional YAML model registry file. When empty the
	// built-in registry is used.
	ModelsFile string

	// GCSBucket enables attachment resolution from a Google Cloud
	// Storage bucket. When empty an in-memory object store is used,
	// which effectively disables attachments across restarts.
	GCSBucket string

	// GCSCredentialsFile is an optional service account key file for the
	// bucket. Empty means application default credentials.
	GCSCredentialsFile string

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "kodiak-otel-collector:4317".
	OTelEndpoint string

	// EnableMetrics registers the Prometheus metrics for streaming.
	// Always on today; kept for parity with hosted configs.
	EnableMetrics bool

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	GinMode string

	// PersistWorkers and PersistQueueSize shape the async persistence
	// pool. Defaults: 2 workers, queue of 256 turns.
	PersistWorkers   int
	PersistQueueSize int

	// PersistWriteTimeout bounds a single session write. Default: 10s.
	PersistWriteTimeout time.Duration
}

// ConfigFromEnv builds a Config from environment variables:
//
//	KODIAK_PORT           server port
//	KODIAK_DATA_DIR       Badger database directory
//	KODIAK_MODELS_FILE    model registry YAML
//	KODIAK_GCS_BUCKET     attachment bucket
//	KODIAK_GCS_CREDENTIALS  service account key file
//	OTEL_EXPORTER_OTLP_ENDPOINT  collector endpoint
//	GIN_MODE              gin framework mode
func ConfigFromEnv() Config {
	cfg := Config{
		DataDir:            os.Getenv("KODIAK_DATA_DIR"),
		ModelsFile:         os.Getenv("KODIAK_MODELS_FILE"),
		GCSBucket:          os.Getenv("KODIAK_GCS_BUCKET"),
		GCSCredentialsFile: os.Getenv("KODIAK_GCS_CREDENTIALS"),
		OTelEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		GinMode:            os.Getenv("GIN_MODE"),
	}
	if raw := os.Getenv("KODIAK_PORT"); raw != "" {
		if port, err := strconv.Atoi(raw); err == nil {
			cfg.Port = port
		} else {
			slog.Warn("Ignoring invalid KODIAK_PORT", "value", raw)
		}
	}
	return cfg
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use. All fields are
// read-only after New returns.
type service struct {
	config        Config
	opts          extensions.ServiceOptions
	router        *gin.Engine
	registry      *llm.Registry
	sessions      store.SessionStore
	objects       storage.ObjectStore
	persister     persist.Persister
	tracerCleanup func(context.Context)
}

// =============================================================================
// Constructor
// =============================================================================

// New creates an orchestrator Service with the given configuration.
//
// # Description
//
// Initializes all components in dependency order:
//  1. Applies configuration defaults
//  2. Initializes OpenTelemetry tracing and Prometheus metrics
//  3. Opens the Badger session store
//  4. Builds the model registry and its provider clients
//  5. Connects the attachment object store
//  6. Starts the async persistence pool
//  7. Registers HTTP routes
//
// If opts is nil, extensions.DefaultOptions is used (single local user,
// no authentication infrastructure).
func New(cfg Config, opts *extensions.ServiceOptions) (Service, error) {
	s := &service{config: applyConfigDefaults(cfg)}

	if opts != nil {
		s.opts = *opts
	} else {
		s.opts = extensions.DefaultOptions()
	}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	if s.config.EnableMetrics {
		observability.InitMetrics()
		slog.Info("Initialized Prometheus metrics for streaming")
	}

	if err := s.initStore(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	if err := s.initRegistry(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to build model registry: %w", err)
	}

	if err := s.initObjects(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize object store: %w", err)
	}

	s.persister = persist.NewAsyncPersister(s.sessions, observability.DefaultMetrics,
		s.config.PersistWorkers, s.config.PersistQueueSize, s.config.PersistWriteTimeout)

	s.initRouter()
	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server and blocks until SIGINT/SIGTERM or a fatal
// server error.
func (s *service) Run() error {
	defer s.cleanup()

	addr := fmt.Sprintf(":%d", s.config.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting orchestrator server", "port", s.config.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
	return nil
}

// Router returns the underlying Gin engine for testing. Callers must not
// modify routes after construction.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12210
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data/sessions"
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "kodiak-otel-collector:4317"
	}
	cfg.EnableMetrics = true
	if cfg.PersistWorkers == 0 {
		cfg.PersistWorkers = 2
	}
	if cfg.PersistQueueSize == 0 {
		cfg.PersistQueueSize = 256
	}
	if cfg.PersistWriteTimeout == 0 {
		cfg.PersistWriteTimeout = 10 * time.Second
	}
	return cfg
}

// initTracer sets up the OTLP trace exporter for the configured
// collector. The gRPC connection is insecure; the collector lives on the
// internal network.
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
		resource.WithAttributes(semconv.ServiceNameKey.String("kodiak-orchestrator")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}
	return cleanup, nil
}

// initStore opens the Badger session store.
func (s *service) initStore() error {
	cfg := store.DefaultConfig(s.config.DataDir)
	if s.config.InMemoryStore {
		cfg = store.InMemoryConfig()
	}
	sessions, err := store.NewSessionStore(cfg)
	if err != nil {
		return err
	}
	s.sessions = sessions
	slog.Info("Session store opened",
		"data_dir", s.config.DataDir, "in_memory", s.config.InMemoryStore)
	return nil
}

// initRegistry builds the model allow-list and attaches whichever
// provider clients the environment supports.
//
// Ollama is always registered; it needs no credentials and defaults to a
// local daemon. OpenAI and Anthropic register only when their API keys
// are present. If the registry default points at a provider without a
// client, the default is re-pointed at the first servable entry so a
// bare request always works.
func (s *service) initRegistry() error {
	var entries []llm.ModelEntry
	var err error
	if s.config.ModelsFile != "" {
		entries, err = llm.LoadEntriesFile(s.config.ModelsFile)
		if err != nil {
			return err
		}
		slog.Info("Loaded model registry", "path", s.config.ModelsFile, "models", len(entries))
	} else {
		entries = llm.DefaultEntries()
	}

	registry, err := llm.NewRegistry(entries)
	if err != nil {
		return err
	}

	if client, err := llm.NewOllamaClient(); err != nil {
		slog.Warn("Ollama client unavailable", "error", err)
	} else {
		registry.RegisterClient(client)
	}
	if client, err := llm.NewOpenAIClient(); err != nil {
		slog.Info("OpenAI client not configured", "reason", err.Error())
	} else {
		registry.RegisterClient(client)
	}
	if client, err := llm.NewAnthropicClient(); err != nil {
		slog.Info("Anthropic client not configured", "reason", err.Error())
	} else {
		registry.RegisterClient(client)
	}

	providers := registry.Providers()
	if len(providers) == 0 {
		return fmt.Errorf("no model provider is configured")
	}

	if !registry.HasClient(registry.Default().Provider) {
		for _, e := range entries {
			if registry.HasClient(e.Provider) {
				if err := registry.SetDefault(e.Key()); err != nil {
					return err
				}
				slog.Warn("Default model re-pointed to a servable provider",
					"default", e.Key())
				break
			}
		}
	}

	s.registry = registry
	slog.Info("Model registry ready",
		"providers", providers, "default", registry.Default().Key())
	return nil
}

// initObjects connects the attachment object store: GCS when a bucket is
// configured, an in-memory store otherwise.
func (s *service) initObjects() error {
	if s.config.GCSBucket == "" {
		s.objects = storage.NewMemoryStore()
		slog.Info("Attachment store running in-memory; no GCS bucket configured")
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	gcs, err := storage.NewGCSStore(ctx, s.config.GCSBucket, s.config.GCSCredentialsFile)
	if err != nil {
		return err
	}
	s.objects = gcs
	slog.Info("Attachment store connected", "bucket", s.config.GCSBucket)
	return nil
}

// initRouter creates the Gin engine, applies middleware, and registers
// the route tree.
func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware("kodiak-orchestrator"))

	routes.SetupRoutes(s.router, routes.Deps{
		Registry:  s.registry,
		Sessions:  s.sessions,
		Objects:   s.objects,
		Persister: s.persister,
		Opts:      s.opts,
	})
}

// cleanup releases resources in reverse dependency order: drain pending
// turn writes, close the stores, flush traces, and wipe any mlocked
// buffers still alive.
func (s *service) cleanup() {
	if s.persister != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := s.persister.Shutdown(ctx); err != nil {
			slog.Warn("Persister shutdown error", "error", err)
		}
		cancel()
	}
	if s.objects != nil {
		if err := s.objects.Close(); err != nil {
			slog.Warn("Object store close error", "error", err)
		}
	}
	if s.sessions != nil {
		if err := s.sessions.Close(); err != nil {
			slog.Warn("Session store close error", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
	handlers.PurgeAllSecureMemory()
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
