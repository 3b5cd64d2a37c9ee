// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package edge assembles the storefront edge service: the tiered caching
// proxy, the realtime subscription bridge, the upload helper, and the
// control surface, behind one gin HTTP server.
//
// # Usage
//
//	cfg, err := config.Load(path)
//	svc, err := edge.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
package edge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/storefront-edge/services/edge/backend"
	"github.com/AleutianAI/storefront-edge/services/edge/breaker"
	"github.com/AleutianAI/storefront-edge/services/edge/cachetier"
	"github.com/AleutianAI/storefront-edge/services/edge/config"
	"github.com/AleutianAI/storefront-edge/services/edge/handlers"
	"github.com/AleutianAI/storefront-edge/services/edge/ratelimit"
	"github.com/AleutianAI/storefront-edge/services/edge/realtime"
	"github.com/AleutianAI/storefront-edge/services/edge/routes"
	edgebadger "github.com/AleutianAI/storefront-edge/services/edge/storage/badger"
	"github.com/AleutianAI/storefront-edge/services/edge/upload"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// versionPollInterval is how often the deploy version endpoint is checked
// for pending updates.
const versionPollInterval = 5 * time.Minute

// Service is the edge service lifecycle.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() blocks and
// should only be called once per instance.
type Service interface {
	// Run starts the HTTP server and background loops, blocking until
	// the context passed to it is canceled or the server fails.
	Run(ctx context.Context) error

	// Router returns the underlying gin engine for testing.
	Router() *gin.Engine
}

type service struct {
	config config.Config
	router *gin.Engine
	logger *slog.Logger

	db         *edgebadger.DB
	cache      *cachetier.Cache
	checker    *cachetier.VersionChecker
	verBreaker *breaker.Breaker[*cachetier.VersionStatus]
	ctl        *cachetier.Controller
	policies   *cachetier.PolicyWatcher

	client   *backend.Client
	fetcher  backend.Fetcher
	manager  *realtime.Manager
	shared   *realtime.SharedChannels
	subs     *realtime.SubscriptionManager
	opLimits *ratelimit.Limiter

	uploader *upload.Uploader
	hub      *handlers.UpdateHub

	tracerCleanup func(context.Context)
}

// New wires every component from the validated configuration. Realtime
// and uploads are optional; everything else is required.
func New(cfg config.Config) (Service, error) {
	s := &service{
		config: cfg,
		logger: slog.Default(),
	}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	if err := s.initCache(); err != nil {
		s.close()
		return nil, err
	}
	if err := s.initRealtime(); err != nil {
		s.close()
		return nil, err
	}
	if err := s.initUploader(); err != nil {
		s.close()
		return nil, err
	}

	s.hub = handlers.NewUpdateHub(s.logger)
	s.initRouter()

	return s, nil
}

// Run starts the HTTP server, the realtime connection, the subscription
// sweep, and the version poll, blocking until ctx is canceled or the
// server fails.
func (s *service) Run(ctx context.Context) error {
	defer s.close()

	s.subs.Start()
	if s.policies != nil {
		if err := s.policies.Start(); err != nil {
			s.logger.Warn("cache policy watcher failed to start", "error", err)
		}
	}

	if s.manager != nil {
		go func() {
			if err := s.manager.Initialize(ctx); err != nil {
				s.logger.Warn("realtime connection unavailable, subscriptions will poll",
					"error", err)
				s.shared.MarkGivenUp(ctx)
				return
			}
			s.manager.StartHealthCheck(ctx)
		}()
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: s.router,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("starting edge server", "port", s.config.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		s.pollVersion(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (s *service) Router() *gin.Engine {
	return s.router
}

// pollVersion checks the deploy endpoint and notifies connected pages
// when an update is available. Pages decide when to act; nothing is
// invalidated here.
func (s *service) pollVersion(ctx context.Context) {
	ticker := time.NewTicker(versionPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status, err := s.verBreaker.Execute(ctx, s.checker.Check)
			if err != nil {
				s.logger.Debug("version check failed", "error", err)
				continue
			}
			if status == nil {
				// Circuit open; skip this poll.
				continue
			}
			if status.UpdateAvailable {
				s.logger.Info("deploy update available",
					"current", status.Current, "deployed", status.Deployed.DeployID)
				s.hub.Broadcast(map[string]any{
					"type":     "UPDATE_AVAILABLE",
					"current":  status.Current,
					"deployed": status.Deployed,
				})
			}
		}
	}
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
		resource.WithAttributes(semconv.ServiceNameKey.String("storefront-edge")))
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
			s.logger.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}
	return cleanup, nil
}

func (s *service) initCache() error {
	db, err := edgebadger.Open(edgebadger.DefaultConfig(s.config.CachePath))
	if err != nil {
		return fmt.Errorf("failed to open cache store: %w", err)
	}
	s.db = db

	s.cache = cachetier.New(cachetier.NewStore(db.DB), cachetier.Config{
		FetchTimeout: s.config.FetchTimeout,
		Version:      s.config.DeployVersion,
		Logger:       s.logger,
	})

	versionURL := s.config.VersionURL
	if versionURL == "" {
		versionURL = strings.TrimSuffix(s.config.BackendURL, "/rest/v1") + "/deploy-version.json"
	}
	s.checker = cachetier.NewVersionChecker(
		&http.Client{Timeout: 10 * time.Second}, versionURL, s.config.DeployVersion)

	// A flapping deploy endpoint short-circuits to no-update instead of
	// hammering the backend every poll.
	brCfg := breaker.DefaultConfig()
	brCfg.ResetTimeout = versionPollInterval
	brCfg.Logger = s.logger
	s.verBreaker = breaker.New[*cachetier.VersionStatus]("deploy-version", nil, brCfg)

	ctl, err := cachetier.NewController(cachetier.ControllerConfig{
		Cache:      s.cache,
		Version:    s.checker,
		BackendURL: s.config.BackendURL,
		Logger:     s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create cache controller: %w", err)
	}
	s.ctl = ctl

	if s.config.PolicyFile != "" {
		s.policies = cachetier.NewPolicyWatcher(s.config.PolicyFile, s.cache, s.logger)
	}
	return nil
}

func (s *service) initRealtime() error {
	client, err := backend.New(backend.Config{
		BaseURL: s.config.BackendURL,
		APIKey:  s.config.BackendKey,
	})
	if err != nil {
		return fmt.Errorf("failed to create backend client: %w", err)
	}
	s.client = client
	s.fetcher = client

	s.subs = realtime.NewSubscriptionManager(realtime.SubscriptionConfig{
		Logger: s.logger,
	})
	s.opLimits = ratelimit.New(ratelimit.DefaultConfig())

	if s.config.RealtimeURL == "" {
		s.logger.Info("realtime disabled, subscriptions will poll")
		s.shared = realtime.NewSharedChannels(nil, s.fetcher, realtime.SharedConfig{
			Logger: s.logger,
		})
		return nil
	}

	transport, err := realtime.NewWebsocketTransport(realtime.WebsocketConfig{
		URL:    s.config.RealtimeURL,
		APIKey: s.config.BackendKey,
		Logger: s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create realtime transport: %w", err)
	}
	s.manager = realtime.NewManager(transport, realtime.ManagerConfig{
		Logger: s.logger,
	})
	s.shared = realtime.NewSharedChannels(s.manager, s.fetcher, realtime.SharedConfig{
		Logger: s.logger,
	})
	return nil
}

func (s *service) initUploader() error {
	if s.config.UploadBucket == "" {
		return nil
	}

	storageURL := strings.TrimSuffix(s.config.BackendURL, "/rest/v1") + "/storage/v1"
	signer, err := upload.NewStorageSigner(storageURL, s.config.BackendKey, nil)
	if err != nil {
		return fmt.Errorf("failed to create upload signer: %w", err)
	}

	cfg := upload.Config{Signer: signer, Logger: s.logger}
	if writer, err := upload.NewGCSWriter(context.Background(), s.config.GCSKeyPath); err != nil {
		s.logger.Warn("GCS fallback unavailable, uploads use signed URLs only", "error", err)
	} else {
		cfg.Fallback = writer
	}

	s.uploader, err = upload.NewUploader(cfg)
	if err != nil {
		return fmt.Errorf("failed to create uploader: %w", err)
	}
	return nil
}

func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware("storefront-edge"))

	deps := routes.Deps{
		Cache:      s.cache,
		Controller: s.ctl,
		Version:    s.checker,
		Uploader:   s.uploader,
		Bucket:     s.config.UploadBucket,
		Hub:        s.hub,
		Limiter:    rate.NewLimiter(rate.Limit(s.config.HTTPRate), s.config.HTTPBurst),
		AppVersion: s.config.DeployVersion,
	}
	if s.manager != nil {
		deps.Realtime = s.manager
	}
	if s.client != nil {
		deps.Backend = s.client
	}
	routes.SetupRoutes(s.router, deps)

	s.router.GET("/v1/subscribe/ws", handlers.SubscribeWebSocket(handlers.SubscribeDeps{
		Shared:  s.shared,
		Subs:    s.subs,
		Limiter: s.opLimits,
	}))
}

func (s *service) close() {
	if s.policies != nil {
		s.policies.Stop()
	}
	if s.shared != nil {
		s.shared.Close()
	}
	if s.subs != nil {
		s.subs.Close()
	}
	if s.manager != nil {
		s.manager.Shutdown()
	}
	if s.hub != nil {
		s.hub.Close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("cache store close failed", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

var _ Service = (*service)(nil)
