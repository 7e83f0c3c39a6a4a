// Package corehub wires the C1-C8 components named in config.Config into a
// single running Core, replacing the ad-hoc per-component singletons the
// pieces would otherwise need.
package corehub

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vidalytics/corehub/config"
	"github.com/vidalytics/corehub/internal/breaker"
	"github.com/vidalytics/corehub/internal/cache"
	"github.com/vidalytics/corehub/internal/credential"
	"github.com/vidalytics/corehub/internal/dispatcher"
	"github.com/vidalytics/corehub/internal/pipeline"
	"github.com/vidalytics/corehub/internal/specialist"
	"github.com/vidalytics/corehub/internal/tasks"
	"github.com/vidalytics/corehub/llm"
	"github.com/vidalytics/corehub/model"
)

// credentialSecretEnv is the only place the delegation credential's signing
// secret is read from; it is never stored in config.Config so it can never
// round-trip through SaveToFile.
const credentialSecretEnv = "COREHUB_CREDENTIAL_SECRET"

// Core owns every long-lived component and its wiring. Construct with New,
// then Start/Stop around the process lifetime.
type Core struct {
	cfg *config.Config

	natsConn *nats.Conn

	Cache      *cache.Cache
	Breakers   *breaker.Registry
	Credential *credential.Minter
	Tasks      *tasks.Engine
	Pipeline   *pipeline.Pipeline
	Specialist *specialist.Adapter
	Dispatcher *dispatcher.Dispatcher
	Models     *model.Registry
	LLM        *llm.Client

	logger *slog.Logger
}

// Option customizes Core construction, letting a host inject a specialist
// registry or override the enrichment source, credential gate, or
// repository.
type Option func(*buildState)

type buildState struct {
	handlers map[string]specialist.Handler
	source   pipeline.AnalyticsSource
	creds    pipeline.CredentialChecker
	repo     pipeline.Repository
}

// WithSpecialists registers the specialist handlers the adapter dispatches
// to. Specialist bodies themselves are always caller-supplied black boxes.
func WithSpecialists(handlers map[string]specialist.Handler) Option {
	return func(b *buildState) { b.handlers = handlers }
}

// WithAnalyticsSource overrides the pipeline's upstream analytics source.
func WithAnalyticsSource(source pipeline.AnalyticsSource) Option {
	return func(b *buildState) { b.source = source }
}

// WithCredentialChecker overrides the pipeline's per-user credential gate.
func WithCredentialChecker(checker pipeline.CredentialChecker) Option {
	return func(b *buildState) { b.creds = checker }
}

// WithRepository overrides the pipeline's UserActivity/PerformanceAlert
// persistence; defaults to an in-memory repository.
func WithRepository(repo pipeline.Repository) Option {
	return func(b *buildState) { b.repo = repo }
}

// New builds a Core from cfg without starting any background loops. The
// delegation credential secret is read from COREHUB_CREDENTIAL_SECRET, never
// from cfg, and construction fails closed if it is absent.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer, opts ...Option) (*Core, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := &buildState{}
	for _, opt := range opts {
		opt(b)
	}

	secret := os.Getenv(credentialSecretEnv)
	if secret == "" {
		return nil, fmt.Errorf("%s is required, not set", credentialSecretEnv)
	}
	minter, err := credential.New([]byte(secret), cfg.Credential.TTL)
	if err != nil {
		return nil, fmt.Errorf("build credential minter: %w", err)
	}

	natsConn, remote, err := connectCache(ctx, cfg.NATS, logger)
	if err != nil {
		return nil, fmt.Errorf("build cache remote store: %w", err)
	}
	local := cache.NewLocalStore(cfg.Cache.LocalCapacity)
	c := cache.New(remote, local, logger, cfg.Cache.ProbeInterval)

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
	})

	engine := tasks.New(tasks.Config{
		Workers:        cfg.Tasks.Workers,
		ThreadWorkers:  cfg.Tasks.ThreadWorkers,
		ProcessWorkers: cfg.Tasks.ProcessWorkers,
		QueueCapacity:  cfg.Tasks.QueueCapacity,
		MaxCompleted:   cfg.Tasks.MaxCompleted,
		DefaultTimeout: cfg.Tasks.DefaultTimeout,
	}, c, logger, reg)

	repo := b.repo
	if repo == nil {
		repo = pipeline.NewMemRepository()
	}
	pl := pipeline.New(pipeline.Config{
		QuickRefresh:           cfg.Pipeline.QuickRefresh,
		NormalRefresh:          cfg.Pipeline.NormalRefresh,
		BackgroundRefresh:      cfg.Pipeline.BackgroundRefresh,
		MaxConcurrentRefreshes: cfg.Pipeline.MaxConcurrentRefreshes,
		ChangeThresholdPct:     cfg.Pipeline.ChangeThresholdPct,
		AlertThresholdPct:      cfg.Pipeline.AlertThresholdPct,
		MilestoneSubscribers:   cfg.Pipeline.MilestoneSubscribers,
		RefreshSchedulerPeriod: cfg.Pipeline.RefreshSchedulerPeriod,
		ChangeDetectorPeriod:   cfg.Pipeline.ChangeDetectorPeriod,
		CacheCleanupPeriod:     cfg.Pipeline.CacheCleanupPeriod,
		AlertDedupWindow:       cfg.Pipeline.AlertDedupWindow,
		AlertRetention:         cfg.Pipeline.AlertRetention,
	}, repo, b.source, b.creds, c, logger)

	adapter := specialist.New(minter, c, breakers, engine, b.handlers, logger)

	registry := model.NewDefaultRegistry()
	if cfg.Model.CapabilitiesFile != "" {
		overrides, err := model.LoadFromFile(cfg.Model.CapabilitiesFile)
		if err != nil {
			return nil, fmt.Errorf("load model capabilities file: %w", err)
		}
		registry.MergeFromConfig(overrides.ToConfig())
	}
	registry.SetDefault(cfg.Model.Default)
	retryCfg := llm.DefaultRetryConfig()
	if cfg.Model.MaxRetries > 0 {
		retryCfg.MaxAttempts = cfg.Model.MaxRetries
	}
	llmClient := llm.NewClient(registry, llm.WithLogger(logger), llm.WithRetryConfig(retryCfg))

	allSpecialists := make([]string, 0, len(b.handlers))
	for id := range b.handlers {
		allSpecialists = append(allSpecialists, id)
	}

	disp := dispatcher.New(
		dispatcher.Config{
			DefaultDeadline: cfg.Dispatcher.DefaultDeadline,
			HighConfidence:  cfg.Dispatcher.HighConfidence,
			MidConfidence:   cfg.Dispatcher.MidConfidence,
		},
		pl,
		adapter,
		allSpecialists,
		dispatcher.NewLLMClassifier(llmClient),
		dispatcher.NewLLMSynthesizer(llmClient),
		logger,
	)

	return &Core{
		cfg:        cfg,
		natsConn:   natsConn,
		Cache:      c,
		Breakers:   breakers,
		Credential: minter,
		Tasks:      engine,
		Pipeline:   pl,
		Specialist: adapter,
		Dispatcher: disp,
		Models:     registry,
		LLM:        llmClient,
		logger:     logger,
	}, nil
}

// connectCache establishes the cache's remote JetStream store per
// cfg.NATS. When Embedded is true (the default) or no URL is configured,
// the cache runs local-only: nothing in this repo's own committed source
// imports an embedded-server library, so rather than fabricate that
// dependency, "embedded" here means "skip the remote tier", not "start an
// in-process NATS server" (see DESIGN.md).
func connectCache(ctx context.Context, cfg config.NATSConfig, logger *slog.Logger) (*nats.Conn, *cache.RemoteStore, error) {
	if cfg.Embedded || cfg.URL == "" {
		return nil, nil, nil
	}

	conn, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to nats at %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("create jetstream context: %w", err)
	}

	remote, err := cache.NewRemoteStore(ctx, js)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("create remote cache store: %w", err)
	}

	return conn, remote, nil
}

// Start launches every background loop (pipeline's three loops, task
// engine's worker pools).
func (core *Core) Start(ctx context.Context) error {
	if err := core.Tasks.Start(ctx); err != nil {
		return fmt.Errorf("start task engine: %w", err)
	}
	if err := core.Pipeline.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	return nil
}

// Stop shuts down every component in reverse dependency order, bounding
// task engine drain to timeout.
func (core *Core) Stop(timeout time.Duration) {
	core.Pipeline.Stop()
	if err := core.Tasks.Stop(timeout); err != nil {
		core.logger.Warn("task engine did not drain cleanly", "error", err)
	}
	core.Cache.Close()
	if core.natsConn != nil {
		core.natsConn.Drain()
		core.natsConn.Close()
	}
}
