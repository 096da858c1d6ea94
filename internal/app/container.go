// Package app wires the gateway's components into one dependency container
// consumed by the HTTP layer and the daemon entrypoint.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/stamns/flow2api/internal/admission"
	"github.com/stamns/flow2api/internal/auth"
	"github.com/stamns/flow2api/internal/balancer"
	"github.com/stamns/flow2api/internal/cache"
	"github.com/stamns/flow2api/internal/config"
	"github.com/stamns/flow2api/internal/filecache"
	"github.com/stamns/flow2api/internal/limits"
	"github.com/stamns/flow2api/internal/observability"
	"github.com/stamns/flow2api/internal/orchestrator"
	"github.com/stamns/flow2api/internal/registry"
	"github.com/stamns/flow2api/internal/settings"
	"github.com/stamns/flow2api/internal/storage/blob"
	"github.com/stamns/flow2api/internal/store"
	"github.com/stamns/flow2api/internal/upstream"
)

// Container aggregates runtime dependencies for handlers and the daemon.
type Container struct {
	Config        *config.Config
	Logger        *slog.Logger
	DBPool        *pgxpool.Pool
	Redis         *redis.Client
	Store         store.Store
	Settings      *settings.Manager
	Admission     *admission.Controller
	Registry      *registry.Registry
	Balancer      *balancer.Balancer
	Upstream      upstream.Client
	Blobs         blob.Store
	FileCache     *filecache.Cache
	Orchestrator  *orchestrator.Orchestrator
	RateLimiter   *limits.RateLimiter
	TaskKeys      *cache.TaskKeys
	Sessions      *auth.SessionManager
	Observability *observability.Provider

	// AdminPasswordHash is the argon2id hash of the configured admin
	// password, computed once at startup.
	AdminPasswordHash string
}

// NewContainer builds the dependency graph from the provided primitives.
func NewContainer(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, redisClient *redis.Client, logger *slog.Logger) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if pool == nil {
		return nil, fmt.Errorf("db pool is required")
	}
	if redisClient == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	st := store.NewPostgres(pool)

	settingsMgr := settings.NewManager(cfg, st, logger)
	if err := settingsMgr.Seed(ctx); err != nil {
		return nil, fmt.Errorf("seed settings: %w", err)
	}
	if err := settingsMgr.Load(ctx); err != nil {
		return nil, err
	}

	controller := admission.NewController()
	reg := registry.New(st, controller, logger)
	if err := reg.Load(ctx); err != nil {
		return nil, err
	}
	bal := balancer.New(reg, controller, logger)

	obs, err := observability.Setup(ctx, cfg.Observability)
	if err != nil {
		return nil, fmt.Errorf("setup observability: %w", err)
	}

	blobs, err := blob.New(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("build blob store: %w", err)
	}
	fileCache := filecache.New(blobs, settingsMgr, logger)

	flowClient := upstream.NewFlowClient(cfg.Upstream, settingsMgr, logger)

	var metrics orchestrator.Metrics
	if obs != nil {
		metrics = obs
	}
	orch := orchestrator.New(st, reg, bal, flowClient, fileCache, settingsMgr, cfg.Generation, metrics, logger)

	sessions, err := auth.NewSessionManager(cfg.Admin.JWTSecret, cfg.Admin.SessionTTL, "flow2api")
	if err != nil {
		return nil, fmt.Errorf("build session manager: %w", err)
	}

	passwordHash, err := auth.HashPassword(settingsMgr.Current().AdminPassword)
	if err != nil {
		return nil, fmt.Errorf("hash admin password: %w", err)
	}

	return &Container{
		Config:            cfg,
		Logger:            logger,
		DBPool:            pool,
		Redis:             redisClient,
		Store:             st,
		Settings:          settingsMgr,
		Admission:         controller,
		Registry:          reg,
		Balancer:          bal,
		Upstream:          flowClient,
		Blobs:             blobs,
		FileCache:         fileCache,
		Orchestrator:      orch,
		RateLimiter:       limits.NewRateLimiter(redisClient, cfg.RateLimits),
		TaskKeys:          cache.NewTaskKeys(redisClient, 30*time.Minute),
		Sessions:          sessions,
		Observability:     obs,
		AdminPasswordHash: passwordHash,
	}, nil
}

// Shutdown releases container-held resources. The HTTP server and database
// pool are closed by the daemon, which owns their lifecycles.
func (c *Container) Shutdown(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if err := c.Orchestrator.Drain(ctx); err != nil {
		c.Logger.Warn("orchestrator drain incomplete", slog.String("error", err.Error()))
	}
	return c.Observability.Shutdown(ctx)
}
