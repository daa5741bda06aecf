// Package app wires the process-level dependency graph.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/epicforge/governor/internal/config"
	"github.com/epicforge/governor/internal/governor"
	"github.com/epicforge/governor/internal/ledger"
	"github.com/epicforge/governor/internal/observability"
)

// Container aggregates the shared dependencies handed to the HTTP server
// and background loops.
type Container struct {
	Config        *config.Config
	DBPool        *pgxpool.Pool
	Redis         *redis.Client
	Store         *ledger.Store
	Governor      *governor.Governor
	Observability *observability.Provider
}

// NewContainer builds the governor and its supporting services. redisClient
// may be nil; duplicate detection then runs on the ledger alone.
func NewContainer(ctx context.Context, cfg *config.Config, dbPool *pgxpool.Pool, redisClient *redis.Client) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if dbPool == nil {
		return nil, fmt.Errorf("database pool is required")
	}

	obs, err := observability.Setup(ctx, cfg.Observability)
	if err != nil {
		return nil, fmt.Errorf("setup observability: %w", err)
	}

	store := ledger.NewStore(dbPool)
	return &Container{
		Config:        cfg,
		DBPool:        dbPool,
		Redis:         redisClient,
		Store:         store,
		Governor:      governor.New(store, cfg, redisClient, obs),
		Observability: obs,
	}, nil
}

// Shutdown flushes observability exporters. The pool and Redis client are
// closed by their owners in main.
func (c *Container) Shutdown(ctx context.Context) {
	if c.Observability != nil {
		_ = c.Observability.Shutdown(ctx)
	}
}
