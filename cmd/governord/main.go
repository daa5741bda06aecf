package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/epicforge/governor/internal/app"
	"github.com/epicforge/governor/internal/config"
	"github.com/epicforge/governor/internal/database"
	"github.com/epicforge/governor/internal/httpserver"
	"github.com/epicforge/governor/internal/redisclient"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(config.Options{})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if cfg.Database.RunMigrations {
		if err := database.RunMigrations(ctx, cfg.Database); err != nil {
			log.Fatalf("run migrations: %v", err)
		}
	}

	dbPool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer dbPool.Close()

	redisClient := redisclient.New(cfg.Redis)
	if err := redisclient.Ping(ctx, redisClient); err != nil {
		// The duplicate fast path degrades to the ledger without Redis.
		slog.Warn("redis unavailable, duplicate detection runs on the ledger only",
			slog.String("error", err.Error()))
		redisClient.Close()
		redisClient = nil
	} else {
		defer redisClient.Close()
	}

	container, err := app.NewContainer(ctx, cfg, dbPool, redisClient)
	if err != nil {
		log.Fatalf("build container: %v", err)
	}
	defer container.Shutdown(ctx)

	go container.Governor.Limiter().Run(ctx, cfg.Governor.SweepInterval)

	server, err := httpserver.New(httpserver.Deps{
		Config:        cfg,
		Governor:      container.Governor,
		Store:         container.Store,
		DBPool:        dbPool,
		Redis:         redisClient,
		Observability: container.Observability,
	})
	if err != nil {
		log.Fatalf("construct server: %v", err)
	}

	slog.Info("usage governor listening", slog.String("addr", cfg.Server.ListenAddr))
	if err := server.Listen(ctx); err != nil && err != context.Canceled {
		log.Fatalf("server stopped: %v", err)
	}
}
