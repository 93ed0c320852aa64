package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/strata/internal/migrate"
	"github.com/OFFIS-RIT/strata/internal/queue"
	"github.com/OFFIS-RIT/strata/internal/rebaser"
	"github.com/OFFIS-RIT/strata/internal/server"
	mid "github.com/OFFIS-RIT/strata/internal/server/middleware"
	"github.com/OFFIS-RIT/strata/pkg/layerdb"
	"github.com/OFFIS-RIT/strata/pkg/leaselock"
	"github.com/OFFIS-RIT/strata/pkg/logger"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const layerDbShutdownTimeout = 30 * time.Second

var rebaserCmd = &cobra.Command{
	Use:   "rebaser",
	Short: "Consume rebase requests and serve health and metrics",
	RunE:  runRebaser,
}

func runRebaser(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	if cfg.MigrateOnStart {
		if err := migrate.Up(cfg.DatabaseURL); err != nil {
			return err
		}
	}

	pool, err := openPostgres(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	durable, err := openDurable(ctx, cfg, pool)
	if err != nil {
		return err
	}

	conn, err := openRabbit(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()
	if err := queue.SetupQueues(ch, []string{queue.RebaserQueue}, cfg.Rebaser.RetryDelay); err != nil {
		return err
	}

	bus, err := queue.NewEventBus(conn, cfg.LayerDb.Exchange, cfg.LayerDb.SubjectPrefix)
	if err != nil {
		return err
	}
	defer bus.Close()

	disk, err := layerdb.OpenDisk(layerdb.DefaultDiskConfig(cfg.LayerDb.DiskPath))
	if err != nil {
		return err
	}
	db, err := layerdb.New(layerDbConfig(cfg, cfg.Rebaser.InstanceID), disk, durable, bus)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), layerDbShutdownTimeout)
		defer cancel()
		if err := db.Shutdown(shutdownCtx); err != nil {
			logger.Error("LayerDb shutdown failed", "err", err)
		}
	}()
	if err := db.Subscribe(ctx); err != nil {
		return err
	}

	handler, err := rebaser.NewHandler(db.WorkspaceSnapshot, rebaser.NewPostgresPointers(pool), rebaser.HandlerConfig{
		GraphCacheBytes: cfg.Rebaser.GraphCacheBytes,
		Actor:           "rebaser",
	})
	if err != nil {
		return err
	}
	defer handler.Close()

	srv := rebaser.NewServer(rebaser.ServerConfig{
		Queue:          queue.RebaserQueue,
		InstanceID:     db.InstanceID(),
		Partitions:     cfg.Rebaser.Partitions,
		MaxRetries:     cfg.Rebaser.MaxRetries,
		LeaseTTL:       cfg.Rebaser.LeaseTTL,
		RequestTimeout: cfg.Rebaser.RequestTimeout,
	}, handler, leaselock.New(pool), ch)

	consumerCh, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	defer consumerCh.Close()

	e := server.New(&mid.App{
		Snapshots: db.WorkspaceSnapshot,
		Checks: map[string]mid.Check{
			"postgres": pool.Ping,
			"rabbitmq": func(context.Context) error {
				if conn.IsClosed() {
					return errors.New("connection closed")
				}
				return nil
			},
		},
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx, e, cfg.Rebaser.HTTPPort) })
	g.Go(func() error { return srv.Run(gctx, consumerCh) })

	logger.Info("Rebaser started", "instance", db.InstanceID())
	return g.Wait()
}
