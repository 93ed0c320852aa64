package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/strata/internal/config"
	"github.com/OFFIS-RIT/strata/internal/queue"
	"github.com/OFFIS-RIT/strata/internal/storage"
	"github.com/OFFIS-RIT/strata/internal/util"
	"github.com/OFFIS-RIT/strata/pkg/layerdb"
	"github.com/OFFIS-RIT/strata/pkg/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rabbitmq/amqp091-go"
)

// startupBackoff covers dependencies that come up alongside the rebaser,
// as in a compose stack.
var startupBackoff = util.Backoff{MaxTries: 5, Initial: 500 * time.Millisecond, Max: 8 * time.Second, Jitter: 0.2}

func openPostgres(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	return util.RetryValueWithBackoff(ctx, startupBackoff, func(ctx context.Context) (*pgxpool.Pool, error) {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, util.Permanent(fmt.Errorf("connect to database: %w", err))
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			logger.Warn("Database not reachable yet", "err", err)
			return nil, fmt.Errorf("ping database: %w", err)
		}
		return pool, nil
	})
}

func openRabbit(ctx context.Context, cfg config.Config) (*amqp091.Connection, error) {
	r := cfg.RabbitMQ
	url := queue.URL(r.User, r.Password, r.Host, r.Port, r.VHost)
	return util.RetryValueWithBackoff(ctx, startupBackoff, func(context.Context) (*amqp091.Connection, error) {
		conn, err := queue.Dial(url)
		if err != nil {
			logger.Warn("RabbitMQ not reachable yet", "host", r.Host, "err", err)
		}
		return conn, err
	})
}

func openObjectStore(ctx context.Context, cfg config.Config) (*storage.ObjectStore, error) {
	if !cfg.S3.Enabled() {
		return nil, errors.New("object storage is not configured (AWS_BUCKET is empty)")
	}
	client, err := storage.NewS3Client(ctx, storage.S3Config{
		Region:    cfg.S3.Region,
		Endpoint:  cfg.S3.Endpoint,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
		Bucket:    cfg.S3.Bucket,
	})
	if err != nil {
		return nil, err
	}
	return storage.NewObjectStore(client, cfg.S3.Bucket), nil
}

// openDurable returns the Postgres tier, offloading large values to S3 when
// a bucket is configured.
func openDurable(ctx context.Context, cfg config.Config, pool *pgxpool.Pool) (*layerdb.PostgresDurable, error) {
	var opts []layerdb.PostgresOption
	if cfg.S3.Enabled() {
		store, err := openObjectStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, layerdb.WithObjectStore(store, cfg.LayerDb.ObjectThreshold, cfg.LayerDb.ObjectPrefix))
		logger.Info("Offloading large values to object storage", "bucket", cfg.S3.Bucket, "threshold", cfg.LayerDb.ObjectThreshold)
	}
	return layerdb.NewPostgresDurable(pool, opts...), nil
}

func layerDbConfig(cfg config.Config, instanceID string) layerdb.Config {
	return layerdb.Config{
		InstanceID:    instanceID,
		MemoryEntries: cfg.LayerDb.MemoryEntries,
		Persister: layerdb.PersisterConfig{
			Partitions: cfg.LayerDb.PersisterPartitions,
			QueueSize:  cfg.LayerDb.PersisterQueue,
		},
	}
}
