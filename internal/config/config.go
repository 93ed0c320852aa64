// Package config reads process configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/OFFIS-RIT/strata/internal/util"
	"github.com/go-playground/validator"
)

type Config struct {
	Debug     bool
	LogFormat string `validate:"oneof=text json logfmt"`

	DatabaseURL    string `validate:"required"`
	MigrateOnStart bool

	RabbitMQ RabbitMQ
	S3       S3
	LayerDb  LayerDb
	Rebaser  Rebaser
}

type RabbitMQ struct {
	User     string
	Password string
	Host     string `validate:"required"`
	Port     string `validate:"required,numeric"`
	VHost    string
}

// S3 is optional. Without a bucket large values stay in Postgres rows.
type S3 struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
}

func (s S3) Enabled() bool {
	return s.Bucket != ""
}

type LayerDb struct {
	DiskPath            string `validate:"required"`
	MemoryEntries       int    `validate:"gt=0"`
	PersisterQueue      int    `validate:"gt=0"`
	PersisterPartitions int    `validate:"gt=0"`
	ObjectPrefix        string
	ObjectThreshold     int    `validate:"gte=0"`
	Exchange            string `validate:"required"`
	SubjectPrefix       string `validate:"required"`
}

type Rebaser struct {
	HTTPPort   string        `validate:"required,numeric"`
	InstanceID string
	LeaseTTL   time.Duration `validate:"gt=0"`
	MaxRetries int           `validate:"gte=0"`
	RetryDelay time.Duration `validate:"gt=0"`
	// Partitions is the number of change sets rebased concurrently by one process.
	Partitions      int           `validate:"gt=0"`
	GraphCacheBytes int64         `validate:"gt=0"`
	RequestTimeout  time.Duration `validate:"gt=0"`
}

// Load reads the environment. Call util.LoadEnv first to pick up a .env file.
func Load() (Config, error) {
	cfg := Config{
		Debug:          util.GetEnvBool("DEBUG", false),
		LogFormat:      util.GetEnvString("LOG_FORMAT", "text"),
		DatabaseURL:    util.GetEnv("DATABASE_URL"),
		MigrateOnStart: util.GetEnvBool("MIGRATE_ON_START", false),
		RabbitMQ: RabbitMQ{
			User:     util.GetEnvString("RABBITMQ_USER", "guest"),
			Password: util.GetEnvString("RABBITMQ_PASSWORD", "guest"),
			Host:     util.GetEnvString("RABBITMQ_HOST", "localhost"),
			Port:     util.GetEnvString("RABBITMQ_PORT", "5672"),
			VHost:    util.GetEnv("RABBITMQ_VHOST"),
		},
		S3: S3{
			Region:    util.GetEnvString("AWS_REGION", "us-east-1"),
			Endpoint:  util.GetEnv("AWS_ENDPOINT"),
			AccessKey: util.GetEnv("AWS_ACCESS_KEY"),
			SecretKey: util.GetEnv("AWS_SECRET_KEY"),
			Bucket:    util.GetEnv("AWS_BUCKET"),
		},
		LayerDb: LayerDb{
			DiskPath:            util.GetEnvString("LAYERDB_DISK_PATH", "./data/layerdb"),
			MemoryEntries:       util.GetEnvInt("LAYERDB_MEMORY_ENTRIES", 4096),
			PersisterQueue:      util.GetEnvInt("LAYERDB_PERSISTER_QUEUE", 1024),
			PersisterPartitions: util.GetEnvInt("LAYERDB_PERSISTER_PARTITIONS", 8),
			ObjectPrefix:        util.GetEnvString("LAYERDB_OBJECT_PREFIX", "layerdb"),
			ObjectThreshold:     util.GetEnvInt("LAYERDB_OBJECT_THRESHOLD", 1<<20),
			Exchange:            util.GetEnvString("LAYERDB_EXCHANGE", "layerdb_events"),
			SubjectPrefix:       util.GetEnvString("LAYERDB_SUBJECT_PREFIX", "layerdb"),
		},
		Rebaser: Rebaser{
			HTTPPort:        util.GetEnvString("REBASER_HTTP_PORT", "8081"),
			InstanceID:      util.GetEnv("REBASER_INSTANCE_ID"),
			LeaseTTL:        util.GetEnvDuration("REBASER_LEASE_TTL", 2*time.Minute),
			MaxRetries:      util.GetEnvInt("REBASER_MAX_RETRIES", 5),
			RetryDelay:      util.GetEnvDuration("REBASER_RETRY_DELAY", 10*time.Second),
			Partitions:      util.GetEnvInt("REBASER_PARTITIONS", 8),
			GraphCacheBytes: int64(util.GetEnvInt("REBASER_GRAPH_CACHE_BYTES", 256<<20)),
			RequestTimeout:  util.GetEnvDuration("REBASER_REQUEST_TIMEOUT", 5*time.Minute),
		},
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
