package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/strata")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 4096, cfg.LayerDb.MemoryEntries)
	assert.Equal(t, 2*time.Minute, cfg.Rebaser.LeaseTTL)
	assert.False(t, cfg.S3.Enabled())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/strata")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("AWS_BUCKET", "snapshots")
	t.Setenv("REBASER_LEASE_TTL", "30s")
	t.Setenv("LAYERDB_PERSISTER_PARTITIONS", "3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.True(t, cfg.S3.Enabled())
	assert.Equal(t, 30*time.Second, cfg.Rebaser.LeaseTTL)
	assert.Equal(t, 3, cfg.LayerDb.PersisterPartitions)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing database", map[string]string{"DATABASE_URL": ""}},
		{"bad log format", map[string]string{"LOG_FORMAT": "xml"}},
		{"zero partitions", map[string]string{"LAYERDB_PERSISTER_PARTITIONS": "0"}},
		{"non numeric port", map[string]string{"RABBITMQ_PORT": "amqp"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DATABASE_URL", "postgres://localhost/strata")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
