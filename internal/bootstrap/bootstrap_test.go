package bootstrap

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/job-importer/internal/config"
	"github.com/cuongbtq/job-importer/shared/logger"
)

func TestOpenStore_SQLite(t *testing.T) {
	cfg := &config.DatabaseConfig{
		Driver: config.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "nested", "jobs.db"),
	}

	store, closer, err := OpenStore(context.Background(), cfg, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = closer.Close() })

	assert.Equal(t, "sqlite", store.Dialect())
	require.NoError(t, store.HealthCheck(context.Background()))

	count, err := store.CountJobs(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestOpenStore_MigratesOnce(t *testing.T) {
	cfg := &config.DatabaseConfig{
		Driver: config.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "jobs.db"),
	}

	for i := 0; i < 2; i++ {
		_, closer, err := OpenStore(context.Background(), cfg, logger.NewNop())
		require.NoError(t, err)
		require.NoError(t, closer.Close())
	}
}

func TestOpenStore_UnsupportedDriver(t *testing.T) {
	_, _, err := OpenStore(context.Background(), &config.DatabaseConfig{Driver: "mysql"}, logger.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported database driver "mysql"`)
}

func TestRabbitMQConfig(t *testing.T) {
	cfg := &config.RabbitMQConfig{
		Host:     "rabbit",
		Port:     5672,
		User:     "guest",
		Password: "guest",
		VHost:    "/",
		Exchange: config.ExchangeConfig{Name: "jobs_exchange", Type: "direct", Durable: true},
		Queue:    config.QueueConfig{Name: "jobs_queue", Durable: true},
		DeadLetter: config.DeadLetterConfig{
			Exchange:  "jobs_exchange.dlx",
			Queue:     "jobs_queue.dlq",
			TTL:       time.Hour,
			MaxLength: 100,
		},
		RoutingKey: "job.item",
		Connection: config.ConnectionConfig{RetryAttempts: 3, RetryInterval: time.Second},
		Publish:    config.PublishConfig{RetryAttempts: 4, RetryInterval: 200 * time.Millisecond, BackoffMultiplier: 2},
		Consumer:   config.ConsumerConfig{PrefetchCount: 25},
	}

	got := RabbitMQConfig(cfg)

	assert.Equal(t, "rabbit", got.Host)
	assert.Equal(t, "jobs_exchange", got.ExchangeName)
	assert.True(t, got.ExchangeDurable)
	assert.Equal(t, "jobs_queue", got.QueueName)
	assert.Equal(t, "job.item", got.RoutingKey)
	assert.Equal(t, 3, got.RetryAttempts)
	assert.Equal(t, 4, got.PublishRetries)
	assert.Equal(t, 200*time.Millisecond, got.PublishRetryDelay)
	assert.Equal(t, 2.0, got.PublishBackoffMult)
	assert.Equal(t, 25, got.PrefetchCount)
	assert.Equal(t, "jobs_exchange.dlx", got.DeadLetterExchange)
	assert.Equal(t, "jobs_queue.dlq", got.DeadLetterQueue)
	assert.Equal(t, time.Hour, got.DeadLetterTTL)
	assert.Equal(t, 100, got.DeadLetterMaxLength)
}

func TestPostgresConfig(t *testing.T) {
	got := PostgresConfig(&config.DatabaseConfig{
		Host:         "db",
		Port:         5432,
		User:         "postgres",
		Database:     "jobs_db",
		SSLMode:      "disable",
		MaxOpenConns: 30,
	})

	assert.Equal(t, "db", got.Host)
	assert.Equal(t, 5432, got.Port)
	assert.Equal(t, "jobs_db", got.Database)
	assert.Equal(t, 30, got.MaxOpenConns)
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger(&config.LoggingConfig{Level: "debug", Format: "json", Output: "stderr"})
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.NoError(t, l.Close())
}
