// Package bootstrap builds the shared infrastructure both services start from.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cuongbtq/job-importer/internal/config"
	"github.com/cuongbtq/job-importer/internal/storage"
	"github.com/cuongbtq/job-importer/shared/logger"
	"github.com/cuongbtq/job-importer/shared/postgresql"
	"github.com/cuongbtq/job-importer/shared/rabbitmq"
	"github.com/cuongbtq/job-importer/shared/sqlite"
)

// NewLogger initializes and configures the application logger
func NewLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		MaxSizeMB:    cfg.MaxSizeMB,
		MaxBackups:   cfg.MaxBackups,
		MaxAgeDays:   cfg.MaxAgeDays,
		Compress:     cfg.Compress,
	})
}

// OpenStore connects to the configured database, applies migrations and
// returns the store with the connection closer
func OpenStore(ctx context.Context, cfg *config.DatabaseConfig, log *slog.Logger) (*storage.Store, io.Closer, error) {
	var (
		store  *storage.Store
		closer io.Closer
		err    error
	)

	switch cfg.Driver {
	case config.DriverPostgres:
		var client *postgresql.Client
		client, err = postgresql.NewClient(ctx, PostgresConfig(cfg), log)
		if err != nil {
			return nil, nil, err
		}
		closer = client
		store, err = storage.NewStore(client.GetDB(), log)

	case config.DriverSQLite:
		var client *sqlite.Client
		client, err = sqlite.NewClient(ctx, &sqlite.Config{Path: cfg.Path}, log)
		if err != nil {
			return nil, nil, err
		}
		closer = client
		store, err = storage.NewStore(client.GetDB(), log)

	default:
		return nil, nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}

	if err := store.Migrate(ctx); err != nil {
		_ = closer.Close()
		return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, closer, nil
}

// PostgresConfig maps the database section onto the PostgreSQL client config
func PostgresConfig(cfg *config.DatabaseConfig) *postgresql.Config {
	return &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}
}

// RabbitMQConfig maps the rabbitmq section onto the client config
func RabbitMQConfig(cfg *config.RabbitMQConfig) *rabbitmq.Config {
	return &rabbitmq.Config{
		Host:                cfg.Host,
		Port:                cfg.Port,
		User:                cfg.User,
		Password:            cfg.Password,
		VHost:               cfg.VHost,
		ExchangeName:        cfg.Exchange.Name,
		ExchangeType:        cfg.Exchange.Type,
		ExchangeDurable:     cfg.Exchange.Durable,
		ExchangeAutoDelete:  cfg.Exchange.AutoDelete,
		QueueName:           cfg.Queue.Name,
		QueueDurable:        cfg.Queue.Durable,
		QueueAutoDelete:     cfg.Queue.AutoDelete,
		QueueExclusive:      cfg.Queue.Exclusive,
		RoutingKey:          cfg.RoutingKey,
		RetryAttempts:       cfg.Connection.RetryAttempts,
		RetryInterval:       cfg.Connection.RetryInterval,
		Heartbeat:           cfg.Connection.Heartbeat,
		ConnectionTimeout:   cfg.Connection.ConnectionTimeout,
		PublishRetries:      cfg.Publish.RetryAttempts,
		PublishRetryDelay:   cfg.Publish.RetryInterval,
		PublishBackoffMult:  cfg.Publish.BackoffMultiplier,
		PrefetchCount:       cfg.Consumer.PrefetchCount,
		DeadLetterExchange:  cfg.DeadLetter.Exchange,
		DeadLetterQueue:     cfg.DeadLetter.Queue,
		DeadLetterTTL:       cfg.DeadLetter.TTL,
		DeadLetterMaxLength: cfg.DeadLetter.MaxLength,
	}
}

// NewRabbitMQ connects to the broker and declares the work queue topology
func NewRabbitMQ(cfg *config.RabbitMQConfig, log *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(RabbitMQConfig(cfg), log)
}
