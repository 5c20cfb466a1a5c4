package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // Register sqlite driver
)

// DriverName is the database/sql name registered by modernc.org/sqlite
const DriverName = "sqlite"

// MemoryPath opens a private in-memory database
const MemoryPath = ":memory:"

func init() {
	sqlx.BindDriver(DriverName, sqlx.QUESTION)
}

// Config holds SQLite connection configuration
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// DSN renders a modernc DSN with per-connection pragmas
func (c *Config) DSN() string {
	busy := c.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	params := url.Values{}
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	params.Add("_pragma", "foreign_keys(1)")
	if c.Path != MemoryPath {
		params.Add("_pragma", "journal_mode(WAL)")
	}
	params.Set("_time_format", "sqlite")

	return "file:" + c.Path + "?" + params.Encode()
}

// Client represents an embedded SQLite database client
type Client struct {
	db     *sqlx.DB
	config *Config
	logger *slog.Logger
}

// NewClient opens the database file, creating its directory if needed
func NewClient(ctx context.Context, config *Config, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(config.Path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if config.Path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	logger.Info("Opening SQLite database", slog.String("path", config.Path))

	db, err := sqlx.Open(DriverName, config.DSN())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One writer at a time; also keeps an in-memory database on a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &Client{db: db, config: config, logger: logger}, nil
}

// GetDB returns the underlying sqlx.DB instance
func (c *Client) GetDB() *sqlx.DB {
	return c.db
}

// Close closes the database
func (c *Client) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	c.logger.Info("Closing SQLite database")
	return c.db.Close()
}
