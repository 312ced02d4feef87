// Package domain defines the core interfaces and types for Spendguard.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require userID for strict per-user isolation.
type Repository interface {
	HistoryProvider

	// Account operations
	SaveAccount(ctx context.Context, userID string, account *Account) error
	GetAccount(ctx context.Context, userID string, accountID string) (*Account, error)

	// CreateTransaction stores tx and applies its balance change to the account
	// atomically. It returns the account as updated.
	CreateTransaction(ctx context.Context, userID string, tx *Transaction) (*Account, error)
	// UpdateTransaction replaces the stored transaction with tx.ID, reversing
	// its old balance change and applying the new one atomically. It returns
	// the account tx belongs to after the update.
	UpdateTransaction(ctx context.Context, userID string, tx *Transaction) (*Account, error)
	GetTransaction(ctx context.Context, userID string, txID string) (*Transaction, error)
	ListTransactions(ctx context.Context, userID string, filter TransactionFilter) ([]*Transaction, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is "sqlite", "postgres" or "memory".
	Driver string `koanf:"driver"`

	// SQLite specific
	SQLitePath string `koanf:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `koanf:"postgres_host"`
	PostgresPort     int    `koanf:"postgres_port"`
	PostgresUser     string `koanf:"postgres_user"`
	PostgresPassword string `koanf:"postgres_password"`
	PostgresDB       string `koanf:"postgres_db"`
	PostgresSSLMode  string `koanf:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`

	// History read retries. Zero attempts means a single try.
	ReadAttempts   uint          `koanf:"read_attempts"`
	ReadRetryDelay time.Duration `koanf:"read_retry_delay"`
}
