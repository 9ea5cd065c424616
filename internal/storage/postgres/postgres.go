// Package postgres implements the launch history store on PostgreSQL using GORM.
// All GORM usage is confined to the storage packages; domain types remain ORM-free.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/vaultlaunch/internal/storage"
)

// Config configures the PostgreSQL connection and pool.
type Config struct {
	DSN             string
	MaxOpenConns    int           // Default: 4
	MaxIdleConns    int           // Default: 1
	ConnMaxLifetime time.Duration // Default: 5m
}

func (c Config) maxOpen() int {
	if c.MaxOpenConns > 0 {
		return c.MaxOpenConns
	}
	return 4
}

func (c Config) maxIdle() int {
	if c.MaxIdleConns > 0 {
		return c.MaxIdleConns
	}
	return 1
}

func (c Config) maxLifetime() time.Duration {
	if c.ConnMaxLifetime > 0 {
		return c.ConnMaxLifetime
	}
	return 5 * time.Minute
}

// Store implements storage.HistoryStore backed by PostgreSQL.
type Store struct {
	*HistoryRepository
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to PostgreSQL and configures the connection pool.
// Call Migrate before first use.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      NewGormLogger(slogger),
		NowFunc:     func() time.Time { return time.Now().UTC() },
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.maxOpen())
	sqlDB.SetMaxIdleConns(cfg.maxIdle())
	sqlDB.SetConnMaxLifetime(cfg.maxLifetime())

	slogger.Debug("postgres connected",
		slog.Int("max_open_conns", cfg.maxOpen()),
		slog.Int("max_idle_conns", cfg.maxIdle()),
	)
	return &Store{HistoryRepository: NewHistoryRepository(db), db: db, logger: slogger}, nil
}

// Migrate creates or updates the history tables.
func (s *Store) Migrate(_ context.Context) error {
	return s.db.AutoMigrate(Models()...)
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "postgres".
func (s *Store) Driver() string { return storage.DriverPostgres }

// NewGormLogger routes GORM's warnings (slow queries, errors) to slog.
func NewGormLogger(slogger *slog.Logger) logger.Interface {
	return logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Warn(fmt.Sprintf(format, args...))
}

var _ storage.HistoryStore = (*Store)(nil)
