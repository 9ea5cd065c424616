package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/vaultlaunch/internal/config"
	"github.com/jkaninda/vaultlaunch/internal/observability"
	"github.com/jkaninda/vaultlaunch/internal/sandbox"
	"github.com/jkaninda/vaultlaunch/internal/storage"
	pgstore "github.com/jkaninda/vaultlaunch/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/vaultlaunch/internal/storage/sqlite"
)

// loadConfig resolves the config path (VAULTLAUNCH_CONFIG wins over --config)
// and loads it. Only the default path may be absent.
func loadConfig() (*config.Config, error) {
	path := goutils.Env("VAULTLAUNCH_CONFIG", configPath)
	return config.Load(path, path == config.DefaultConfigPath())
}

// newLogger builds the process logger. Logs go to stderr so stdout stays
// free for command output.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// SharedComponents holds the subsystems every launch needs. Built once by
// initShared, torn down by Cleanup.
type SharedComponents struct {
	Config  *config.Config
	Logger  *slog.Logger
	Obs     *observability.Observability
	Sandbox sandbox.Sandbox
	Store   storage.HistoryStore

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order. Safe to call
// more than once.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
	sc.cleanups = nil
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared sets up observability, the process sandbox and the history
// store. Callers must call sc.Cleanup() when done.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	obs, err := observability.New(cfg.Observability, version, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
		)
	}

	var sbx sandbox.Sandbox = sandbox.NewProcessSandbox(sandbox.ProcessConfig{
		DefaultTimeout: cfg.Timeouts.VaultTimeout(),
		PassEnv:        cfg.Sandbox.PassEnv,
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
	}, logger)
	if obs != nil && (obs.Metrics != nil || obs.Tracer != nil) {
		sbx = observability.NewInstrumentedSandbox(sbx, obs.Metrics, obs.TracerOrNil())
	}
	sc.Sandbox = sbx

	store, err := initStore(ctx, cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})

	return sc, nil
}

// initStore opens and migrates the configured history backend.
func initStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.HistoryStore, error) {
	var (
		store storage.HistoryStore
		err   error
	)
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverNone:
		return storage.NopStore{}, nil
	case storage.DriverPostgres:
		store, err = initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		store, err = initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
	if err != nil {
		return nil, err
	}

	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Debug("history store ready", slog.String("driver", store.Driver()))
	return store, nil
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.HistoryStore, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}
	if err := os.MkdirAll(cfg.ResolvedDataDir(), 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.HistoryStore, error) {
	pg := cfg.Storage.Postgres
	return pgstore.Open(pgstore.Config{
		DSN:          pg.DSN,
		MaxOpenConns: pg.MaxOpenConns,
		MaxIdleConns: pg.MaxIdleConns,
	}, logger)
}
