// Package storage defines the launch history store. Two backends are
// provided: SQLite (default, zero-config) and PostgreSQL (shared history
// across machines). Records never contain secret material.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverNone     = "none"
)

// Status values for LaunchRecord.Status.
const (
	StatusSuccess = "success" // Script ran and exited 0.
	StatusFailure = "failure" // Script ran and exited nonzero.
	StatusError   = "error"   // A pipeline stage failed before or while launching.
)

// LaunchRecord is one launch attempt.
type LaunchRecord struct {
	ID        uuid.UUID
	RunID     uuid.UUID
	Target    string
	ItemID    string
	Host      string
	Username  string
	Stage     string // Last stage reached.
	Status    string
	ExitCode  int
	Error     string
	StartedAt time.Time
	Duration  time.Duration
}

// HistoryStore persists launch records.
type HistoryStore interface {
	// Record appends a launch record. A zero ID is assigned.
	Record(ctx context.Context, rec *LaunchRecord) error
	// List returns the most recent records first. limit <= 0 means 50.
	List(ctx context.Context, limit int) ([]LaunchRecord, error)

	Migrate(ctx context.Context) error
	Close() error
	Driver() string
}

// NopStore discards records. Used when storage.driver is "none".
type NopStore struct{}

func (NopStore) Record(context.Context, *LaunchRecord) error { return nil }
func (NopStore) List(context.Context, int) ([]LaunchRecord, error) { return nil, nil }
func (NopStore) Migrate(context.Context) error { return nil }
func (NopStore) Close() error { return nil }
func (NopStore) Driver() string { return DriverNone }

var _ HistoryStore = NopStore{}
