package postgres

import (
	"time"

	"github.com/jkaninda/vaultlaunch/internal/storage"
)

func toLaunchModel(r *storage.LaunchRecord) LaunchModel {
	return LaunchModel{
		ID:         r.ID,
		RunID:      r.RunID,
		Target:     r.Target,
		ItemID:     r.ItemID,
		Host:       r.Host,
		Username:   r.Username,
		Stage:      r.Stage,
		Status:     r.Status,
		ExitCode:   r.ExitCode,
		Error:      r.Error,
		StartedAt:  r.StartedAt.UTC(),
		DurationMS: r.Duration.Milliseconds(),
	}
}

func toLaunchDomain(m *LaunchModel) storage.LaunchRecord {
	return storage.LaunchRecord{
		ID:        m.ID,
		RunID:     m.RunID,
		Target:    m.Target,
		ItemID:    m.ItemID,
		Host:      m.Host,
		Username:  m.Username,
		Stage:     m.Stage,
		Status:    m.Status,
		ExitCode:  m.ExitCode,
		Error:     m.Error,
		StartedAt: m.StartedAt,
		Duration:  time.Duration(m.DurationMS) * time.Millisecond,
	}
}
