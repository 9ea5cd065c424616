package postgres

import (
	"time"

	"github.com/google/uuid"
)

// LaunchModel maps to the "launches" table. Shared by the SQLite backend.
type LaunchModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	RunID      uuid.UUID `gorm:"type:uuid;not null;index"`
	Target     string    `gorm:"not null"`
	ItemID     string    `gorm:"not null;index"`
	Host       string
	Username   string
	Stage      string `gorm:"not null"`
	Status     string `gorm:"not null;index"`
	ExitCode   int
	Error      string
	StartedAt  time.Time `gorm:"not null;index"`
	DurationMS int64
	CreatedAt  time.Time
}

func (LaunchModel) TableName() string { return "launches" }

// Models lists every model AutoMigrate must create.
func Models() []any {
	return []any{&LaunchModel{}}
}
