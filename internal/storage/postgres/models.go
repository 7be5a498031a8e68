package postgres

import (
	"time"

	"github.com/google/uuid"
)

// CommandModel maps to the "command_history" table.
// No UpdatedAt or DeletedAt: history is append-only.
type CommandModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID  string    `gorm:"index"`
	Command    string    `gorm:"type:text;not null"`
	Cwd        string    `gorm:"not null"`
	Background bool      `gorm:"not null;default:false"`
	ReturnCode int       `gorm:"not null"`
	PID        int
	Success    bool   `gorm:"not null"`
	Message    string `gorm:"type:text"`
	Stdout     string `gorm:"type:text"`
	Stderr     string `gorm:"type:text"`
	DurationMS int64
	Added      int
	Modified   int
	Deleted    int
	RolledBack bool      `gorm:"not null;default:false"`
	CreatedAt  time.Time `gorm:"index"`
}

func (CommandModel) TableName() string { return "command_history" }

// SnapshotModel maps to the "vfs_snapshots" table.
// State holds the JSON state document; TEXT keeps it portable to SQLite.
type SnapshotModel struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name          string    `gorm:"uniqueIndex;not null"`
	WorkspaceRoot string    `gorm:"not null"`
	EntryCount    int       `gorm:"not null"`
	State         string    `gorm:"type:text;not null"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (SnapshotModel) TableName() string { return "vfs_snapshots" }
