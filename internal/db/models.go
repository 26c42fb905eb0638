package db

import (
	"errors"

	"gorm.io/gorm"
)

type RenderOutcome struct {
	ID         int64  `gorm:"column:id;primaryKey;autoIncrement"`
	SessionID  string `gorm:"column:session_id;not null"`
	Status     string `gorm:"column:status;not null;default:''"`
	Error      string `gorm:"column:error;not null;default:''"`
	DurationMS int64  `gorm:"column:duration_ms;not null;default:0"`
	CreatedAt  int64  `gorm:"column:created_at;not null;default:0"`
}

func (RenderOutcome) TableName() string { return "render_outcomes" }

type SessionSeen struct {
	SessionID   string `gorm:"column:session_id;primaryKey"`
	FirstSeenAt int64  `gorm:"column:first_seen_at;not null;default:0"`
	LastSeenAt  int64  `gorm:"column:last_seen_at;not null;default:0"`
	OpenCount   int    `gorm:"column:open_count;not null;default:0"`
}

func (SessionSeen) TableName() string { return "sessions_seen" }

// SyncSchema creates/updates tables and indexes from models.
func SyncSchema(db *gorm.DB) error {
	if db == nil {
		return errors.New("db is required")
	}
	if err := db.AutoMigrate(
		&RenderOutcome{},
		&SessionSeen{},
	); err != nil {
		return err
	}
	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_render_outcomes_session_created ON render_outcomes(session_id, created_at DESC);`,
	} {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}
