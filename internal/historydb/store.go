package historydb

import (
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	dbmodel "stagehand/host/internal/db"
)

type Outcome struct {
	SessionID string
	Status    string
	Error     string
	Duration  time.Duration
	At        time.Time
}

type Store struct {
	db *gorm.DB
}

// NewStore uses the shared DB handle. Caller owns the handle's lifetime.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &Store{db: db}, nil
}

// RecordOutcome appends one render-outcome row.
func (s *Store) RecordOutcome(sessionID, status, errText string, duration time.Duration) error {
	if s == nil || s.db == nil {
		return errors.New("history store is not initialized")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("session id is required")
	}
	row := dbmodel.RenderOutcome{
		SessionID:  sessionID,
		Status:     status,
		Error:      errText,
		DurationMS: duration.Milliseconds(),
		CreatedAt:  time.Now().UTC().Unix(),
	}
	return s.db.Create(&row).Error
}

// TouchSession upserts first/last-seen bookkeeping for a session id.
func (s *Store) TouchSession(sessionID string) error {
	if s == nil || s.db == nil {
		return errors.New("history store is not initialized")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("session id is required")
	}
	now := time.Now().UTC().Unix()
	row := dbmodel.SessionSeen{
		SessionID:   sessionID,
		FirstSeenAt: now,
		LastSeenAt:  now,
		OpenCount:   1,
	}
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"last_seen_at": now,
			"open_count":   gorm.Expr("sessions_seen.open_count + 1"),
		}),
	}).Create(&row).Error
}

// ListOutcomes returns the newest rows first, optionally filtered by session.
func (s *Store) ListOutcomes(sessionID string, limit int) ([]Outcome, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("history store is not initialized")
	}
	if limit <= 0 {
		limit = 50
	}
	q := s.db.Order("created_at DESC, id DESC").Limit(limit)
	if sessionID = strings.TrimSpace(sessionID); sessionID != "" {
		q = q.Where("session_id = ?", sessionID)
	}
	rows := make([]dbmodel.RenderOutcome, 0, limit)
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	outcomes := make([]Outcome, 0, len(rows))
	for _, row := range rows {
		outcomes = append(outcomes, Outcome{
			SessionID: row.SessionID,
			Status:    row.Status,
			Error:     row.Error,
			Duration:  time.Duration(row.DurationMS) * time.Millisecond,
			At:        time.Unix(row.CreatedAt, 0).UTC(),
		})
	}
	return outcomes, nil
}
