package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"Aurelia/server/internal/models"
)

// SessionRepository finds, creates and archives conversation sessions.
type SessionRepository struct {
	db *gorm.DB
}

func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Resolve returns the single live session for (user, persona), creating
// it when absent. The insert rides the unique active_key index, so two
// near-simultaneous first turns (web and relay) collapse into one row;
// the losing insert degrades to a last_activity touch.
func (r *SessionRepository) Resolve(ctx context.Context, userID, personaID string) (*models.ConversationSession, error) {
	key := models.ActiveKeyFor(userID, personaID)
	now := time.Now()

	candidate := &models.ConversationSession{
		ID:           uuid.NewString(),
		UserID:       userID,
		PersonaID:    personaID,
		ActiveKey:    &key,
		LastActivity: now,
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "active_key"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"last_activity": now}),
	}).Create(candidate).Error
	if err != nil {
		return nil, fmt.Errorf("failed to upsert session: %w", err)
	}

	// Re-read by key: when the insert conflicted, the surviving row is
	// not the candidate.
	var session models.ConversationSession
	if err := r.db.WithContext(ctx).Where("active_key = ?", key).First(&session).Error; err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	return &session, nil
}

// Archive retires the live session for the pair. Clearing history never
// deletes rows; the archived session keeps its messages as an audit
// trail. Missing session is not an error.
func (r *SessionRepository) Archive(ctx context.Context, userID, personaID string) error {
	key := models.ActiveKeyFor(userID, personaID)

	err := r.db.WithContext(ctx).
		Model(&models.ConversationSession{}).
		Where("active_key = ?", key).
		Updates(map[string]interface{}{
			"archived":   true,
			"active_key": nil,
		}).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to archive session: %w", err)
	}
	return nil
}
