package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"Aurelia/server/internal/models"
)

// MessageRepository is the append-only message log. The progression
// engine derives all chapter counters from this log instead of keeping
// running counts, which is what lets two channels write to the same
// session without coordination.
type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Append persists one immutable message, assigning id and timestamp
// when the caller left them zero.
func (r *MessageRepository) Append(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// Window returns the last limit messages of the session in
// chronological order.
func (r *MessageRepository) Window(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	var recent []models.Message
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&recent).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load message window: %w", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	return recent, nil
}

// CountSince counts messages persisted at or after the given time.
func (r *MessageRepository) CountSince(ctx context.Context, sessionID string, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("session_id = ? AND created_at >= ?", sessionID, since).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// SeenImageURLs reports which candidate URLs already appear as a
// persisted image in the session.
func (r *MessageRepository) SeenImageURLs(ctx context.Context, sessionID string, candidates []string) (map[string]bool, error) {
	seen := make(map[string]bool, len(candidates))
	if len(candidates) == 0 {
		return seen, nil
	}

	var urls []string
	err := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("session_id = ? AND is_image = ? AND image_url IN ?", sessionID, true, candidates).
		Pluck("image_url", &urls).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query seen images: %w", err)
	}

	for _, u := range urls {
		seen[u] = true
	}
	return seen, nil
}
