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

// StoryRepository reads scripted chapters.
type StoryRepository struct {
	db *gorm.DB
}

func NewStoryRepository(db *gorm.DB) *StoryRepository {
	return &StoryRepository{db: db}
}

// GetChapter returns the chapter with the given number, or
// models.ErrNotFound once the number runs past the end of the script.
func (r *StoryRepository) GetChapter(ctx context.Context, personaID string, number int) (*models.StoryChapter, error) {
	var chapter models.StoryChapter
	err := r.db.WithContext(ctx).
		Where("persona_id = ? AND number = ?", personaID, number).
		First(&chapter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load chapter: %w", err)
	}
	return &chapter, nil
}

// ProgressRepository tracks per-user story position. Last write wins on
// the record; correctness comes from the counters being derived from
// the message log, not stored here.
type ProgressRepository struct {
	db *gorm.DB
}

func NewProgressRepository(db *gorm.DB) *ProgressRepository {
	return &ProgressRepository{db: db}
}

func (r *ProgressRepository) Get(ctx context.Context, userID, personaID string) (*models.UserStoryProgress, error) {
	var progress models.UserStoryProgress
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND persona_id = ?", userID, personaID).
		First(&progress).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load progress: %w", err)
	}
	return &progress, nil
}

// Create inserts a fresh record at chapter 1. Concurrent creation for
// the same pair rides the unique (user_id, persona_id) index; the loser
// re-reads the winner's row.
func (r *ProgressRepository) Create(ctx context.Context, userID, personaID string) (*models.UserStoryProgress, error) {
	candidate := &models.UserStoryProgress{
		ID:        uuid.NewString(),
		UserID:    userID,
		PersonaID: personaID,
		Chapter:   1,
		EnteredAt: time.Now(),
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "persona_id"}},
		DoNothing: true,
	}).Create(candidate).Error
	if err != nil {
		return nil, fmt.Errorf("failed to create progress: %w", err)
	}

	return r.Get(ctx, userID, personaID)
}

// Advance moves the record to the given chapter and restarts the
// chapter entry clock that the message counter is derived from.
func (r *ProgressRepository) Advance(ctx context.Context, progress *models.UserStoryProgress, toChapter int) error {
	now := time.Now()
	err := r.db.WithContext(ctx).
		Model(&models.UserStoryProgress{}).
		Where("id = ?", progress.ID).
		Updates(map[string]interface{}{
			"chapter":    toChapter,
			"entered_at": now,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to advance progress: %w", err)
	}
	progress.Chapter = toChapter
	progress.EnteredAt = now
	return nil
}

// Complete marks the story finished for this user. One-way.
func (r *ProgressRepository) Complete(ctx context.Context, progress *models.UserStoryProgress) error {
	err := r.db.WithContext(ctx).
		Model(&models.UserStoryProgress{}).
		Where("id = ?", progress.ID).
		Update("completed", true).Error
	if err != nil {
		return fmt.Errorf("failed to complete progress: %w", err)
	}
	progress.Completed = true
	return nil
}
