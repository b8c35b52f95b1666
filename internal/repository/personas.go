package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"Aurelia/server/internal/models"
)

// PersonaRepository reads personas and manages their story flag.
// Persona content itself is mutated only by admin tooling.
type PersonaRepository struct {
	db *gorm.DB
}

func NewPersonaRepository(db *gorm.DB) *PersonaRepository {
	return &PersonaRepository{db: db}
}

func (r *PersonaRepository) GetByID(ctx context.Context, personaID string) (*models.Persona, error) {
	var persona models.Persona
	err := r.db.WithContext(ctx).Where("id = ?", personaID).First(&persona).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load persona: %w", err)
	}
	return &persona, nil
}

// ClearStoryFlag permanently disables story mode for the persona. Safe
// to call more than once; the flag only ever goes from true to false.
func (r *PersonaRepository) ClearStoryFlag(ctx context.Context, personaID string) error {
	err := r.db.WithContext(ctx).
		Model(&models.Persona{}).
		Where("id = ?", personaID).
		Update("story_mode", false).Error
	if err != nil {
		return fmt.Errorf("failed to clear story flag: %w", err)
	}
	return nil
}
