package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// StringList is a JSON-serialized list stored in a text column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for StringList: %T", value)
	}
	if len(data) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(data, l)
}

// Persona is a configured AI character. The identity asset set (face
// reference, anatomy reference, training images) feeds image generation;
// the text fields feed the completion prompt. Mutated only by admin
// tooling, read-only for the orchestration layer.
type Persona struct {
	ID               string `gorm:"primaryKey;size:36" json:"id"`
	Name             string `gorm:"size:128" json:"name"`
	Personality      string `gorm:"type:text" json:"personality"`
	SystemDirective  string `gorm:"type:text" json:"system_directive"`
	RelationshipRole string `gorm:"size:64" json:"relationship_role"`

	// Story mode flag. Cleared permanently for everyone once set to
	// false; per-user completion is tracked on UserStoryProgress.
	StoryMode bool `json:"story_mode"`

	// MemoryLevel selects the elevated-tier history window (1..3).
	MemoryLevel int `gorm:"default:1" json:"memory_level"`

	// Identity asset set.
	FaceRefURL     string     `gorm:"size:512" json:"face_ref_url"`
	AnatomyRefURL  string     `gorm:"size:512" json:"anatomy_ref_url"`
	TrainingImages StringList `gorm:"type:text" json:"training_images"`

	// Generation preference hints.
	PreferredPoses        string     `gorm:"type:text" json:"preferred_poses"`
	PreferredEnvironments string     `gorm:"type:text" json:"preferred_environments"`
	PreferredMoods        string     `gorm:"type:text" json:"preferred_moods"`
	Restrictions          StringList `gorm:"type:text" json:"restrictions"`
	DefaultPromptHook     string     `gorm:"type:text" json:"default_prompt_hook"`
	NegativePromptHook    string     `gorm:"type:text" json:"negative_prompt_hook"`
	StyleHook             string     `gorm:"type:text" json:"style_hook"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IdentityPool returns every image usable as a master identity
// reference: the face reference plus all training images.
func (p *Persona) IdentityPool() []string {
	pool := make([]string, 0, len(p.TrainingImages)+1)
	if p.FaceRefURL != "" {
		pool = append(pool, p.FaceRefURL)
	}
	pool = append(pool, p.TrainingImages...)
	return pool
}
