package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// MaxChapterImages caps the configured images per chapter.
const MaxChapterImages = 6

// ChapterImage is one gated reveal inside a chapter. Keywords is a
// free-text metadata string matched against user words when picking
// which unseen image to send.
type ChapterImage struct {
	URL      string `json:"url"`
	Keywords string `json:"keywords,omitempty"`
}

// ChapterImages is the ordered image list, JSON-serialized in a text
// column like StringList.
type ChapterImages []ChapterImage

func (c ChapterImages) Value() (driver.Value, error) {
	if len(c) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (c *ChapterImages) Scan(value interface{}) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*c = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for ChapterImages: %T", value)
	}
	if len(data) == 0 {
		*c = nil
		return nil
	}
	return json.Unmarshal(data, c)
}

// StoryBranch is a soft narrative fork. Branches bias the completion
// prompt as steering hints; only an explicit branch-index selection
// from a menu sends Response verbatim and advances by AdvanceBy.
type StoryBranch struct {
	Label     string `json:"label"`
	Response  string `json:"response"`
	AdvanceBy int    `json:"advance_by,omitempty"`
}

// StoryBranches is the JSON-serialized branch list.
type StoryBranches []StoryBranch

func (b StoryBranches) Value() (driver.Value, error) {
	if len(b) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (b *StoryBranches) Scan(value interface{}) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*b = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for StoryBranches: %T", value)
	}
	if len(data) == 0 {
		*b = nil
		return nil
	}
	return json.Unmarshal(data, b)
}

// StoryChapter is one scripted narrative unit. Number forms a total
// order per persona starting at 1.
type StoryChapter struct {
	ID             string        `gorm:"primaryKey;size:36" json:"id"`
	PersonaID      string        `gorm:"size:36;index:idx_chapter,unique" json:"persona_id"`
	Number         int           `gorm:"index:idx_chapter,unique" json:"number"`
	Title          string        `gorm:"size:255" json:"title"`
	Tone           string        `gorm:"size:64" json:"tone"`
	Directive      string        `gorm:"type:text" json:"directive"`
	OpeningMessage string        `gorm:"type:text" json:"opening_message"`
	Images         ChapterImages `gorm:"type:text" json:"images"`
	Branches       StoryBranches `gorm:"type:text" json:"branches"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// ImageURLs returns the chapter image URLs in configured order.
func (c *StoryChapter) ImageURLs() []string {
	urls := make([]string, 0, len(c.Images))
	for _, img := range c.Images {
		urls = append(urls, img.URL)
	}
	return urls
}

// UserStoryProgress tracks one user's position in a persona's story.
// Created at chapter 1 on first entry; once Completed the user falls
// back to free-form chat permanently.
type UserStoryProgress struct {
	ID        string `gorm:"primaryKey;size:36" json:"id"`
	UserID    string `gorm:"size:36;index:idx_progress,unique" json:"user_id"`
	PersonaID string `gorm:"size:36;index:idx_progress,unique" json:"persona_id"`
	Chapter   int    `json:"chapter"`
	Completed bool   `json:"completed"`

	// EnteredAt marks entry into the current chapter; the per-chapter
	// message counter is recomputed as messages persisted after it.
	EnteredAt time.Time `json:"entered_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
