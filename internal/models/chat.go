package models

import (
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Caller tiers. The tier gates both the history window size and the
// daily message budget.
const (
	TierBaseline = "baseline"
	TierElevated = "elevated"
)

// ConversationSession is the live conversation container for one
// (user, persona) pair. At most one non-archived session exists per
// pair; "clearing history" archives the session instead of deleting it.
type ConversationSession struct {
	ID        string `gorm:"primaryKey;size:36" json:"id"`
	UserID    string `gorm:"size:36;index" json:"user_id"`
	PersonaID string `gorm:"size:36;index" json:"persona_id"`
	Archived  bool   `json:"archived"`

	// ActiveKey is "<user_id>:<persona_id>" while the session is live
	// and NULL once archived. The unique index on it is what makes
	// find-or-create race-safe under MySQL, which has no partial
	// indexes.
	ActiveKey *string `gorm:"uniqueIndex;size:80" json:"-"`

	LastActivity time.Time `json:"last_activity"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ActiveKeyFor builds the uniqueness key for a live session.
func ActiveKeyFor(userID, personaID string) string {
	return userID + ":" + personaID
}

// Message is one turn in a session. Immutable once written; ordering is
// creation time, then id for same-timestamp writes.
type Message struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	SessionID string    `gorm:"size:36;index" json:"session_id"`
	Role      string    `gorm:"size:16" json:"role"`
	Content   string    `gorm:"type:text" json:"content"`
	IsImage   bool      `json:"is_image"`
	ImageURL  string    `gorm:"size:512" json:"image_url"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// Turn is what the orchestrator hands back to a channel: either a text
// turn or an image turn, never both.
type Turn struct {
	Kind     TurnKind `json:"kind"`
	Text     string   `json:"text,omitempty"`
	ImageURL string   `json:"image_url,omitempty"`
}

// TurnKind tags the two turn variants.
type TurnKind string

const (
	TurnText  TurnKind = "text"
	TurnImage TurnKind = "image"
)

// TextTurn builds a text turn.
func TextTurn(text string) *Turn {
	return &Turn{Kind: TurnText, Text: text}
}

// ImageTurn builds an image turn with an optional caption.
func ImageTurn(url, caption string) *Turn {
	return &Turn{Kind: TurnImage, ImageURL: url, Text: caption}
}
