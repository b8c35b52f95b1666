package interfaces

import (
	"context"
	"time"

	"Aurelia/server/internal/models"
)

// SessionRepository resolves and archives conversation sessions.
type SessionRepository interface {
	// Resolve finds or creates the single live session for the pair.
	// Safe under concurrent first turns; touches last_activity.
	Resolve(ctx context.Context, userID, personaID string) (*models.ConversationSession, error)

	// Archive retires the live session for the pair, preserving its
	// messages as an audit trail.
	Archive(ctx context.Context, userID, personaID string) error
}

// MessageRepository is the append-only message log plus the derived
// counters the progression engine recomputes from it.
type MessageRepository interface {
	Append(ctx context.Context, msg *models.Message) error

	// Window returns the last limit messages in chronological order.
	Window(ctx context.Context, sessionID string, limit int) ([]models.Message, error)

	// CountSince counts messages persisted at or after the given time.
	CountSince(ctx context.Context, sessionID string, since time.Time) (int64, error)

	// SeenImageURLs returns which of the candidate URLs already appear
	// as image_url in the session's persisted messages.
	SeenImageURLs(ctx context.Context, sessionID string, candidates []string) (map[string]bool, error)
}

// PersonaRepository reads personas and flips their story flag.
type PersonaRepository interface {
	GetByID(ctx context.Context, personaID string) (*models.Persona, error)

	// ClearStoryFlag permanently disables story mode for the persona.
	ClearStoryFlag(ctx context.Context, personaID string) error
}

// StoryRepository reads scripted chapters.
type StoryRepository interface {
	// GetChapter returns the chapter with the given number, or
	// models.ErrNotFound past the end of the script.
	GetChapter(ctx context.Context, personaID string, number int) (*models.StoryChapter, error)
}

// ProgressRepository tracks per-user story position.
type ProgressRepository interface {
	// Get returns the progress record or models.ErrNotFound.
	Get(ctx context.Context, userID, personaID string) (*models.UserStoryProgress, error)

	// Create inserts a fresh record at chapter 1; concurrent creation
	// for the same pair yields one record.
	Create(ctx context.Context, userID, personaID string) (*models.UserStoryProgress, error)

	// Advance moves the record to the given chapter and resets the
	// chapter entry time.
	Advance(ctx context.Context, progress *models.UserStoryProgress, toChapter int) error

	// Complete marks the story finished for this user. One-way.
	Complete(ctx context.Context, progress *models.UserStoryProgress) error
}

// UsageLimiter enforces the per-day message budget before any paid
// service is called.
type UsageLimiter interface {
	// Consume counts one turn against today's budget and returns
	// models.ErrUsageLimitReached when the cap is hit.
	Consume(ctx context.Context, userID, tier string) error
}

// GreetingMarker deduplicates the first daily greeting across
// concurrently firing channels.
type GreetingMarker interface {
	// MarkGreeted sets today's marker for the pair and reports whether
	// this caller set it first.
	MarkGreeted(ctx context.Context, userID, personaID string) (bool, error)
}
