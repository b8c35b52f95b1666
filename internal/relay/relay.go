package relay

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"Aurelia/server/internal/engine"
	"Aurelia/server/internal/interfaces"
	"Aurelia/server/internal/models"
	"Aurelia/server/internal/story"
)

// TurnProcessor is the orchestrator surface the relay delegates to.
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, req *engine.TurnRequest) (*models.Turn, error)
}

// Generic openers for personas without an active scripted chapter.
var defaultGreetings = []string{
	"Hey you. I was just thinking about you.",
	"Good morning! Did you sleep well?",
	"Miss me yet? Because I definitely missed you.",
	"Hi! Tell me everything about your day so far.",
}

// Relay sits between delivery channels and the orchestrator. It owns
// the proactive side of the conversation: the once-daily greeting,
// deduplicated across concurrently firing channels, and the scripted
// chapter opener. Reactive turns pass straight through with counters.
type Relay struct {
	processor TurnProcessor
	personas  interfaces.PersonaRepository
	chapters  interfaces.StoryRepository
	progress  interfaces.ProgressRepository
	greetings interfaces.GreetingMarker
	logger    *zap.Logger

	greetingsSent  atomic.Int64
	turnsDelivered atomic.Int64
}

func NewRelay(
	processor TurnProcessor,
	personas interfaces.PersonaRepository,
	chapters interfaces.StoryRepository,
	progress interfaces.ProgressRepository,
	greetings interfaces.GreetingMarker,
	logger *zap.Logger,
) *Relay {
	return &Relay{
		processor: processor,
		personas:  personas,
		chapters:  chapters,
		progress:  progress,
		greetings: greetings,
		logger:    logger,
	}
}

// Greet produces the first-contact turn for the day, or nil when
// another channel already greeted this pair today. The marker is
// claimed before any content is built, so two channels racing the same
// morning resolve to exactly one greeting.
func (r *Relay) Greet(ctx context.Context, userID, personaID string) (*models.Turn, error) {
	first, err := r.greetings.MarkGreeted(ctx, userID, personaID)
	if err != nil {
		return nil, err
	}
	if !first {
		return nil, nil
	}

	persona, err := r.personas.GetByID(ctx, personaID)
	if err != nil {
		return nil, err
	}

	if turn := r.chapterGreeting(ctx, persona, userID); turn != nil {
		r.greetingsSent.Inc()
		return turn, nil
	}

	r.greetingsSent.Inc()
	return models.TextTurn(defaultGreetings[rand.Intn(len(defaultGreetings))]), nil
}

// chapterGreeting builds the scripted opener when a story chapter is
// live for this pair: the chapter's opening message if configured,
// otherwise a random chapter image. Returns nil to fall back to the
// generic pool; greeting failures never block the greeting itself.
func (r *Relay) chapterGreeting(ctx context.Context, persona *models.Persona, userID string) *models.Turn {
	if !persona.StoryMode {
		return nil
	}

	number := 1
	prog, err := r.progress.Get(ctx, userID, persona.ID)
	if err == nil {
		if prog.Completed {
			return nil
		}
		number = prog.Chapter
	} else if !errors.Is(err, models.ErrNotFound) {
		r.logger.Warn("failed to load story progress for greeting",
			zap.String("persona_id", persona.ID), zap.Error(err))
		return nil
	}

	chapter, err := r.chapters.GetChapter(ctx, persona.ID, number)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			r.logger.Warn("failed to load chapter for greeting",
				zap.String("persona_id", persona.ID), zap.Error(err))
		}
		return nil
	}

	if chapter.OpeningMessage != "" {
		return models.TextTurn(chapter.OpeningMessage)
	}
	if img := story.SelectRandom(chapter.Images); img != nil {
		return models.ImageTurn(img.URL, "")
	}
	return nil
}

// Deliver passes a reactive turn to the orchestrator, tracking volume
// and latency per channel delivery.
func (r *Relay) Deliver(ctx context.Context, req *engine.TurnRequest) (*models.Turn, error) {
	start := time.Now()
	turn, err := r.processor.ProcessTurn(ctx, req)
	if err != nil {
		return nil, err
	}

	r.turnsDelivered.Inc()
	r.logger.Debug("turn delivered",
		zap.String("user_id", req.UserID),
		zap.String("persona_id", req.PersonaID),
		zap.String("kind", string(turn.Kind)),
		zap.Duration("elapsed", time.Since(start)))
	return turn, nil
}

// Stats is a point-in-time counter snapshot for the health surface.
type Stats struct {
	GreetingsSent  int64 `json:"greetings_sent"`
	TurnsDelivered int64 `json:"turns_delivered"`
}

func (r *Relay) Stats() Stats {
	return Stats{
		GreetingsSent:  r.greetingsSent.Load(),
		TurnsDelivered: r.turnsDelivered.Load(),
	}
}
