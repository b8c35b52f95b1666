package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"Aurelia/server/internal/chat"
	"Aurelia/server/internal/imagegen"
	"Aurelia/server/internal/interfaces"
	"Aurelia/server/internal/models"
	"Aurelia/server/internal/story"
)

// TurnRequest is one inbound user turn from any channel.
type TurnRequest struct {
	UserID    string `json:"user_id"`
	PersonaID string `json:"persona_id"`
	Text      string `json:"text"`
	Tier      string `json:"tier"`

	// SourceImage enables image-to-image continuation: URL or base64.
	SourceImage string `json:"source_image,omitempty"`

	// BranchIndex selects a narrative branch explicitly (from a menu);
	// nil for normal turns.
	BranchIndex *int `json:"branch_index,omitempty"`
}

// Orchestrator coordinates one user turn end to end: budget gate,
// session resolve, persistence, narrative engine, classification, the
// completion or image service, sanitation, and the advance check.
type Orchestrator struct {
	personas   interfaces.PersonaRepository
	sessions   interfaces.SessionRepository
	messages   interfaces.MessageRepository
	windower   *chat.HistoryWindower
	narrative  *story.Engine
	composer   *imagegen.Composer
	images     interfaces.ImageClient
	completion interfaces.CompletionClient
	limiter    interfaces.UsageLimiter
	logger     *zap.Logger
}

func NewOrchestrator(
	personas interfaces.PersonaRepository,
	sessions interfaces.SessionRepository,
	messages interfaces.MessageRepository,
	windower *chat.HistoryWindower,
	narrative *story.Engine,
	composer *imagegen.Composer,
	images interfaces.ImageClient,
	completion interfaces.CompletionClient,
	limiter interfaces.UsageLimiter,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		personas:   personas,
		sessions:   sessions,
		messages:   messages,
		windower:   windower,
		narrative:  narrative,
		composer:   composer,
		images:     images,
		completion: completion,
		limiter:    limiter,
		logger:     logger,
	}
}

// ProcessTurn runs one turn through the pipeline and returns the
// assistant turn. The budget gate runs before anything paid; once the
// user turn is persisted it stays persisted even when a later step
// fails, and the failure surfaces for this turn alone.
func (o *Orchestrator) ProcessTurn(ctx context.Context, req *TurnRequest) (*models.Turn, error) {
	persona, err := o.personas.GetByID(ctx, req.PersonaID)
	if err != nil {
		return nil, err
	}

	if err := o.limiter.Consume(ctx, req.UserID, req.Tier); err != nil {
		return nil, err
	}

	session, err := o.sessions.Resolve(ctx, req.UserID, req.PersonaID)
	if err != nil {
		return nil, err
	}

	userMsg := &models.Message{
		SessionID: session.ID,
		Role:      models.RoleUser,
		Content:   req.Text,
	}
	if err := o.messages.Append(ctx, userMsg); err != nil {
		return nil, err
	}

	nctx, err := o.narrative.Resolve(ctx, persona, session, req.UserID)
	if err != nil {
		return nil, err
	}

	history, err := o.windower.Load(ctx, session, req.Tier, persona.MemoryLevel, userMsg)
	if err != nil {
		return nil, err
	}

	// Explicit branch selection bypasses generation entirely.
	if req.BranchIndex != nil && nctx.Active() {
		turn, err := o.narrative.SelectBranch(ctx, nctx, *req.BranchIndex)
		if err != nil {
			return nil, err
		}
		return o.finishTurn(ctx, session, nctx, turn)
	}

	// The narrative engine may resolve the turn itself: a gated image
	// reveal or the no-asset refusal.
	turn, err := o.narrative.HandleTurn(ctx, nctx, req.Text, history)
	if err != nil {
		return nil, err
	}
	if turn != nil {
		return o.finishTurn(ctx, session, nctx, turn)
	}

	// Outside story mode the classifier decides the branch. In story
	// mode image intent was already consumed above, so everything left
	// is a text turn.
	if !nctx.Active() && chat.WantsImage(req.Text) {
		turn = o.imageTurn(ctx, persona, req)
	} else {
		turn = o.textTurn(ctx, persona, nctx, history, req.Text)
	}

	return o.finishTurn(ctx, session, nctx, turn)
}

// ClearHistory archives the live session for the pair.
func (o *Orchestrator) ClearHistory(ctx context.Context, userID, personaID string) error {
	return o.sessions.Archive(ctx, userID, personaID)
}

// History returns the recent window for display purposes.
func (o *Orchestrator) History(ctx context.Context, userID, personaID, tier string) ([]models.Message, error) {
	persona, err := o.personas.GetByID(ctx, personaID)
	if err != nil {
		return nil, err
	}
	session, err := o.sessions.Resolve(ctx, userID, personaID)
	if err != nil {
		return nil, err
	}
	return o.windower.Load(ctx, session, tier, persona.MemoryLevel, nil)
}

// imageTurn runs the free-form image path. Terminal generation
// failures degrade to the in-character fallback text instead of
// leaking an error into the conversation.
func (o *Orchestrator) imageTurn(ctx context.Context, persona *models.Persona, req *TurnRequest) *models.Turn {
	prompt := chat.ExtractPrompt(req.Text)

	imgReq, err := o.composer.Compose(ctx, persona, prompt, req.SourceImage)
	if err != nil {
		o.logger.Error("failed to compose image request", zap.Error(err))
		return models.TextTurn(models.FallbackReply)
	}

	result, err := o.images.Generate(ctx, imgReq)
	if err != nil {
		o.logger.Error("image generation failed",
			zap.String("persona_id", persona.ID),
			zap.Error(err))
		return models.TextTurn(models.FallbackReply)
	}

	return models.ImageTurn(result.Images[0], "")
}

// textTurn assembles the completion request and sanitizes the reply.
func (o *Orchestrator) textTurn(ctx context.Context, persona *models.Persona, nctx *story.Context, history []models.Message, userText string) *models.Turn {
	turns := []interfaces.ChatTurn{
		{Role: models.RoleSystem, Content: o.systemPrompt(persona, nctx)},
	}
	for _, msg := range history {
		content := msg.Content
		if msg.IsImage && content == "" {
			content = "(sent a photo)"
		}
		turns = append(turns, interfaces.ChatTurn{Role: msg.Role, Content: content})
	}
	turns = append(turns, interfaces.ChatTurn{Role: models.RoleUser, Content: userText})

	reply, err := o.completion.Complete(ctx, &interfaces.CompletionRequest{
		Turns: NormalizeTurns(turns),
	})
	if err != nil {
		o.logger.Error("completion failed",
			zap.String("persona_id", persona.ID),
			zap.Error(err))
		return models.TextTurn(models.FallbackReply)
	}

	return models.TextTurn(chat.Sanitize(reply, persona.Name))
}

// systemPrompt layers the persona identity over the active chapter
// directives.
func (o *Orchestrator) systemPrompt(persona *models.Persona, nctx *story.Context) string {
	var b strings.Builder
	b.WriteString("You are ")
	b.WriteString(persona.Name)
	if persona.RelationshipRole != "" {
		b.WriteString(", the user's ")
		b.WriteString(persona.RelationshipRole)
	}
	b.WriteString(".\n")
	if persona.Personality != "" {
		b.WriteString(persona.Personality)
		b.WriteString("\n")
	}
	if persona.SystemDirective != "" {
		b.WriteString(persona.SystemDirective)
		b.WriteString("\n")
	}
	if directives := o.narrative.Directives(nctx); directives != "" {
		b.WriteString("\n")
		b.WriteString(directives)
	}
	return strings.TrimSpace(b.String())
}

// finishTurn persists the assistant turn, runs the advance check and
// hands the turn back. Advance-check failures are logged, never
// surfaced: the user already has their reply.
func (o *Orchestrator) finishTurn(ctx context.Context, session *models.ConversationSession, nctx *story.Context, turn *models.Turn) (*models.Turn, error) {
	assistantMsg := &models.Message{
		SessionID: session.ID,
		Role:      models.RoleAssistant,
		Content:   turn.Text,
		IsImage:   turn.Kind == models.TurnImage,
		ImageURL:  turn.ImageURL,
	}
	if err := o.messages.Append(ctx, assistantMsg); err != nil {
		return nil, fmt.Errorf("failed to persist assistant turn: %w", err)
	}

	if err := o.narrative.CheckAdvance(ctx, nctx); err != nil && !errors.Is(err, models.ErrNotFound) {
		o.logger.Error("advance check failed",
			zap.String("session_id", session.ID),
			zap.Error(err))
	}

	return turn, nil
}
