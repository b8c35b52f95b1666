package story

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"Aurelia/server/internal/chat"
	"Aurelia/server/internal/interfaces"
	"Aurelia/server/internal/models"
)

const (
	// chapterMessageThreshold advances the chapter on raw conversation
	// volume even when gated images remain unseen.
	chapterMessageThreshold = 12

	// maxConsentLength bounds how long a reply can be and still count
	// as a bare "yes" to a photo offer.
	maxConsentLength = 35
)

// RefusalText is the canned in-character reply when an image is
// requested but the current chapter has nothing to reveal. Story mode
// never escapes to the free-form image path.
const RefusalText = "Mmm, not yet... be patient with me, okay? The moment has to be right."

// Short affirmative replies that, right after a photo offer, count as
// consent.
var affirmativeReplies = []string{
	"yes", "yeah", "yep", "yup", "ok", "okay", "sure", "please",
	"yes please", "go ahead", "send it", "do it", "of course",
	"absolutely", "show me", "i'd love that", "i would love that",
}

// Words in a prior assistant turn that make it a photo offer.
var offerMarkers = []string{"see", "photo", "pic", "show"}

// Context is the resolved narrative state for one turn: nil Chapter
// means the engine is inactive for this turn.
type Context struct {
	Persona  *models.Persona
	Session  *models.ConversationSession
	Progress *models.UserStoryProgress
	Chapter  *models.StoryChapter
}

// Active reports whether a scripted chapter governs this turn.
func (c *Context) Active() bool {
	return c != nil && c.Chapter != nil
}

// Engine is the per-(user, persona) chapter state machine. All chapter
// counters are recomputed from the persisted message log on every
// check, so concurrent channels writing to the same session cannot
// drift it.
type Engine struct {
	personas interfaces.PersonaRepository
	chapters interfaces.StoryRepository
	progress interfaces.ProgressRepository
	messages interfaces.MessageRepository
	logger   *zap.Logger
}

func NewEngine(
	personas interfaces.PersonaRepository,
	chapters interfaces.StoryRepository,
	progress interfaces.ProgressRepository,
	messages interfaces.MessageRepository,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		personas: personas,
		chapters: chapters,
		progress: progress,
		messages: messages,
		logger:   logger,
	}
}

// Resolve determines the narrative state for the turn. First turn under
// an active story flag creates progress at chapter 1; a completed
// record clears the persona's story flag once and stays inactive; a
// record pointing at a missing chapter is treated as completion, not an
// error.
func (e *Engine) Resolve(ctx context.Context, persona *models.Persona, session *models.ConversationSession, userID string) (*Context, error) {
	nctx := &Context{Persona: persona, Session: session}
	if !persona.StoryMode {
		return nctx, nil
	}

	prog, err := e.progress.Get(ctx, userID, persona.ID)
	if errors.Is(err, models.ErrNotFound) {
		prog, err = e.progress.Create(ctx, userID, persona.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve story progress: %w", err)
	}
	nctx.Progress = prog

	if prog.Completed {
		e.deactivate(ctx, persona)
		return nctx, nil
	}

	chapter, err := e.chapters.GetChapter(ctx, persona.ID, prog.Chapter)
	if errors.Is(err, models.ErrNotFound) {
		// Malformed state: the script shrank under a live record.
		e.logger.Warn("progress references missing chapter, treating as completed",
			zap.String("persona_id", persona.ID),
			zap.Int("chapter", prog.Chapter))
		if err := e.progress.Complete(ctx, prog); err != nil {
			return nil, err
		}
		e.deactivate(ctx, persona)
		return nctx, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load chapter: %w", err)
	}

	nctx.Chapter = chapter
	return nctx, nil
}

// deactivate clears the persona story flag after completion. The flag
// only ever transitions one way, so a repeat call is harmless.
func (e *Engine) deactivate(ctx context.Context, persona *models.Persona) {
	if !persona.StoryMode {
		return
	}
	if err := e.personas.ClearStoryFlag(ctx, persona.ID); err != nil {
		e.logger.Error("failed to clear story flag", zap.String("persona_id", persona.ID), zap.Error(err))
		return
	}
	persona.StoryMode = false
}

// HandleTurn resolves the turn inside the active chapter, returning a
// short-circuit turn (gated image reveal or refusal) or nil to fall
// through to the general pipeline. history is the loaded window, used
// to detect consent replies to a prior photo offer.
func (e *Engine) HandleTurn(ctx context.Context, nctx *Context, userText string, history []models.Message) (*models.Turn, error) {
	if !nctx.Active() {
		return nil, nil
	}

	wantsImage := chat.WantsImage(userText)
	if !wantsImage && !isConsentReply(userText, lastAssistantText(history)) {
		return nil, nil
	}

	if len(nctx.Chapter.Images) == 0 {
		return models.TextTurn(RefusalText), nil
	}

	seen, err := e.messages.SeenImageURLs(ctx, nctx.Session.ID, nctx.Chapter.ImageURLs())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve seen images: %w", err)
	}

	img := SelectImage(nctx.Chapter.Images, seen, userText)
	if img == nil {
		return models.TextTurn(RefusalText), nil
	}
	return models.ImageTurn(img.URL, ""), nil
}

// Directives assembles the chapter's scripted instructions for the
// completion prompt: the directive text, the tone, and the branches as
// soft steering hints. Branches are never pattern-matched against user
// text; they bias generation only.
func (e *Engine) Directives(nctx *Context) string {
	if !nctx.Active() {
		return ""
	}
	ch := nctx.Chapter

	var b strings.Builder
	b.WriteString("Current story chapter: ")
	b.WriteString(ch.Title)
	if ch.Tone != "" {
		b.WriteString(" (tone: ")
		b.WriteString(ch.Tone)
		b.WriteString(")")
	}
	b.WriteString("\n")
	if ch.Directive != "" {
		b.WriteString(ch.Directive)
		b.WriteString("\n")
	}
	for _, branch := range ch.Branches {
		b.WriteString("If the user seems to want ")
		b.WriteString(branch.Label)
		b.WriteString(", steer the conversation toward: ")
		b.WriteString(branch.Response)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// SelectBranch executes an explicit branch selection (e.g. from a
// menu): the branch's canned response is returned verbatim and the
// chapter advances by the branch's configured increment, default 1.
func (e *Engine) SelectBranch(ctx context.Context, nctx *Context, index int) (*models.Turn, error) {
	if !nctx.Active() {
		return nil, models.ErrNotFound
	}
	if index < 0 || index >= len(nctx.Chapter.Branches) {
		return nil, fmt.Errorf("branch %d: %w", index, models.ErrNotFound)
	}
	branch := nctx.Chapter.Branches[index]

	step := branch.AdvanceBy
	if step == 0 {
		step = 1
	}
	if err := e.advanceBy(ctx, nctx, step); err != nil {
		return nil, err
	}
	return models.TextTurn(branch.Response), nil
}

// CheckAdvance recomputes the chapter counters from the message log and
// advances when either threshold is met: enough conversation volume, or
// every gated image revealed. Runs after each assistant turn persists.
func (e *Engine) CheckAdvance(ctx context.Context, nctx *Context) error {
	if !nctx.Active() {
		return nil
	}

	messagesInChapter, err := e.messages.CountSince(ctx, nctx.Session.ID, nctx.Progress.EnteredAt)
	if err != nil {
		return fmt.Errorf("failed to count chapter messages: %w", err)
	}

	imagesShown := 0
	total := len(nctx.Chapter.Images)
	if total > 0 {
		seen, err := e.messages.SeenImageURLs(ctx, nctx.Session.ID, nctx.Chapter.ImageURLs())
		if err != nil {
			return fmt.Errorf("failed to count shown images: %w", err)
		}
		imagesShown = len(seen)
	}

	if messagesInChapter < chapterMessageThreshold && !(total > 0 && imagesShown >= total) {
		return nil
	}

	e.logger.Info("advancing chapter",
		zap.String("persona_id", nctx.Persona.ID),
		zap.Int("from", nctx.Progress.Chapter),
		zap.Int64("messages", messagesInChapter),
		zap.Int("images_shown", imagesShown))

	return e.advanceBy(ctx, nctx, 1)
}

// advanceBy moves the progress record forward, completing the story
// when the target chapter does not exist.
func (e *Engine) advanceBy(ctx context.Context, nctx *Context, step int) error {
	next := nctx.Progress.Chapter + step

	chapter, err := e.chapters.GetChapter(ctx, nctx.Persona.ID, next)
	if errors.Is(err, models.ErrNotFound) {
		if err := e.progress.Complete(ctx, nctx.Progress); err != nil {
			return err
		}
		e.deactivate(ctx, nctx.Persona)
		nctx.Chapter = nil
		return nil
	}
	if err != nil {
		return err
	}

	if err := e.progress.Advance(ctx, nctx.Progress, next); err != nil {
		return err
	}
	nctx.Chapter = chapter
	return nil
}

// isConsentReply reports whether text is a short affirmative answer to
// a prior assistant turn that offered a photo.
func isConsentReply(text, priorAssistant string) bool {
	if priorAssistant == "" {
		return false
	}
	trimmed := strings.ToLower(strings.TrimSpace(text))
	trimmed = strings.Trim(trimmed, "!.?, ")
	if trimmed == "" || len(trimmed) > maxConsentLength {
		return false
	}

	offered := false
	prior := strings.ToLower(priorAssistant)
	for _, marker := range offerMarkers {
		if strings.Contains(prior, marker) {
			offered = true
			break
		}
	}
	if !offered {
		return false
	}

	for _, affirmative := range affirmativeReplies {
		if trimmed == affirmative {
			return true
		}
	}
	return false
}

// lastAssistantText finds the trailing assistant turn in the window.
func lastAssistantText(history []models.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleAssistant {
			return history[i].Content
		}
		if history[i].Role == models.RoleUser {
			// Consent only counts immediately after the offer.
			return ""
		}
	}
	return ""
}
