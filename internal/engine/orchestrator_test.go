package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"Aurelia/server/internal/chat"
	"Aurelia/server/internal/config"
	"Aurelia/server/internal/imagegen"
	"Aurelia/server/internal/interfaces"
	"Aurelia/server/internal/models"
	"Aurelia/server/internal/story"
)

type mockPersonaRepo struct{ mock.Mock }

func (m *mockPersonaRepo) GetByID(ctx context.Context, personaID string) (*models.Persona, error) {
	args := m.Called(ctx, personaID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Persona), args.Error(1)
}

func (m *mockPersonaRepo) ClearStoryFlag(ctx context.Context, personaID string) error {
	return m.Called(ctx, personaID).Error(0)
}

type mockSessionRepo struct{ mock.Mock }

func (m *mockSessionRepo) Resolve(ctx context.Context, userID, personaID string) (*models.ConversationSession, error) {
	args := m.Called(ctx, userID, personaID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ConversationSession), args.Error(1)
}

func (m *mockSessionRepo) Archive(ctx context.Context, userID, personaID string) error {
	return m.Called(ctx, userID, personaID).Error(0)
}

type mockMessageRepo struct{ mock.Mock }

func (m *mockMessageRepo) Append(ctx context.Context, msg *models.Message) error {
	return m.Called(ctx, msg).Error(0)
}

func (m *mockMessageRepo) Window(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	args := m.Called(ctx, sessionID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Message), args.Error(1)
}

func (m *mockMessageRepo) CountSince(ctx context.Context, sessionID string, since time.Time) (int64, error) {
	args := m.Called(ctx, sessionID, since)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockMessageRepo) SeenImageURLs(ctx context.Context, sessionID string, candidates []string) (map[string]bool, error) {
	args := m.Called(ctx, sessionID, candidates)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]bool), args.Error(1)
}

type mockStoryRepo struct{ mock.Mock }

func (m *mockStoryRepo) GetChapter(ctx context.Context, personaID string, number int) (*models.StoryChapter, error) {
	args := m.Called(ctx, personaID, number)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.StoryChapter), args.Error(1)
}

type mockProgressRepo struct{ mock.Mock }

func (m *mockProgressRepo) Get(ctx context.Context, userID, personaID string) (*models.UserStoryProgress, error) {
	args := m.Called(ctx, userID, personaID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.UserStoryProgress), args.Error(1)
}

func (m *mockProgressRepo) Create(ctx context.Context, userID, personaID string) (*models.UserStoryProgress, error) {
	args := m.Called(ctx, userID, personaID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.UserStoryProgress), args.Error(1)
}

func (m *mockProgressRepo) Advance(ctx context.Context, progress *models.UserStoryProgress, toChapter int) error {
	args := m.Called(ctx, progress, toChapter)
	if args.Error(0) == nil {
		progress.Chapter = toChapter
		progress.EnteredAt = time.Now()
	}
	return args.Error(0)
}

func (m *mockProgressRepo) Complete(ctx context.Context, progress *models.UserStoryProgress) error {
	args := m.Called(ctx, progress)
	if args.Error(0) == nil {
		progress.Completed = true
	}
	return args.Error(0)
}

type mockLimiter struct{ mock.Mock }

func (m *mockLimiter) Consume(ctx context.Context, userID, tier string) error {
	return m.Called(ctx, userID, tier).Error(0)
}

type mockCompletion struct{ mock.Mock }

func (m *mockCompletion) Complete(ctx context.Context, req *interfaces.CompletionRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

type mockImages struct{ mock.Mock }

func (m *mockImages) Generate(ctx context.Context, req *interfaces.ImageRequest) (*interfaces.ImageResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.ImageResult), args.Error(1)
}

type fixture struct {
	personas   *mockPersonaRepo
	sessions   *mockSessionRepo
	messages   *mockMessageRepo
	chapters   *mockStoryRepo
	progress   *mockProgressRepo
	limiter    *mockLimiter
	completion *mockCompletion
	images     *mockImages
	orch       *Orchestrator
}

func newFixture() *fixture {
	f := &fixture{
		personas:   new(mockPersonaRepo),
		sessions:   new(mockSessionRepo),
		messages:   new(mockMessageRepo),
		chapters:   new(mockStoryRepo),
		progress:   new(mockProgressRepo),
		limiter:    new(mockLimiter),
		completion: new(mockCompletion),
		images:     new(mockImages),
	}

	logger := zap.NewNop()
	windower := chat.NewHistoryWindower(f.messages, config.ChatConfig{
		BaselineWindow: 6,
		MemoryWindows:  []int{12, 24, 48},
	})
	narrative := story.NewEngine(f.personas, f.chapters, f.progress, f.messages, logger)
	composer := imagegen.NewComposer("ref-v1", 1024, 1024)

	f.orch = NewOrchestrator(
		f.personas, f.sessions, f.messages,
		windower, narrative, composer,
		f.images, f.completion, f.limiter, logger,
	)
	return f
}

func chatPersona() *models.Persona {
	return &models.Persona{
		ID:          "persona-1",
		Name:        "Luna",
		Personality: "Playful and warm.",
		MemoryLevel: 1,
		FaceRefURL:  "https://cdn.example.com/face.jpg",
	}
}

func liveSession() *models.ConversationSession {
	key := models.ActiveKeyFor("user-1", "persona-1")
	return &models.ConversationSession{ID: "session-1", UserID: "user-1", PersonaID: "persona-1", ActiveKey: &key}
}

func turnRequest(text string) *TurnRequest {
	return &TurnRequest{UserID: "user-1", PersonaID: "persona-1", Text: text, Tier: models.TierBaseline}
}

func TestProcessTurnTextPath(t *testing.T) {
	f := newFixture()
	f.personas.On("GetByID", mock.Anything, "persona-1").Return(chatPersona(), nil)
	f.limiter.On("Consume", mock.Anything, "user-1", models.TierBaseline).Return(nil)
	f.sessions.On("Resolve", mock.Anything, "user-1", "persona-1").Return(liveSession(), nil)
	f.messages.On("Append", mock.Anything, mock.Anything).Return(nil)
	f.messages.On("Window", mock.Anything, "session-1", 7).Return([]models.Message{
		{ID: "m1", Role: models.RoleUser, Content: "hi"},
		{ID: "m2", Role: models.RoleAssistant, Content: "hey you"},
	}, nil)
	f.completion.On("Complete", mock.Anything, mock.Anything).Return("<think>reasoning</think>I missed you today.", nil)

	turn, err := f.orch.ProcessTurn(context.Background(), turnRequest("how was your day?"))
	require.NoError(t, err)
	assert.Equal(t, models.TurnText, turn.Kind)
	assert.Equal(t, "I missed you today.", turn.Text)

	// Both the user turn and the assistant turn hit the log.
	f.messages.AssertNumberOfCalls(t, "Append", 2)

	req := f.completion.Calls[0].Arguments.Get(1).(*interfaces.CompletionRequest)
	require.NotEmpty(t, req.Turns)
	assert.Equal(t, models.RoleSystem, req.Turns[0].Role)
	assert.Contains(t, req.Turns[0].Content, "Luna")
	last := req.Turns[len(req.Turns)-1]
	assert.Equal(t, models.RoleUser, last.Role)
	assert.Equal(t, "how was your day?", last.Content)
}

func TestProcessTurnUsageLimitBlocksBeforePersistence(t *testing.T) {
	f := newFixture()
	f.personas.On("GetByID", mock.Anything, "persona-1").Return(chatPersona(), nil)
	f.limiter.On("Consume", mock.Anything, "user-1", models.TierBaseline).Return(models.ErrUsageLimitReached)

	_, err := f.orch.ProcessTurn(context.Background(), turnRequest("hello"))
	require.ErrorIs(t, err, models.ErrUsageLimitReached)

	f.messages.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
	f.completion.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func TestProcessTurnFreeFormImagePath(t *testing.T) {
	f := newFixture()
	f.personas.On("GetByID", mock.Anything, "persona-1").Return(chatPersona(), nil)
	f.limiter.On("Consume", mock.Anything, "user-1", models.TierBaseline).Return(nil)
	f.sessions.On("Resolve", mock.Anything, "user-1", "persona-1").Return(liveSession(), nil)
	f.messages.On("Append", mock.Anything, mock.Anything).Return(nil)
	f.messages.On("Window", mock.Anything, "session-1", 7).Return([]models.Message{}, nil)
	f.images.On("Generate", mock.Anything, mock.Anything).
		Return(&interfaces.ImageResult{Images: []string{"https://cdn.example.com/out.jpg"}}, nil)

	turn, err := f.orch.ProcessTurn(context.Background(), turnRequest("send me a photo of you at the beach"))
	require.NoError(t, err)
	assert.Equal(t, models.TurnImage, turn.Kind)
	assert.Equal(t, "https://cdn.example.com/out.jpg", turn.ImageURL)

	req := f.images.Calls[0].Arguments.Get(1).(*interfaces.ImageRequest)
	assert.Contains(t, req.Prompt, "at the beach")
	require.NotEmpty(t, req.References)
	assert.Equal(t, "https://cdn.example.com/face.jpg", req.References[0].URL)

	f.completion.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func TestProcessTurnImageFailureDegradesToFallback(t *testing.T) {
	f := newFixture()
	f.personas.On("GetByID", mock.Anything, "persona-1").Return(chatPersona(), nil)
	f.limiter.On("Consume", mock.Anything, "user-1", models.TierBaseline).Return(nil)
	f.sessions.On("Resolve", mock.Anything, "user-1", "persona-1").Return(liveSession(), nil)
	f.messages.On("Append", mock.Anything, mock.Anything).Return(nil)
	f.messages.On("Window", mock.Anything, "session-1", 7).Return([]models.Message{}, nil)
	f.images.On("Generate", mock.Anything, mock.Anything).Return(nil, models.ErrUpstreamUnavailable)

	turn, err := f.orch.ProcessTurn(context.Background(), turnRequest("send me a pic"))
	require.NoError(t, err)
	assert.Equal(t, models.TurnText, turn.Kind)
	assert.Equal(t, models.FallbackReply, turn.Text)

	// The user turn persisted before the failure and the fallback reply
	// persisted after, so the log stays coherent.
	f.messages.AssertNumberOfCalls(t, "Append", 2)
}

func TestProcessTurnCompletionFailureDegradesToFallback(t *testing.T) {
	f := newFixture()
	f.personas.On("GetByID", mock.Anything, "persona-1").Return(chatPersona(), nil)
	f.limiter.On("Consume", mock.Anything, "user-1", models.TierBaseline).Return(nil)
	f.sessions.On("Resolve", mock.Anything, "user-1", "persona-1").Return(liveSession(), nil)
	f.messages.On("Append", mock.Anything, mock.Anything).Return(nil)
	f.messages.On("Window", mock.Anything, "session-1", 7).Return([]models.Message{}, nil)
	f.completion.On("Complete", mock.Anything, mock.Anything).Return("", models.ErrUpstreamUnavailable)

	turn, err := f.orch.ProcessTurn(context.Background(), turnRequest("tell me a secret"))
	require.NoError(t, err)
	assert.Equal(t, models.FallbackReply, turn.Text)
}

func TestProcessTurnStoryImageShortCircuit(t *testing.T) {
	f := newFixture()
	persona := chatPersona()
	persona.StoryMode = true

	chapter := &models.StoryChapter{
		PersonaID: "persona-1",
		Number:    1,
		Title:     "First Light",
		Images: models.ChapterImages{
			{URL: "https://cdn.example.com/ch1-a.jpg", Keywords: "beach sunset"},
			{URL: "https://cdn.example.com/ch1-b.jpg", Keywords: "bedroom morning"},
		},
	}

	f.personas.On("GetByID", mock.Anything, "persona-1").Return(persona, nil)
	f.limiter.On("Consume", mock.Anything, "user-1", models.TierBaseline).Return(nil)
	f.sessions.On("Resolve", mock.Anything, "user-1", "persona-1").Return(liveSession(), nil)
	f.messages.On("Append", mock.Anything, mock.Anything).Return(nil)
	f.messages.On("Window", mock.Anything, "session-1", 7).Return([]models.Message{}, nil)
	f.progress.On("Get", mock.Anything, "user-1", "persona-1").
		Return(&models.UserStoryProgress{UserID: "user-1", PersonaID: "persona-1", Chapter: 1, EnteredAt: time.Now()}, nil)
	f.chapters.On("GetChapter", mock.Anything, "persona-1", 1).Return(chapter, nil)
	f.messages.On("SeenImageURLs", mock.Anything, "session-1", mock.Anything).Return(map[string]bool{}, nil)
	f.messages.On("CountSince", mock.Anything, "session-1", mock.Anything).Return(int64(2), nil)

	turn, err := f.orch.ProcessTurn(context.Background(), turnRequest("can I see a photo of you at the beach?"))
	require.NoError(t, err)
	assert.Equal(t, models.TurnImage, turn.Kind)
	assert.Equal(t, "https://cdn.example.com/ch1-a.jpg", turn.ImageURL)

	// Story mode never reaches the paid generation services.
	f.images.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
	f.completion.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func TestProcessTurnBranchSelection(t *testing.T) {
	f := newFixture()
	persona := chatPersona()
	persona.StoryMode = true

	chapter := &models.StoryChapter{
		PersonaID: "persona-1",
		Number:    1,
		Title:     "First Light",
		Branches: models.StoryBranches{
			{Label: "stay in", Response: "Then let's stay right here together."},
			{Label: "go out", Response: "Take me somewhere with city lights.", AdvanceBy: 2},
		},
	}

	f.personas.On("GetByID", mock.Anything, "persona-1").Return(persona, nil)
	f.limiter.On("Consume", mock.Anything, "user-1", models.TierBaseline).Return(nil)
	f.sessions.On("Resolve", mock.Anything, "user-1", "persona-1").Return(liveSession(), nil)
	f.messages.On("Append", mock.Anything, mock.Anything).Return(nil)
	f.messages.On("Window", mock.Anything, "session-1", 7).Return([]models.Message{}, nil)
	f.progress.On("Get", mock.Anything, "user-1", "persona-1").
		Return(&models.UserStoryProgress{UserID: "user-1", PersonaID: "persona-1", Chapter: 1, EnteredAt: time.Now()}, nil)
	f.chapters.On("GetChapter", mock.Anything, "persona-1", 1).Return(chapter, nil)
	f.chapters.On("GetChapter", mock.Anything, "persona-1", 2).
		Return(&models.StoryChapter{PersonaID: "persona-1", Number: 2, Title: "Closer"}, nil)
	f.progress.On("Advance", mock.Anything, mock.Anything, 2).Return(nil)
	f.messages.On("CountSince", mock.Anything, "session-1", mock.Anything).Return(int64(1), nil)

	branch := 0
	req := turnRequest("option one")
	req.BranchIndex = &branch

	turn, err := f.orch.ProcessTurn(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Then let's stay right here together.", turn.Text)
	f.completion.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func TestClearHistoryArchivesSession(t *testing.T) {
	f := newFixture()
	f.sessions.On("Archive", mock.Anything, "user-1", "persona-1").Return(nil)

	require.NoError(t, f.orch.ClearHistory(context.Background(), "user-1", "persona-1"))
	f.sessions.AssertExpectations(t)
}

func TestProcessTurnPersonaNotFound(t *testing.T) {
	f := newFixture()
	f.personas.On("GetByID", mock.Anything, "persona-1").Return(nil, models.ErrNotFound)

	_, err := f.orch.ProcessTurn(context.Background(), turnRequest("hello"))
	require.ErrorIs(t, err, models.ErrNotFound)
	f.limiter.AssertNotCalled(t, "Consume", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessTurnAppendFailure(t *testing.T) {
	f := newFixture()
	f.personas.On("GetByID", mock.Anything, "persona-1").Return(chatPersona(), nil)
	f.limiter.On("Consume", mock.Anything, "user-1", models.TierBaseline).Return(nil)
	f.sessions.On("Resolve", mock.Anything, "user-1", "persona-1").Return(liveSession(), nil)
	f.messages.On("Append", mock.Anything, mock.Anything).Return(errors.New("connection refused"))

	_, err := f.orch.ProcessTurn(context.Background(), turnRequest("hello"))
	require.Error(t, err)
	f.completion.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}
