package story_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"Aurelia/server/internal/models"
	"Aurelia/server/internal/story"
)

type mockPersonaRepo struct{ mock.Mock }

func (m *mockPersonaRepo) GetByID(ctx context.Context, id string) (*models.Persona, error) {
	args := m.Called(ctx, id)
	if p := args.Get(0); p != nil {
		return p.(*models.Persona), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockPersonaRepo) ClearStoryFlag(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

type mockStoryRepo struct{ mock.Mock }

func (m *mockStoryRepo) GetChapter(ctx context.Context, personaID string, number int) (*models.StoryChapter, error) {
	args := m.Called(ctx, personaID, number)
	if c := args.Get(0); c != nil {
		return c.(*models.StoryChapter), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockProgressRepo struct{ mock.Mock }

func (m *mockProgressRepo) Get(ctx context.Context, userID, personaID string) (*models.UserStoryProgress, error) {
	args := m.Called(ctx, userID, personaID)
	if p := args.Get(0); p != nil {
		return p.(*models.UserStoryProgress), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProgressRepo) Create(ctx context.Context, userID, personaID string) (*models.UserStoryProgress, error) {
	args := m.Called(ctx, userID, personaID)
	if p := args.Get(0); p != nil {
		return p.(*models.UserStoryProgress), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProgressRepo) Advance(ctx context.Context, progress *models.UserStoryProgress, toChapter int) error {
	err := m.Called(ctx, progress, toChapter).Error(0)
	if err == nil {
		progress.Chapter = toChapter
		progress.EnteredAt = time.Now()
	}
	return err
}

func (m *mockProgressRepo) Complete(ctx context.Context, progress *models.UserStoryProgress) error {
	err := m.Called(ctx, progress).Error(0)
	if err == nil {
		progress.Completed = true
	}
	return err
}

type mockMessageRepo struct{ mock.Mock }

func (m *mockMessageRepo) Append(ctx context.Context, msg *models.Message) error {
	return m.Called(ctx, msg).Error(0)
}

func (m *mockMessageRepo) Window(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	args := m.Called(ctx, sessionID, limit)
	if msgs := args.Get(0); msgs != nil {
		return msgs.([]models.Message), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockMessageRepo) CountSince(ctx context.Context, sessionID string, since time.Time) (int64, error) {
	args := m.Called(ctx, sessionID, since)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockMessageRepo) SeenImageURLs(ctx context.Context, sessionID string, candidates []string) (map[string]bool, error) {
	args := m.Called(ctx, sessionID, candidates)
	if seen := args.Get(0); seen != nil {
		return seen.(map[string]bool), args.Error(1)
	}
	return nil, args.Error(1)
}

func testPersona(storyMode bool) *models.Persona {
	return &models.Persona{ID: "persona-1", Name: "Luna", StoryMode: storyMode}
}

func testSession() *models.ConversationSession {
	return &models.ConversationSession{ID: "session-1", UserID: "user-1", PersonaID: "persona-1"}
}

func newEngine(personas *mockPersonaRepo, chapters *mockStoryRepo, progress *mockProgressRepo, messages *mockMessageRepo) *story.Engine {
	return story.NewEngine(personas, chapters, progress, messages, zap.NewNop())
}

func TestResolveCreatesProgressOnEntry(t *testing.T) {
	ctx := context.Background()
	personas := new(mockPersonaRepo)
	chapters := new(mockStoryRepo)
	progress := new(mockProgressRepo)
	messages := new(mockMessageRepo)

	progress.On("Get", ctx, "user-1", "persona-1").Return(nil, models.ErrNotFound).Once()
	created := &models.UserStoryProgress{ID: "prog-1", UserID: "user-1", PersonaID: "persona-1", Chapter: 1, EnteredAt: time.Now()}
	progress.On("Create", ctx, "user-1", "persona-1").Return(created, nil).Once()
	chapterOne := &models.StoryChapter{PersonaID: "persona-1", Number: 1, Title: "First Light"}
	chapters.On("GetChapter", ctx, "persona-1", 1).Return(chapterOne, nil).Once()

	engine := newEngine(personas, chapters, progress, messages)
	nctx, err := engine.Resolve(ctx, testPersona(true), testSession(), "user-1")

	assert.NoError(t, err)
	assert.True(t, nctx.Active())
	assert.Equal(t, 1, nctx.Chapter.Number)
	progress.AssertExpectations(t)
	chapters.AssertExpectations(t)
}

func TestResolveInactiveWithoutStoryFlag(t *testing.T) {
	engine := newEngine(new(mockPersonaRepo), new(mockStoryRepo), new(mockProgressRepo), new(mockMessageRepo))
	nctx, err := engine.Resolve(context.Background(), testPersona(false), testSession(), "user-1")

	assert.NoError(t, err)
	assert.False(t, nctx.Active())
}

func TestResolveMissingChapterTreatedAsCompletion(t *testing.T) {
	ctx := context.Background()
	personas := new(mockPersonaRepo)
	chapters := new(mockStoryRepo)
	progress := new(mockProgressRepo)

	prog := &models.UserStoryProgress{ID: "prog-1", Chapter: 7}
	progress.On("Get", ctx, "user-1", "persona-1").Return(prog, nil).Once()
	chapters.On("GetChapter", ctx, "persona-1", 7).Return(nil, models.ErrNotFound).Once()
	progress.On("Complete", ctx, prog).Return(nil).Once()
	personas.On("ClearStoryFlag", ctx, "persona-1").Return(nil).Once()

	engine := newEngine(personas, chapters, progress, new(mockMessageRepo))
	nctx, err := engine.Resolve(ctx, testPersona(true), testSession(), "user-1")

	assert.NoError(t, err)
	assert.False(t, nctx.Active())
	assert.True(t, prog.Completed)
	personas.AssertExpectations(t)
	progress.AssertExpectations(t)
}

func TestConsentReplyReturnsChapterImage(t *testing.T) {
	ctx := context.Background()
	messages := new(mockMessageRepo)

	chapter := &models.StoryChapter{
		PersonaID: "persona-1",
		Number:    2,
		Images: models.ChapterImages{
			{URL: "https://cdn.example.com/ch2-a.jpg"},
			{URL: "https://cdn.example.com/ch2-b.jpg"},
			{URL: "https://cdn.example.com/ch2-c.jpg"},
		},
	}
	nctx := &story.Context{
		Persona:  testPersona(true),
		Session:  testSession(),
		Progress: &models.UserStoryProgress{Chapter: 2},
		Chapter:  chapter,
	}
	messages.On("SeenImageURLs", ctx, "session-1", chapter.ImageURLs()).
		Return(map[string]bool{}, nil).Once()

	engine := newEngine(new(mockPersonaRepo), new(mockStoryRepo), new(mockProgressRepo), messages)
	history := []models.Message{
		{Role: models.RoleUser, Content: "tell me more"},
		{Role: models.RoleAssistant, Content: "Want to see a photo of where I am right now?"},
	}
	turn, err := engine.HandleTurn(ctx, nctx, "yes", history)

	assert.NoError(t, err)
	assert.NotNil(t, turn)
	assert.Equal(t, models.TurnImage, turn.Kind)
	assert.Contains(t, chapter.ImageURLs(), turn.ImageURL)
	messages.AssertExpectations(t)
}

func TestConsentIgnoredWithoutPriorOffer(t *testing.T) {
	nctx := &story.Context{
		Persona:  testPersona(true),
		Session:  testSession(),
		Progress: &models.UserStoryProgress{Chapter: 1},
		Chapter:  &models.StoryChapter{Number: 1, Images: models.ChapterImages{{URL: "u"}}},
	}
	engine := newEngine(new(mockPersonaRepo), new(mockStoryRepo), new(mockProgressRepo), new(mockMessageRepo))

	history := []models.Message{
		{Role: models.RoleAssistant, Content: "I had a quiet evening reading."},
	}
	turn, err := engine.HandleTurn(context.Background(), nctx, "yes", history)

	assert.NoError(t, err)
	assert.Nil(t, turn)
}

func TestImageRequestWithNoChapterImagesRefuses(t *testing.T) {
	nctx := &story.Context{
		Persona:  testPersona(true),
		Session:  testSession(),
		Progress: &models.UserStoryProgress{Chapter: 3},
		Chapter:  &models.StoryChapter{Number: 3},
	}
	messages := new(mockMessageRepo)
	engine := newEngine(new(mockPersonaRepo), new(mockStoryRepo), new(mockProgressRepo), messages)

	turn, err := engine.HandleTurn(context.Background(), nctx, "send a pic", nil)

	assert.NoError(t, err)
	assert.NotNil(t, turn)
	assert.Equal(t, models.TurnText, turn.Kind)
	assert.Equal(t, story.RefusalText, turn.Text)
	// The image service path is never consulted.
	messages.AssertNotCalled(t, "SeenImageURLs", mock.Anything, mock.Anything, mock.Anything)
}

func TestCheckAdvanceOnMessageVolume(t *testing.T) {
	ctx := context.Background()
	chapters := new(mockStoryRepo)
	progress := new(mockProgressRepo)
	messages := new(mockMessageRepo)

	entered := time.Now().Add(-time.Hour)
	prog := &models.UserStoryProgress{ID: "prog-1", Chapter: 1, EnteredAt: entered}
	nctx := &story.Context{
		Persona:  testPersona(true),
		Session:  testSession(),
		Progress: prog,
		Chapter:  &models.StoryChapter{PersonaID: "persona-1", Number: 1},
	}

	messages.On("CountSince", ctx, "session-1", entered).Return(int64(12), nil).Once()
	chapterTwo := &models.StoryChapter{PersonaID: "persona-1", Number: 2}
	chapters.On("GetChapter", ctx, "persona-1", 2).Return(chapterTwo, nil).Once()
	progress.On("Advance", ctx, prog, 2).Return(nil).Once()

	engine := newEngine(new(mockPersonaRepo), chapters, progress, messages)
	err := engine.CheckAdvance(ctx, nctx)

	assert.NoError(t, err)
	assert.Equal(t, 2, prog.Chapter)
	assert.Equal(t, 2, nctx.Chapter.Number)
	progress.AssertExpectations(t)
}

func TestCheckAdvanceWhenAllImagesShown(t *testing.T) {
	ctx := context.Background()
	chapters := new(mockStoryRepo)
	progress := new(mockProgressRepo)
	messages := new(mockMessageRepo)

	entered := time.Now().Add(-time.Minute)
	prog := &models.UserStoryProgress{ID: "prog-1", Chapter: 2, EnteredAt: entered}
	chapter := &models.StoryChapter{
		PersonaID: "persona-1",
		Number:    2,
		Images:    models.ChapterImages{{URL: "a"}, {URL: "b"}},
	}
	nctx := &story.Context{Persona: testPersona(true), Session: testSession(), Progress: prog, Chapter: chapter}

	messages.On("CountSince", ctx, "session-1", entered).Return(int64(4), nil).Once()
	messages.On("SeenImageURLs", ctx, "session-1", []string{"a", "b"}).
		Return(map[string]bool{"a": true, "b": true}, nil).Once()
	chapterThree := &models.StoryChapter{PersonaID: "persona-1", Number: 3}
	chapters.On("GetChapter", ctx, "persona-1", 3).Return(chapterThree, nil).Once()
	progress.On("Advance", ctx, prog, 3).Return(nil).Once()

	engine := newEngine(new(mockPersonaRepo), chapters, progress, messages)
	err := engine.CheckAdvance(ctx, nctx)

	assert.NoError(t, err)
	assert.Equal(t, 3, prog.Chapter)
}

func TestCheckAdvanceHoldsBelowThresholds(t *testing.T) {
	ctx := context.Background()
	messages := new(mockMessageRepo)
	chapters := new(mockStoryRepo)
	progress := new(mockProgressRepo)

	entered := time.Now().Add(-time.Minute)
	prog := &models.UserStoryProgress{ID: "prog-1", Chapter: 2, EnteredAt: entered}
	chapter := &models.StoryChapter{
		PersonaID: "persona-1",
		Number:    2,
		Images:    models.ChapterImages{{URL: "a"}, {URL: "b"}},
	}
	nctx := &story.Context{Persona: testPersona(true), Session: testSession(), Progress: prog, Chapter: chapter}

	messages.On("CountSince", ctx, "session-1", entered).Return(int64(5), nil).Once()
	messages.On("SeenImageURLs", ctx, "session-1", []string{"a", "b"}).
		Return(map[string]bool{"a": true}, nil).Once()

	engine := newEngine(new(mockPersonaRepo), chapters, progress, messages)
	err := engine.CheckAdvance(ctx, nctx)

	assert.NoError(t, err)
	assert.Equal(t, 2, prog.Chapter)
	chapters.AssertNotCalled(t, "GetChapter", mock.Anything, mock.Anything, mock.Anything)
	progress.AssertNotCalled(t, "Advance", mock.Anything, mock.Anything, mock.Anything)
}

func TestAdvancePastFinalChapterCompletes(t *testing.T) {
	ctx := context.Background()
	personas := new(mockPersonaRepo)
	chapters := new(mockStoryRepo)
	progress := new(mockProgressRepo)
	messages := new(mockMessageRepo)

	entered := time.Now().Add(-time.Hour)
	prog := &models.UserStoryProgress{ID: "prog-1", Chapter: 5, EnteredAt: entered}
	nctx := &story.Context{
		Persona:  testPersona(true),
		Session:  testSession(),
		Progress: prog,
		Chapter:  &models.StoryChapter{PersonaID: "persona-1", Number: 5},
	}

	messages.On("CountSince", ctx, "session-1", entered).Return(int64(20), nil).Once()
	chapters.On("GetChapter", ctx, "persona-1", 6).Return(nil, models.ErrNotFound).Once()
	progress.On("Complete", ctx, prog).Return(nil).Once()
	personas.On("ClearStoryFlag", ctx, "persona-1").Return(nil).Once()

	engine := newEngine(personas, chapters, progress, messages)
	err := engine.CheckAdvance(ctx, nctx)

	assert.NoError(t, err)
	assert.True(t, prog.Completed)
	assert.False(t, nctx.Active())
	personas.AssertExpectations(t)
}

func TestSelectBranchSendsCannedResponseAndAdvances(t *testing.T) {
	ctx := context.Background()
	chapters := new(mockStoryRepo)
	progress := new(mockProgressRepo)

	prog := &models.UserStoryProgress{ID: "prog-1", Chapter: 1}
	chapter := &models.StoryChapter{
		PersonaID: "persona-1",
		Number:    1,
		Branches: models.StoryBranches{
			{Label: "the beach trip", Response: "Then it's settled, pack your things!", AdvanceBy: 2},
		},
	}
	nctx := &story.Context{Persona: testPersona(true), Session: testSession(), Progress: prog, Chapter: chapter}

	chapterThree := &models.StoryChapter{PersonaID: "persona-1", Number: 3}
	chapters.On("GetChapter", ctx, "persona-1", 3).Return(chapterThree, nil).Once()
	progress.On("Advance", ctx, prog, 3).Return(nil).Once()

	engine := newEngine(new(mockPersonaRepo), chapters, progress, new(mockMessageRepo))
	turn, err := engine.SelectBranch(ctx, nctx, 0)

	assert.NoError(t, err)
	assert.Equal(t, "Then it's settled, pack your things!", turn.Text)
	assert.Equal(t, 3, prog.Chapter)
}

func TestDirectivesIncludeBranchSteering(t *testing.T) {
	nctx := &story.Context{
		Persona:  testPersona(true),
		Session:  testSession(),
		Progress: &models.UserStoryProgress{Chapter: 1},
		Chapter: &models.StoryChapter{
			Title:     "First Light",
			Tone:      "playful",
			Directive: "Tease about the upcoming trip.",
			Branches:  models.StoryBranches{{Label: "a night out", Response: "suggest dancing"}},
		},
	}
	engine := newEngine(new(mockPersonaRepo), new(mockStoryRepo), new(mockProgressRepo), new(mockMessageRepo))

	directives := engine.Directives(nctx)
	assert.Contains(t, directives, "First Light")
	assert.Contains(t, directives, "playful")
	assert.Contains(t, directives, "Tease about the upcoming trip.")
	assert.Contains(t, directives, "a night out")
	assert.Contains(t, directives, "suggest dancing")
}
