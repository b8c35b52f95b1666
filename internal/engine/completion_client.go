package engine

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"Aurelia/server/internal/config"
	"Aurelia/server/internal/interfaces"
	"Aurelia/server/internal/models"
)

// reducedTurnCount is how much history survives the fallback attempt:
// the system turn plus the trailing turns. A smaller request gives the
// secondary model its best chance when the primary is struggling.
const reducedTurnCount = 3

// CompletionClient wraps an OpenAI-compatible chat completion API with
// a one-shot fallback to a secondary model.
type CompletionClient struct {
	client *openai.Client
	cfg    config.CompletionConfig
	logger *zap.Logger
}

func NewCompletionClient(cfg config.CompletionConfig, logger *zap.Logger) *CompletionClient {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}

	return &CompletionClient{
		client: openai.NewClientWithConfig(apiCfg),
		cfg:    cfg,
		logger: logger,
	}
}

// Complete returns a single assistant text. The primary model gets the
// full turn set; on failure the fallback model gets one try with a
// reduced set before the error surfaces.
func (c *CompletionClient) Complete(ctx context.Context, req *interfaces.CompletionRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}

	text, err := c.complete(ctx, model, req.Turns, req.Temperature, req.MaxTokens)
	if err == nil {
		return text, nil
	}

	if c.cfg.FallbackModel == "" || c.cfg.FallbackModel == model {
		return "", fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}

	c.logger.Warn("primary completion failed, falling back",
		zap.String("primary", model),
		zap.String("fallback", c.cfg.FallbackModel),
		zap.Error(err))

	reduced := reduceTurns(req.Turns, reducedTurnCount)
	text, fbErr := c.complete(ctx, c.cfg.FallbackModel, reduced, req.Temperature, req.MaxTokens)
	if fbErr != nil {
		return "", fmt.Errorf("%w: primary: %v, fallback: %v", models.ErrUpstreamUnavailable, err, fbErr)
	}
	return text, nil
}

func (c *CompletionClient) complete(ctx context.Context, model string, turns []interfaces.ChatTurn, temperature float32, maxTokens int) (string, error) {
	if temperature == 0 {
		temperature = c.cfg.Temperature
	}
	if maxTokens == 0 {
		maxTokens = c.cfg.MaxTokens
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, turn := range turns {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    turn.Role,
			Content: turn.Content,
		})
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned from model %s", model)
	}
	return resp.Choices[0].Message.Content, nil
}

// reduceTurns keeps the system turn and the last keep turns.
func reduceTurns(turns []interfaces.ChatTurn, keep int) []interfaces.ChatTurn {
	if len(turns) == 0 {
		return turns
	}

	var out []interfaces.ChatTurn
	rest := turns
	if turns[0].Role == models.RoleSystem {
		out = append(out, turns[0])
		rest = turns[1:]
	}
	if len(rest) > keep {
		rest = rest[len(rest)-keep:]
	}
	return NormalizeTurns(append(out, rest...))
}
