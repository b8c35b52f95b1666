package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"

	"Aurelia/server/internal/config"
	"Aurelia/server/internal/interfaces"
	"Aurelia/server/internal/models"
)

const (
	submitRetries = 2
	retryDelay    = 2 * time.Second
)

// Client talks to the image-synthesis service: submit a task, poll it
// to a terminal state, collect the outputs. Polling is an explicit
// Pending -> Succeeded | Failed | TimedOut machine with a bounded
// attempt budget, independent of any caller timer.
type Client struct {
	cfg        config.ImageSynthConfig
	httpClient *http.Client
	logger     *zap.Logger
}

type taskSubmission struct {
	Prompt         string                 `json:"prompt"`
	NegativePrompt string                 `json:"negative_prompt"`
	Width          int                    `json:"width"`
	Height         int                    `json:"height"`
	References     []interfaces.Reference `json:"references,omitempty"`
	SourceImage    string                 `json:"source_image,omitempty"`
	Strength       float64                `json:"strength,omitempty"`
	Seed           int64                  `json:"seed"`
}

type taskCreated struct {
	TaskID string `json:"task_id"`
}

type taskStatus struct {
	TaskID string   `json:"task_id"`
	Status string   `json:"status"` // "pending" | "running" | "succeeded" | "failed"
	Images []string `json:"images"`
	Error  string   `json:"error,omitempty"`
}

func NewClient(cfg config.ImageSynthConfig, logger *zap.Logger) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// Generate runs the request to completion. The whole submit-and-poll
// cycle is retried a small fixed number of times with a short delay;
// the first response carrying at least one image wins.
func (c *Client) Generate(ctx context.Context, req *interfaces.ImageRequest) (*interfaces.ImageResult, error) {
	seed := req.Seed
	if seed == 0 {
		seed = rand.Int63()
	}

	var lastErr error
	for attempt := 0; attempt <= submitRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
			c.logger.Warn("retrying image generation",
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		result, err := c.generateOnce(attemptCtx, req, seed)
		cancel()

		if err == nil && len(result.Images) > 0 {
			return result, nil
		}
		if err == nil {
			err = models.ErrNoOutputImages
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, lastErr)
}

func (c *Client) generateOnce(ctx context.Context, req *interfaces.ImageRequest, seed int64) (*interfaces.ImageResult, error) {
	taskID, err := c.submit(ctx, req, seed)
	if err != nil {
		return nil, err
	}

	state, status, err := c.poll(ctx, taskID)
	if err != nil {
		return nil, err
	}

	switch state {
	case interfaces.TaskSucceeded:
		return &interfaces.ImageResult{Images: status.Images, Seed: seed}, nil
	case interfaces.TaskFailed:
		return nil, fmt.Errorf("image task failed: %s", status.Error)
	case interfaces.TaskTimedOut:
		return nil, fmt.Errorf("image task %s timed out after %d polls", taskID, c.cfg.MaxPolls)
	default:
		return nil, fmt.Errorf("image task %s ended in unexpected state %s", taskID, state)
	}
}

// submit queues the generation task and returns its id.
func (c *Client) submit(ctx context.Context, req *interfaces.ImageRequest, seed int64) (string, error) {
	body, err := json.Marshal(&taskSubmission{
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Width:          req.Width,
		Height:         req.Height,
		References:     req.References,
		SourceImage:    req.SourceImage,
		Strength:       req.Strength,
		Seed:           seed,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal task: %w", err)
	}

	url := fmt.Sprintf("%s/v1/tasks", c.cfg.BaseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.cfg.APIKey))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to submit task: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read submit response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("submit returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var created taskCreated
	if err := json.Unmarshal(respBody, &created); err != nil {
		return "", fmt.Errorf("failed to unmarshal submit response: %w", err)
	}
	if created.TaskID == "" {
		return "", fmt.Errorf("submit response missing task_id")
	}
	return created.TaskID, nil
}

// poll drives the task state machine until terminal or out of budget.
func (c *Client) poll(ctx context.Context, taskID string) (interfaces.TaskState, *taskStatus, error) {
	for attempt := 0; attempt < c.cfg.MaxPolls; attempt++ {
		select {
		case <-ctx.Done():
			return interfaces.TaskFailed, nil, ctx.Err()
		case <-time.After(c.cfg.PollInterval):
		}

		status, err := c.fetchStatus(ctx, taskID)
		if err != nil {
			// Transient fetch errors burn a poll attempt, not the task.
			c.logger.Debug("poll attempt failed", zap.String("task_id", taskID), zap.Error(err))
			continue
		}

		switch status.Status {
		case "succeeded":
			return interfaces.TaskSucceeded, status, nil
		case "failed":
			return interfaces.TaskFailed, status, nil
		}
	}

	return interfaces.TaskTimedOut, &taskStatus{TaskID: taskID}, nil
}

func (c *Client) fetchStatus(ctx context.Context, taskID string) (*taskStatus, error) {
	url := fmt.Sprintf("%s/v1/tasks/%s", c.cfg.BaseURL, taskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.cfg.APIKey))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status fetch returned %d", resp.StatusCode)
	}

	var status taskStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}
