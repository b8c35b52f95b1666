package interfaces

import "context"

// Reference is one weighted reference image for identity-locked
// generation. URL may instead carry a bare base64 payload.
type Reference struct {
	URL      string  `json:"url"`
	ModelTag string  `json:"model_tag"`
	Weight   float64 `json:"weight"`
}

// ImageRequest represents a request to the image-synthesis service
type ImageRequest struct {
	Prompt         string      `json:"prompt"`
	NegativePrompt string      `json:"negative_prompt"`
	Width          int         `json:"width"`
	Height         int         `json:"height"`
	References     []Reference `json:"references,omitempty"`

	// SourceImage is a bare base64 payload for image-to-image
	// continuation; Strength controls how far to drift from it.
	SourceImage string  `json:"source_image,omitempty"`
	Strength    float64 `json:"strength,omitempty"`

	// Seed is randomized when zero.
	Seed int64 `json:"seed,omitempty"`
}

// ImageResult represents the terminal outcome of a generation task
type ImageResult struct {
	Images []string `json:"images"`
	Seed   int64    `json:"seed"`
}

// TaskState is the polling state machine for asynchronous image tasks.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
	TaskTimedOut  TaskState = "timed_out"
)

// ImageClient defines the interface for the image-synthesis service
type ImageClient interface {
	// Generate runs a generation task to a terminal state and returns
	// at least one output image or an error.
	Generate(ctx context.Context, req *ImageRequest) (*ImageResult, error)
}
