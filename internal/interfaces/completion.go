package interfaces

import "context"

// ChatTurn is one role-tagged turn in a completion request. The
// orchestrator guarantees strict alternation after the system turn.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest represents a chat completion request
type CompletionRequest struct {
	Turns       []ChatTurn `json:"turns"`
	Model       string     `json:"model"`
	Temperature float32    `json:"temperature,omitempty"`
	MaxTokens   int        `json:"max_tokens,omitempty"`
}

// CompletionClient defines the interface for the text completion service
type CompletionClient interface {
	// Complete returns a single assistant text for the given turns.
	Complete(ctx context.Context, req *CompletionRequest) (string, error)
}
