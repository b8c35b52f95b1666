package models

import "errors"

// Typed errors surfaced across the orchestration layer. Only
// ErrUsageLimitReached is caller-actionable (upgrade required); the
// rest are mapped to a safe in-character fallback before leaving the
// service.
var (
	// ErrUsageLimitReached means the daily message or budget cap was
	// hit. Never retried, surfaced structured to the caller.
	ErrUsageLimitReached = errors.New("usage limit reached")

	// ErrUpstreamUnavailable wraps completion or image service
	// failures after retries and fallback are exhausted.
	ErrUpstreamUnavailable = errors.New("upstream service unavailable")

	// ErrNotFound covers missing persona/session/chapter lookups.
	// Treated as "feature inactive", not fatal.
	ErrNotFound = errors.New("not found")

	// ErrMalformedState covers progress records pointing at chapters
	// that no longer exist. Treated as story completion, not a crash.
	ErrMalformedState = errors.New("malformed story state")

	// ErrNoOutputImages means the image service answered but returned
	// zero images on every attempt.
	ErrNoOutputImages = errors.New("image service returned no images")
)

// FallbackReply is the user-safe apology sent when a terminal upstream
// failure would otherwise leak a raw error into the conversation.
const FallbackReply = "Sorry, I got a little distracted... say that again?"
