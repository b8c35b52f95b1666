package chat

import (
	"strings"
)

// Rule-based image intent detection. This runs on every turn before any
// model call, so it stays lexical: latency over recall.

// FallbackPortraitPrompt is used when the residual prompt is too short
// to describe a scene.
const FallbackPortraitPrompt = "beautiful portrait, looking at camera, soft natural lighting, high quality photo"

// Standalone follow-up requests match only as the entire (trimmed,
// lowercased) message; "another" inside a sentence is not a request.
var followUpPhrases = []string{
	"another",
	"another one",
	"one more",
	"again",
	"more",
	"otra",
	"noch eine",
	"ещё",
	"еще",
}

// Direct nouns match anywhere in the message.
var directKeywords = []string{
	"photo", "picture", "pic", "selfie", "image", "snapshot",
	"foto", "bild", "фото", "картинк",
	"nude", "naked", "topless", "lingerie", "bikini", "underwear",
	"boobs", "tits", "ass", "butt", "booty", "cleavage",
	"dress", "outfit", "skirt", "stockings",
}

// Request phrases match anywhere in the message.
var requestPhrases = []string{
	"show me", "show yourself", "send me", "send your", "send a",
	"let me see", "can i see", "could i see", "i want to see",
	"wanna see", "what do you look like", "how do you look",
	"zeig mir", "покажи",
}

// Scene prefixes match only at the start of the message; they catch
// bare scene descriptions like "sitting on the beach".
var scenePrefixes = []string{
	"sitting on", "sitting in", "lying on", "lying in",
	"standing in", "standing on", "wearing a", "wearing your",
	"posing", "kneeling", "leaning against",
}

// Trigger prefixes are stripped from the front of the message before
// the residual becomes the generation prompt.
var triggerPrefixes = []string{
	"generate an image of", "generate a picture of", "generate a photo of",
	"generate an", "generate a", "generate",
	"send me a picture of", "send me a photo of", "send me a pic of",
	"send me an", "send me a", "send me", "send a", "send",
	"show me a picture of", "show me a photo of",
	"show me an", "show me a", "show me",
	"make me a", "make a", "draw me a", "draw a", "draw",
	"a picture of", "a photo of", "picture of", "photo of", "pic of",
	"i want to see you", "i want to see", "can i see you", "can i see",
	"let me see you", "let me see",
}

// WantsImage reports whether the user turn asks for a generated image
// instead of a text reply. Pure and synchronous.
func WantsImage(text string) bool {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return false
	}
	stripped := strings.Trim(normalized, "!.?, ")

	for _, phrase := range followUpPhrases {
		if stripped == phrase {
			return true
		}
	}
	for _, kw := range directKeywords {
		if strings.Contains(normalized, kw) {
			return true
		}
	}
	for _, phrase := range requestPhrases {
		if strings.Contains(normalized, phrase) {
			return true
		}
	}
	for _, prefix := range scenePrefixes {
		if strings.HasPrefix(normalized, prefix) {
			return true
		}
	}
	return false
}

// ExtractPrompt strips leading trigger phrases from the turn and
// returns the residual scene description. Residuals too short to mean
// anything (or bare follow-up words) collapse to the generic portrait
// prompt.
func ExtractPrompt(text string) string {
	residual := strings.ToLower(strings.TrimSpace(text))
	residual = strings.Trim(residual, "!.?, ")

	// Strip repeatedly so "send me a photo of you sitting" loses both
	// the request and the filler.
	for changed := true; changed; {
		changed = false
		for _, prefix := range triggerPrefixes {
			if strings.HasPrefix(residual, prefix+" ") {
				residual = strings.TrimSpace(residual[len(prefix):])
				changed = true
			} else if residual == prefix {
				residual = ""
				changed = true
			}
		}
	}
	residual = strings.TrimPrefix(residual, "of ")
	residual = strings.TrimSpace(strings.Trim(residual, "!.?, "))

	if len(residual) < 3 {
		return FallbackPortraitPrompt
	}
	for _, phrase := range followUpPhrases {
		if residual == phrase {
			return FallbackPortraitPrompt
		}
	}
	for _, noun := range bareImageNouns {
		if residual == noun {
			return FallbackPortraitPrompt
		}
	}
	return residual
}

// Residuals that name the medium but no scene ("send me a pic") carry
// no usable description.
var bareImageNouns = []string{
	"pic", "photo", "picture", "selfie", "image", "one", "you",
}
