package story

import (
	"math/rand"
	"strings"

	"Aurelia/server/internal/models"
)

// Chapter image selection. Candidates are the chapter images not yet
// persisted in this session; keyword metadata, when present, steers the
// pick toward what the user actually asked for.

// SelectImage picks the best candidate from the chapter's images given
// which URLs the session has already shown. Unseen images win; among
// them, metadata keyword overlap with the user text decides, ties
// broken by configured order. Once every image has been shown the full
// set becomes the pool again rather than refusing.
func SelectImage(images models.ChapterImages, seen map[string]bool, userText string) *models.ChapterImage {
	if len(images) == 0 {
		return nil
	}

	candidates := make([]models.ChapterImage, 0, len(images))
	for _, img := range images {
		if !seen[img.URL] {
			candidates = append(candidates, img)
		}
	}
	if len(candidates) == 0 {
		candidates = images
	}

	best := 0
	bestScore := -1
	for i, img := range candidates {
		score := keywordScore(img.Keywords, userText)
		if score > bestScore {
			best = i
			bestScore = score
		}
	}
	pick := candidates[best]
	return &pick
}

// SelectRandom picks uniformly from the full set. Used where unseen
// tracking is unavailable, e.g. stateless relay greetings.
func SelectRandom(images models.ChapterImages) *models.ChapterImage {
	if len(images) == 0 {
		return nil
	}
	pick := images[rand.Intn(len(images))]
	return &pick
}

// keywordScore counts user words longer than 3 characters appearing in
// the image's metadata string, case-insensitive.
func keywordScore(keywords, userText string) int {
	if keywords == "" || userText == "" {
		return 0
	}
	meta := strings.ToLower(keywords)
	score := 0
	for _, word := range strings.Fields(strings.ToLower(userText)) {
		word = strings.Trim(word, ".,!?;:'\"")
		if len(word) <= 3 {
			continue
		}
		if strings.Contains(meta, word) {
			score++
		}
	}
	return score
}
