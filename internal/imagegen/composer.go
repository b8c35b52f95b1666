package imagegen

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"Aurelia/server/internal/interfaces"
	"Aurelia/server/internal/models"
)

const (
	// maxPromptLength bounds the assembled positive prompt.
	maxPromptLength = 2048

	// Master identity reference weights: one high-weight pass for the
	// face, one low-weight pass of the same image for hair and style.
	faceWeight  = 0.85
	styleWeight = 0.35
	// The anatomy reference governs body structure, not face.
	anatomyWeight = 0.5

	fetchTimeout = 20 * time.Second
)

// Fixed directive layers. Order matters: quality boilerplate first,
// identity lock, subject constraints, anatomy, then the scene.
const (
	qualityBlock  = "RAW photo, photorealistic, 8k uhd, dslr, soft lighting, high quality, film grain, Fujifilm XT3"
	identityBlock = "same face as reference, consistent facial identity, exact same person"
	subjectBlock  = "solo, one woman, single subject, looking natural"
	anatomyBlock  = "anatomically correct, natural body proportions, detailed skin texture"
	explicitBlock = "nsfw, explicit, nude, uncensored, detailed intimate anatomy"
)

// Negative prompt layers.
const (
	negativeBaseline = "deformed, distorted, disfigured, bad anatomy, wrong anatomy, extra limb, " +
		"missing limb, floating limbs, mutated hands, extra fingers, fused fingers, too many fingers, " +
		"long neck, cross-eyed, cloned face, collage, grid, split image, multiple views, " +
		"watermark, signature, text, logo, username, " +
		"blurry, lowres, low quality, jpeg artifacts, worst quality, bad quality, " +
		"cartoon, anime, 3d render, painting, illustration, sketch, doujin"
	negativeClothing = "clothes, clothing, dress, shirt, pants, underwear, bra, covered"
	negativeNudity   = "nude, naked, nsfw, nipples, topless, explicit"
)

// Explicit-intent markers; a match switches the directive and negative
// blocks to the explicit variants.
var explicitMarkers = []string{
	"nude", "naked", "topless", "nsfw", "explicit", "undressed",
	"lingerie off", "nothing on", "no clothes", "strip",
}

// First-person camera phrasing and its third-person replacement. Selfie
// framing produces extended-arm artifacts, so the scene is recast as if
// someone else held the camera.
var cameraRewrites = [][2]string{
	{"taking a selfie", "posing for a photo"},
	{"takes a selfie", "poses for a photo"},
	{"taking a picture of yourself", "posing for a photo"},
	{"a selfie of", "a candid photo of"},
	{"selfie", "candid photo"},
	{"holding the camera", "facing the camera"},
	{"pov shot", "portrait shot"},
	{"pov", "portrait"},
	{"first person view", "portrait view"},
}

// Composer fuses a persona's stored identity assets and a requested
// scene into one bounded image-generation request.
type Composer struct {
	refModel   string
	width      int
	height     int
	httpClient *http.Client
	// rng is swappable for deterministic tests.
	rng func(n int) int
}

func NewComposer(refModel string, width, height int) *Composer {
	return &Composer{
		refModel:   refModel,
		width:      width,
		height:     height,
		httpClient: &http.Client{Timeout: fetchTimeout},
		rng:        rand.Intn,
	}
}

// Compose builds the full generation request for a persona and a
// residual user prompt. sourceImage, when non-empty, is a URL or base64
// payload for image-to-image continuation.
func (c *Composer) Compose(ctx context.Context, persona *models.Persona, userPrompt, sourceImage string) (*interfaces.ImageRequest, error) {
	explicit := isExplicit(userPrompt)

	req := &interfaces.ImageRequest{
		Prompt:         c.buildPrompt(persona, userPrompt, explicit),
		NegativePrompt: c.buildNegative(persona, explicit),
		Width:          c.width,
		Height:         c.height,
		References:     c.buildReferences(persona),
	}

	if sourceImage != "" {
		normalized, err := c.normalizeSource(ctx, sourceImage)
		if err != nil {
			return nil, fmt.Errorf("failed to normalize source image: %w", err)
		}
		req.SourceImage = normalized
		req.Strength = 0.6
	}

	return req, nil
}

// buildReferences applies the single-source identity policy: exactly
// one master image picked at random from the identity pool, used twice
// at different weights, plus the independent anatomy reference. Likeness
// variety comes from re-rolling the master, never from blending.
func (c *Composer) buildReferences(persona *models.Persona) []interfaces.Reference {
	var refs []interfaces.Reference

	pool := persona.IdentityPool()
	if len(pool) > 0 {
		master := pool[c.rng(len(pool))]
		refs = append(refs,
			interfaces.Reference{URL: master, ModelTag: c.refModel, Weight: faceWeight},
			interfaces.Reference{URL: master, ModelTag: c.refModel, Weight: styleWeight},
		)
	}
	if persona.AnatomyRefURL != "" {
		refs = append(refs, interfaces.Reference{
			URL:      persona.AnatomyRefURL,
			ModelTag: c.refModel,
			Weight:   anatomyWeight,
		})
	}
	return refs
}

// buildPrompt assembles the layered directive string in fixed order and
// truncates at the length cap.
func (c *Composer) buildPrompt(persona *models.Persona, userPrompt string, explicit bool) string {
	layers := []string{
		qualityBlock,
		identityBlock,
		subjectBlock,
		anatomyBlock,
	}
	if explicit {
		layers = append(layers, explicitBlock)
	}

	scene := rewriteCameraPhrasing(userPrompt)
	if scene != "" {
		layers = append(layers, scene)
	}

	if hints := preferenceHints(persona); hints != "" {
		layers = append(layers, hints)
	}
	if persona.DefaultPromptHook != "" {
		layers = append(layers, persona.DefaultPromptHook)
	}
	if persona.StyleHook != "" {
		layers = append(layers, persona.StyleHook)
	}

	prompt := strings.Join(layers, ", ")
	if len(prompt) > maxPromptLength {
		prompt = prompt[:maxPromptLength]
	}
	return prompt
}

// buildNegative joins the fixed baseline, the persona's custom
// restriction list, and the conditional clothing/nudity exclusion.
func (c *Composer) buildNegative(persona *models.Persona, explicit bool) string {
	parts := []string{negativeBaseline}
	for _, restriction := range persona.Restrictions {
		if restriction != "" {
			parts = append(parts, restriction)
		}
	}
	if persona.NegativePromptHook != "" {
		parts = append(parts, persona.NegativePromptHook)
	}
	if explicit {
		parts = append(parts, negativeClothing)
	} else {
		parts = append(parts, negativeNudity)
	}
	return strings.Join(parts, ", ")
}

// normalizeSource reduces a source image to a bare base64 payload,
// fetching remote URLs as needed.
func (c *Composer) normalizeSource(ctx context.Context, source string) (string, error) {
	if idx := strings.Index(source, ";base64,"); idx >= 0 {
		return source[idx+len(";base64,"):], nil
	}
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		// Already a bare payload.
		return source, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("source image fetch returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func isExplicit(prompt string) bool {
	lower := strings.ToLower(prompt)
	for _, marker := range explicitMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func rewriteCameraPhrasing(prompt string) string {
	out := strings.ToLower(strings.TrimSpace(prompt))
	for _, pair := range cameraRewrites {
		out = strings.ReplaceAll(out, pair[0], pair[1])
	}
	return out
}

func preferenceHints(persona *models.Persona) string {
	var hints []string
	if persona.PreferredPoses != "" {
		hints = append(hints, persona.PreferredPoses)
	}
	if persona.PreferredEnvironments != "" {
		hints = append(hints, persona.PreferredEnvironments)
	}
	if persona.PreferredMoods != "" {
		hints = append(hints, persona.PreferredMoods)
	}
	return strings.Join(hints, ", ")
}
