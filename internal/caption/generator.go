// Package caption generates TikTok captions and hashtags with Gemini,
// degrading to a deterministic fallback when the provider is unavailable.
package caption

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/phuslu/log"
	"google.golang.org/genai"

	"reelcast/internal/config"
	"reelcast/internal/telemetry"
)

const (
	maxCaptionLen = 150
	minHashtags   = 4
	maxHashtags   = 8
)

const systemPrompt = "You write short, engaging TikTok captions with relevant hashtags. " +
	"Respond only as valid JSON with keys: caption (string), hashtags (array of strings). " +
	"Limit caption to <=150 chars. Return 4-8 hashtags, each starting with #."

var fallbackTags = []string{"#reels", "#tiktok", "#fyp", "#viral", "#contentcreator"}

// Result is the caption step's typed success payload.
type Result struct {
	Caption  string
	Hashtags []string
	Fallback bool
}

// Generator produces captions. A nil client (no API key configured) always
// serves the fallback.
type Generator struct {
	client      *genai.Client
	model       string
	timeout     time.Duration
	maxAttempts int
	sleep       func(time.Duration)
}

// New builds a generator from config. Initialization never fails hard; a
// missing key just disables the provider.
func New(ctx context.Context, cfg config.Config) *Generator {
	g := &Generator{
		model:       cfg.GeminiModel,
		timeout:     cfg.GeminiTimeout,
		maxAttempts: 3,
		sleep:       time.Sleep,
	}
	if g.timeout == 0 {
		g.timeout = 30 * time.Second
	}
	if cfg.GeminiAPIKey == "" {
		log.Warn().Msg("GEMINI_API_KEY not set, captions will use the deterministic fallback")
		return g
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		log.Warn().Err(err).Msg("genai client init failed, captions will use the deterministic fallback")
		return g
	}
	g.client = client
	return g
}

// Generate returns a caption and hashtags for the given source context. It
// never fails: provider errors after bounded retries degrade to the fallback.
func (g *Generator) Generate(ctx context.Context, contextHint string) Result {
	if g.client == nil {
		telemetry.CaptionFallbacks.Inc()
		return fallback(contextHint)
	}

	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		raw, err := g.callModel(ctx, contextHint)
		if err == nil {
			if res, perr := parseResponse(raw); perr == nil {
				return res
			} else {
				err = perr
			}
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("caption generation attempt failed")
		if attempt < g.maxAttempts {
			g.sleep(time.Duration(1<<(attempt-1)) * time.Second)
		}
	}

	log.Info().Str("context", truncate(contextHint, 80)).Msg("using fallback caption")
	telemetry.CaptionFallbacks.Inc()
	return fallback(contextHint)
}

func (g *Generator) callModel(ctx context.Context, contextHint string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	contents := []*genai.Content{
		genai.NewContentFromText(
			fmt.Sprintf("Generate a caption and hashtags for this Instagram reel context: %s", contextHint),
			genai.RoleUser,
		),
	}
	cfg := &genai.GenerateContentConfig{
		Temperature:       genai.Ptr[float32](0.7),
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}

	var sb strings.Builder
	if resp != nil {
		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				sb.WriteString(part.Text)
			}
			if sb.Len() > 0 {
				break
			}
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("empty model response")
	}
	return sb.String(), nil
}

// parseResponse extracts {caption, hashtags} from the model output, tolerating
// markdown fences and surrounding prose.
func parseResponse(raw string) (Result, error) {
	cleaned := strings.TrimSpace(raw)
	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end <= start {
		return Result{}, fmt.Errorf("no JSON object in model response")
	}

	var parsed struct {
		Caption  string   `json:"caption"`
		Hashtags []string `json:"hashtags"`
	}
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &parsed); err != nil {
		return Result{}, fmt.Errorf("decode model response: %w", err)
	}

	caption := truncate(strings.TrimSpace(parsed.Caption), maxCaptionLen)
	if caption == "" {
		return Result{}, fmt.Errorf("model returned empty caption")
	}

	tags := normalizeHashtags(parsed.Hashtags)
	if len(tags) == 0 {
		return Result{}, fmt.Errorf("model returned no usable hashtags")
	}
	// Top up from the fallback set so the post always carries 4-8 tags.
	for _, t := range fallbackTags {
		if len(tags) >= minHashtags {
			break
		}
		tags = appendUnique(tags, t)
	}
	return Result{Caption: caption, Hashtags: tags}, nil
}

func fallback(contextHint string) Result {
	hint := truncate(strings.TrimSpace(contextHint), 60)
	caption := "Fresh cross-platform clip drop."
	if hint != "" {
		caption = truncate(caption+" "+hint, maxCaptionLen)
	}
	tags := make([]string, len(fallbackTags))
	copy(tags, fallbackTags)
	return Result{Caption: caption, Hashtags: tags, Fallback: true}
}

func normalizeHashtags(raw []string) []string {
	tags := []string{}
	for _, t := range raw {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if !strings.HasPrefix(t, "#") {
			t = "#" + strings.TrimLeft(t, "#")
		}
		if strings.ContainsAny(t[1:], " #") || len(t) < 2 {
			continue
		}
		tags = appendUnique(tags, t)
		if len(tags) == maxHashtags {
			break
		}
	}
	return tags
}

func appendUnique(tags []string, tag string) []string {
	for _, t := range tags {
		if strings.EqualFold(t, tag) {
			return tags
		}
	}
	return append(tags, tag)
}

// truncate clamps s to at most n bytes without splitting a multibyte rune at
// the cut point.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
