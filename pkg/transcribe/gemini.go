package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"voxscribe/pkg/config"

	"google.golang.org/genai"
)

const (
	defaultGeminiKeyEnv = "GEMINI_API_KEY"
	defaultGeminiModel  = "gemini-2.5-flash"
	geminiInstruction   = "Transcribe this voice message verbatim in its original language. Reply with the transcript only."
)

// GeminiClient transcribes by sending the audio inline to a Gemini model.
type GeminiClient struct {
	client  *genai.Client
	model   string
	prompt  string
	timeout time.Duration
	log     *slog.Logger
}

// NewGeminiClient requires an API key from cfg.APIKeyEnv or GEMINI_API_KEY.
func NewGeminiClient(ctx context.Context, cfg config.TranscriptionConfig, log *slog.Logger) (*GeminiClient, error) {
	if log == nil {
		log = slog.Default()
	}

	apiKey := resolveAPIKey(cfg.APIKeyEnv, defaultGeminiKeyEnv)
	if apiKey == "" {
		return nil, errors.New("transcription.api_key_env is required or GEMINI_API_KEY must be set")
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" || model == config.DefaultTranscriptionModel {
		model = defaultGeminiModel
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	prompt := geminiInstruction
	if language := strings.TrimSpace(cfg.Language); language != "" {
		prompt += " The spoken language is " + language + "."
	}

	return &GeminiClient{
		client:  client,
		model:   model,
		prompt:  prompt,
		timeout: requestTimeout(cfg),
		log:     log.With("component", "transcribe.gemini"),
	}, nil
}

func (c *GeminiClient) Transcribe(ctx context.Context, audio []byte) string {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	contents := []*genai.Content{{
		Role: genai.RoleUser,
		Parts: []*genai.Part{
			{InlineData: &genai.Blob{MIMEType: "audio/ogg", Data: audio}},
			{Text: c.prompt},
		},
	}}

	startedAt := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, nil)
	if err != nil {
		c.log.Error("Transcription failed", "model", c.model, "error", err)
		return ""
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		c.log.Error("Transcription failed", "model", c.model, "error", "no candidates")
		return ""
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Text == "" {
			continue
		}
		text.WriteString(part.Text)
	}

	c.log.Debug("Transcription completed", "duration_ms", time.Since(startedAt).Milliseconds(), "audio_bytes", len(audio))
	return strings.TrimSpace(text.String())
}
