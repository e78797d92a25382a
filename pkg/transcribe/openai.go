package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"voxscribe/pkg/config"

	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const defaultOpenAIKeyEnv = "OPENAI_API_KEY"

// OpenAIClient transcribes with the hosted Whisper API.
type OpenAIClient struct {
	client   osdk.Client
	model    osdk.AudioModel
	language string
	timeout  time.Duration
	log      *slog.Logger
}

// NewOpenAIClient requires an API key from cfg.APIKeyEnv or OPENAI_API_KEY.
func NewOpenAIClient(cfg config.TranscriptionConfig, log *slog.Logger) (*OpenAIClient, error) {
	if log == nil {
		log = slog.Default()
	}

	apiKey := resolveAPIKey(cfg.APIKeyEnv, defaultOpenAIKeyEnv)
	if apiKey == "" {
		return nil, errors.New("transcription.api_key_env is required or OPENAI_API_KEY must be set")
	}

	model, err := normalizeOpenAIModel(cfg.Model)
	if err != nil {
		return nil, err
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &OpenAIClient{
		client:   osdk.NewClient(opts...),
		model:    osdk.AudioModel(model),
		language: strings.TrimSpace(cfg.Language),
		timeout:  requestTimeout(cfg),
		log:      log.With("component", "transcribe.openai"),
	}, nil
}

func (c *OpenAIClient) Transcribe(ctx context.Context, audio []byte) string {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	params := osdk.AudioTranscriptionNewParams{
		File:  osdk.File(bytes.NewReader(audio), "voice.ogg", "audio/ogg"),
		Model: c.model,
	}
	if c.language != "" {
		params.Language = osdk.String(c.language)
	}

	startedAt := time.Now()
	resp, err := c.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		c.log.Error("Transcription failed", "model", c.model, "error", err)
		return ""
	}
	if resp == nil {
		c.log.Error("Transcription failed", "model", c.model, "error", "empty response")
		return ""
	}

	c.log.Debug("Transcription completed", "duration_ms", time.Since(startedAt).Milliseconds(), "audio_bytes", len(audio))
	return resp.Text
}

// normalizeOpenAIModel maps the blob default and "openai/" prefixed ids onto API model names.
func normalizeOpenAIModel(model string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" || model == config.DefaultTranscriptionModel {
		return string(osdk.AudioModelWhisper1), nil
	}

	providerID, modelID, ok := strings.Cut(model, "/")
	if !ok {
		return model, nil
	}
	if strings.TrimSpace(providerID) != "openai" || strings.TrimSpace(modelID) == "" {
		return "", fmt.Errorf("model %q is not supported by the openai backend", model)
	}

	return strings.TrimSpace(modelID), nil
}

func resolveAPIKey(envName string, fallbackEnv string) string {
	if envName = strings.TrimSpace(envName); envName != "" {
		if apiKey := strings.TrimSpace(os.Getenv(envName)); apiKey != "" {
			return apiKey
		}
	}

	return strings.TrimSpace(os.Getenv(fallbackEnv))
}
