package transcribe

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"voxscribe/pkg/config"
)

const maxResponseBytes = 4 << 20

type blobRequest struct {
	Type  string `json:"type"`
	Data  string `json:"data"`
	Model string `json:"model"`
}

type blobResponse struct {
	Text string `json:"text"`
}

// BlobClient posts base64 audio to a self-hosted whisper endpoint.
type BlobClient struct {
	endpoint string
	model    string
	timeout  time.Duration
	http     *http.Client
	log      *slog.Logger
}

// NewBlobClient builds the default backend.
func NewBlobClient(cfg config.TranscriptionConfig, log *slog.Logger) *BlobClient {
	if log == nil {
		log = slog.Default()
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = config.DefaultTranscriptionEndpoint
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = config.DefaultTranscriptionModel
	}

	return &BlobClient{
		endpoint: endpoint,
		model:    model,
		timeout:  requestTimeout(cfg),
		http:     &http.Client{},
		log:      log.With("component", "transcribe.blob"),
	}
}

func (c *BlobClient) Transcribe(ctx context.Context, audio []byte) string {
	text, err := c.transcribe(ctx, audio)
	if err != nil {
		c.log.Error("Transcription failed", "endpoint", c.endpoint, "error", err)
		return ""
	}

	return text
}

func (c *BlobClient) transcribe(ctx context.Context, audio []byte) (string, error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(blobRequest{
		Type:  "blob",
		Data:  base64.StdEncoding.EncodeToString(audio),
		Model: c.model,
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	startedAt := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("post audio: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded blobResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	c.log.Debug("Transcription completed", "duration_ms", time.Since(startedAt).Milliseconds(), "audio_bytes", len(audio), "text_length", len(decoded.Text))
	return decoded.Text, nil
}
