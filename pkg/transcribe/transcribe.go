package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"voxscribe/pkg/config"
)

// Transcriber turns an audio blob into text.
//
// Implementations never fail: every backend error is logged and reported as "".
// Callers cannot tell a failed call from a legitimately empty transcript.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) string
}

// Func adapts a plain function to Transcriber.
type Func func(ctx context.Context, audio []byte) string

func (f Func) Transcribe(ctx context.Context, audio []byte) string {
	return f(ctx, audio)
}

// New selects the backend named by cfg.Backend.
func New(cfg config.TranscriptionConfig, log *slog.Logger) (Transcriber, error) {
	if log == nil {
		log = slog.Default()
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", config.BackendBlob:
		return NewBlobClient(cfg, log), nil
	case config.BackendOpenAI:
		return NewOpenAIClient(cfg, log)
	case config.BackendGemini:
		return NewGeminiClient(context.Background(), cfg, log)
	default:
		return nil, fmt.Errorf("unsupported transcription backend %q", cfg.Backend)
	}
}

func requestTimeout(cfg config.TranscriptionConfig) time.Duration {
	if cfg.RequestTimeoutSeconds <= 0 {
		return 0
	}

	return time.Duration(cfg.RequestTimeoutSeconds) * time.Second
}

// withTimeout applies the optional per-request timeout. Zero means no deadline.
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, timeout)
}
