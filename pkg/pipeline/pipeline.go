// Package pipeline turns inbound voice messages into in-place transcript replies.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"voxscribe/pkg/bus"
	"voxscribe/pkg/channel"
	"voxscribe/pkg/config"
	"voxscribe/pkg/heal"
	"voxscribe/pkg/transcribe"
)

// Texts are the three replies the bot ever writes for a voice message.
type Texts struct {
	Pending string
	Prefix  string
	Failure string
}

// DefaultTexts returns the stock Hebrew replies.
func DefaultTexts() Texts {
	return Texts{
		Pending: config.DefaultPendingText,
		Prefix:  config.DefaultTranscriptPrefix,
		Failure: config.DefaultFailureText,
	}
}

// TextsFromConfig fills blanks in cfg with the stock replies.
func TextsFromConfig(cfg config.PipelineConfig) Texts {
	texts := DefaultTexts()
	if cfg.PendingText != "" {
		texts.Pending = cfg.PendingText
	}
	if cfg.TranscriptPrefix != "" {
		texts.Prefix = cfg.TranscriptPrefix
	}
	if cfg.FailureText != "" {
		texts.Failure = cfg.FailureText
	}

	return texts
}

// Options wires a Pipeline. Cache and Heal are owned by one session only.
type Options struct {
	Session     string
	Transcriber transcribe.Transcriber
	Cache       *Cache
	Heal        *heal.Controller
	Bus         *bus.EventBus
	Texts       Texts
	Log         *slog.Logger
}

// Pipeline processes the messages of one session.
type Pipeline struct {
	session     string
	transcriber transcribe.Transcriber
	cache       *Cache
	heal        *heal.Controller
	bus         *bus.EventBus
	texts       Texts
	log         *slog.Logger
}

// New builds a Pipeline. A nil Cache or Heal gets a fresh default instance.
func New(opts Options) (*Pipeline, error) {
	if opts.Transcriber == nil {
		return nil, errors.New("transcriber is required")
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Cache == nil {
		opts.Cache = NewCache(DefaultCacheLimit)
	}
	if opts.Heal == nil {
		opts.Heal = heal.New(heal.Options{Log: opts.Log, OnPurge: HealNotifier(opts.Bus, opts.Session)})
	}
	if opts.Texts == (Texts{}) {
		opts.Texts = DefaultTexts()
	}

	return &Pipeline{
		session:     opts.Session,
		transcriber: opts.Transcriber,
		cache:       opts.Cache,
		heal:        opts.Heal,
		bus:         opts.Bus,
		texts:       opts.Texts,
		log:         opts.Log.With("component", "pipeline"),
	}, nil
}

// Cache exposes the session's transcription cache.
func (p *Pipeline) Cache() *Cache {
	return p.cache
}

// Heal exposes the session's self-heal controller.
func (p *Pipeline) Heal() *heal.Controller {
	return p.heal
}

// job is the progress of one message across the first attempt and the retry,
// so a retry never repeats a step that already produced an outbound message.
type job struct {
	msg channel.InboundMessage

	gated       bool
	skipped     bool
	placeholder *channel.MessageKey
	transcribed bool
	transcript  string
	edited      bool
}

// Handle processes one inbound message. It returns the terminal error, which is
// already logged; a skipped message returns nil.
func (p *Pipeline) Handle(ctx context.Context, conn channel.Conn, msg channel.InboundMessage) error {
	if !msg.HasContent || msg.Kind != channel.KindAudio {
		return nil
	}

	log := p.log.With("chat", msg.Chat, "message_id", msg.ID)
	j := &job{msg: msg}

	err := p.heal.Run(ctx, msg.Chat, msg.IsGroup, func(ctx context.Context) error {
		return p.attempt(ctx, conn, j, log)
	})
	if err != nil {
		p.publish(ctx, bus.Event{Type: bus.EventTranscriptionFailed, ChatID: msg.Chat, MessageID: msg.ID, Error: err.Error()})
		return err
	}

	return nil
}

func (p *Pipeline) attempt(ctx context.Context, conn channel.Conn, j *job, log *slog.Logger) error {
	if !j.gated {
		ok, err := Authorized(ctx, conn, j.msg, log)
		if err != nil {
			return err
		}
		j.gated = true

		if !ok {
			j.skipped = true
			p.publish(ctx, bus.Event{Type: bus.EventVoiceSkipped, ChatID: j.msg.Chat, MessageID: j.msg.ID, Payload: map[string]string{"reason": "unauthorized"}})
			return nil
		}

		if !p.cache.Reserve(j.msg.ID) {
			j.skipped = true
			log.Info("Transcript already cached")
			p.publish(ctx, bus.Event{Type: bus.EventVoiceSkipped, ChatID: j.msg.Chat, MessageID: j.msg.ID, Payload: map[string]string{"reason": "duplicate"}})
			return nil
		}

		log.Info("Voice message received", "sender", j.msg.Sender)
		p.publish(ctx, bus.Event{Type: bus.EventVoiceReceived, ChatID: j.msg.Chat, MessageID: j.msg.ID})
	}
	if j.skipped {
		return nil
	}

	if j.placeholder == nil {
		quoted := j.msg
		key, err := conn.SendText(ctx, j.msg.Chat, p.texts.Pending, &quoted)
		if err != nil {
			return fmt.Errorf("send placeholder: %w", err)
		}
		j.placeholder = &key
	}

	if !j.transcribed {
		j.transcript = p.transcribe(ctx, conn, j.msg, log)
		p.cache.Set(j.msg.ID, j.transcript)
		j.transcribed = true
	}

	if !j.edited {
		if err := conn.EditText(ctx, *j.placeholder, p.reply(j.transcript)); err != nil {
			return fmt.Errorf("edit placeholder: %w", err)
		}
		j.edited = true
	}

	if j.transcript == "" {
		p.publish(ctx, bus.Event{Type: bus.EventTranscriptionFailed, ChatID: j.msg.Chat, MessageID: j.msg.ID, Error: "empty transcript"})
	} else {
		p.publish(ctx, bus.Event{Type: bus.EventTranscribed, ChatID: j.msg.Chat, MessageID: j.msg.ID})
	}

	return nil
}

// transcribe fetches the audio and runs it through the backend. Download
// failures are absorbed into an empty transcript like backend failures.
func (p *Pipeline) transcribe(ctx context.Context, conn channel.Conn, msg channel.InboundMessage, log *slog.Logger) string {
	audio, err := conn.DownloadAudio(ctx, msg)
	if err != nil {
		log.Error("Audio download failed", "error", err)
		return ""
	}

	text := p.transcriber.Transcribe(ctx, audio)
	log.Info("Transcription finished", "bytes", len(audio), "chars", len([]rune(text)))

	return text
}

func (p *Pipeline) reply(transcript string) string {
	if transcript == "" {
		return p.texts.Failure
	}

	return p.texts.Prefix + transcript
}

// HealNotifier publishes a group-healed event for every purge.
func HealNotifier(eb *bus.EventBus, session string) func(ctx context.Context, chat string, removed int) {
	if eb == nil {
		return nil
	}

	return func(ctx context.Context, chat string, removed int) {
		eb.PublishEvent(ctx, bus.Event{
			Type:    bus.EventGroupHealed,
			Session: session,
			ChatID:  chat,
			Payload: map[string]string{"removed": strconv.Itoa(removed)},
		})
	}
}

func (p *Pipeline) publish(ctx context.Context, event bus.Event) {
	if p.bus == nil {
		return
	}

	event.Session = p.session
	p.bus.PublishEvent(ctx, event)
}
