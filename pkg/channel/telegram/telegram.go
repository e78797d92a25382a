// Package telegram runs a session as a Telegram bot that transcribes voice notes.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"voxscribe/pkg/channel"
	"voxscribe/pkg/config"
)

const channelName = "telegram"
const messagePreviewLimit = 240
const eventBuffer = 64

// maxFileBytes is the Bot API download limit.
const maxFileBytes = 20 << 20

// botAPI is the part of the Bot API a live connection needs.
type botAPI interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	EditMessageText(ctx context.Context, params *telego.EditMessageTextParams) (*telego.Message, error)
	GetFile(ctx context.Context, params *telego.GetFileParams) (*telego.File, error)
	FileDownloadURL(filepath string) string
	GetChat(ctx context.Context, params *telego.GetChatParams) (*telego.ChatFullInfo, error)
	GetChatMember(ctx context.Context, params *telego.GetChatMemberParams) (telego.ChatMember, error)
}

// Dialer opens one long-polling connection per Dial.
type Dialer struct {
	token     string
	allowFrom map[string]struct{}
	log       *slog.Logger
}

// NewDialer validates the session's Telegram settings.
func NewDialer(cfg config.SessionConfig, log *slog.Logger) (*Dialer, error) {
	token := cfg.ResolveToken()
	if token == "" {
		return nil, fmt.Errorf("session %q: telegram token is required", cfg.Key)
	}

	if log == nil {
		log = slog.Default()
	}

	return &Dialer{
		token:     token,
		allowFrom: allowFromSet(cfg.AllowFrom),
		log:       log.With("component", "channel.telegram"),
	}, nil
}

// Name returns the transport identifier used in status output and logs.
func (d *Dialer) Name() string {
	return channelName
}

// Dial verifies the token and starts long polling.
func (d *Dialer) Dial(ctx context.Context, opts channel.DialOptions) (channel.Conn, error) {
	bot, err := telego.NewBot(d.token)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}

	me, err := bot.GetMe(ctx)
	if err != nil {
		return nil, fmt.Errorf("get bot identity: %w", err)
	}

	pollCtx, cancel := context.WithCancel(ctx)
	updates, err := bot.UpdatesViaLongPolling(pollCtx, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start long polling: %w", err)
	}

	conn := newConn(bot, *me, d, opts, cancel)
	go conn.pump(pollCtx, updates)

	d.log.Info("Telegram channel started", "bot", me.Username)
	return conn, nil
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func (d *Dialer) senderAllowed(senderID string) bool {
	if len(d.allowFrom) == 0 {
		return true
	}

	_, ok := d.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

// Conn is one long-polling session of the bot.
type Conn struct {
	api      botAPI
	me       telego.User
	dialer   *Dialer
	ignore   func(string) bool
	download func(ctx context.Context, url string) ([]byte, error)
	cancel   context.CancelFunc
	log      *slog.Logger

	events    chan channel.Event
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
}

func newConn(api botAPI, me telego.User, dialer *Dialer, opts channel.DialOptions, cancel context.CancelFunc) *Conn {
	ignore := opts.Ignore
	if ignore == nil {
		ignore = func(string) bool { return false }
	}

	return &Conn{
		api:      api,
		me:       me,
		dialer:   dialer,
		ignore:   ignore,
		download: downloadFile,
		cancel:   cancel,
		log:      dialer.log,
		events:   make(chan channel.Event, eventBuffer),
		done:     make(chan struct{}),
	}
}

func (c *Conn) pump(ctx context.Context, updates <-chan telego.Update) {
	c.emit(channel.Event{Type: channel.EventOpen})

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				if ctx.Err() == nil {
					c.emit(channel.Event{Type: channel.EventClose, Err: errors.New("telegram updates channel closed")})
				}
				return
			}

			msg, ok := c.inbound(update)
			if !ok {
				continue
			}
			c.emit(channel.Event{Type: channel.EventMessages, Messages: []channel.InboundMessage{msg}})
		}
	}
}

// inbound converts an update. ok is false for updates that carry no message,
// come from an unknown sender, or belong to an ignored chat.
func (c *Conn) inbound(update telego.Update) (channel.InboundMessage, bool) {
	message := update.Message
	if message == nil {
		return channel.InboundMessage{}, false
	}
	if message.From == nil {
		c.log.Debug("Ignoring message without sender")
		return channel.InboundMessage{}, false
	}

	senderID := strconv.FormatInt(message.From.ID, 10)
	if !c.dialer.senderAllowed(senderID) {
		c.log.Debug("Ignoring message from unauthorized sender", "sender_id", senderID)
		return channel.InboundMessage{}, false
	}

	msg := convertMessage(message, c.me.ID)
	if c.ignore(msg.Chat) {
		return channel.InboundMessage{}, false
	}
	if msg.Kind != channel.KindAudio && message.Text != "" {
		c.log.Debug("Ignoring text message", "chat_id", msg.Chat, "content", previewText(message.Text))
	}

	return msg, true
}

// convertMessage maps message to the transport-neutral form. selfID is the
// bot's own user id; only its messages are FromMe.
func convertMessage(message *telego.Message, selfID int64) channel.InboundMessage {
	chatID := strconv.FormatInt(message.Chat.ID, 10)
	msg := channel.InboundMessage{
		// Telegram message IDs are only unique inside a chat.
		ID:         chatID + ":" + strconv.Itoa(message.MessageID),
		Chat:       chatID,
		IsGroup:    message.Chat.Type == telego.ChatTypeGroup || message.Chat.Type == telego.ChatTypeSupergroup,
		HasContent: true,
		Raw:        message,
	}
	if message.From != nil {
		msg.Sender = strconv.FormatInt(message.From.ID, 10)
		msg.FromMe = message.From.ID == selfID
	}
	if audioFileID(message) != "" {
		msg.Kind = channel.KindAudio
	}

	return msg
}

func audioFileID(message *telego.Message) string {
	switch {
	case message == nil:
		return ""
	case message.Voice != nil:
		return message.Voice.FileID
	case message.Audio != nil:
		return message.Audio.FileID
	default:
		return ""
	}
}

func (c *Conn) Self() channel.Identity {
	return channel.Identity{ID: strconv.FormatInt(c.me.ID, 10), Name: c.me.Username}
}

func (c *Conn) Events() <-chan channel.Event {
	return c.events
}

func (c *Conn) SendText(ctx context.Context, chat string, text string, quoted *channel.InboundMessage) (channel.MessageKey, error) {
	chatID, err := parseChatID(chat)
	if err != nil {
		return channel.MessageKey{}, err
	}

	params := tu.Message(tu.ID(chatID), text)
	if quoted != nil {
		if original, ok := quoted.Raw.(*telego.Message); ok {
			params = params.WithReplyParameters(&telego.ReplyParameters{MessageID: original.MessageID})
		}
	}

	sent, err := c.api.SendMessage(ctx, params)
	if err != nil {
		return channel.MessageKey{}, err
	}

	return channel.MessageKey{Chat: chat, ID: strconv.Itoa(sent.MessageID)}, nil
}

func (c *Conn) EditText(ctx context.Context, key channel.MessageKey, text string) error {
	chatID, err := parseChatID(key.Chat)
	if err != nil {
		return err
	}
	messageID, err := strconv.Atoi(key.ID)
	if err != nil {
		return fmt.Errorf("parse message id %q: %w", key.ID, err)
	}

	_, err = c.api.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
		Text:      text,
	})
	return err
}

func (c *Conn) DownloadAudio(ctx context.Context, msg channel.InboundMessage) ([]byte, error) {
	message, _ := msg.Raw.(*telego.Message)
	fileID := audioFileID(message)
	if fileID == "" {
		return nil, fmt.Errorf("message %s carries no audio", msg.ID)
	}

	file, err := c.api.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	if file.FilePath == "" {
		return nil, fmt.Errorf("file %s has no download path: %w", fileID, channel.ErrMediaUnavailable)
	}

	data, err := c.download(ctx, c.api.FileDownloadURL(file.FilePath))
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}

	return data, nil
}

// GroupInfo reports the bot as the only known participant; the Bot API does
// not list ordinary members.
func (c *Conn) GroupInfo(ctx context.Context, chat string) (channel.GroupInfo, error) {
	chatID, err := parseChatID(chat)
	if err != nil {
		return channel.GroupInfo{}, err
	}

	full, err := c.api.GetChat(ctx, &telego.GetChatParams{ChatID: tu.ID(chatID)})
	if err != nil {
		return channel.GroupInfo{}, fmt.Errorf("get chat: %w", err)
	}

	member, err := c.api.GetChatMember(ctx, &telego.GetChatMemberParams{ChatID: tu.ID(chatID), UserID: c.me.ID})
	if err != nil {
		return channel.GroupInfo{}, fmt.Errorf("get chat member: %w", err)
	}

	info := channel.GroupInfo{Subject: full.Title}
	if perms := full.Permissions; perms != nil && perms.CanSendMessages != nil {
		info.Restricted = !*perms.CanSendMessages
	}

	switch member.MemberStatus() {
	case telego.MemberStatusLeft, telego.MemberStatusBanned:
	default:
		info.Participants = []channel.Participant{{
			ID:         strconv.FormatInt(c.me.ID, 10),
			Admin:      member.MemberStatus() == telego.MemberStatusAdministrator,
			SuperAdmin: member.MemberStatus() == telego.MemberStatusCreator,
		}}
	}

	return info, nil
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()

		close(c.done)
		c.mu.Lock()
		close(c.events)
		c.mu.Unlock()
	})
	return nil
}

func (c *Conn) emit(event channel.Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.events <- event:
	case <-c.done:
	}
}

// downloadFile fetches a Bot API file URL.
func downloadFile(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxFileBytes))
}

func parseChatID(chat string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(chat), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse chat id %q: %w", chat, err)
	}

	return id, nil
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}
