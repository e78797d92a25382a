// Package whatsapp connects a session to WhatsApp as a linked device.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waMmsRetry"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"voxscribe/pkg/channel"
	"voxscribe/pkg/heal"
	"voxscribe/pkg/keystore"
	"voxscribe/pkg/logger"
)

const (
	databaseFile = "whatsmeow.db"
	eventBuffer  = 64

	// DefaultMediaRetryTimeout bounds the wait for a sender's device to re-upload expired media.
	DefaultMediaRetryTimeout = time.Minute

	versionTimeout = 10 * time.Second
)

var versionOnce sync.Once

// versionSource looks up the web client version WhatsApp currently serves.
type versionSource func(ctx context.Context) (*store.WAVersionContainer, error)

func latestVersion(ctx context.Context) (*store.WAVersionContainer, error) {
	return whatsmeow.GetLatestVersion(ctx, nil)
}

// Dialer owns the session's auth database and opens one client per Dial.
type Dialer struct {
	authDir           string
	db                *sqlx.DB
	container         *sqlstore.Container
	waLog             waLog.Logger
	log               *slog.Logger
	mediaRetryTimeout time.Duration
}

// Open prepares the auth database under authDir, creating it on first use.
func Open(ctx context.Context, authDir string, log *slog.Logger) (*Dialer, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(authDir, 0o700); err != nil {
		return nil, fmt.Errorf("create auth dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", filepath.Join(authDir, databaseFile))
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open auth database: %w", err)
	}

	bridge := logger.WhatsApp(log, "whatsmeow")
	container := sqlstore.NewWithDB(db.DB, "sqlite3", bridge.Sub("Database"))
	if err := container.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("upgrade auth database: %w", err)
	}

	log = log.With("component", "channel.whatsapp")
	versionOnce.Do(func() { useLatestVersion(ctx, latestVersion, log) })
	log.Info("Auth store ready", "dir", authDir, "wa_version", store.GetWAVersion().String())

	return &Dialer{
		authDir:           authDir,
		db:                db,
		container:         container,
		waLog:             bridge,
		log:               log,
		mediaRetryTimeout: DefaultMediaRetryTimeout,
	}, nil
}

func (d *Dialer) Name() string {
	return "whatsapp"
}

// Purger removes a group's sender keys from the auth database and from any
// per-file keys left in the auth directory.
func (d *Dialer) Purger() heal.Purger {
	return keystore.Chain(keystore.NewSQLStore(d.db), keystore.NewFileStore(d.authDir))
}

// useLatestVersion makes every later dial announce the current web client
// version. The built-in version stays when the lookup fails.
func useLatestVersion(ctx context.Context, fetch versionSource, log *slog.Logger) store.WAVersionContainer {
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()

	latest, err := fetch(ctx)
	if err != nil || latest == nil || latest.IsZero() {
		log.Warn("Keeping built-in WhatsApp Web version", "version", store.GetWAVersion().String(), "error", err)
		return store.GetWAVersion()
	}

	store.SetWAVersion(*latest)
	return store.GetWAVersion()
}

// Close releases the auth database.
func (d *Dialer) Close() error {
	return d.db.Close()
}

// Dial connects with the stored device, or starts pairing when none exists.
func (d *Dialer) Dial(ctx context.Context, opts channel.DialOptions) (channel.Conn, error) {
	device, err := d.container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}

	client := whatsmeow.NewClient(device, d.waLog.Sub("Client"))
	client.EnableAutoReconnect = false

	conn := newConn(client, opts, d.mediaRetryTimeout, d.log)
	conn.handlerID = client.AddEventHandler(conn.handle)

	if client.Store.ID == nil {
		qr, err := client.GetQRChannel(ctx)
		if err != nil {
			conn.detach()
			return nil, fmt.Errorf("start pairing: %w", err)
		}
		go conn.forwardQR(qr)
	}

	if err := client.Connect(); err != nil {
		conn.detach()
		return nil, fmt.Errorf("connect: %w", err)
	}

	return conn, nil
}

// Conn is one whatsmeow client connection.
type Conn struct {
	client            *whatsmeow.Client
	ignore            func(string) bool
	mediaRetryTimeout time.Duration
	log               *slog.Logger
	handlerID         uint32

	events    chan channel.Event
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex

	retryMu sync.Mutex
	retries map[types.MessageID]chan *events.MediaRetry
}

func newConn(client *whatsmeow.Client, opts channel.DialOptions, mediaRetryTimeout time.Duration, log *slog.Logger) *Conn {
	ignore := opts.Ignore
	if ignore == nil {
		ignore = func(string) bool { return false }
	}

	return &Conn{
		client:            client,
		ignore:            ignore,
		mediaRetryTimeout: mediaRetryTimeout,
		log:               log,
		events:            make(chan channel.Event, eventBuffer),
		done:              make(chan struct{}),
		retries:           make(map[types.MessageID]chan *events.MediaRetry),
	}
}

func (c *Conn) Self() channel.Identity {
	return identity(c.client.Store)
}

func (c *Conn) Events() <-chan channel.Event {
	return c.events
}

func (c *Conn) SendText(ctx context.Context, chat string, text string, quoted *channel.InboundMessage) (channel.MessageKey, error) {
	jid, err := types.ParseJID(chat)
	if err != nil {
		return channel.MessageKey{}, fmt.Errorf("parse chat %q: %w", chat, err)
	}

	var original *events.Message
	if quoted != nil {
		original, _ = quoted.Raw.(*events.Message)
	}

	resp, err := c.client.SendMessage(ctx, jid, textMessage(text, original))
	if err != nil {
		return channel.MessageKey{}, tagSendError(err)
	}

	return channel.MessageKey{Chat: chat, ID: resp.ID}, nil
}

func (c *Conn) EditText(ctx context.Context, key channel.MessageKey, text string) error {
	jid, err := types.ParseJID(key.Chat)
	if err != nil {
		return fmt.Errorf("parse chat %q: %w", key.Chat, err)
	}

	edit := c.client.BuildEdit(jid, key.ID, &waE2E.Message{Conversation: proto.String(text)})
	if _, err := c.client.SendMessage(ctx, jid, edit); err != nil {
		return tagSendError(err)
	}

	return nil
}

// tagSendError pins the heal kind of send failures whatsmeow reports with a
// sentinel, so recovery does not depend on their wording.
func tagSendError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, whatsmeow.ErrNoSession):
		return heal.Desync(err)
	case errors.Is(err, whatsmeow.ErrNotConnected), errors.Is(err, whatsmeow.ErrIQTimedOut), errors.Is(err, whatsmeow.ErrIQDisconnected):
		return heal.Transient(err)
	default:
		return err
	}
}

func (c *Conn) DownloadAudio(ctx context.Context, msg channel.InboundMessage) ([]byte, error) {
	evt, ok := msg.Raw.(*events.Message)
	if !ok || evt.Message.GetAudioMessage() == nil {
		return nil, fmt.Errorf("message %s carries no audio", msg.ID)
	}
	audio := evt.Message.GetAudioMessage()

	data, err := c.client.Download(ctx, audio)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, whatsmeow.ErrMediaDownloadFailedWith404) && !errors.Is(err, whatsmeow.ErrMediaDownloadFailedWith410) {
		return nil, fmt.Errorf("download audio: %w", err)
	}

	c.log.Info("Media expired, requesting re-upload", "chat", msg.Chat, "message_id", msg.ID)
	return c.redownload(ctx, evt, audio)
}

// redownload asks the sender's device to re-upload the media and fetches it
// from the new path.
func (c *Conn) redownload(ctx context.Context, evt *events.Message, audio *waE2E.AudioMessage) ([]byte, error) {
	waiter := make(chan *events.MediaRetry, 1)
	c.retryMu.Lock()
	c.retries[evt.Info.ID] = waiter
	c.retryMu.Unlock()
	defer func() {
		c.retryMu.Lock()
		delete(c.retries, evt.Info.ID)
		c.retryMu.Unlock()
	}()

	if err := c.client.SendMediaRetryReceipt(&evt.Info, audio.GetMediaKey()); err != nil {
		return nil, fmt.Errorf("request re-upload: %w", err)
	}

	timer := time.NewTimer(c.mediaRetryTimeout)
	defer timer.Stop()

	var retry *events.MediaRetry
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("connection closed while waiting for re-upload: %w", channel.ErrMediaUnavailable)
	case <-timer.C:
		return nil, fmt.Errorf("no re-upload after %s: %w", c.mediaRetryTimeout, channel.ErrMediaUnavailable)
	case retry = <-waiter:
	}

	notification, err := whatsmeow.DecryptMediaRetryNotification(retry, audio.GetMediaKey())
	if err != nil {
		return nil, fmt.Errorf("decrypt re-upload notice: %w", err)
	}
	if notification.GetResult() != waMmsRetry.MediaRetryNotification_SUCCESS {
		return nil, fmt.Errorf("re-upload result %s: %w", notification.GetResult(), channel.ErrMediaUnavailable)
	}

	audio.DirectPath = proto.String(notification.GetDirectPath())
	data, err := c.client.Download(ctx, audio)
	if err != nil {
		return nil, fmt.Errorf("download re-uploaded audio: %w", err)
	}

	return data, nil
}

func (c *Conn) GroupInfo(ctx context.Context, chat string) (channel.GroupInfo, error) {
	jid, err := types.ParseJID(chat)
	if err != nil {
		return channel.GroupInfo{}, fmt.Errorf("parse chat %q: %w", chat, err)
	}

	info, err := c.client.GetGroupInfo(jid)
	if err != nil {
		return channel.GroupInfo{}, tagSendError(err)
	}

	return groupInfo(info), nil
}

func (c *Conn) Close() error {
	c.detach()
	return nil
}

// detach unregisters from the client, disconnects it and ends the event stream.
func (c *Conn) detach() {
	c.closeOnce.Do(func() {
		c.client.RemoveEventHandler(c.handlerID)
		c.client.Disconnect()

		close(c.done)
		c.mu.Lock()
		close(c.events)
		c.mu.Unlock()
	})
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

func (c *Conn) handle(raw any) {
	switch evt := raw.(type) {
	case *events.Message:
		if msg, ok := inbound(evt, c.ignore); ok {
			c.emit(channel.Event{Type: channel.EventMessages, Messages: []channel.InboundMessage{msg}})
		}
	case *events.MediaRetry:
		c.retryMu.Lock()
		waiter, ok := c.retries[evt.MessageID]
		c.retryMu.Unlock()
		if ok {
			select {
			case waiter <- evt:
			default:
			}
		}
	case *events.Connected:
		c.emit(channel.Event{Type: channel.EventOpen})
	case *events.PairSuccess:
		c.log.Info("Device linked", "jid", evt.ID.String(), "platform", evt.Platform)
		c.emit(channel.Event{Type: channel.EventCreds})
	case *events.KeepAliveTimeout:
		c.log.Warn("Keepalive timed out", "errors", evt.ErrorCount)
	default:
		if cause, ok := disconnectCause(raw); ok {
			c.emit(channel.Event{Type: channel.EventClose, Err: cause})
		}
	}
}

func (c *Conn) forwardQR(items <-chan whatsmeow.QRChannelItem) {
	for item := range items {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			c.emit(channel.Event{Type: channel.EventQR, QR: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
			c.emit(channel.Event{Type: channel.EventCreds})
		case whatsmeow.QRChannelTimeout.Event:
			c.emit(channel.Event{Type: channel.EventClose, Err: errors.New("pairing timed out")})
		case whatsmeow.QRChannelEventError:
			c.emit(channel.Event{Type: channel.EventClose, Err: fmt.Errorf("pairing failed: %w", item.Error)})
		default:
			c.emit(channel.Event{Type: channel.EventClose, Err: fmt.Errorf("pairing ended: %s", item.Event)})
		}
	}
}
