package channel

import (
	"context"
	"errors"
	"strings"
)

// KindAudio tags inbound voice notes and audio files. Every other payload is ignored.
const KindAudio = "audio"

// StatusBroadcast is the WhatsApp status feed; transports drop it before dispatch.
const StatusBroadcast = "status@broadcast"

// ErrMediaUnavailable reports media that could not be fetched even after a re-upload request.
var ErrMediaUnavailable = errors.New("media unavailable")

// InboundMessage is one delivered message event. Transports may deliver the same ID more than once.
type InboundMessage struct {
	ID         string
	Chat       string
	Sender     string
	IsGroup    bool
	FromMe     bool
	Kind       string
	HasContent bool
	// Raw is the transport's own event, kept to fetch media lazily and to quote the message.
	Raw any
}

// MessageKey identifies a message the bot sent so it can be edited later.
type MessageKey struct {
	Chat string
	ID   string
}

// Identity is the bot's own account as seen by the network.
type Identity struct {
	// ID is the primary account identifier (phone JID or bot user ID).
	ID string
	// LID is the linked-device identity used inside groups; may be empty.
	LID string
	// Name is a display name for logs.
	Name string
}

// Participant is one member of a group conversation.
type Participant struct {
	ID         string
	LID        string
	Admin      bool
	SuperAdmin bool
}

// Privileged reports whether the participant may post in an admin-only group.
func (p Participant) Privileged() bool {
	return p.Admin || p.SuperAdmin
}

// GroupInfo is the metadata fetched for a group conversation.
type GroupInfo struct {
	Subject      string
	Restricted   bool
	Participants []Participant
}

// EventType tags the payload carried by Event.
type EventType string

const (
	EventQR       EventType = "qr"
	EventOpen     EventType = "open"
	EventClose    EventType = "close"
	EventCreds    EventType = "creds"
	EventMessages EventType = "messages"
)

// Event is one connection, credential or message-batch update from a live connection.
type Event struct {
	Type     EventType
	QR       string
	Err      error
	Messages []InboundMessage
}

// Conn is one live transport handle. It is never reused after its Events channel closes.
type Conn interface {
	Self() Identity
	// Events is closed once the connection is gone for good.
	Events() <-chan Event
	SendText(ctx context.Context, chat string, text string, quoted *InboundMessage) (MessageKey, error)
	EditText(ctx context.Context, key MessageKey, text string) error
	// DownloadAudio asks the sender's device to re-upload when the media has expired.
	DownloadAudio(ctx context.Context, msg InboundMessage) ([]byte, error)
	GroupInfo(ctx context.Context, chat string) (GroupInfo, error)
	Close() error
}

// DialOptions is passed to every dial.
type DialOptions struct {
	// Ignore drops a conversation before any event is emitted for it.
	Ignore func(chat string) bool
}

// Dialer opens a fresh Conn using the session's persisted credentials.
type Dialer interface {
	Name() string
	Dial(ctx context.Context, opts DialOptions) (Conn, error)
}

// IgnoreStatusBroadcast is the default ignore predicate.
func IgnoreStatusBroadcast(chat string) bool {
	return chat == StatusBroadcast
}

// BareID strips the device suffix from an identity and keeps the server, so
// "123:4@lid" and "123@lid" compare equal but "123@lid" and "123@s.whatsapp.net"
// do not.
func BareID(id string) string {
	id = strings.TrimSpace(id)
	user, server, hasServer := strings.Cut(id, "@")
	if idx := strings.IndexByte(user, ':'); idx >= 0 {
		user = user[:idx]
	}
	if hasServer {
		return user + "@" + server
	}

	return user
}
