// Package session keeps one bot identity connected and feeds its messages to the pipeline.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"voxscribe/pkg/bus"
	"voxscribe/pkg/channel"
	"voxscribe/pkg/ui/console"
)

// DefaultReconnectDelay is the fixed pause between a dropped connection and the next dial.
const DefaultReconnectDelay = 5 * time.Second

// ErrNotConnected is returned by SendText while the session is between connections.
var ErrNotConnected = errors.New("socket not connected")

// State is the connection lifecycle of a session.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StatePairing      State = "pairing"
	StateOpen         State = "open"
	StateReconnecting State = "reconnecting"
	StateStopped      State = "stopped"
)

// Handler processes one inbound message on the connection that delivered it.
type Handler interface {
	Handle(ctx context.Context, conn channel.Conn, msg channel.InboundMessage) error
}

// Options wires a Supervisor.
type Options struct {
	Key            string
	Label          string
	Dialer         channel.Dialer
	Handler        Handler
	Clock          clockwork.Clock
	ReconnectDelay time.Duration
	Bus            *bus.EventBus
	Console        *console.Console
	Log            *slog.Logger
}

// Status is a point-in-time view of a session for the control API.
type Status struct {
	Key         string    `json:"key"`
	Label       string    `json:"label"`
	Transport   string    `json:"transport"`
	State       State     `json:"state"`
	Self        string    `json:"self,omitempty"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	Dials       int       `json:"dials"`
}

// Supervisor owns one session: it dials, consumes events, and redials forever
// until its context is cancelled.
type Supervisor struct {
	key      string
	label    string
	dialer   channel.Dialer
	handler  Handler
	clock    clockwork.Clock
	delay    time.Duration
	bus      *bus.EventBus
	console  *console.Console
	log      *slog.Logger
	inflight *errgroup.Group

	mu          sync.RWMutex
	conn        channel.Conn
	state       State
	self        channel.Identity
	connectedAt time.Time
	dials       int
}

// New builds a Supervisor. It does not dial until Run.
func New(opts Options) (*Supervisor, error) {
	if opts.Key == "" {
		return nil, errors.New("session key is required")
	}
	if opts.Dialer == nil {
		return nil, errors.New("dialer is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("handler is required")
	}
	if opts.Label == "" {
		opts.Label = opts.Key
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	return &Supervisor{
		key:      opts.Key,
		label:    opts.Label,
		dialer:   opts.Dialer,
		handler:  opts.Handler,
		clock:    opts.Clock,
		delay:    opts.ReconnectDelay,
		bus:      opts.Bus,
		console:  opts.Console,
		log:      opts.Log.With("component", "session", "session", opts.Key),
		inflight: &errgroup.Group{},
		state:    StateIdle,
	}, nil
}

func (s *Supervisor) Key() string {
	return s.key
}

func (s *Supervisor) Label() string {
	return s.label
}

// Run blocks until ctx is cancelled. In-flight messages are awaited before it returns.
func (s *Supervisor) Run(ctx context.Context) error {
	defer func() {
		_ = s.inflight.Wait()
		s.setState(StateStopped)
		s.log.Info("Session stopped")
	}()

	for {
		s.connect(ctx)
		if ctx.Err() != nil {
			return nil
		}

		s.setState(StateReconnecting)
		s.log.Info("Reconnecting", "delay", s.delay)

		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(s.delay):
		}
	}
}

// connect runs one connection from dial until its event stream ends.
func (s *Supervisor) connect(ctx context.Context) {
	s.setState(StateConnecting)

	s.mu.Lock()
	s.dials++
	s.mu.Unlock()

	conn, err := s.dialer.Dial(ctx, channel.DialOptions{Ignore: channel.IgnoreStatusBroadcast})
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error("Dial failed", "transport", s.dialer.Name(), "error", err)
		}
		return
	}

	s.setConn(conn)
	defer func() {
		s.clearConn(conn)
		if err := conn.Close(); err != nil {
			s.log.Debug("Close failed", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-conn.Events():
			if !ok {
				s.log.Warn("Connection closed")
				s.console.Disconnected(s.label, nil)
				s.publish(ctx, bus.Event{Type: bus.EventSessionClosed})
				return
			}
			if s.handleEvent(ctx, conn, event) {
				return
			}
		}
	}
}

// handleEvent reports whether the connection is finished.
func (s *Supervisor) handleEvent(ctx context.Context, conn channel.Conn, event channel.Event) bool {
	switch event.Type {
	case channel.EventQR:
		s.setState(StatePairing)
		s.log.Info("Pairing code received, scan it to link the device")
		s.console.QR(s.label, event.QR)
	case channel.EventOpen:
		self := conn.Self()

		s.mu.Lock()
		s.state = StateOpen
		s.self = self
		s.connectedAt = s.clock.Now()
		s.mu.Unlock()

		s.log.Info("Connected", "self", self.ID, "lid", self.LID)
		s.console.Connected(s.label, self.ID)
		s.publish(ctx, bus.Event{Type: bus.EventSessionOpen})
	case channel.EventCreds:
		s.log.Debug("Credentials updated")
	case channel.EventClose:
		s.log.Warn("Connection closed", "error", event.Err)
		s.console.Disconnected(s.label, event.Err)
		errText := ""
		if event.Err != nil {
			errText = event.Err.Error()
		}
		s.publish(ctx, bus.Event{Type: bus.EventSessionClosed, Error: errText})
		return true
	case channel.EventMessages:
		for _, msg := range event.Messages {
			s.dispatch(ctx, conn, msg)
		}
	default:
		s.log.Debug("Ignoring event", "type", event.Type)
	}

	return false
}

// dispatch processes msg in its own goroutine and returns at once. A slow,
// failing or panicking message never holds up the event loop or the rest of
// the batch.
func (s *Supervisor) dispatch(ctx context.Context, conn channel.Conn, msg channel.InboundMessage) {
	s.inflight.Go(func() error {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("Message handler panicked", "chat", msg.Chat, "message_id", msg.ID, "panic", fmt.Sprint(r))
			}
		}()

		if err := s.handler.Handle(ctx, conn, msg); err != nil {
			s.log.Debug("Message abandoned", "chat", msg.Chat, "message_id", msg.ID, "error", err)
		}
		return nil
	})
}

// SendText sends a plain message on the live connection.
func (s *Supervisor) SendText(ctx context.Context, chat string, text string) error {
	conn := s.Conn()
	if conn == nil {
		return ErrNotConnected
	}

	if _, err := conn.SendText(ctx, chat, text, nil); err != nil {
		return err
	}

	return nil
}

// Conn returns the live connection, or nil between connections.
func (s *Supervisor) Conn() channel.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.conn
}

func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state
}

func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Status{
		Key:         s.key,
		Label:       s.label,
		Transport:   s.dialer.Name(),
		State:       s.state,
		Self:        s.self.ID,
		ConnectedAt: s.connectedAt,
		Dials:       s.dials,
	}
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = state
}

func (s *Supervisor) setConn(conn channel.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn = conn
}

// clearConn drops the handle only if it is still conn.
func (s *Supervisor) clearConn(conn channel.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == conn {
		s.conn = nil
		s.connectedAt = time.Time{}
	}
}

func (s *Supervisor) publish(ctx context.Context, event bus.Event) {
	if s.bus == nil {
		return
	}

	event.Session = s.key
	s.bus.PublishEvent(ctx, event)
}
