package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"voxscribe/pkg/bus"
	"voxscribe/pkg/channel"
	"voxscribe/pkg/channel/fake"
	"voxscribe/pkg/logger"
	"voxscribe/pkg/ui/console"
)

var botIdentity = channel.Identity{ID: "972599999999:3@s.whatsapp.net", LID: "88888:3@lid"}

type recordingHandler struct {
	mu      sync.Mutex
	handled []string
	panicOn string
}

func (h *recordingHandler) Handle(_ context.Context, _ channel.Conn, msg channel.InboundMessage) error {
	if msg.ID == h.panicOn {
		panic("corrupt payload")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, msg.ID)
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handled)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	sup    *Supervisor
	dialer *fake.Dialer
	clock  *clockwork.FakeClock
	bus    *bus.EventBus
	out    *lockedBuffer
	cancel context.CancelFunc
	done   chan error
}

func startHarness(t *testing.T, handler Handler, conns ...*fake.Conn) *harness {
	t.Helper()

	h := &harness{
		dialer: fake.NewDialer(conns...),
		clock:  clockwork.NewFakeClock(),
		bus:    bus.New(),
		out:    &lockedBuffer{},
		done:   make(chan error, 1),
	}
	t.Cleanup(h.bus.Close)

	sup, err := New(Options{
		Key:     "bot1",
		Label:   "🤖 בוט 1",
		Dialer:  h.dialer,
		Handler: handler,
		Clock:   h.clock,
		Bus:     h.bus,
		Console: console.New(h.out),
		Log:     logger.Discard(),
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	h.sup = sup

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- sup.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Error("supervisor did not stop")
		}
	})

	return h
}

func (h *harness) nextConn(t *testing.T) *fake.Conn {
	t.Helper()

	select {
	case conn := <-h.dialer.Dialed():
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

func (h *harness) waitForTimer(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("reconnect timer was not scheduled: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewValidatesOptions(t *testing.T) {
	handler := &recordingHandler{}
	dialer := fake.NewDialer()

	tests := []struct {
		name string
		opts Options
	}{
		{name: "missing key", opts: Options{Dialer: dialer, Handler: handler}},
		{name: "missing dialer", opts: Options{Key: "bot1", Handler: handler}},
		{name: "missing handler", opts: Options{Key: "bot1", Dialer: dialer}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestRunRedialsAfterFixedDelay(t *testing.T) {
	first := fake.NewConn(botIdentity)
	second := fake.NewConn(botIdentity)
	h := startHarness(t, &recordingHandler{}, first, second)

	if conn := h.nextConn(t); conn != first {
		t.Fatal("expected first connection")
	}
	first.Emit(channel.Event{Type: channel.EventOpen})
	waitFor(t, "open state", func() bool { return h.sup.State() == StateOpen })

	first.Drop()
	h.waitForTimer(t)
	if h.sup.Conn() != nil {
		t.Fatal("handle must be cleared while reconnecting")
	}
	if h.sup.State() != StateReconnecting {
		t.Fatalf("state = %s, want %s", h.sup.State(), StateReconnecting)
	}

	h.clock.Advance(4 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if got := h.dialer.Dials(); got != 1 {
		t.Fatalf("dials = %d before the delay elapsed, want 1", got)
	}

	h.clock.Advance(time.Second)
	if conn := h.nextConn(t); conn != second {
		t.Fatal("expected second connection")
	}
}

func TestRunRetriesFailedDial(t *testing.T) {
	conn := fake.NewConn(botIdentity)
	dialer := fake.NewDialer(conn)
	dialer.FailDial(errors.New("dial tcp: i/o timeout"), errors.New("dial tcp: i/o timeout"))

	clock := clockwork.NewFakeClock()
	sup, err := New(Options{Key: "bot1", Dialer: dialer, Handler: &recordingHandler{}, Clock: clock, Log: logger.Discard()})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	for i := 0; i < 2; i++ {
		waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := clock.BlockUntilContext(waitCtx, 1); err != nil {
			waitCancel()
			t.Fatalf("retry %d not scheduled: %v", i+1, err)
		}
		waitCancel()
		clock.Advance(DefaultReconnectDelay)
	}

	select {
	case got := <-dialer.Dialed():
		if got != conn {
			t.Fatal("unexpected connection")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor gave up after failed dials")
	}
	if got := dialer.Dials(); got != 3 {
		t.Fatalf("dials = %d, want 3", got)
	}
}

func TestRunDropsStatusBroadcast(t *testing.T) {
	h := startHarness(t, &recordingHandler{}, fake.NewConn(botIdentity))
	h.nextConn(t)

	ignore := h.dialer.LastOptions().Ignore
	if ignore == nil || !ignore(channel.StatusBroadcast) {
		t.Fatal("expected dial options to ignore status broadcast")
	}
	if ignore("120363000000000001@g.us") {
		t.Fatal("groups must not be ignored")
	}
}

func TestCloseEventTriggersReconnect(t *testing.T) {
	first := fake.NewConn(botIdentity)
	h := startHarness(t, &recordingHandler{}, first, fake.NewConn(botIdentity))

	h.nextConn(t)
	first.Emit(channel.Event{Type: channel.EventOpen})
	first.Emit(channel.Event{Type: channel.EventClose, Err: errors.New("stream replaced")})

	h.waitForTimer(t)
	h.clock.Advance(DefaultReconnectDelay)
	h.nextConn(t)

	if got := h.bus.Count("bot1", bus.EventSessionClosed); got != 1 {
		t.Fatalf("closed events = %d, want 1", got)
	}
	if !strings.Contains(h.out.String(), "stream replaced") {
		t.Fatalf("expected close cause on console, got %q", h.out.String())
	}
}

func TestQREventRendersPairingCode(t *testing.T) {
	conn := fake.NewConn(botIdentity)
	h := startHarness(t, &recordingHandler{}, conn)

	h.nextConn(t)
	conn.Emit(channel.Event{Type: channel.EventQR, QR: "2@pairing,code"})
	waitFor(t, "pairing code on console", func() bool { return strings.Contains(h.out.String(), "🤖 בוט 1") })

	if h.sup.State() != StatePairing {
		t.Fatalf("state = %s, want %s", h.sup.State(), StatePairing)
	}
}

func TestDispatchIsolatesFailures(t *testing.T) {
	handler := &recordingHandler{panicOn: "boom"}
	conn := fake.NewConn(botIdentity)
	h := startHarness(t, handler, conn)

	h.nextConn(t)
	conn.Emit(channel.Event{Type: channel.EventMessages, Messages: []channel.InboundMessage{
		{ID: "boom", Chat: "a@s.whatsapp.net"},
		{ID: "ok-1", Chat: "a@s.whatsapp.net"},
		{ID: "ok-2", Chat: "b@s.whatsapp.net"},
	}})

	waitFor(t, "batch to be handled", func() bool { return handler.count() == 2 })
	if h.sup.Conn() != conn {
		t.Fatal("a panicking message must not drop the connection")
	}
}

// stallingHandler never returns for ids with the stall prefix until ctx ends.
type stallingHandler struct {
	recordingHandler
	stall   string
	stalled atomic.Int32
}

func (h *stallingHandler) Handle(ctx context.Context, conn channel.Conn, msg channel.InboundMessage) error {
	if strings.HasPrefix(msg.ID, h.stall) {
		h.stalled.Add(1)
		<-ctx.Done()
		return ctx.Err()
	}

	return h.recordingHandler.Handle(ctx, conn, msg)
}

func TestStalledMessagesDoNotBlockEventLoop(t *testing.T) {
	handler := &stallingHandler{stall: "hang-"}
	first := fake.NewConn(botIdentity)
	second := fake.NewConn(botIdentity)
	h := startHarness(t, handler, first, second)

	h.nextConn(t)
	first.Emit(channel.Event{Type: channel.EventOpen})
	waitFor(t, "open state", func() bool { return h.sup.State() == StateOpen })

	batch := make([]channel.InboundMessage, 0, 17)
	for i := 0; i < 16; i++ {
		batch = append(batch, channel.InboundMessage{ID: fmt.Sprintf("hang-%d", i), Chat: "a@s.whatsapp.net"})
	}
	batch = append(batch, channel.InboundMessage{ID: "ok", Chat: "b@s.whatsapp.net"})
	first.Emit(channel.Event{Type: channel.EventMessages, Messages: batch})
	first.Emit(channel.Event{Type: channel.EventClose, Err: errors.New("stream error")})

	waitFor(t, "independent message", func() bool { return handler.count() == 1 })
	waitFor(t, "all stalled handlers running", func() bool { return handler.stalled.Load() == 16 })

	h.waitForTimer(t)
	if h.sup.State() != StateReconnecting {
		t.Fatalf("state = %s, want %s while messages hang", h.sup.State(), StateReconnecting)
	}

	h.clock.Advance(DefaultReconnectDelay)
	if conn := h.nextConn(t); conn != second {
		t.Fatal("expected redial while earlier messages still hang")
	}
}

func TestSendTextUsesLiveConnection(t *testing.T) {
	conn := fake.NewConn(botIdentity)
	h := startHarness(t, &recordingHandler{}, conn)

	h.nextConn(t)
	conn.Emit(channel.Event{Type: channel.EventOpen})
	waitFor(t, "open state", func() bool { return h.sup.State() == StateOpen })

	if err := h.sup.SendText(context.Background(), "972500000001@s.whatsapp.net", "hi"); err != nil {
		t.Fatalf("SendText error: %v", err)
	}
	sent := conn.Sent()
	if len(sent) != 1 || sent[0].Text != "hi" || sent[0].Quoted != "" {
		t.Fatalf("sent = %+v", sent)
	}

	status := h.sup.Status()
	if status.State != StateOpen || status.Self != botIdentity.ID || status.Transport != "fake" {
		t.Fatalf("status = %+v", status)
	}
}

func TestSendTextWithoutConnection(t *testing.T) {
	sup, err := New(Options{Key: "bot1", Dialer: fake.NewDialer(), Handler: &recordingHandler{}, Log: logger.Discard()})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	if err := sup.SendText(context.Background(), "x@s.whatsapp.net", "hi"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("error = %v, want %v", err, ErrNotConnected)
	}
}

func TestRunStopsDuringReconnectDelay(t *testing.T) {
	conn := fake.NewConn(botIdentity)
	h := startHarness(t, &recordingHandler{}, conn)

	h.nextConn(t)
	conn.Drop()
	h.waitForTimer(t)

	h.cancel()
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Run error: %v", err)
		}
		h.done <- nil
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop during the reconnect delay")
	}
	if h.sup.State() != StateStopped {
		t.Fatalf("state = %s, want %s", h.sup.State(), StateStopped)
	}
}
