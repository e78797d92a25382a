// Package fake provides an in-memory channel.Conn and channel.Dialer for tests.
package fake

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"voxscribe/pkg/channel"
)

// Sent records one SendText call.
type Sent struct {
	Chat   string
	Text   string
	Quoted string
	Key    channel.MessageKey
}

// Edit records one successful EditText call.
type Edit struct {
	Key  channel.MessageKey
	Text string
}

// Conn is a scripted connection. Error queues are consumed one call at a time.
type Conn struct {
	mu sync.Mutex

	self   channel.Identity
	events chan channel.Event
	closed bool

	groups      map[string]channel.GroupInfo
	groupErrs   []error
	audio       []byte
	downloadErr error
	sendErrs    []error
	editErrs    []error

	sent         []Sent
	edits        []Edit
	downloads    int
	groupFetches int
}

// NewConn returns an open connection for self.
func NewConn(self channel.Identity) *Conn {
	return &Conn{
		self:   self,
		events: make(chan channel.Event, 16),
		groups: make(map[string]channel.GroupInfo),
		audio:  []byte("OggS"),
	}
}

func (c *Conn) SetGroup(chat string, info channel.GroupInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups[chat] = info
}

func (c *Conn) SetAudio(audio []byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audio = audio
	c.downloadErr = err
}

func (c *Conn) FailGroupInfo(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groupErrs = append(c.groupErrs, errs...)
}

func (c *Conn) FailSend(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErrs = append(c.sendErrs, errs...)
}

func (c *Conn) FailEdit(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.editErrs = append(c.editErrs, errs...)
}

// Emit queues an event for the consumer of Events.
func (c *Conn) Emit(event channel.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- event
}

// Drop closes the event stream as a lost connection would.
func (c *Conn) Drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
}

func (c *Conn) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

func (c *Conn) Edits() []Edit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Edit(nil), c.edits...)
}

func (c *Conn) Downloads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.downloads
}

func (c *Conn) GroupFetches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.groupFetches
}

func (c *Conn) Self() channel.Identity {
	return c.self
}

func (c *Conn) Events() <-chan channel.Event {
	return c.events
}

func (c *Conn) SendText(_ context.Context, chat string, text string, quoted *channel.InboundMessage) (channel.MessageKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := pop(&c.sendErrs); err != nil {
		return channel.MessageKey{}, err
	}

	key := channel.MessageKey{Chat: chat, ID: fmt.Sprintf("sent-%d", len(c.sent)+1)}
	record := Sent{Chat: chat, Text: text, Key: key}
	if quoted != nil {
		record.Quoted = quoted.ID
	}
	c.sent = append(c.sent, record)

	return key, nil
}

func (c *Conn) EditText(_ context.Context, key channel.MessageKey, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := pop(&c.editErrs); err != nil {
		return err
	}

	c.edits = append(c.edits, Edit{Key: key, Text: text})
	return nil
}

func (c *Conn) DownloadAudio(context.Context, channel.InboundMessage) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.downloads++
	if c.downloadErr != nil {
		return nil, c.downloadErr
	}

	return append([]byte(nil), c.audio...), nil
}

func (c *Conn) GroupInfo(_ context.Context, chat string) (channel.GroupInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.groupFetches++
	if err := pop(&c.groupErrs); err != nil {
		return channel.GroupInfo{}, err
	}

	info, ok := c.groups[chat]
	if !ok {
		return channel.GroupInfo{}, fmt.Errorf("group %s not found", chat)
	}

	return info, nil
}

func (c *Conn) Close() error {
	c.Drop()
	return nil
}

func pop(queue *[]error) error {
	if len(*queue) == 0 {
		return nil
	}

	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}

// Dialer hands out prepared connections in order.
type Dialer struct {
	mu      sync.Mutex
	conns   []*Conn
	dialErr []error
	dials   int
	opts    []channel.DialOptions
	dialed  chan *Conn
}

func NewDialer(conns ...*Conn) *Dialer {
	return &Dialer{conns: conns, dialed: make(chan *Conn, 16)}
}

// FailDial makes the next dials fail with errs.
func (d *Dialer) FailDial(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErr = append(d.dialErr, errs...)
}

func (d *Dialer) Name() string {
	return "fake"
}

func (d *Dialer) Dial(ctx context.Context, opts channel.DialOptions) (channel.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	d.opts = append(d.opts, opts)
	if err := pop(&d.dialErr); err != nil {
		return nil, err
	}
	if len(d.conns) == 0 {
		return nil, errors.New("no connection available")
	}

	conn := d.conns[0]
	d.conns = d.conns[1:]
	d.dialed <- conn
	return conn, nil
}

// Dialed yields every connection handed out, in order.
func (d *Dialer) Dialed() <-chan *Conn {
	return d.dialed
}

func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *Dialer) LastOptions() channel.DialOptions {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.opts) == 0 {
		return channel.DialOptions{}
	}
	return d.opts[len(d.opts)-1]
}
