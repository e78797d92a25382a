// Package heal recovers a session from group end-to-end desynchronization.
//
// A failed attempt in a group whose error looks like a broken signal or
// sender-key session triggers a purge of that group's local sender keys, at most
// once per window per conversation, followed by exactly one retry.
package heal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultWindow is the minimum spacing between two purges of the same conversation.
const DefaultWindow = 10 * time.Minute

// Purger deletes locally stored sender-key state for one conversation.
type Purger interface {
	PurgeSenderKeys(ctx context.Context, chat string) (int, error)
}

// Options configures a Controller. Zero values pick defaults.
type Options struct {
	Window     time.Duration
	Clock      clockwork.Clock
	Classifier Classifier
	Purger     Purger
	// OnPurge is called after every successful purge.
	OnPurge func(ctx context.Context, chat string, removed int)
	Log     *slog.Logger
}

// Controller owns the per-conversation remediation records of one session.
type Controller struct {
	window   time.Duration
	clock    clockwork.Clock
	classify Classifier
	purger   Purger
	onPurge  func(ctx context.Context, chat string, removed int)
	log      *slog.Logger

	mu     sync.Mutex
	healed map[string]time.Time
}

// New builds a Controller.
func New(opts Options) *Controller {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Classifier == nil {
		opts.Classifier = Classify
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	return &Controller{
		window:   opts.Window,
		clock:    opts.Clock,
		classify: opts.Classifier,
		purger:   opts.Purger,
		onPurge:  opts.OnPurge,
		log:      opts.Log.With("component", "heal"),
		healed:   make(map[string]time.Time),
	}
}

// Run executes attempt, and on a group desync remediates and retries it once.
// The returned error is the terminal failure, already logged.
func (c *Controller) Run(ctx context.Context, chat string, isGroup bool, attempt func(context.Context) error) error {
	err := attempt(ctx)
	if err == nil {
		return nil
	}

	kind := c.classify(err)
	if !isGroup || kind != KindDesync {
		c.log.Error("Processing failed", "chat", chat, "kind", kind, "error", err)
		return err
	}

	c.log.Warn("Group session desync detected", "chat", chat, "error", err)
	c.Remediate(ctx, chat)

	if err := attempt(ctx); err != nil {
		c.log.Error("Retry after remediation failed", "chat", chat, "kind", c.classify(err), "error", err)
		return fmt.Errorf("retry after remediation: %w", err)
	}

	c.log.Info("Retry after remediation succeeded", "chat", chat)
	return nil
}

// Remediate purges the conversation's sender keys unless that already happened
// inside the window. It reports whether a purge ran.
func (c *Controller) Remediate(ctx context.Context, chat string) bool {
	now := c.clock.Now()

	c.mu.Lock()
	last, seen := c.healed[chat]
	if seen && now.Sub(last) < c.window {
		c.mu.Unlock()
		c.log.Info("Skipping purge, conversation healed recently", "chat", chat, "last_healed", last, "window", c.window)
		return false
	}
	c.healed[chat] = now
	c.mu.Unlock()

	if c.purger == nil {
		c.log.Info("No sender-key store for this transport, retrying without purge", "chat", chat)
		return true
	}

	removed, err := c.purger.PurgeSenderKeys(ctx, chat)
	if err != nil {
		c.mu.Lock()
		if seen {
			c.healed[chat] = last
		} else {
			delete(c.healed, chat)
		}
		c.mu.Unlock()

		c.log.Error("Sender-key purge failed", "chat", chat, "error", err)
		return false
	}

	c.log.Warn("Purged group sender keys", "chat", chat, "removed", removed)
	if c.onPurge != nil {
		c.onPurge(ctx, chat, removed)
	}
	return true
}

// LastHealed returns the time of the last remediation of chat.
func (c *Controller) LastHealed(chat string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	at, ok := c.healed[chat]
	return at, ok
}

// Prune forgets records whose window has elapsed, so the next remediation of
// that chat creates a fresh record instead of updating the old one. An expired
// record permits a purge anyway, so the outcome is the same either way.
func (c *Controller) Prune() int {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for chat, at := range c.healed {
		if now.Sub(at) >= c.window {
			delete(c.healed, chat)
			removed++
		}
	}

	return removed
}

// Len returns the number of tracked conversations.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.healed)
}
