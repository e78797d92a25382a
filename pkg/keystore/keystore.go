// Package keystore deletes per-group sender-key state from a session's auth store.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
)

const senderKeyFilePrefix = "sender-key"

// FileStore is a multi-file auth directory where every key lives in its own file.
// Sender keys are named "sender-key-<group>--<sender>.json", plus one
// "sender-key-memory-<group>.json" per group.
type FileStore struct {
	Dir string
}

// NewFileStore returns a purger over dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir}
}

// PurgeSenderKeys removes every sender-key file that embeds chat.
func (s *FileStore) PurgeSenderKeys(_ context.Context, chat string) (int, error) {
	chat = strings.TrimSpace(chat)
	if chat == "" {
		return 0, errors.New("chat is required")
	}

	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("list auth dir: %w", err)
	}

	needle := fileSafe(chat)
	removed := 0
	var errs []error
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, senderKeyFilePrefix) || !strings.Contains(name, needle) {
			continue
		}

		if err := os.Remove(filepath.Join(s.Dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", name, err))
			continue
		}
		removed++
	}

	return removed, errors.Join(errs...)
}

// fileSafe applies the auth directory's file naming rules to an identifier.
func fileSafe(id string) string {
	return strings.NewReplacer("/", "__", ":", "-").Replace(id)
}

// SQLStore purges rows of the whatsmeow_sender_keys table.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore wraps an open auth database.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

// PurgeSenderKeys deletes every sender key stored for chat, for any sender.
func (s *SQLStore) PurgeSenderKeys(ctx context.Context, chat string) (int, error) {
	chat = strings.TrimSpace(chat)
	if chat == "" {
		return 0, errors.New("chat is required")
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM whatsmeow_sender_keys WHERE chat_id = ?"), chat)
	if err != nil {
		return 0, fmt.Errorf("delete sender keys: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted sender keys: %w", err)
	}

	return int(affected), nil
}

// CountSenderKeys returns how many sender keys are stored for chat.
func (s *SQLStore) CountSenderKeys(ctx context.Context, chat string) (int, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, s.db.Rebind("SELECT COUNT(*) FROM whatsmeow_sender_keys WHERE chat_id = ?"), chat); err != nil {
		return 0, fmt.Errorf("count sender keys: %w", err)
	}

	return count, nil
}

// Purger is any store that can drop a conversation's sender keys.
type Purger interface {
	PurgeSenderKeys(ctx context.Context, chat string) (int, error)
}

// Chain purges every store in order and sums the removals. A failing store does
// not stop the rest.
func Chain(purgers ...Purger) Purger {
	return chain(purgers)
}

type chain []Purger

func (c chain) PurgeSenderKeys(ctx context.Context, chat string) (int, error) {
	total := 0
	var errs []error
	for _, p := range c {
		removed, err := p.PurgeSenderKeys(ctx, chat)
		total += removed
		if err != nil {
			errs = append(errs, err)
		}
	}

	return total, errors.Join(errs...)
}
