package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"

	"voxscribe/pkg/heal"
	"voxscribe/pkg/logger"
)

func TestTagSendError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want heal.Kind
	}{
		{name: "missing signal session", err: fmt.Errorf("%w with 972500000001:3@s.whatsapp.net", whatsmeow.ErrNoSession), want: heal.KindDesync},
		{name: "socket down", err: whatsmeow.ErrNotConnected, want: heal.KindTransient},
		{name: "iq timeout", err: fmt.Errorf("get group info: %w", whatsmeow.ErrIQTimedOut), want: heal.KindTransient},
		{name: "disconnected mid query", err: &whatsmeow.DisconnectedError{Action: "info query"}, want: heal.KindTransient},
		{name: "other", err: errors.New("server returned error 406"), want: heal.KindUnclassified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tagged := tagSendError(tt.err)
			if got := heal.Classify(tagged); got != tt.want {
				t.Fatalf("Classify(tagSendError(%v)) = %s, want %s", tt.err, got, tt.want)
			}
			if !errors.Is(tagged, tt.err) {
				t.Fatalf("tagged error lost its cause: %v", tagged)
			}
		})
	}

	if tagSendError(nil) != nil {
		t.Fatal("nil error must stay nil")
	}
}

func TestUseLatestVersion(t *testing.T) {
	builtin := store.GetWAVersion()
	t.Cleanup(func() { store.SetWAVersion(builtin) })

	failing := func(context.Context) (*store.WAVersionContainer, error) {
		return nil, errors.New("version number not found")
	}
	if got := useLatestVersion(context.Background(), failing, logger.Discard()); got != builtin {
		t.Fatalf("version after failed lookup = %s, want built-in %s", got.String(), builtin.String())
	}

	latest := store.WAVersionContainer{2, 3000, builtin[2] + 1}
	fetch := func(ctx context.Context) (*store.WAVersionContainer, error) {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("lookup must be bounded by a deadline")
		}
		return &latest, nil
	}
	if got := useLatestVersion(context.Background(), fetch, logger.Discard()); got != latest {
		t.Fatalf("version = %s, want %s", got.String(), latest.String())
	}
	if store.GetWAVersion() != latest {
		t.Fatalf("store version = %s, want %s", store.GetWAVersion().String(), latest.String())
	}
}
