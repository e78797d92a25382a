package console

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestQRIncludesLabelAndCode(t *testing.T) {
	var out bytes.Buffer
	New(&out).QR("🤖 בוט 1", "2@abcdef,ghijkl,mnopqr")

	text := out.String()
	if !strings.Contains(text, "🤖 בוט 1") {
		t.Fatalf("expected label in output, got %q", text)
	}
	if !strings.ContainsAny(text, "▀▄█") {
		t.Fatalf("expected half-block QR grid in output, got %q", text)
	}
}

func TestBannersMentionState(t *testing.T) {
	var out bytes.Buffer
	c := New(&out)

	c.Connected("bot1", "972599999999@s.whatsapp.net")
	c.Disconnected("bot1", errors.New("stream replaced"))
	c.Goodbye("voxscribe")

	text := out.String()
	for _, want := range []string{"connected", "972599999999@s.whatsapp.net", "connection closed", "stream replaced", "voxscribe stopped"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in output, got %q", want, text)
		}
	}
}

func TestNilConsoleIsSilent(t *testing.T) {
	var c *Console
	c.QR("bot1", "code")
	c.Connected("bot1", "")
	c.Disconnected("bot1", nil)
	New(nil).Goodbye("voxscribe")
}
