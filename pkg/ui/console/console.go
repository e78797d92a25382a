// Package console renders pairing codes and session banners for the operator.
package console

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mdp/qrterminal/v3"
)

// Console writes banners to one terminal. Writes from concurrent sessions do
// not interleave.
type Console struct {
	mu    sync.Mutex
	out   io.Writer
	theme theme
}

func New(out io.Writer) *Console {
	return &Console{out: out, theme: defaultTheme()}
}

// QR prints a scannable pairing code under the session label.
func (c *Console) QR(label string, code string) {
	if c == nil || c.out == nil {
		return
	}

	var grid strings.Builder
	qrterminal.GenerateHalfBlock(code, qrterminal.L, &grid)

	header := lipgloss.JoinHorizontal(lipgloss.Center,
		c.theme.header.Render(label),
		" ",
		c.theme.headerMeta.Render("📱 scan to link this device"),
	)
	hint := c.theme.hint.Render("WhatsApp → Settings → Linked devices → Link a device")

	c.write(lipgloss.JoinVertical(lipgloss.Left, header, c.theme.qrBox.Render(strings.TrimRight(grid.String(), "\n")), hint))
}

// Connected announces that a session is online.
func (c *Console) Connected(label string, self string) {
	if c == nil || c.out == nil {
		return
	}

	line := c.theme.okTitle.Render(label) + " " + c.theme.ok.Render("✅ connected")
	if self != "" {
		line += " " + c.theme.headerMeta.Render(self)
	}
	c.write(line)
}

// Disconnected announces a dropped session and the pending redial.
func (c *Console) Disconnected(label string, cause error) {
	if c == nil || c.out == nil {
		return
	}

	line := c.theme.errorTitle.Render(label) + " " + c.theme.hint.Render("❌ connection closed")
	if cause != nil {
		line += c.theme.hint.Render(": " + cause.Error())
	}
	c.write(line)
}

// Goodbye prints the shutdown banner.
func (c *Console) Goodbye(name string) {
	if c == nil || c.out == nil {
		return
	}

	c.write(c.theme.goodbye.Render("🎙️ " + name + " stopped"))
}

func (c *Console) write(block string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, _ = fmt.Fprintln(c.out, block)
}
