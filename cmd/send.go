package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"voxscribe/pkg/gateway"
)

const sendTimeout = 30 * time.Second

var (
	sendBot  string
	sendJID  string
	sendText string
	sendAddr string
)

var sendCmd = &cobra.Command{
	Use:   "send [text]",
	Short: "Send a text message through a running session",
	Long:  "Posts to the control API of a running voxscribe serve process, which delivers the text on the named bot's connection.",
	RunE: func(cmd *cobra.Command, args []string) error {
		text := resolveSendText(args)
		if strings.TrimSpace(sendBot) == "" || strings.TrimSpace(sendJID) == "" || text == "" {
			return errors.New("--bot, --jid and a message text are required")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), sendTimeout)
		defer cancel()

		reply, err := postSend(ctx, http.DefaultClient, sendAddr, gateway.SendRequest{Bot: sendBot, JID: sendJID, Text: text})
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), reply)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVarP(&sendBot, "bot", "b", "", "session key of the sending bot")
	sendCmd.Flags().StringVarP(&sendJID, "jid", "j", "", "destination chat id")
	sendCmd.Flags().StringVarP(&sendText, "text", "t", "", "message text")
	sendCmd.Flags().StringVar(&sendAddr, "addr", "http://127.0.0.1:3000", "control API base URL")
}

func resolveSendText(args []string) string {
	if value := strings.TrimSpace(sendText); value != "" {
		return value
	}

	return strings.TrimSpace(strings.Join(args, " "))
}

// postSend calls POST /send and returns the body of a 200 response.
func postSend(ctx context.Context, client *http.Client, addr string, req gateway.SendRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	url := strings.TrimRight(addr, "/") + "/send"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("call control api: %w", err)
	}
	defer resp.Body.Close()

	reply, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("control api returned %d: %s", resp.StatusCode, strings.TrimSpace(string(reply)))
	}

	return strings.TrimSpace(string(reply)), nil
}
