package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"bridgehost/internal/domain"
)

const defaultAPIBase = "https://api.telegram.org"

// Notifier pushes operator alerts for bridge incidents that need a
// human: a supervised agent that burned through its restart budget, or
// a connection that hit its reconnect ceiling. With no token or chat
// configured every call is a no-op.
type Notifier struct {
	apiBase  string
	botToken string
	chatID   string
	client   *http.Client
}

func NewNotifier(botToken, chatID string) *Notifier {
	return &Notifier{
		apiBase:  defaultAPIBase,
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Enabled reports whether alerts will actually be delivered.
func (n *Notifier) Enabled() bool {
	return n.botToken != "" && n.chatID != ""
}

func (n *Notifier) Notify(ctx context.Context, text string) error {
	if !n.Enabled() || text == "" {
		return nil
	}

	raw, err := json.Marshal(map[string]string{
		"chat_id": n.chatID,
		"text":    "[bridgehost] " + text,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(n.apiBase, "/"), n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram: sendMessage returned %d", resp.StatusCode)
	}
	return nil
}

// NotifyAgent formats an alert about a supervised agent.
func (n *Notifier) NotifyAgent(ctx context.Context, platform domain.Platform, text string) error {
	return n.Notify(ctx, fmt.Sprintf("agent %s: %s", platform, text))
}

// NotifyConnection formats an alert about a registered connection.
func (n *Notifier) NotifyConnection(ctx context.Context, accountID, text string) error {
	return n.Notify(ctx, fmt.Sprintf("connection %s: %s", accountID, text))
}
