package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"bridgehost/internal/config"
	"bridgehost/internal/domain"
	"bridgehost/internal/registry"
)

// AgentBridge sends connection commands to the per-platform bridge
// agents over their loopback APIs. The registry tells it which platform
// owns an account; the agent answers with the shared envelope.
type AgentBridge struct {
	reg       *registry.Registry
	endpoints map[domain.Platform]string
	client    *http.Client
}

func NewAgentBridge(reg *registry.Registry, agents []config.AgentConfig) *AgentBridge {
	endpoints := make(map[domain.Platform]string, len(agents))
	for _, a := range agents {
		endpoints[a.Platform] = fmt.Sprintf("http://%s:%d", a.Host, a.Port)
	}
	return &AgentBridge{
		reg:       reg,
		endpoints: endpoints,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (b *AgentBridge) Reconnect(ctx context.Context, accountID string) error {
	return b.command(ctx, accountID, "reconnect")
}

func (b *AgentBridge) Disconnect(ctx context.Context, accountID string) error {
	return b.command(ctx, accountID, "disconnect")
}

type agentEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (b *AgentBridge) command(ctx context.Context, accountID, action string) error {
	snap, err := b.reg.GetSnapshot(accountID)
	if err != nil {
		return fmt.Errorf("bridge: unknown account %s", accountID)
	}
	base, ok := b.endpoints[snap.Session.Platform]
	if !ok {
		return fmt.Errorf("bridge: no agent endpoint for platform %s", snap.Session.Platform)
	}

	raw, err := json.Marshal(map[string]string{"account_id": accountID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/"+action, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("bridge: %s %s: %w", action, accountID, err)
	}
	defer resp.Body.Close()

	var env agentEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("bridge: %s %s: bad agent response: %w", action, accountID, err)
	}
	if !env.Success {
		if env.Error == "" {
			env.Error = fmt.Sprintf("agent returned status %d", resp.StatusCode)
		}
		return fmt.Errorf("bridge: %s %s: %s", action, accountID, env.Error)
	}
	return nil
}
