package bridge

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"bridgehost/internal/config"
	"bridgehost/internal/domain"
	"bridgehost/internal/registry"
)

func agentConfigFor(t *testing.T, srv *httptest.Server) config.AgentConfig {
	t.Helper()
	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("parse agent url: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return config.AgentConfig{Platform: domain.PlatformMT5, Host: host, Port: port}
}

func TestReconnect_SendsCommandToOwningAgent(t *testing.T) {
	var gotPath string
	var gotAccount string
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotAccount = body["account_id"]
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": true})
	}))
	defer agent.Close()

	reg := registry.New(nil, nil)
	reg.Register(domain.ConnectionSession{AccountID: "acct-1", Platform: domain.PlatformMT5})

	b := NewAgentBridge(reg, []config.AgentConfig{agentConfigFor(t, agent)})
	if err := b.Reconnect(context.Background(), "acct-1"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if gotPath != "/reconnect" || gotAccount != "acct-1" {
		t.Fatalf("unexpected command %s for %s", gotPath, gotAccount)
	}
}

func TestCommand_AgentFailureEnvelopeSurfacesError(t *testing.T) {
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": false, "error": "terminal busy"})
	}))
	defer agent.Close()

	reg := registry.New(nil, nil)
	reg.Register(domain.ConnectionSession{AccountID: "acct-2", Platform: domain.PlatformMT5})

	b := NewAgentBridge(reg, []config.AgentConfig{agentConfigFor(t, agent)})
	err := b.Disconnect(context.Background(), "acct-2")
	if err == nil || !strings.Contains(err.Error(), "terminal busy") {
		t.Fatalf("expected agent error to surface, got %v", err)
	}
}

func TestCommand_UnknownAccountAndMissingEndpoint(t *testing.T) {
	reg := registry.New(nil, nil)
	b := NewAgentBridge(reg, nil)

	if err := b.Reconnect(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown account")
	}

	reg.Register(domain.ConnectionSession{AccountID: "acct-3", Platform: domain.PlatformCTrader})
	if err := b.Reconnect(context.Background(), "acct-3"); err == nil {
		t.Fatal("expected error when no agent endpoint is configured")
	}
}
