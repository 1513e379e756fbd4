package supervisor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestParseHealthPayload_LegacyAliases(t *testing.T) {
	cases := []struct {
		name       string
		body       string
		healthy    bool
		terminalUp bool
	}{
		{"mt5 legacy flag", `{"mt5_connected": true}`, true, true},
		{"plain connected false", `{"connected": false}`, true, false},
		{"terminal_connected", `{"terminal_connected": true, "status": "ok"}`, true, true},
		{"is_connected", `{"is_connected": false}`, true, false},
		{"no flag at all", `{"status": "ok"}`, true, false},
		{"invalid json", `{not json`, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			report := ParseHealthPayload([]byte(tc.body))
			if report.Healthy != tc.healthy {
				t.Fatalf("healthy = %v, want %v", report.Healthy, tc.healthy)
			}
			if report.TerminalLinked != tc.terminalUp {
				t.Fatalf("terminal linked = %v, want %v", report.TerminalLinked, tc.terminalUp)
			}
		})
	}
}

func hostPort(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	addr := strings.TrimPrefix(srv.URL, "http://")
	host, rawPort, ok := strings.Cut(addr, ":")
	if !ok {
		t.Fatalf("unexpected test server url %s", srv.URL)
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return host, port
}

func TestHealthClient_Check(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"mt5_connected": true}`))
	}))
	defer srv.Close()

	host, port := hostPort(t, srv)
	report := NewHealthClient(time.Second).Check(context.Background(), host, port)
	if !report.Healthy || !report.TerminalLinked {
		t.Fatalf("expected healthy linked report, got %+v", report)
	}
}

func TestHealthClient_Check_Non200IsFailureWithReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	host, port := hostPort(t, srv)
	report := NewHealthClient(time.Second).Check(context.Background(), host, port)
	if report.Healthy {
		t.Fatal("expected unhealthy report for 503")
	}
	if report.Reason == "" {
		t.Fatal("expected a failure reason")
	}
}

func TestHealthClient_Check_UnreachableEndpoint(t *testing.T) {
	report := NewHealthClient(200 * time.Millisecond).Check(context.Background(), "127.0.0.1", 1)
	if report.Healthy {
		t.Fatal("expected unhealthy report for refused connection")
	}
}
