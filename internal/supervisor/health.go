package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"bridgehost/internal/domain"
)

// healthPayload is the raw /health body. Older agent builds used
// different names for the terminal-link flag; they are all resolved
// here and nowhere else.
type healthPayload struct {
	Connected         *bool  `json:"connected"`
	MT5Connected      *bool  `json:"mt5_connected"`
	TerminalConnected *bool  `json:"terminal_connected"`
	IsConnected       *bool  `json:"is_connected"`
	Status            string `json:"status"`
}

func (p healthPayload) terminalLinked() bool {
	for _, flag := range []*bool{p.Connected, p.MT5Connected, p.TerminalConnected, p.IsConnected} {
		if flag != nil {
			return *flag
		}
	}
	return false
}

// HealthClient polls agent /health endpoints with a hard timeout so a
// hung agent socket can never stall the monitor loop.
type HealthClient struct {
	client *http.Client
}

func NewHealthClient(timeout time.Duration) *HealthClient {
	return &HealthClient{client: &http.Client{Timeout: timeout}}
}

// Check performs one health probe. A failed probe is reported in the
// returned HealthReport, not as a Go error: the caller decides whether
// a failure matters based on process state.
func (h *HealthClient) Check(ctx context.Context, host string, port int) domain.HealthReport {
	report := domain.HealthReport{CheckedAt: time.Now().UTC()}

	url := fmt.Sprintf("http://%s:%d/health", host, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		report.Reason = err.Error()
		return report
	}
	resp, err := h.client.Do(req)
	if err != nil {
		report.Reason = fmt.Sprintf("health request failed: %v", err)
		return report
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		report.Reason = fmt.Sprintf("health returned status %d", resp.StatusCode)
		return report
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		report.Reason = fmt.Sprintf("read health body: %v", err)
		return report
	}
	return ParseHealthPayload(body)
}

// ParseHealthPayload interprets a 200 response body. HTTP 200 with
// valid JSON counts as healthy; the legacy connectivity aliases decide
// whether the terminal link is up.
func ParseHealthPayload(body []byte) domain.HealthReport {
	report := domain.HealthReport{CheckedAt: time.Now().UTC()}
	var payload healthPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		report.Reason = fmt.Sprintf("invalid health body: %v", err)
		return report
	}
	report.Healthy = true
	report.TerminalLinked = payload.terminalLinked()
	return report
}
