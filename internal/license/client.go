package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ValidateRequest accepts both the camelCase fields the terminal
// scripts send and the snake_case aliases older builds used.
type ValidateRequest struct {
	LicenseKey      string `json:"licenseKey,omitempty"`
	LicenseKeySnake string `json:"license_key,omitempty"`
	DeviceID        string `json:"deviceId,omitempty"`
	DeviceIDSnake   string `json:"device_id,omitempty"`
	Platform        string `json:"platform,omitempty"`
}

func (r ValidateRequest) EffectiveLicenseKey() string {
	if key := strings.TrimSpace(r.LicenseKey); key != "" {
		return key
	}
	return strings.TrimSpace(r.LicenseKeySnake)
}

func (r ValidateRequest) EffectiveDeviceID() string {
	if id := strings.TrimSpace(r.DeviceID); id != "" {
		return id
	}
	if id := strings.TrimSpace(r.DeviceIDSnake); id != "" {
		return id
	}
	return "unknown"
}

func (r ValidateRequest) EffectivePlatform() string {
	if p := strings.TrimSpace(r.Platform); p != "" {
		return strings.ToLower(p)
	}
	return "unknown"
}

type ValidateResponse struct {
	Valid        bool   `json:"valid"`
	Status       string `json:"status,omitempty"`
	SessionToken string `json:"session_token,omitempty"`
	ExpiresAt    string `json:"expires_at,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Summary is the locally held view served by /v1/license/status.
type Summary struct {
	Valid     bool       `json:"valid"`
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CheckedAt time.Time  `json:"checked_at"`
}

// Client calls the remote validation API and keeps the last-known
// summary so the status route works without a round trip.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu      sync.RWMutex
	summary *Summary
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Validate forwards the request upstream. The returned session token
// is parsed as a JWT purely to lift expiry metadata into the local
// summary; signature verification stays the upstream's job.
func (c *Client) Validate(ctx context.Context, req ValidateRequest) (ValidateResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return ValidateResponse{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/license/validate", bytes.NewReader(body))
	if err != nil {
		return ValidateResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return ValidateResponse{}, fmt.Errorf("license validation request failed: %w", err)
	}
	defer resp.Body.Close()

	var out ValidateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ValidateResponse{}, fmt.Errorf("decode license response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if out.Error == "" {
			out.Error = fmt.Sprintf("validation failed with status %d", resp.StatusCode)
		}
		out.Valid = false
	}

	c.recordSummary(out)
	return out, nil
}

func (c *Client) recordSummary(resp ValidateResponse) {
	summary := Summary{
		Valid:     resp.Valid,
		Status:    resp.Status,
		CheckedAt: time.Now().UTC(),
	}
	if summary.Status == "" {
		if resp.Valid {
			summary.Status = "active"
		} else {
			summary.Status = "invalid"
		}
	}
	if exp := tokenExpiry(resp.SessionToken); exp != nil {
		summary.ExpiresAt = exp
	} else if resp.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, resp.ExpiresAt); err == nil {
			summary.ExpiresAt = &t
		}
	}

	c.mu.Lock()
	c.summary = &summary
	c.mu.Unlock()
}

// tokenExpiry pulls the exp claim out of a session token without
// verifying it.
func tokenExpiry(token string) *time.Time {
	if token == "" {
		return nil
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	t := exp.Time.UTC()
	return &t
}

// LastSummary returns the most recent validation outcome, if any.
func (c *Client) LastSummary() (Summary, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.summary == nil {
		return Summary{}, false
	}
	return *c.summary, true
}
