package license

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestValidateRequest_FieldAliases(t *testing.T) {
	req := ValidateRequest{LicenseKeySnake: "HEDGE-1234-ABCD", DeviceIDSnake: "device-77", Platform: "MT5"}
	if req.EffectiveLicenseKey() != "HEDGE-1234-ABCD" {
		t.Fatalf("license key alias not resolved: %q", req.EffectiveLicenseKey())
	}
	if req.EffectiveDeviceID() != "device-77" {
		t.Fatalf("device id alias not resolved: %q", req.EffectiveDeviceID())
	}
	if req.EffectivePlatform() != "mt5" {
		t.Fatalf("platform not normalized: %q", req.EffectivePlatform())
	}

	camel := ValidateRequest{LicenseKey: "CAMEL-KEY-0001", DeviceID: "dev"}
	if camel.EffectiveLicenseKey() != "CAMEL-KEY-0001" || camel.EffectivePlatform() != "unknown" {
		t.Fatalf("camelCase fields not honored: %+v", camel)
	}
	if (ValidateRequest{}).EffectiveDeviceID() != "unknown" {
		t.Fatal("missing device id must default to unknown")
	}
}

func TestValidate_SuccessUpdatesSummaryWithTokenExpiry(t *testing.T) {
	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "HEDGE-1234",
		"exp": expiry.Unix(),
	}).SignedString([]byte("upstream-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/license/validate" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(ValidateResponse{
			Valid:        true,
			Status:       "active",
			SessionToken: token,
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	resp, err := client.Validate(context.Background(), ValidateRequest{LicenseKey: "HEDGE-1234"})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !resp.Valid {
		t.Fatalf("expected valid response, got %+v", resp)
	}

	summary, ok := client.LastSummary()
	if !ok {
		t.Fatal("expected a summary after validation")
	}
	if !summary.Valid || summary.Status != "active" {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.ExpiresAt == nil || !summary.ExpiresAt.Equal(expiry) {
		t.Fatalf("expiry not lifted from token: %v", summary.ExpiresAt)
	}
}

func TestValidate_UpstreamRejectionIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(ValidateResponse{Valid: false, Error: "license expired"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	resp, err := client.Validate(context.Background(), ValidateRequest{LicenseKey: "OLD-KEY"})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if resp.Valid || resp.Error != "license expired" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	summary, ok := client.LastSummary()
	if !ok || summary.Valid {
		t.Fatalf("summary must record the rejection: %+v", summary)
	}
}

func TestValidate_TransportFailureReturnsError(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", 200*time.Millisecond)
	if _, err := client.Validate(context.Background(), ValidateRequest{}); err == nil {
		t.Fatal("expected transport error")
	}
	if _, ok := client.LastSummary(); ok {
		t.Fatal("transport failure must not fabricate a summary")
	}
}
