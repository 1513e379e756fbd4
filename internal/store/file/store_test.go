package file

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"bridgehost/internal/domain"
)

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "sessions.json")
	store := NewStore(path)

	connected := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	in := []domain.PersistedSession{
		{
			AccountID:     "acct-1",
			Platform:      domain.PlatformMT5,
			Role:          domain.RoleLocal,
			Login:         "1002003",
			Server:        "Broker-Demo",
			LastConnected: &connected,
			CredentialRef: "sealed-blob",
		},
	}
	if err := store.Save(context.Background(), in); err != nil {
		t.Fatalf("save: %v", err)
	}

	out, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 session, got %d", len(out))
	}
	if out[0].AccountID != "acct-1" || out[0].Server != "Broker-Demo" {
		t.Fatalf("unexpected record: %+v", out[0])
	}
	if out[0].LastConnected == nil || !out[0].LastConnected.Equal(connected) {
		t.Fatalf("last connected mismatch: %v", out[0].LastConnected)
	}
}

func TestLoad_MissingFileReturnsEmpty(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "absent.json"))
	out, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no sessions, got %d", len(out))
	}
}

func TestSave_OverwritesPrevious(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "sessions.json"))
	ctx := context.Background()

	first := []domain.PersistedSession{{AccountID: "a"}, {AccountID: "b"}}
	if err := store.Save(ctx, first); err != nil {
		t.Fatalf("save first: %v", err)
	}
	second := []domain.PersistedSession{{AccountID: "c"}}
	if err := store.Save(ctx, second); err != nil {
		t.Fatalf("save second: %v", err)
	}
	out, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(out) != 1 || out[0].AccountID != "c" {
		t.Fatalf("expected only the second write, got %+v", out)
	}
}
