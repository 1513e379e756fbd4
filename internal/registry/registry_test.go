package registry

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"bridgehost/internal/domain"
	"bridgehost/internal/security/secretbox"
	"bridgehost/internal/store/file"

	"path/filepath"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	box, err := secretbox.New(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("secretbox: %v", err)
	}
	store := file.NewStore(filepath.Join(t.TempDir(), "sessions.json"))
	return New(store, box)
}

func registerAccount(r *Registry, accountID string) {
	r.Register(domain.ConnectionSession{
		AccountID:     accountID,
		Platform:      domain.PlatformMT5,
		Role:          domain.RoleLocal,
		Status:        domain.StatusConnecting,
		AutoReconnect: true,
	})
}

func TestSetStatus_ConnectedResetsAttemptsAndStampsLastConnected(t *testing.T) {
	r := newTestRegistry(t)
	registerAccount(r, "acct-1")

	if _, ok := r.BeginReconnect("acct-1"); ok {
		t.Fatal("reconnect must not start from connecting")
	}
	if err := r.SetStatus("acct-1", domain.StatusConnected, ""); err != nil {
		t.Fatalf("set connected: %v", err)
	}
	if _, ok := r.BeginReconnect("acct-1"); !ok {
		t.Fatal("expected reconnect to start from connected")
	}
	if err := r.SetStatus("acct-1", domain.StatusConnected, ""); err != nil {
		t.Fatalf("set connected again: %v", err)
	}

	snap, err := r.GetSnapshot("acct-1")
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	session := snap.Session
	if session.ReconnectAttempts != 0 {
		t.Fatalf("expected attempts reset to 0, got %d", session.ReconnectAttempts)
	}
	if session.LastConnected == nil || !session.LastConnected.Equal(session.LastUpdate) {
		t.Fatalf("expected lastConnected == lastUpdate, got %v vs %v", session.LastConnected, session.LastUpdate)
	}
}

func TestSanitize_StripsCredentialRef(t *testing.T) {
	inputs := []domain.ConnectionSession{
		{},
		{AccountID: "a", CredentialRef: "sealed"},
		{AccountID: "b", CredentialRef: "sealed", Status: domain.StatusError, Error: "boom"},
	}
	for _, in := range inputs {
		out := Sanitize(in)
		if out.CredentialRef != "" {
			t.Fatalf("credential ref leaked for %+v", in)
		}
	}
}

func TestSnapshotReads_NeverExposeCredentials(t *testing.T) {
	r := newTestRegistry(t)
	registerAccount(r, "acct-1")
	if err := r.StoreCredential("acct-1", "hunter2"); err != nil {
		t.Fatalf("store credential: %v", err)
	}

	snap, err := r.GetSnapshot("acct-1")
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if snap.Session.CredentialRef != "" {
		t.Fatal("GetSnapshot leaked credential ref")
	}
	for _, s := range r.ListSnapshots() {
		if s.Session.CredentialRef != "" {
			t.Fatal("ListSnapshots leaked credential ref")
		}
	}

	secret, err := r.Credential("acct-1")
	if err != nil {
		t.Fatalf("credential: %v", err)
	}
	if secret != "hunter2" {
		t.Fatalf("unexpected credential: %q", secret)
	}
}

func TestUpsertSnapshot_UnknownAccountIsNoOp(t *testing.T) {
	r := newTestRegistry(t)
	status := domain.StatusConnected
	if r.UpsertSnapshot("ghost", domain.SnapshotUpdate{Status: &status}) {
		t.Fatal("expected upsert for unknown account to be rejected")
	}
	if len(r.ListSnapshots()) != 0 {
		t.Fatal("no session should have been created")
	}
}

func TestUpsertSnapshot_OmittedFieldsRetainPriorValues(t *testing.T) {
	r := newTestRegistry(t)
	registerAccount(r, "acct-1")

	connected := domain.StatusConnected
	margin := 120.5
	r.UpsertSnapshot("acct-1", domain.SnapshotUpdate{
		Status: &connected,
		Metrics: &domain.ConnectionMetrics{
			Balance: 1000, Equity: 990, Profit: -10, OpenCount: 1, Margin: &margin,
		},
		Positions: []domain.ConnectionPosition{{Ticket: 7, Symbol: "EURUSD", Side: domain.SideBuy}},
	})

	// Metrics-only update: status and positions must survive untouched.
	r.UpsertSnapshot("acct-1", domain.SnapshotUpdate{
		Metrics: &domain.ConnectionMetrics{Balance: 1005, Equity: 1002, Profit: -3, OpenCount: 1},
	})

	snap, err := r.GetSnapshot("acct-1")
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if snap.Session.Status != domain.StatusConnected {
		t.Fatalf("status lost on partial update: %s", snap.Session.Status)
	}
	if len(snap.Positions) != 1 || snap.Positions[0].Ticket != 7 {
		t.Fatalf("positions lost on partial update: %+v", snap.Positions)
	}
	if snap.Metrics == nil || snap.Metrics.Balance != 1005 {
		t.Fatalf("metrics not replaced: %+v", snap.Metrics)
	}
	if snap.Metrics.Margin != nil {
		t.Fatal("metrics must be replaced whole, not merged")
	}
}

func TestUpsertSnapshot_TracksExternalDataSeparately(t *testing.T) {
	r := newTestRegistry(t)
	registerAccount(r, "acct-1")

	external := time.Now().UTC().Add(-20 * time.Second)
	r.UpsertSnapshot("acct-1", domain.SnapshotUpdate{LastExternalDataAt: external})

	if got := r.LastExternalData("acct-1"); !got.Equal(external) {
		t.Fatalf("expected external timestamp %v, got %v", external, got)
	}
	snap, _ := r.GetSnapshot("acct-1")
	if snap.Session.LastUpdate.Equal(external) {
		t.Fatal("client-visible lastUpdate must be independent of external data time")
	}
}

func TestStaleConnected(t *testing.T) {
	r := newTestRegistry(t)
	registerAccount(r, "stale")
	registerAccount(r, "fresh")
	registerAccount(r, "already-disconnected")

	now := time.Now().UTC()
	connected := domain.StatusConnected
	r.UpsertSnapshot("stale", domain.SnapshotUpdate{Status: &connected, LastExternalDataAt: now.Add(-16 * time.Second)})
	r.UpsertSnapshot("fresh", domain.SnapshotUpdate{Status: &connected, LastExternalDataAt: now.Add(-14 * time.Second)})
	r.UpsertSnapshot("already-disconnected", domain.SnapshotUpdate{LastExternalDataAt: now.Add(-60 * time.Second)})

	stale := r.StaleConnected(now, 15*time.Second)
	if len(stale) != 1 || stale[0] != "stale" {
		t.Fatalf("expected only the stale connected account, got %v", stale)
	}
}

func TestEvents_NewestFirstAndBounded(t *testing.T) {
	r := newTestRegistry(t)
	registerAccount(r, "acct-1")
	_ = r.SetStatus("acct-1", domain.StatusConnected, "")
	_ = r.SetStatus("acct-1", domain.StatusError, "link lost")

	events := r.Events(2)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Status != domain.StatusError {
		t.Fatalf("expected newest event first, got %+v", events[0])
	}
}

func TestPersistAndLoad_RoundTripsCredentialSessions(t *testing.T) {
	store := file.NewStore(filepath.Join(t.TempDir(), "sessions.json"))
	key := make([]byte, 32)
	box, err := secretbox.New(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("secretbox: %v", err)
	}

	r := New(store, box)
	r.Register(domain.ConnectionSession{AccountID: "keep", Platform: domain.PlatformMT5, Login: "42", Server: "Demo"})
	r.Register(domain.ConnectionSession{AccountID: "drop", Platform: domain.PlatformCTrader})
	if err := r.StoreCredential("keep", "pw"); err != nil {
		t.Fatalf("store credential: %v", err)
	}
	r.Persist(context.Background())

	restored := New(store, box)
	restored.Load(context.Background())
	snaps := restored.ListSnapshots()
	if len(snaps) != 1 {
		t.Fatalf("expected only the credentialed session to persist, got %d", len(snaps))
	}
	s := snaps[0].Session
	if s.AccountID != "keep" || s.Status != domain.StatusDisconnected || !s.AutoReconnect {
		t.Fatalf("unexpected restored session: %+v", s)
	}
	if secret, err := restored.Credential("keep"); err != nil || secret != "pw" {
		t.Fatalf("expected credential to survive restart, got %q err=%v", secret, err)
	}
}
