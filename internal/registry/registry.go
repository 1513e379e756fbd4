package registry

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"bridgehost/internal/domain"
	"bridgehost/internal/security/secretbox"
	"bridgehost/internal/store"
)

var ErrNotFound = errors.New("not found")

const maxEvents = 256

// Registry is the single source of truth for per-account connection
// state. The bridge writes snapshots in, everything else reads through
// sanitized queries. All maps are guarded by mu.
type Registry struct {
	mu sync.RWMutex

	sessions  map[string]domain.ConnectionSession
	metrics   map[string]domain.ConnectionMetrics
	positions map[string][]domain.ConnectionPosition

	// lastExternal tracks when real terminal data last arrived; it is
	// deliberately separate from the UI-facing LastUpdate.
	lastExternal map[string]time.Time

	events     []domain.ConnectionEvent
	subscriber chan<- domain.ConnectionEvent

	sessionStore store.SessionStore
	box          *secretbox.Box
}

func New(sessionStore store.SessionStore, box *secretbox.Box) *Registry {
	return &Registry{
		sessions:     make(map[string]domain.ConnectionSession),
		metrics:      make(map[string]domain.ConnectionMetrics),
		positions:    make(map[string][]domain.ConnectionPosition),
		lastExternal: make(map[string]time.Time),
		events:       make([]domain.ConnectionEvent, 0, maxEvents),
		sessionStore: sessionStore,
		box:          box,
	}
}

// Subscribe attaches a single typed event channel. Delivery is
// non-blocking: a full channel drops the event rather than stalling a
// state transition.
func (r *Registry) Subscribe(ch chan<- domain.ConnectionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscriber = ch
}

// Register adds a tracked account. The session id is assigned here if
// the caller left it empty.
func (r *Registry) Register(session domain.ConnectionSession) domain.ConnectionSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.Status == "" {
		session.Status = domain.StatusDisconnected
	}
	if session.LastUpdate.IsZero() {
		session.LastUpdate = time.Now().UTC()
	}
	r.sessions[session.AccountID] = session
	r.appendEventLocked(domain.ConnectionEvent{
		AccountID: session.AccountID,
		Type:      domain.EventSessionAdded,
		Status:    session.Status,
	})
	return session
}

// Remove deletes an account and all of its state.
func (r *Registry) Remove(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[accountID]; !ok {
		return
	}
	delete(r.sessions, accountID)
	delete(r.metrics, accountID)
	delete(r.positions, accountID)
	delete(r.lastExternal, accountID)
	r.appendEventLocked(domain.ConnectionEvent{
		AccountID: accountID,
		Type:      domain.EventSessionRemoved,
	})
}

// UpsertSnapshot merges a partial update from the bridge. Unknown
// accounts are rejected: the account must be registered first. Omitted
// fields keep their prior values; metrics are replaced whole when given.
func (r *Registry) UpsertSnapshot(accountID string, update domain.SnapshotUpdate) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[accountID]
	if !ok {
		return false
	}

	now := time.Now().UTC()
	if update.Metrics != nil {
		r.metrics[accountID] = *update.Metrics
	}
	if update.Positions != nil {
		r.positions[accountID] = update.Positions
	}
	if update.Status != nil {
		r.applyStatusLocked(&session, *update.Status, "", now)
	}
	session.LastUpdate = now
	r.sessions[accountID] = session

	external := update.LastExternalDataAt
	if external.IsZero() {
		external = now
	}
	r.lastExternal[accountID] = external
	return true
}

// SetStatus transitions an account's status. Entering connected resets
// the reconnect counter and stamps LastConnected, per the session
// invariant.
func (r *Registry) SetStatus(accountID string, status domain.SessionStatus, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[accountID]
	if !ok {
		return ErrNotFound
	}
	r.applyStatusLocked(&session, status, errMsg, time.Now().UTC())
	r.sessions[accountID] = session
	return nil
}

func (r *Registry) applyStatusLocked(session *domain.ConnectionSession, status domain.SessionStatus, errMsg string, now time.Time) {
	changed := session.Status != status
	session.Status = status
	session.LastUpdate = now
	session.Error = errMsg
	if status == domain.StatusConnected {
		session.ReconnectAttempts = 0
		t := session.LastUpdate
		session.LastConnected = &t
		session.Error = ""
	}
	if changed {
		r.appendEventLocked(domain.ConnectionEvent{
			AccountID: session.AccountID,
			Type:      domain.EventStatusChanged,
			Status:    status,
			Reason:    errMsg,
		})
	}
}

// BeginReconnect flips a connected account into reconnecting and bumps
// its attempt counter. Returns the new attempt count, or false when the
// account is unknown or not currently connected.
func (r *Registry) BeginReconnect(accountID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[accountID]
	if !ok || session.Status != domain.StatusConnected {
		return 0, false
	}
	session.Status = domain.StatusReconnecting
	session.LastUpdate = time.Now().UTC()
	session.ReconnectAttempts++
	r.sessions[accountID] = session
	r.appendEventLocked(domain.ConnectionEvent{
		AccountID: accountID,
		Type:      domain.EventReconnectStarted,
		Status:    domain.StatusReconnecting,
	})
	return session.ReconnectAttempts, true
}

// Sanitize returns a copy of the session with the credential reference
// stripped. Every read that leaves the process must pass through here.
func Sanitize(session domain.ConnectionSession) domain.ConnectionSession {
	session.CredentialRef = ""
	return session
}

// GetSnapshot returns the sanitized composite view for one account.
func (r *Registry) GetSnapshot(accountID string) (domain.ConnectionSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[accountID]
	if !ok {
		return domain.ConnectionSnapshot{}, ErrNotFound
	}
	return r.snapshotLocked(session), nil
}

// ListSnapshots returns sanitized views for every tracked account.
func (r *Registry) ListSnapshots() []domain.ConnectionSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.ConnectionSnapshot, 0, len(r.sessions))
	for _, session := range r.sessions {
		out = append(out, r.snapshotLocked(session))
	}
	return out
}

func (r *Registry) snapshotLocked(session domain.ConnectionSession) domain.ConnectionSnapshot {
	snap := domain.ConnectionSnapshot{
		Session:   Sanitize(session),
		Timestamp: time.Now().UTC(),
	}
	if m, ok := r.metrics[session.AccountID]; ok {
		metrics := m
		snap.Metrics = &metrics
	}
	if p, ok := r.positions[session.AccountID]; ok {
		snap.Positions = append([]domain.ConnectionPosition(nil), p...)
	}
	return snap
}

// LastExternalData reports when terminal data last arrived for the
// account. The zero time means no external data has been seen yet.
func (r *Registry) LastExternalData(accountID string) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastExternal[accountID]
}

// StaleConnected returns the account ids whose last external data is
// older than threshold and whose status is still connected.
func (r *Registry) StaleConnected(now time.Time, threshold time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for accountID, session := range r.sessions {
		if session.Status != domain.StatusConnected {
			continue
		}
		last, ok := r.lastExternal[accountID]
		if !ok {
			continue
		}
		if now.Sub(last) > threshold {
			out = append(out, accountID)
		}
	}
	return out
}

// StoreCredential encrypts and attaches a credential for the account.
// Without a configured key the credential is not retained at all.
func (r *Registry) StoreCredential(accountID, secret string) error {
	if r.box == nil {
		return nil
	}
	ref, err := r.box.Encrypt(secret)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[accountID]
	if !ok {
		return ErrNotFound
	}
	session.CredentialRef = ref
	r.sessions[accountID] = session
	return nil
}

// Credential resolves the stored credential for reconnect time.
func (r *Registry) Credential(accountID string) (string, error) {
	r.mu.RLock()
	session, ok := r.sessions[accountID]
	r.mu.RUnlock()
	if !ok {
		return "", ErrNotFound
	}
	if session.CredentialRef == "" || r.box == nil {
		return "", errors.New("no stored credential")
	}
	return r.box.Decrypt(session.CredentialRef)
}

// Events returns the most recent events, newest first.
func (r *Registry) Events(limit int) []domain.ConnectionEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	if len(r.events) == 0 {
		return []domain.ConnectionEvent{}
	}
	start := len(r.events) - limit
	if start < 0 {
		start = 0
	}
	out := make([]domain.ConnectionEvent, 0, len(r.events)-start)
	for i := len(r.events) - 1; i >= start; i-- {
		out = append(out, r.events[i])
	}
	return out
}

func (r *Registry) appendEventLocked(event domain.ConnectionEvent) {
	event.ID = uuid.NewString()
	event.CreatedAt = time.Now().UTC()
	if len(r.events) >= maxEvents {
		r.events = append(r.events[:0], r.events[1:]...)
	}
	r.events = append(r.events, event)
	if r.subscriber != nil {
		select {
		case r.subscriber <- event:
		default:
		}
	}
}

// Persist writes the auto-reconnect subset to the session store.
// Failures are logged and swallowed; persistence never blocks live
// operation.
func (r *Registry) Persist(ctx context.Context) {
	if r.sessionStore == nil {
		return
	}

	r.mu.RLock()
	records := make([]domain.PersistedSession, 0, len(r.sessions))
	for _, session := range r.sessions {
		if session.CredentialRef == "" {
			continue
		}
		records = append(records, domain.PersistedSession{
			AccountID:     session.AccountID,
			Platform:      session.Platform,
			Role:          session.Role,
			Login:         session.Login,
			Server:        session.Server,
			LastConnected: session.LastConnected,
			CredentialRef: session.CredentialRef,
		})
	}
	r.mu.RUnlock()

	if err := r.sessionStore.Save(ctx, records); err != nil {
		log.Printf("registry: persist sessions: %v", err)
	}
}

// Load restores persisted sessions as disconnected, auto-reconnect
// accounts. Failures are logged and swallowed.
func (r *Registry) Load(ctx context.Context) {
	if r.sessionStore == nil {
		return
	}
	records, err := r.sessionStore.Load(ctx)
	if err != nil {
		log.Printf("registry: load sessions: %v", err)
		return
	}
	for _, rec := range records {
		r.Register(domain.ConnectionSession{
			AccountID:     rec.AccountID,
			Platform:      rec.Platform,
			Role:          rec.Role,
			Login:         rec.Login,
			Server:        rec.Server,
			Status:        domain.StatusDisconnected,
			LastConnected: rec.LastConnected,
			AutoReconnect: true,
			CredentialRef: rec.CredentialRef,
		})
	}
}
