package store

import (
	"context"

	"bridgehost/internal/domain"
)

// SessionStore persists the auto-reconnect session records across
// restarts. Implementations must tolerate concurrent Save calls.
type SessionStore interface {
	Save(ctx context.Context, sessions []domain.PersistedSession) error
	Load(ctx context.Context) ([]domain.PersistedSession, error)
}
