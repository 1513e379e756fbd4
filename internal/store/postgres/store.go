package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"bridgehost/internal/domain"
)

type Store struct {
	db *sql.DB
}

func NewStore(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := &Store{db: db}
	if err := store.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		create table if not exists bridge_sessions (
			account_id     text primary key,
			platform       text not null,
			role           text not null,
			login          text not null default '',
			server         text not null default '',
			last_connected timestamptz,
			credential_ref text not null default '',
			updated_at     timestamptz not null default now()
		)`)
	if err != nil {
		return fmt.Errorf("ensure bridge_sessions: %w", err)
	}
	return nil
}

// Save replaces the persisted set. The table mirrors the file store's
// document: one row per auto-reconnect account.
func (s *Store) Save(ctx context.Context, sessions []domain.PersistedSession) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from bridge_sessions`); err != nil {
		return fmt.Errorf("clear bridge_sessions: %w", err)
	}
	for _, rec := range sessions {
		_, err := tx.ExecContext(ctx,
			`insert into bridge_sessions(account_id, platform, role, login, server, last_connected, credential_ref, updated_at)
			 values ($1, $2, $3, $4, $5, $6, $7, now())`,
			rec.AccountID, rec.Platform, rec.Role, rec.Login, rec.Server, rec.LastConnected, rec.CredentialRef,
		)
		if err != nil {
			return fmt.Errorf("insert session %s: %w", rec.AccountID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) Load(ctx context.Context) ([]domain.PersistedSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`select account_id, platform, role, login, server, last_connected, credential_ref
		 from bridge_sessions order by account_id`)
	if err != nil {
		return nil, fmt.Errorf("query bridge_sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.PersistedSession
	for rows.Next() {
		var rec domain.PersistedSession
		var lastConnected sql.NullTime
		if err := rows.Scan(&rec.AccountID, &rec.Platform, &rec.Role, &rec.Login, &rec.Server, &lastConnected, &rec.CredentialRef); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if lastConnected.Valid {
			t := lastConnected.Time
			rec.LastConnected = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
