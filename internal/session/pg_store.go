package session

import (
	"context"
	"time"

	"despacho/api/internal/store"
)

// PGStore keeps refresh sessions in PostgreSQL. It is the fallback when
// no Redis URL is configured.
type PGStore struct {
	db *store.PostgresStore
}

func NewPGStore(db *store.PostgresStore) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	return s.db.SaveRefreshSession(ctx, tokenHash, user.ID, user.Email, user.FullName, user.Role, expiresAt)
}

func (s *PGStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	return s.db.LookupRefreshSession(ctx, tokenHash)
}

func (s *PGStore) DeleteRefreshSession(ctx context.Context, tokenHash string) error {
	return s.db.DeleteRefreshSession(ctx, tokenHash)
}
