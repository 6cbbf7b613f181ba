package limiter

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"
)

// Row is the scan surface returned by the querier.
type Row interface {
	Scan(dest ...any) error
}

// Querier abstracts the database handle so the limiter can be tested
// without a running Postgres.
type Querier interface {
	Exec(ctx context.Context, query string, args ...any) error
	QueryRow(ctx context.Context, query string, args ...any) Row
}

type dbQuerier struct {
	db *sql.DB
}

func (q dbQuerier) Exec(ctx context.Context, query string, args ...any) error {
	_, err := q.db.ExecContext(ctx, query, args...)
	return err
}

func (q dbQuerier) QueryRow(ctx context.Context, query string, args ...any) Row {
	return q.db.QueryRowContext(ctx, query, args...)
}

// PG is a PostgreSQL-backed limiter with a sliding window and lockout.
type PG struct {
	q        Querier
	window   time.Duration
	maxFails int
	blockFor time.Duration
}

// NewPG constructs a PostgreSQL-backed limiter.
func NewPG(db *sql.DB, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	return NewPGWithQuerier(dbQuerier{db: db}, window, maxFails, blockFor)
}

// NewPGWithQuerier constructs a limiter over a custom querier.
func NewPGWithQuerier(q Querier, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	return &PG{q: q, window: window, maxFails: maxFails, blockFor: blockFor}
}

// HashIP returns a stable hash for an IP string to avoid storing raw addresses.
func HashIP(ip string) string {
	h := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(h[:])
}

// Allow reports whether login is currently allowed and a retry-after duration.
func (l *PG) Allow(ctx context.Context, username, ipHash string) (bool, time.Duration, error) {
	const q = `SELECT bloqueado_hasta FROM auth_limiter WHERE usuario=$1 AND ip_hash=$2`
	var blockedUntil time.Time
	err := l.q.QueryRow(ctx, q, username, ipHash).Scan(&blockedUntil)
	switch {
	case err == nil:
		if blockedUntil.After(time.Now()) {
			return false, time.Until(blockedUntil), nil
		}
		return true, 0, nil
	case errors.Is(err, sql.ErrNoRows):
		return true, 0, nil
	default:
		return false, 0, err
	}
}

// Success resets counters for (username, ip).
func (l *PG) Success(ctx context.Context, username, ipHash string) error {
	const q = `
INSERT INTO auth_limiter (usuario, ip_hash, intentos, bloqueado_hasta, actualizado)
VALUES ($1,$2,0,'epoch',now())
ON CONFLICT (usuario, ip_hash)
DO UPDATE SET intentos=0, bloqueado_hasta='epoch', actualizado=now()`
	return l.q.Exec(ctx, q, username, ipHash)
}

// Failure records a failed attempt; may set a block until a future time.
func (l *PG) Failure(ctx context.Context, username, ipHash string) (bool, time.Duration, error) {
	const q = `
INSERT INTO auth_limiter (usuario, ip_hash, intentos, bloqueado_hasta, actualizado)
VALUES ($1,$2,1,'epoch',now())
ON CONFLICT (usuario, ip_hash) DO UPDATE
SET
  intentos = CASE WHEN now() - auth_limiter.actualizado > make_interval(secs => $3) THEN 1 ELSE auth_limiter.intentos + 1 END,
  actualizado = now()
RETURNING intentos`
	var fails int
	if err := l.q.QueryRow(ctx, q, username, ipHash, l.window.Seconds()).Scan(&fails); err != nil {
		return false, 0, err
	}
	if fails >= l.maxFails {
		blockUntil := time.Now().Add(l.blockFor)
		const upd = `UPDATE auth_limiter SET bloqueado_hasta=$3 WHERE usuario=$1 AND ip_hash=$2`
		if err := l.q.Exec(ctx, upd, username, ipHash, blockUntil); err != nil {
			return false, 0, err
		}
		return true, l.blockFor, nil
	}
	return false, 0, nil
}
