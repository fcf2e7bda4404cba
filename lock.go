package saga

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"database/sql/driver"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Lock serialises reply handling for one saga across handlers.
type Lock interface {
	// Acquire attempts to lock the saga. It returns a token on success and
	// a *TransactionLockedError if another handler holds the lock.
	Acquire(ctx context.Context, sagaID string, ttl time.Duration) (string, error)

	// Release releases a lock obtained with token.
	Release(ctx context.Context, sagaID string, token string) error
}

// NoOpLock is a lock that does nothing (for single-process use).
type NoOpLock struct{}

// Acquire always succeeds for NoOpLock.
func (l *NoOpLock) Acquire(ctx context.Context, sagaID string, ttl time.Duration) (string, error) {
	return "noop", nil
}

// Release does nothing for NoOpLock.
func (l *NoOpLock) Release(ctx context.Context, sagaID string, token string) error {
	return nil
}

// Ensure NoOpLock implements Lock.
var _ Lock = (*NoOpLock)(nil)

// KeyedLock is an in-process lock per saga id. Entries expire after ttl so
// a handler that never releases cannot wedge a saga.
type KeyedLock struct {
	mu   sync.Mutex
	held map[string]keyedEntry
	now  func() time.Time
}

type keyedEntry struct {
	token   string
	expires time.Time
}

// NewKeyedLock creates a new KeyedLock.
func NewKeyedLock() *KeyedLock {
	return &KeyedLock{held: make(map[string]keyedEntry), now: time.Now}
}

// Acquire locks sagaID unless a live entry exists.
func (l *KeyedLock) Acquire(ctx context.Context, sagaID string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.held[sagaID]; ok && (e.expires.IsZero() || now.Before(e.expires)) {
		return "", NewTransactionLockedError(sagaID)
	}
	entry := keyedEntry{token: uuid.NewString()}
	if ttl > 0 {
		entry.expires = now.Add(ttl)
	}
	l.held[sagaID] = entry
	return entry.token, nil
}

// Release unlocks sagaID if token still owns it.
func (l *KeyedLock) Release(ctx context.Context, sagaID string, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.held[sagaID]; ok && e.token == token {
		delete(l.held, sagaID)
	}
	return nil
}

// Ensure KeyedLock implements Lock.
var _ Lock = (*KeyedLock)(nil)

// PostgresLock implements Lock using PostgreSQL session advisory locks.
// Each held lock pins one pooled connection until it is released, since an
// advisory lock belongs to the session that took it.
type PostgresLock struct {
	db    *sql.DB
	mu    sync.Mutex
	conns map[string]*sql.Conn
}

// NewPostgresLock creates a new PostgresLock.
func NewPostgresLock(db *sql.DB) *PostgresLock {
	return &PostgresLock{db: db, conns: make(map[string]*sql.Conn)}
}

// hashToLockKey converts a saga ID to a 64-bit lock key using SHA-256.
func hashToLockKey(sagaID string) int64 {
	hash := sha256.Sum256([]byte(sagaID))
	// Read first 8 bytes as signed int64
	return int64(binary.BigEndian.Uint64(hash[:8]))
}

// Acquire attempts to take the advisory lock for sagaID. ttl is not used;
// the lock lives until Release or until the session ends.
func (l *PostgresLock) Acquire(ctx context.Context, sagaID string, ttl time.Duration) (string, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return "", fmt.Errorf("advisory lock conn: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", hashToLockKey(sagaID)).Scan(&acquired); err != nil {
		conn.Close()
		return "", fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return "", NewTransactionLockedError(sagaID)
	}

	token := uuid.NewString()
	l.mu.Lock()
	l.conns[token] = conn
	l.mu.Unlock()
	return token, nil
}

// unlockTimeout bounds pg_advisory_unlock once the caller's context is gone.
const unlockTimeout = 5 * time.Second

// Release releases the advisory lock and returns the connection to the pool.
// The unlock runs even if ctx is already cancelled. If it fails, the session
// is closed instead of pooled so the lock dies with it.
func (l *PostgresLock) Release(ctx context.Context, sagaID string, token string) error {
	l.mu.Lock()
	conn, ok := l.conns[token]
	delete(l.conns, token)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	defer conn.Close()

	unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unlockTimeout)
	defer cancel()

	var released bool
	if err := conn.QueryRowContext(unlockCtx, "SELECT pg_advisory_unlock($1)", hashToLockKey(sagaID)).Scan(&released); err != nil {
		_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		return fmt.Errorf("advisory unlock: %w", err)
	}

	// Note: released will be false if we didn't hold the lock, which is fine
	return nil
}

// Ensure PostgresLock implements Lock.
var _ Lock = (*PostgresLock)(nil)
