package threadstate

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrLockTimeout is returned when a ThreadLocker cannot acquire a lock
// before its configured deadline.
var ErrLockTimeout = errors.New("thread lock acquire timeout")

// ThreadLocker serializes processing of a single thread across workers,
// grounded in the teacher's sessions.Locker (spec §6.3). The queue's
// busy-thread check in Claim already prevents two events from the same
// thread being claimed concurrently; ThreadLocker backs the stronger
// guarantee processors need when they read-modify-write thread metadata
// outside the claimed event's own row.
type ThreadLocker interface {
	Lock(ctx context.Context, threadID string) error
	Unlock(threadID string)
}

// LocalLocker is an in-memory ThreadLocker for single-process/test mode.
type LocalLocker struct {
	mu      sync.Mutex
	held    map[string]chan struct{}
	timeout time.Duration
}

// NewLocalLocker returns a LocalLocker whose Lock calls give up after timeout.
func NewLocalLocker(timeout time.Duration) *LocalLocker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LocalLocker{held: make(map[string]chan struct{}), timeout: timeout}
}

func (l *LocalLocker) Lock(ctx context.Context, threadID string) error {
	deadline := time.After(l.timeout)
	for {
		l.mu.Lock()
		ch, busy := l.held[threadID]
		if !busy {
			l.held[threadID] = make(chan struct{})
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return ErrLockTimeout
		case <-ch:
		}
	}
}

func (l *LocalLocker) Unlock(threadID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ch, ok := l.held[threadID]; ok {
		delete(l.held, threadID)
		close(ch)
	}
}

// DBLockerConfig configures the DB-backed thread lock.
type DBLockerConfig struct {
	OwnerID         string
	TTL             time.Duration
	RefreshInterval time.Duration
	AcquireTimeout  time.Duration
	PollInterval    time.Duration
}

// DefaultDBLockerConfig mirrors sessions.DefaultDBLockerConfig's defaults.
func DefaultDBLockerConfig() DBLockerConfig {
	return DBLockerConfig{
		TTL:             2 * time.Minute,
		RefreshInterval: 30 * time.Second,
		AcquireTimeout:  10 * time.Second,
		PollInterval:    200 * time.Millisecond,
	}
}

// DBLocker is a Postgres-backed ThreadLocker for multi-worker deployments.
type DBLocker struct {
	db     *sql.DB
	config DBLockerConfig

	mu     sync.Mutex
	renew  map[string]context.CancelFunc
	closed bool
}

// NewDBLocker wires a DBLocker against a "thread_locks" table:
//
//	CREATE TABLE thread_locks (
//		thread_id   TEXT PRIMARY KEY,
//		owner_id    TEXT NOT NULL,
//		acquired_at TIMESTAMPTZ NOT NULL,
//		expires_at  TIMESTAMPTZ NOT NULL
//	);
func NewDBLocker(db *sql.DB, cfg DBLockerConfig) (*DBLocker, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if cfg.OwnerID == "" {
		return nil, errors.New("owner id is required")
	}
	defaults := DefaultDBLockerConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = defaults.TTL
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaults.RefreshInterval
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaults.AcquireTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	return &DBLocker{db: db, config: cfg, renew: make(map[string]context.CancelFunc)}, nil
}

func (l *DBLocker) Lock(ctx context.Context, threadID string) error {
	if strings.TrimSpace(threadID) == "" {
		return errors.New("thread_id is required")
	}

	deadline := time.Now().Add(l.config.AcquireTimeout)
	for {
		ok, err := l.tryAcquire(ctx, threadID)
		if err != nil {
			return err
		}
		if ok {
			l.startRenew(threadID)
			return nil
		}
		if time.Now().After(deadline) {
			return ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.config.PollInterval):
		}
	}
}

func (l *DBLocker) Unlock(threadID string) {
	l.stopRenew(threadID)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _ = l.db.ExecContext(ctx, `DELETE FROM thread_locks WHERE thread_id = $1 AND owner_id = $2`, threadID, l.config.OwnerID)
}

// Close stops all renewal loops held by this locker.
func (l *DBLocker) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for _, cancel := range l.renew {
		cancel()
	}
	l.renew = make(map[string]context.CancelFunc)
	return nil
}

func (l *DBLocker) tryAcquire(ctx context.Context, threadID string) (bool, error) {
	now := time.Now()
	expiresAt := now.Add(l.config.TTL)
	var owner string
	err := l.db.QueryRowContext(ctx, `
		INSERT INTO thread_locks (thread_id, owner_id, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (thread_id) DO UPDATE
		SET owner_id = EXCLUDED.owner_id, acquired_at = EXCLUDED.acquired_at, expires_at = EXCLUDED.expires_at
		WHERE thread_locks.expires_at < $3 OR thread_locks.owner_id = EXCLUDED.owner_id
		RETURNING owner_id
	`, threadID, l.config.OwnerID, now, expiresAt).Scan(&owner)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return owner == l.config.OwnerID, nil
}

func (l *DBLocker) startRenew(threadID string) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if _, ok := l.renew[threadID]; ok {
		l.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.renew[threadID] = cancel
	l.mu.Unlock()
	go l.renewLoop(ctx, threadID)
}

func (l *DBLocker) stopRenew(threadID string) {
	l.mu.Lock()
	cancel, ok := l.renew[threadID]
	if ok {
		delete(l.renew, threadID)
	}
	l.mu.Unlock()
	if ok {
		cancel()
	}
}

func (l *DBLocker) renewLoop(ctx context.Context, threadID string) {
	ticker := time.NewTicker(l.config.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !l.extendLease(ctx, threadID) {
				l.stopRenew(threadID)
				return
			}
		}
	}
}

func (l *DBLocker) extendLease(ctx context.Context, threadID string) bool {
	expiresAt := time.Now().Add(l.config.TTL)
	result, err := l.db.ExecContext(ctx, `UPDATE thread_locks SET expires_at = $1 WHERE thread_id = $2 AND owner_id = $3`, expiresAt, threadID, l.config.OwnerID)
	if err != nil {
		return false
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false
	}
	return rows > 0
}
