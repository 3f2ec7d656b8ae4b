package distlock

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is the interface for distributed locking.
// A lock instance guards one key and is owned by whoever acquired it;
// ownership may be handed to another goroutine, but not shared.
type DistLock interface {
	// Acquire tries to acquire the lock. Returns true if successful.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lock if we still own it.
	Release(ctx context.Context) error
}

// Extender is implemented by locks that expire unless refreshed.
type Extender interface {
	Extend(ctx context.Context, ttl time.Duration) error
}

// Factory returns a lock for key.
type Factory func(key string) DistLock

// NewFactory picks the best available backend.
// If redisClient is non-nil, uses Redis (preferred for cross-host locking).
// Otherwise falls back to PostgreSQL advisory locks, and to process-local
// locks when there is no database either.
func NewFactory(redisClient *redis.Client, db *sql.DB, ttl time.Duration) Factory {
	switch {
	case redisClient != nil:
		return func(key string) DistLock { return NewRedisLock(redisClient, key, ttl) }
	case db != nil:
		return func(key string) DistLock { return NewPGAdvisoryLock(db, key) }
	}
	local := NewLocalLocks()
	return local.Lock
}

// KeepAlive refreshes an expiring lock every ttl/3 until ctx is done.
// Locks without a TTL are left alone. The returned func stops the refresher
// and waits for it to exit.
func KeepAlive(ctx context.Context, l DistLock, ttl time.Duration, onErr func(error)) (stop func()) {
	ext, ok := l.(Extender)
	if !ok || ttl <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ext.Extend(ctx, ttl); err != nil && onErr != nil && ctx.Err() == nil {
					onErr(err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// =============================================================================
// PostgreSQL Advisory Lock (fallback when Redis is unavailable)
// =============================================================================
// pg_try_advisory_lock is session-scoped, so the lock pins one connection
// from the pool between Acquire and Release. The lock is automatically
// released if that connection drops.

// ErrNotHeld is returned when releasing a lock that was never acquired.
var ErrNotHeld = errors.New("lock not held")

// PGAdvisoryLock implements DistLock using PostgreSQL advisory locks.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64

	mu   sync.Mutex
	conn *sql.Conn
}

// NewPGAdvisoryLock creates a PG advisory lock with a deterministic lock ID
// derived from the given key string.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{
		db:     db,
		lockID: int64(h.Sum64()),
	}
}

// Acquire tries to acquire the advisory lock without blocking.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return false, nil
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, err
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, err
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release unlocks on the pinned connection and returns it to the pool.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return ErrNotHeld
	}
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	closeErr := l.conn.Close()
	l.conn = nil
	if err != nil {
		return err
	}
	return closeErr
}

// =============================================================================
// Local locks (single process, no shared backend)
// =============================================================================

// LocalLocks is a registry of process-local named locks.
type LocalLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocks creates an empty registry.
func NewLocalLocks() *LocalLocks {
	return &LocalLocks{held: make(map[string]struct{})}
}

// Lock returns a lock for key backed by this registry.
func (r *LocalLocks) Lock(key string) DistLock {
	return &LocalLock{registry: r, key: key}
}

// LocalLock implements DistLock inside one process.
type LocalLock struct {
	registry *LocalLocks
	key      string
	owned    bool
}

// Acquire takes the key if nobody in this process holds it.
func (l *LocalLock) Acquire(context.Context) (bool, error) {
	r := l.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	if l.owned {
		return false, nil
	}
	if _, busy := r.held[l.key]; busy {
		return false, nil
	}
	r.held[l.key] = struct{}{}
	l.owned = true
	return true, nil
}

// Release frees the key if this instance holds it.
func (l *LocalLock) Release(context.Context) error {
	r := l.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	if !l.owned {
		return ErrNotHeld
	}
	delete(r.held, l.key)
	l.owned = false
	return nil
}
