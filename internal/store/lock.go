package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/herolabs/hero/pkg/models"
)

var (
	// ErrLockTimeout is returned when acquiring a write lease times out.
	ErrLockTimeout = errors.New("store: lock acquisition timeout")

	// ErrSessionBusy is returned when a session already has an active writer.
	ErrSessionBusy = errors.New("store: session busy")
)

// sessionLock serializes writers for a single session. Holding the
// token means holding the lease.
type sessionLock struct {
	token   chan struct{}
	waiters atomic.Int32

	mu       sync.Mutex // guards holder, acquired
	holder   string
	acquired time.Time
}

func newSessionLock() *sessionLock {
	return &sessionLock{token: make(chan struct{}, 1)}
}

// LockManager hands out per-session write leases. Frame appends and
// session mutations must hold the lease so the log order stays
// unambiguous; reads never take it.
//
// Thread Safety:
// LockManager is safe for concurrent use.
type LockManager struct {
	locks      map[string]*sessionLock
	mu         sync.RWMutex
	defaultTTL time.Duration
}

// NewLockManager creates a lock manager with the given default
// acquisition timeout.
func NewLockManager(defaultTTL time.Duration) *LockManager {
	if defaultTTL <= 0 {
		defaultTTL = 30 * time.Second
	}

	mgr := &LockManager{
		locks:      make(map[string]*sessionLock),
		defaultTTL: defaultTTL,
	}

	go mgr.cleanupLoop()

	return mgr
}

func (m *LockManager) lockFor(sessionID string) *sessionLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[sessionID]
	if !ok {
		lock = newSessionLock()
		m.locks[sessionID] = lock
	}
	return lock
}

// Acquire takes the write lease for the session, waiting up to timeout
// if another writer holds it. Returns a release function that must be
// called when done.
func (m *LockManager) Acquire(ctx context.Context, sessionID, holder string, timeout time.Duration) (func(), error) {
	if timeout <= 0 {
		timeout = m.defaultTTL
	}

	lock := m.lockFor(sessionID)
	lock.waiters.Add(1)
	defer lock.waiters.Add(-1)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case lock.token <- struct{}{}:
	case <-timer.C:
		return nil, ErrLockTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	lock.mu.Lock()
	lock.holder = holder
	lock.acquired = time.Now()
	lock.mu.Unlock()

	return lock.release, nil
}

// TryAcquire takes the write lease without waiting. Returns
// ErrSessionBusy if another writer holds it.
func (m *LockManager) TryAcquire(sessionID, holder string) (func(), error) {
	lock := m.lockFor(sessionID)

	select {
	case lock.token <- struct{}{}:
	default:
		return nil, ErrSessionBusy
	}

	lock.mu.Lock()
	lock.holder = holder
	lock.acquired = time.Now()
	lock.mu.Unlock()

	return lock.release, nil
}

func (l *sessionLock) release() {
	l.mu.Lock()
	l.holder = ""
	l.mu.Unlock()

	select {
	case <-l.token:
	default:
		// Double release is a no-op.
	}
}

// IsLocked reports whether the session currently has a writer.
func (m *LockManager) IsLocked(sessionID string) bool {
	m.mu.RLock()
	lock, ok := m.locks[sessionID]
	m.mu.RUnlock()

	if !ok {
		return false
	}
	return len(lock.token) == 1
}

// LockInfo returns the current holder of a session's write lease.
func (m *LockManager) LockInfo(sessionID string) (holder string, since time.Time, locked bool) {
	m.mu.RLock()
	lock, ok := m.locks[sessionID]
	m.mu.RUnlock()

	if !ok {
		return "", time.Time{}, false
	}

	lock.mu.Lock()
	defer lock.mu.Unlock()
	return lock.holder, lock.acquired, len(lock.token) == 1
}

// cleanupLoop periodically removes stale lock entries.
func (m *LockManager) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		m.cleanup()
	}
}

// cleanup removes idle entries that haven't been used recently. Entries
// with a holder or waiters are kept so nobody waits on an orphan.
func (m *LockManager) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-10 * time.Minute)

	for id, lock := range m.locks {
		if len(lock.token) == 1 || lock.waiters.Load() > 0 {
			continue
		}
		lock.mu.Lock()
		stale := lock.acquired.Before(cutoff)
		lock.mu.Unlock()
		if stale {
			delete(m.locks, id)
		}
	}
}

// LockingStore wraps a Store so every session write holds the session's
// write lease. Reads pass through unlocked.
//
// Thread Safety:
// LockingStore is safe for concurrent use.
type LockingStore struct {
	Store
	locks  *LockManager
	holder string
}

// NewLockingStore wraps store with automatic write leases. The holder
// string identifies this writer in lock diagnostics.
func NewLockingStore(store Store, locks *LockManager, holder string) *LockingStore {
	return &LockingStore{
		Store:  store,
		locks:  locks,
		holder: holder,
	}
}

// AppendFrame appends a frame while holding the session write lease.
func (s *LockingStore) AppendFrame(ctx context.Context, frame *models.Frame) error {
	release, err := s.locks.Acquire(ctx, frame.SessionID, s.holder, 0)
	if err != nil {
		return err
	}
	defer release()

	return s.Store.AppendFrame(ctx, frame)
}

// UpdateSession updates a session while holding its write lease.
func (s *LockingStore) UpdateSession(ctx context.Context, session *models.Session) error {
	release, err := s.locks.Acquire(ctx, session.ID, s.holder, 0)
	if err != nil {
		return err
	}
	defer release()

	return s.Store.UpdateSession(ctx, session)
}

// DeleteSession deletes a session while holding its write lease.
func (s *LockingStore) DeleteSession(ctx context.Context, id string) error {
	release, err := s.locks.Acquire(ctx, id, s.holder, 0)
	if err != nil {
		return err
	}
	defer release()

	return s.Store.DeleteSession(ctx, id)
}

// WithLock executes fn while holding the session's write lease. Useful
// for compound operations that need atomic guarantees.
func (s *LockingStore) WithLock(ctx context.Context, sessionID string, fn func(Store) error) error {
	release, err := s.locks.Acquire(ctx, sessionID, s.holder, 0)
	if err != nil {
		return err
	}
	defer release()

	return fn(s.Store)
}
