package rewrap

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// LockStore is the storage behind campaign leases. Implementations may
// be SQLite-backed or in-memory for tests.
type LockStore interface {
	// TryAcquire attempts to take a lease on key. Returns false when the
	// lease is held by another holder and not yet expired.
	TryAcquire(key, holder string, ttl time.Duration) (bool, error)

	// Release drops a lease. Only succeeds for the current holder.
	Release(key, holder string) error

	// Refresh extends the TTL of a held lease.
	Refresh(key, holder string, ttl time.Duration) error

	// GetLockInfo returns the current lease, or nil when unheld.
	GetLockInfo(key string) (*LockInfo, error)
}

// LockInfo describes a held lease.
type LockInfo struct {
	Key        string    `json:"key"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lease has lapsed.
func (l *LockInfo) Expired() bool {
	return time.Now().After(l.ExpiresAt)
}

// Lock is a held lease with background refresh. Release stops the
// refresh loop; it is safe to call more than once.
type Lock struct {
	key         string
	holder      string
	store       LockStore
	released    bool
	stopRefresh chan struct{}
	mu          sync.Mutex
}

// Release drops the lease.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return nil
	}
	if l.stopRefresh != nil {
		close(l.stopRefresh)
	}
	l.released = true

	if err := l.store.Release(l.key, l.holder); err != nil {
		log.Warn().Err(err).
			Str("key", l.key).
			Str("holder", l.holder).
			Msg("Failed to release rewrap lock")
		return err
	}
	return nil
}

// Released reports whether Release has run.
func (l *Lock) Released() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}

// LockManager hands out per-user and campaign-wide leases. holderID must
// be unique per process instance.
type LockManager struct {
	store           LockStore
	holderID        string
	defaultTTL      time.Duration
	refreshInterval time.Duration
}

// NewLockManager creates a lock manager with a 5 minute TTL refreshed
// every minute.
func NewLockManager(store LockStore, holderID string) *LockManager {
	return &LockManager{
		store:           store,
		holderID:        holderID,
		defaultTTL:      5 * time.Minute,
		refreshInterval: 1 * time.Minute,
	}
}

// SetDefaultTTL overrides the lease TTL.
func (m *LockManager) SetDefaultTTL(ttl time.Duration) { m.defaultTTL = ttl }

// SetRefreshInterval overrides how often held leases are extended.
func (m *LockManager) SetRefreshInterval(interval time.Duration) { m.refreshInterval = interval }

// AcquireUserLock takes the per-user lease so two workers never rewrap
// the same user concurrently.
func (m *LockManager) AcquireUserLock(userID string, timeout time.Duration) (*Lock, error) {
	return m.acquire(fmt.Sprintf("rewrap:user:%s", userID), timeout)
}

// AcquireCampaignLock takes the campaign-wide lease. Only one instance
// should drive a campaign at a time.
func (m *LockManager) AcquireCampaignLock(timeout time.Duration) (*Lock, error) {
	return m.acquire("rewrap:campaign", timeout)
}

func (m *LockManager) acquire(key string, timeout time.Duration) (*Lock, error) {
	deadline := time.Now().Add(timeout)
	retryInterval := 100 * time.Millisecond
	const maxRetryInterval = 2 * time.Second

	for {
		acquired, err := m.store.TryAcquire(key, m.holderID, m.defaultTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to try acquire lock: %w", err)
		}
		if acquired {
			lock := &Lock{
				key:         key,
				holder:      m.holderID,
				store:       m.store,
				stopRefresh: make(chan struct{}),
			}
			go m.refreshLoop(lock)
			return lock, nil
		}

		if time.Now().After(deadline) {
			info, _ := m.store.GetLockInfo(key)
			if info != nil {
				return nil, fmt.Errorf("lock acquisition timeout: held by %s since %s",
					info.Holder, info.AcquiredAt.Format(time.RFC3339))
			}
			return nil, fmt.Errorf("lock acquisition timeout for key %s", key)
		}

		time.Sleep(retryInterval)
		retryInterval *= 2
		if retryInterval > maxRetryInterval {
			retryInterval = maxRetryInterval
		}
	}
}

func (m *LockManager) refreshLoop(lock *Lock) {
	ticker := time.NewTicker(m.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-lock.stopRefresh:
			return
		case <-ticker.C:
			if lock.Released() {
				return
			}
			if err := m.store.Refresh(lock.key, lock.holder, m.defaultTTL); err != nil {
				log.Warn().Err(err).
					Str("key", lock.key).
					Msg("Failed to refresh rewrap lock")
			}
		}
	}
}

// InMemoryLockStore is a map-backed lock store for tests and
// single-process runs.
type InMemoryLockStore struct {
	locks map[string]*LockInfo
	mu    sync.Mutex
}

// NewInMemoryLockStore creates an empty in-memory lock store.
func NewInMemoryLockStore() *InMemoryLockStore {
	return &InMemoryLockStore{locks: make(map[string]*LockInfo)}
}

func (s *InMemoryLockStore) TryAcquire(key, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.locks[key]; ok {
		if !existing.Expired() && existing.Holder != holder {
			return false, nil
		}
	}
	s.locks[key] = &LockInfo{
		Key:        key,
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	return true, nil
}

func (s *InMemoryLockStore) Release(key, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.locks[key]; ok {
		if existing.Holder != holder {
			return fmt.Errorf("lock held by different holder: %s", existing.Holder)
		}
		delete(s.locks, key)
	}
	return nil
}

func (s *InMemoryLockStore) Refresh(key, holder string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.locks[key]
	if !ok {
		return fmt.Errorf("lock not found: %s", key)
	}
	if existing.Holder != holder {
		return fmt.Errorf("lock held by different holder: %s", existing.Holder)
	}
	existing.ExpiresAt = time.Now().Add(ttl)
	return nil
}

func (s *InMemoryLockStore) GetLockInfo(key string) (*LockInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if info, ok := s.locks[key]; ok {
		out := *info
		return &out, nil
	}
	return nil, nil
}
