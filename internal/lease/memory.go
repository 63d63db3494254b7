package lease

import (
	"context"
	"sync"
	"time"
)

type memoryLease struct {
	owner     string
	expiresAt time.Time
}

// MemoryLocker is an in-process Locker for single-node deployments and tests.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]memoryLease), now: time.Now}
}

func (m *MemoryLocker) TryAcquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.leases[key]; ok && now.Before(cur.expiresAt) && cur.owner != owner {
		return false, nil
	}
	m.leases[key] = memoryLease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (m *MemoryLocker) Release(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[key]
	if !ok {
		return nil
	}
	if cur.owner != owner {
		if m.now().Before(cur.expiresAt) {
			return ErrNotOwner
		}
		return nil
	}
	delete(m.leases, key)
	return nil
}

func (m *MemoryLocker) ForceExpire(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, key)
	return nil
}

func (m *MemoryLocker) Renew(_ context.Context, key, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[key]
	if !ok || cur.owner != owner {
		return ErrNotOwner
	}
	m.leases[key] = memoryLease{owner: owner, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryLocker) Expiry(_ context.Context, key string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[key]
	if !ok || !m.now().Before(cur.expiresAt) {
		return time.Time{}, nil
	}
	return cur.expiresAt, nil
}
