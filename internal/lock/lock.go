// Package lock provides the mutual exclusion that keeps two renewal batches
// from running at once, across processes when Redis is configured.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrHeld is returned by Acquire when another holder owns the lock.
var ErrHeld = errors.New("lock held by another holder")

// Locker hands out named, expiring locks.
type Locker interface {
	// Acquire takes name for ttl or returns ErrHeld. The returned release
	// func only frees the lock if it is still owned by this caller.
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(context.Context) error, err error)
}

// Memory is a process-local Locker.
type Memory struct {
	mu    sync.Mutex
	held  map[string]memoryEntry
	clock func() time.Time
}

type memoryEntry struct {
	token   string
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{held: make(map[string]memoryEntry), clock: time.Now}
}

func (m *Memory) Acquire(_ context.Context, name string, ttl time.Duration) (func(context.Context) error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if entry, ok := m.held[name]; ok && now.Before(entry.expires) {
		return nil, ErrHeld
	}

	token := uuid.NewString()
	m.held[name] = memoryEntry{token: token, expires: now.Add(ttl)}

	return func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if entry, ok := m.held[name]; ok && entry.token == token {
			delete(m.held, name)
		}
		return nil
	}, nil
}
