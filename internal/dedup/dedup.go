// Package dedup suppresses repeated escalations of the same problem.
//
// A key is suppressed while now-last < cooldown and forgotten once
// now-last > retention. Keys include severity, so a new, higher severity
// for the same entity is always evaluated.
package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ppiankov/dispatchwatch/internal/model"
)

const (
	DefaultCooldown  = 10 * time.Minute
	DefaultRetention = 20 * time.Minute
)

// Key identifies one escalation trigger.
type Key struct {
	Problem  string
	EntityID string
	Severity model.Severity
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Problem, k.EntityID, k.Severity)
}

// Cache records when each key last triggered.
type Cache interface {
	// TryAcquire stamps key at now and returns true unless it triggered
	// within the cooldown window.
	TryAcquire(ctx context.Context, key Key, now time.Time) (bool, error)
	// Purge forgets keys older than the retention window.
	Purge(ctx context.Context, now time.Time) (int, error)
}

// Memory is a process-local Cache.
type Memory struct {
	mu        sync.Mutex
	last      map[string]time.Time
	cooldown  time.Duration
	retention time.Duration
}

// NewMemory creates an in-memory cache. Zero durations use the defaults.
func NewMemory(cooldown, retention time.Duration) *Memory {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Memory{last: make(map[string]time.Time), cooldown: cooldown, retention: retention}
}

func (m *Memory) TryAcquire(_ context.Context, key Key, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key.String()
	if last, ok := m.last[k]; ok && now.Sub(last) < m.cooldown {
		return false, nil
	}
	m.last[k] = now
	return true, nil
}

func (m *Memory) Purge(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k, last := range m.last {
		if now.Sub(last) > m.retention {
			delete(m.last, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of tracked keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.last)
}
