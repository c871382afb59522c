package resilience

import (
	"context"
	"sync"
	"time"
)

// Manager owns the process-global keyed tables: one circuit breaker per
// provider and per lane, and one semaphore per upstream. Writes are
// serialized per key; a background sweeper evicts idle entries.
type Manager struct {
	mu              sync.RWMutex
	circuitBreakers map[string]*CircuitBreaker
	semaphores      map[string]*Semaphore
	cbConfig        CircuitBreakerConfig
	onStateChange   func(name string, from, to CircuitState)
}

// ManagerConfig contains configuration for the resilience manager.
type ManagerConfig struct {
	CircuitBreaker CircuitBreakerConfig
	// OnStateChange is installed on every breaker the manager creates.
	OnStateChange func(name string, from, to CircuitState)
}

// NewManager creates a new resilience manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.CircuitBreaker.FailureThreshold == 0 {
		cfg.CircuitBreaker = DefaultCircuitBreakerConfig()
	}
	return &Manager{
		circuitBreakers: make(map[string]*CircuitBreaker),
		semaphores:      make(map[string]*Semaphore),
		cbConfig:        cfg.CircuitBreaker,
		onStateChange:   cfg.OnStateChange,
	}
}

// GetCircuitBreaker returns or creates a circuit breaker for the key.
func (m *Manager) GetCircuitBreaker(key string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.circuitBreakers[key]
	m.mu.RUnlock()

	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, ok = m.circuitBreakers[key]; ok {
		return cb
	}

	cb = NewCircuitBreaker(key, m.cbConfig)
	if m.onStateChange != nil {
		cb.OnStateChange(m.onStateChange)
	}
	m.circuitBreakers[key] = cb
	return cb
}

// GetSemaphore returns or creates a semaphore for the given key.
func (m *Manager) GetSemaphore(key string, capacity int) *Semaphore {
	m.mu.RLock()
	s, ok := m.semaphores[key]
	m.mu.RUnlock()

	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok = m.semaphores[key]; ok {
		return s
	}

	s = NewSemaphore(capacity)
	m.semaphores[key] = s
	return s
}

// Allow checks the breaker for key, returning ErrCircuitOpen when the
// request must be rejected.
func (m *Manager) Allow(key string) error {
	if !m.GetCircuitBreaker(key).Allow() {
		return ErrCircuitOpen
	}
	return nil
}

// RecordSuccess records a successful request against key's breaker.
func (m *Manager) RecordSuccess(key string) {
	m.GetCircuitBreaker(key).RecordSuccess()
}

// RecordFailure records a failed request against key's breaker.
func (m *Manager) RecordFailure(key string) {
	m.GetCircuitBreaker(key).RecordFailure()
}

// Snapshots returns a breaker snapshot per key.
func (m *Manager) Snapshots() map[string]CircuitSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]CircuitSnapshot, len(m.circuitBreakers))
	for key, cb := range m.circuitBreakers {
		out[key] = cb.Snapshot()
	}
	return out
}

// StartSweeper evicts breakers idle for longer than maxIdle every
// interval, bounding table memory, until ctx is cancelled. Open
// breakers are never evicted mid-recovery.
func (m *Manager) StartSweeper(ctx context.Context, interval, maxIdle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep(maxIdle)
			}
		}
	}()
}

func (m *Manager) sweep(maxIdle time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for key, cb := range m.circuitBreakers {
		if cb.State() != StateClosed {
			continue
		}
		if now.Sub(cb.IdleSince()) > maxIdle {
			delete(m.circuitBreakers, key)
		}
	}
}
