package store

import (
	"context"
	"sync"
)

// MemStore is an in-memory Store.
//
// Designed for tests, single-process runs, and prototyping before moving to
// a database-backed store. Thread-safe; data is lost when the process
// exits.
type MemStore struct {
	mu          sync.RWMutex
	checkpoints map[string]map[int]Checkpoint // sessionID -> step -> checkpoint
	labels      map[string]map[string]int     // sessionID -> label -> step
	idempotency map[string]bool
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		checkpoints: make(map[string]map[int]Checkpoint),
		labels:      make(map[string]map[string]int),
		idempotency: make(map[string]bool),
	}
}

// Save appends a checkpoint, enforcing step immutability and idempotency.
func (m *MemStore) Save(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cp.IdempotencyKey != "" && m.idempotency[cp.IdempotencyKey] {
		return ErrDuplicateCommit
	}
	steps := m.checkpoints[cp.SessionID]
	if steps == nil {
		steps = make(map[int]Checkpoint)
		m.checkpoints[cp.SessionID] = steps
	}
	if _, exists := steps[cp.Step]; exists {
		return ErrStepExists
	}

	steps[cp.Step] = cp
	if cp.IdempotencyKey != "" {
		m.idempotency[cp.IdempotencyKey] = true
	}
	if cp.Label != "" {
		if m.labels[cp.SessionID] == nil {
			m.labels[cp.SessionID] = make(map[string]int)
		}
		m.labels[cp.SessionID][cp.Label] = cp.Step
	}
	return nil
}

// Load retrieves the checkpoint at a specific step.
func (m *MemStore) Load(_ context.Context, sessionID string, step int) (Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp, ok := m.checkpoints[sessionID][step]
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	return cp, nil
}

// LoadLatest retrieves the highest-step checkpoint for the session.
func (m *MemStore) LoadLatest(_ context.Context, sessionID string) (Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	steps := m.checkpoints[sessionID]
	if len(steps) == 0 {
		return Checkpoint{}, ErrNotFound
	}
	best := -1
	for step := range steps {
		if step > best {
			best = step
		}
	}
	return steps[best], nil
}

// LoadLabel retrieves a checkpoint by save-point label.
func (m *MemStore) LoadLabel(_ context.Context, sessionID, label string) (Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	step, ok := m.labels[sessionID][label]
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	return m.checkpoints[sessionID][step], nil
}

// List returns the session's step numbers in ascending order.
func (m *MemStore) List(_ context.Context, sessionID string) ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	steps := m.checkpoints[sessionID]
	out := make([]int, 0, len(steps))
	for step := range steps {
		out = append(out, step)
	}
	// Insertion sort keeps List allocation-light for the typical short chain.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}
