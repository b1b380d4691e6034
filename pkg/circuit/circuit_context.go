package circuit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// OriginManager tracks circuits this node itself built (as opposed to the
// (channel, circ_id)-keyed Table used for relay-side OrCircuits).
type OriginManager struct {
	circuits map[uint32]*OriginCircuit
	nextID   uint32
	mu       sync.RWMutex
	closed   bool
}

// NewOriginManager creates an empty origin-circuit manager.
func NewOriginManager() *OriginManager {
	return &OriginManager{circuits: make(map[uint32]*OriginCircuit), nextID: 1}
}

// CreateCircuit allocates a fresh id and registers a new OriginCircuit.
func (m *OriginManager) CreateCircuit() (*OriginCircuit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("circuit: manager is closed")
	}

	id := m.nextID
	for {
		if _, exists := m.circuits[id]; !exists {
			break
		}
		id++
		if id == 0 {
			id = 1
		}
		if id == m.nextID {
			return nil, fmt.Errorf("circuit: no available circuit ids")
		}
	}
	m.nextID = id + 1
	if m.nextID == 0 {
		m.nextID = 1
	}

	c := NewOriginCircuit(id)
	m.circuits[id] = c
	return c, nil
}

// GetCircuit returns a registered circuit by id.
func (m *OriginManager) GetCircuit(id uint32) (*OriginCircuit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, exists := m.circuits[id]
	if !exists {
		return nil, fmt.Errorf("circuit: circuit %d not found", id)
	}
	return c, nil
}

// CloseCircuit marks a circuit closed and deregisters it.
func (m *OriginManager) CloseCircuit(id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, exists := m.circuits[id]
	if !exists {
		return fmt.Errorf("circuit: circuit %d not found", id)
	}
	c.SetState(StateClosed)
	delete(m.circuits, id)
	return nil
}

// ListCircuits returns every registered circuit id.
func (m *OriginManager) ListCircuits() []uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uint32, 0, len(m.circuits))
	for id := range m.circuits {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of registered circuits.
func (m *OriginManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.circuits)
}

// Close tears down every registered circuit and prevents further creation.
func (m *OriginManager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("circuit: manager already closed")
	}
	m.closed = true
	for id, c := range m.circuits {
		c.SetState(StateClosed)
		delete(m.circuits, id)
	}
	return nil
}

// IsClosed reports whether the manager has been closed.
func (m *OriginManager) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// CloseWithDeadline closes the manager with a deadline.
func (m *OriginManager) CloseWithDeadline(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return m.Close(ctx)
}

// GetCircuitsByState returns every circuit currently in the given state.
func (m *OriginManager) GetCircuitsByState(state State) []*OriginCircuit {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*OriginCircuit
	for _, c := range m.circuits {
		if c.GetState() == state {
			out = append(out, c)
		}
	}
	return out
}

// CountByState returns the number of circuits in the given state.
func (m *OriginManager) CountByState(state State) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, c := range m.circuits {
		if c.GetState() == state {
			n++
		}
	}
	return n
}

// CloseCircuitWithContext closes a circuit with cancellation support.
func (m *OriginManager) CloseCircuitWithContext(ctx context.Context, id uint32) error {
	done := make(chan error, 1)
	go func() { done <- m.CloseCircuit(id) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = m.CloseCircuit(id)
		return fmt.Errorf("circuit: close circuit timeout: %w", ctx.Err())
	}
}

// CreateCircuitWithContext creates a circuit with cancellation support.
func (m *OriginManager) CreateCircuitWithContext(ctx context.Context) (*OriginCircuit, error) {
	type result struct {
		c   *OriginCircuit
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := m.CreateCircuit()
		done <- result{c, err}
	}()
	select {
	case r := <-done:
		return r.c, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("circuit: create circuit cancelled: %w", ctx.Err())
	}
}

// WaitForCircuitCount blocks until at least minCount circuits are in state,
// or ctx is done.
func (m *OriginManager) WaitForCircuitCount(ctx context.Context, state State, minCount int) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if m.CountByState(state) >= minCount {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("circuit: timeout waiting for %d circuits in state %s: %w", minCount, state, ctx.Err())
		case <-ticker.C:
		}
	}
}

// WaitForState blocks until c reaches state, or ctx is done.
func WaitForState(ctx context.Context, c *OriginCircuit, state State) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.GetState() == state {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("circuit: timeout waiting for state %s (current: %s): %w", state, c.GetState(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// WaitUntilReady blocks until c reaches StateOpen, or ctx is done.
func WaitUntilReady(ctx context.Context, c *OriginCircuit) error {
	return WaitForState(ctx, c, StateOpen)
}
