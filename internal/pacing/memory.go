package pacing

import (
	"context"
	"sync"
	"time"
)

// Memory is a single-process pacer. Now and Sleep may be replaced in tests.
type Memory struct {
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	next time.Time
}

var _ Pacer = (*Memory)(nil)

func NewMemory() *Memory { return &Memory{Now: time.Now, Sleep: sleepCtx} }

func (m *Memory) remaining(context.Context) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next.Sub(m.Now()), nil
}

func (m *Memory) Wait(ctx context.Context) error {
	return wait(ctx, m.remaining, m.Sleep)
}

func (m *Memory) Reserve(_ context.Context, d time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	if m.next.After(now) {
		return false, nil
	}
	m.next = now.Add(d)
	return true, nil
}

func (m *Memory) Advance(_ context.Context, d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next = m.Now().Add(d)
	return nil
}

// NextAllowed returns the stored slot; zero until the first Advance.
func (m *Memory) NextAllowed() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next
}
