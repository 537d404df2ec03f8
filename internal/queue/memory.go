package queue

import (
	"context"
	"sync"
	"time"
)

// memoryBackend is an in-process FIFO for tests and single-binary setups.
type memoryBackend struct {
	mu     sync.Mutex
	items  [][]byte
	notify chan struct{}
	closed bool
}

func NewMemory() Backend {
	return &memoryBackend{notify: make(chan struct{}, 1)}
}

func (m *memoryBackend) Push(ctx context.Context, payload []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.items = append(m.items, append([]byte(nil), payload...))
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

func (m *memoryBackend) Pop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if len(m.items) > 0 {
			p := m.items[0]
			m.items = m.items[1:]
			more := len(m.items) > 0
			m.mu.Unlock()
			if more {
				// Pass the wakeup on to another waiting Pop.
				select {
				case m.notify <- struct{}{}:
				default:
				}
			}
			return p, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
			return nil, nil
		case <-m.notify:
		}
	}
}

func (m *memoryBackend) Size(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.items)), nil
}

func (m *memoryBackend) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.items = nil
	m.mu.Unlock()
	return nil
}

func (m *memoryBackend) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
