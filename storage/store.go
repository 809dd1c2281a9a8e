package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrNotFound = errors.New("not found")

// Store is a write-through record of values by id for readers outside the process.
// The scheduling core saves and removes but never reads back; state is rebuilt from
// node heartbeats after a restart.
type Store[T any] interface {
	Save(ctx context.Context, id string, v T) error
	Get(ctx context.Context, id string) (T, error)
	Remove(ctx context.Context, id string) error
}

// Memory is an in-process Store.
type Memory[T any] struct {
	mu sync.RWMutex
	db map[string]T
}

func NewMemory[T any]() *Memory[T] {
	return &Memory[T]{db: make(map[string]T)}
}

func (m *Memory[T]) Save(ctx context.Context, id string, v T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.db[id] = v
	return nil
}

func (m *Memory[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.db[id]
	if !ok {
		return zero, fmt.Errorf("key %s: %w", id, ErrNotFound)
	}
	return v, nil
}

// Remove is idempotent.
func (m *Memory[T]) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.db, id)
	return nil
}

func (m *Memory[T]) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.db)
}
