// Package actionlog records accepted room actions. Writes happen off the
// broadcast path: the hub hands actions to a Dispatcher and never waits.
package actionlog

import (
	"context"
	"sync"

	"github.com/cwrk-planet/room-hub/internal/domain"
)

type Appender interface {
	AppendAction(ctx context.Context, roomID string, a domain.Action) error
}

// Reader returns a room's actions in append order.
type Reader interface {
	ListActions(ctx context.Context, roomID string) ([]domain.Action, error)
}

type Log interface {
	Appender
	Reader
}

// PendingReader exposes actions accepted but not yet persisted.
type PendingReader interface {
	PendingActions(roomID string) []domain.Action
}

type withPending struct {
	log   Reader
	queue PendingReader
}

// WithPending layers queued writes over a durable Reader, so a replay taken
// while writes are in flight still has every accepted action.
func WithPending(log Reader, queue PendingReader) Reader {
	return &withPending{log: log, queue: queue}
}

func (w *withPending) ListActions(ctx context.Context, roomID string) ([]domain.Action, error) {
	// очередь читаем первой: запись, ушедшая из неё позже, уже будет в логе
	queued := w.queue.PendingActions(roomID)
	stored, err := w.log.ListActions(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if len(queued) == 0 {
		return stored, nil
	}

	seen := make(map[string]struct{}, len(stored))
	for _, a := range stored {
		seen[a.ID] = struct{}{}
	}
	for _, a := range queued {
		if _, ok := seen[a.ID]; !ok {
			stored = append(stored, a)
		}
	}
	return stored, nil
}

// Memory is a Log backed by a map.
type Memory struct {
	mu     sync.RWMutex
	byRoom map[string][]domain.Action
}

func NewMemory() *Memory {
	return &Memory{byRoom: make(map[string][]domain.Action)}
}

func (m *Memory) AppendAction(_ context.Context, roomID string, a domain.Action) error {
	m.mu.Lock()
	m.byRoom[roomID] = append(m.byRoom[roomID], a)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListActions(_ context.Context, roomID string) ([]domain.Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.byRoom[roomID]
	out := make([]domain.Action, len(src))
	copy(out, src)
	return out, nil
}
