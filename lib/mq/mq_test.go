package mq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ecociel/docmq/lib/clock"
	"github.com/ecociel/docmq/lib/domain"
	"github.com/ecociel/docmq/lib/store"
	"github.com/ecociel/docmq/lib/store/memory"
)

var base = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T, opts ...Option) (*DB, *clock.Manual, *memory.Store) {
	t.Helper()
	clk := clock.NewManual(base)
	mem := memory.New()
	opts = append([]Option{WithClock(clk)}, opts...)
	return NewDB(mem, opts...), clk, mem
}

// mockPublisher records published events
type mockPublisher struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
}

func (m *mockPublisher) Publish(ctx context.Context, ev domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return m.err
}

func (m *mockPublisher) kinds() []domain.EventKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.EventKind, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.Kind)
	}
	return out
}

// hookStore wraps a store so tests can observe or fail single calls
type hookStore struct {
	store.Store
	findErr    error
	updateHook func(doc *domain.Document) error
	finds      []store.Query
}

func (h *hookStore) Find(ctx context.Context, q store.Query) ([]domain.Document, error) {
	h.finds = append(h.finds, q)
	if h.findErr != nil {
		return nil, h.findErr
	}
	return h.Store.Find(ctx, q)
}

func (h *hookStore) Update(ctx context.Context, doc *domain.Document, expected int64) error {
	if h.updateHook != nil {
		if err := h.updateHook(doc); err != nil {
			return err
		}
	}
	return h.Store.Update(ctx, doc, expected)
}

func mustCreate(t *testing.T, db *DB, queue string, data string, ttl time.Duration, priority int) *Task {
	t.Helper()
	task := &Task{Queue: queue, Data: []byte(data), TTL: ttl, Priority: priority}
	if err := task.Create(context.Background(), db); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func mustStatus(t *testing.T, mem store.Store, queue, id string) domain.Status {
	t.Helper()
	doc, err := mem.Get(context.Background(), queue, id)
	if err != nil {
		t.Fatalf("get %s/%s: %v", queue, id, err)
	}
	return doc.Status
}
