package worker

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/ecociel/docmq/lib/clock"
	"github.com/ecociel/docmq/lib/domain"
	"github.com/ecociel/docmq/lib/mq"
	"github.com/ecociel/docmq/lib/store"
	"github.com/ecociel/docmq/lib/store/memory"
)

func newDB(t *testing.T, opts ...mq.Option) (*mq.DB, *memory.Store) {
	t.Helper()
	mem := memory.New()
	opts = append([]mq.Option{mq.WithClock(clock.NewManual(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)))}, opts...)
	return mq.NewDB(mem, opts...), mem
}

func push(t *testing.T, db *mq.DB, queue, data string) *mq.Task {
	t.Helper()
	task := &mq.Task{Queue: queue, Data: []byte(data), TTL: time.Minute}
	if err := task.Create(context.Background(), db); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

type eventLog struct {
	mu    sync.Mutex
	kinds []domain.EventKind
}

func (e *eventLog) Publish(ctx context.Context, ev domain.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.kinds = append(e.kinds, ev.Kind)
	return nil
}

func (e *eventLog) count(kind domain.EventKind) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, k := range e.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

func TestRunOnce_CompletesTask(t *testing.T) {
	db, mem := newDB(t)
	task := push(t, db, "mail", `{"to":"a@b.c"}`)
	w := New(db, "w1", Options{})

	var seen string
	handled, err := w.RunOnce(context.Background(), "mail", func(ctx context.Context, task *mq.Task) error {
		var payload struct{ To string }
		if err := task.Decode(&payload); err != nil {
			return err
		}
		seen = payload.To
		return nil
	})
	if err != nil || !handled {
		t.Fatalf("expected handled task, got handled=%v err=%v", handled, err)
	}
	if seen != "a@b.c" {
		t.Errorf("expected payload to reach handler, got %q", seen)
	}
	if _, err := mem.Get(context.Background(), "mail", task.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected completed task to be gone, got %v", err)
	}
}

func TestRunOnce_HandlerErrorMarksTaskErrored(t *testing.T) {
	db, mem := newDB(t)
	task := push(t, db, "mail", `{}`)
	w := New(db, "w1", Options{})

	handled, err := w.RunOnce(context.Background(), "mail", func(ctx context.Context, task *mq.Task) error {
		return errors.New("smtp unavailable")
	})
	if err != nil || !handled {
		t.Fatalf("expected handled task, got handled=%v err=%v", handled, err)
	}
	doc, err := mem.Get(context.Background(), "mail", task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.Status != domain.StatusErrored {
		t.Errorf("expected errored, got %s", doc.Status)
	}
	if doc.Diagnostic != "smtp unavailable" {
		t.Errorf("expected diagnostic, got %q", doc.Diagnostic)
	}
}

func TestRun_DrainsQueuesUntilCancelled(t *testing.T) {
	db, mem := newDB(t)
	for i := 0; i < 3; i++ {
		push(t, db, "mail", `{}`)
		push(t, db, "sms", `{}`)
	}

	var mu sync.Mutex
	counts := map[string]int{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hdl := func(ctx context.Context, task *mq.Task) error {
		mu.Lock()
		defer mu.Unlock()
		counts[task.Queue]++
		if counts["mail"] == 3 && counts["sms"] == 3 {
			cancel()
		}
		return nil
	}

	w := New(db, "w1", Options{Dispatch: mq.DispatchOptions{PollInterval: 5 * time.Millisecond}})
	w.RegisterHandler("mail", hdl)
	w.RegisterHandler("sms", hdl)

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if counts["mail"] != 3 || counts["sms"] != 3 {
		t.Errorf("expected 3 tasks per queue, got %v", counts)
	}
	docs, err := mem.Find(context.Background(), store.Query{Queue: "mail"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	// the last task may still be in flight when ctx is cancelled
	if len(docs) > 1 {
		t.Errorf("expected mail queue to be drained, %d left", len(docs))
	}
}

func TestRun_NoHandlers(t *testing.T) {
	db, _ := newDB(t)
	if err := New(db, "w1", Options{}).Run(context.Background()); err == nil {
		t.Error("expected error without handlers")
	}
}

func TestRunOnce_ExtendsLeaseWhileHandling(t *testing.T) {
	events := &eventLog{}
	db, _ := newDB(t, mq.WithEvents(events))
	push(t, db, "mail", `{}`)
	w := New(db, "w1", Options{ExtendEvery: 5 * time.Millisecond})

	handled, err := w.RunOnce(context.Background(), "mail", func(ctx context.Context, task *mq.Task) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	})
	if err != nil || !handled {
		t.Fatalf("expected handled task, got handled=%v err=%v", handled, err)
	}
	if events.count(domain.EventExtended) == 0 {
		t.Error("expected at least one lease extension")
	}
	if events.count(domain.EventCompleted) != 1 {
		t.Error("expected the extended task to complete")
	}
}

func TestCalculateBackoff(t *testing.T) {
	for _, retry := range []uint16{0, 1, 5, 20, 33, 34, 40, 64, 100, 1000, math.MaxUint16} {
		d := calculateBackoff(retry, time.Second, time.Minute)
		if d < 0 || d > time.Minute {
			t.Errorf("retry %d: backoff %s out of bounds", retry, d)
		}
	}
	if d := calculateBackoff(100, time.Second, 0); d < 0 {
		t.Errorf("expected non-negative backoff without max delay, got %s", d)
	}
	if d := calculateBackoff(0, time.Second, 0); d > time.Second {
		t.Errorf("expected first backoff below base delay, got %s", d)
	}
}
