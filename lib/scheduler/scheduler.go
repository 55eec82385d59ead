package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ecociel/docmq/lib/mq"
	"github.com/ecociel/docmq/lib/store"
)

// Scheduler is the producer side: it serializes payloads and pushes them as
// tasks, creating each queue's metadata the first time it is used.
type Scheduler struct {
	db *mq.DB

	mu    sync.Mutex
	known map[string]bool
}

func New(db *mq.DB) *Scheduler {
	return &Scheduler{db: db, known: make(map[string]bool)}
}

// Request describes one task to enqueue. Exactly one of TTL and Deadline is
// normally set. An explicit ID makes the enqueue idempotent: scheduling the
// same ID again returns it without storing a second task.
type Request struct {
	ID       string
	Payload  any
	TTL      time.Duration
	Deadline time.Time
	Priority int
}

func (s *Scheduler) Schedule(ctx context.Context, queue string, req Request) (id string, err error) {
	task, err := mq.NewTask(queue, req.Payload, req.TTL, req.Priority)
	if err != nil {
		return "", err
	}
	task.ID = req.ID
	task.Deadline = req.Deadline

	if err := s.ensureQueue(ctx, queue); err != nil {
		return "", err
	}
	if err := task.Create(ctx, s.db); err != nil {
		if req.ID != "" && errors.Is(err, store.ErrExists) {
			log.Printf("Already scheduled %s/%s", queue, req.ID)
			return req.ID, nil
		}
		return "", fmt.Errorf("schedule task: %w", err)
	}
	log.Printf("Scheduled %s/%s: %s", queue, task.ID, string(task.Data))
	return task.ID, nil
}

func (s *Scheduler) ensureQueue(ctx context.Context, queue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.known[queue] {
		return nil
	}
	if err := mq.NewQueue(queue).Create(ctx, s.db); err != nil {
		return err
	}
	s.known[queue] = true
	return nil
}
