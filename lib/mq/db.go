// Package mq is a lease-based task queue on top of a document store.
//
// A task lives in one of three partitions of its queue: unassigned, assigned
// or errored. Workers claim unassigned tasks through NextTask, which resolves
// the task's lease deadline at claim time. A worker finishes by calling
// Complete (the task is deleted) or Error (the task is kept in the errored
// partition with a diagnostic). Leases that run out are handed back to the
// unassigned partition by Queue.ExpireTTL.
//
// Every partition move is one versioned write to the store, so a move either
// happens completely or not at all, and of two workers racing for the same
// task exactly one wins.
package mq

import (
	"context"
	"errors"
	"log"

	"github.com/ecociel/docmq/lib/clock"
	"github.com/ecociel/docmq/lib/domain"
	"github.com/ecociel/docmq/lib/store"
	"github.com/ecociel/docmq/metrics"
)

var (
	// ErrStale is returned when the task was changed by someone else since it
	// was read, for example requeued by a sweep and claimed by another worker.
	ErrStale = errors.New("mq: task changed concurrently")
	// ErrLeaseExpired is returned by Complete when the deadline had already
	// passed. The task is in the errored partition when it is returned.
	ErrLeaseExpired = errors.New("mq: lease expired before completion")
	// ErrInvalidTransition is returned when a task is asked to move to a
	// partition it cannot reach from where it is.
	ErrInvalidTransition = errors.New("mq: invalid transition")
)

// EventPublisher receives every task transition.
type EventPublisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// DB is the handle every task and queue operation runs against. It holds no
// task state of its own.
type DB struct {
	store   store.Store
	clock   clock.Clock
	events  EventPublisher
	metrics metrics.QueueMetrics
}

type Option func(*DB)

func WithClock(c clock.Clock) Option {
	return func(db *DB) { db.clock = c }
}

func WithEvents(p EventPublisher) Option {
	return func(db *DB) { db.events = p }
}

func WithMetrics(m metrics.QueueMetrics) Option {
	return func(db *DB) { db.metrics = m }
}

func NewDB(s store.Store, opts ...Option) *DB {
	db := &DB{
		store:   s,
		clock:   clock.Real{},
		metrics: metrics.Noop{},
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

func (db *DB) Store() store.Store {
	return db.store
}

func (db *DB) Clock() clock.Clock {
	return db.clock
}

// publish never fails the caller, the transition it reports already happened.
func (db *DB) publish(ctx context.Context, kind domain.EventKind, t *Task) {
	if db.events == nil {
		return
	}
	ev := domain.Event{
		Kind:       kind,
		Queue:      t.Queue,
		TaskID:     t.ID,
		Worker:     t.AssignedTo,
		Priority:   t.Priority,
		Deadline:   t.Deadline,
		Diagnostic: t.Diagnostic,
		At:         db.clock.Now(),
	}
	if err := db.events.Publish(ctx, ev); err != nil {
		log.Printf("publish %s event for %s/%s: %v", kind, t.Queue, t.ID, err)
	}
}
