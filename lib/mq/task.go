package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ecociel/docmq/lib/domain"
	"github.com/ecociel/docmq/lib/store"
)

const leaseExpiredDiagnostic = "lease expired before completion"

// Task is one unit of work. Its fields mirror the stored document; status and
// version record where the task was when it was last read or written.
type Task struct {
	ID    string
	Queue string
	Data  json.RawMessage
	// TTL is the lease budget. It is turned into Deadline when the task is
	// assigned.
	TTL time.Duration
	// Deadline is the resolved lease end. A producer may set it directly
	// instead of TTL.
	Deadline   time.Time
	AssignedTo string
	// Priority orders dispatch, higher first.
	Priority   int
	Created    time.Time
	Diagnostic string

	status  domain.Status
	version int64
}

// NewTask returns an unsaved task whose payload is v encoded as JSON.
func NewTask(queue string, v any, ttl time.Duration, priority int) (*Task, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("serialize task data: %w", err)
	}
	return &Task{Queue: queue, Data: data, TTL: ttl, Priority: priority}, nil
}

func (t *Task) Status() domain.Status {
	return t.status
}

func (t *Task) Version() int64 {
	return t.version
}

// Expired reports whether the task has a lease deadline that lies before now.
func (t *Task) Expired(now time.Time) bool {
	return !t.Deadline.IsZero() && now.After(t.Deadline)
}

// ToDocument returns the stored form of t. An unset Created is fixed to the
// current time on the first call.
func (t *Task) ToDocument() domain.Document {
	if t.Created.IsZero() {
		t.Created = time.Now().UTC()
	}
	return domain.Document{
		ID:         t.ID,
		Queue:      t.Queue,
		Status:     t.status,
		Data:       t.Data,
		TTL:        t.TTL,
		Deadline:   t.Deadline,
		AssignedTo: t.AssignedTo,
		Priority:   t.Priority,
		Created:    t.Created,
		Diagnostic: t.Diagnostic,
		Version:    t.version,
	}
}

// FromDocument rebuilds a task read from queue.
func FromDocument(queue string, doc domain.Document) *Task {
	if doc.Queue != "" {
		queue = doc.Queue
	}
	return &Task{
		ID:         doc.ID,
		Queue:      queue,
		Data:       doc.Data,
		TTL:        doc.TTL,
		Deadline:   doc.Deadline,
		AssignedTo: doc.AssignedTo,
		Priority:   doc.Priority,
		Created:    doc.Created,
		Diagnostic: doc.Diagnostic,
		status:     doc.Status,
		version:    doc.Version,
	}
}

// Decode unmarshals the task payload into v.
func (t *Task) Decode(v any) error {
	if err := json.Unmarshal(t.Data, v); err != nil {
		return fmt.Errorf("unmarshal data of task %s/%s: %w", t.Queue, t.ID, err)
	}
	return nil
}

// Create stores t in the unassigned partition of its queue. When ID is empty
// the store picks one and t.ID is set from it.
func (t *Task) Create(ctx context.Context, db *DB) error {
	if t.Queue == "" {
		return errors.New("mq: task has no queue")
	}
	if t.Created.IsZero() {
		t.Created = db.clock.Now()
	}
	t.status = domain.StatusUnassigned
	t.AssignedTo = ""
	doc := t.ToDocument()
	if err := db.store.Create(ctx, &doc); err != nil {
		return fmt.Errorf("create task in %s: %w", t.Queue, err)
	}
	t.ID = doc.ID
	t.version = doc.Version

	db.metrics.TaskCreated(t.Queue)
	db.publish(ctx, domain.EventCreated, t)
	return nil
}

// Assign claims t for worker. It returns false without error when the task is
// not unassigned or another worker got to it first.
func (t *Task) Assign(ctx context.Context, db *DB, worker string) (bool, error) {
	if t.status != domain.StatusUnassigned {
		return false, nil
	}
	next := *t
	next.status = domain.StatusAssigned
	next.AssignedTo = worker
	if t.TTL > 0 {
		next.Deadline = db.clock.Now().Add(t.TTL)
	}

	ok, err := t.commit(ctx, db, &next)
	if err != nil {
		return false, fmt.Errorf("assign task %s/%s: %w", t.Queue, t.ID, err)
	}
	if !ok {
		db.metrics.ClaimConflict(t.Queue)
		return false, nil
	}
	db.metrics.TaskClaimed(t.Queue)
	db.publish(ctx, domain.EventAssigned, t)
	return true, nil
}

// Complete deletes an assigned task. When the lease deadline has passed the
// task is moved to the errored partition instead and ErrLeaseExpired is
// returned. Completing a task that is already gone is not an error.
func (t *Task) Complete(ctx context.Context, db *DB) error {
	if t.status != domain.StatusAssigned {
		return fmt.Errorf("complete %s task %s/%s: %w", t.status, t.Queue, t.ID, ErrInvalidTransition)
	}
	if t.Expired(db.clock.Now()) {
		if err := t.fail(ctx, db, leaseExpiredDiagnostic, true); err != nil {
			return err
		}
		return fmt.Errorf("complete task %s/%s: %w", t.Queue, t.ID, ErrLeaseExpired)
	}

	err := db.store.Delete(ctx, t.Queue, t.ID, t.version)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("complete task %s/%s: %w", t.Queue, t.ID, ErrStale)
	case err != nil:
		return fmt.Errorf("complete task %s/%s: %w", t.Queue, t.ID, err)
	}
	t.status = ""
	t.version = 0

	db.metrics.TaskCompleted(t.Queue)
	db.publish(ctx, domain.EventCompleted, t)
	return nil
}

// Error moves t to the errored partition with message as its diagnostic.
func (t *Task) Error(ctx context.Context, db *DB, message string) error {
	return t.fail(ctx, db, message, false)
}

func (t *Task) fail(ctx context.Context, db *DB, message string, late bool) error {
	if !domain.IsValidTransition(t.status, domain.StatusErrored) {
		return fmt.Errorf("error %s task %s/%s: %w", t.status, t.Queue, t.ID, ErrInvalidTransition)
	}
	next := *t
	next.status = domain.StatusErrored
	next.Diagnostic = message

	ok, err := t.commit(ctx, db, &next)
	if err != nil {
		return fmt.Errorf("error task %s/%s: %w", t.Queue, t.ID, err)
	}
	if !ok {
		return fmt.Errorf("error task %s/%s: %w", t.Queue, t.ID, ErrStale)
	}
	db.metrics.TaskErrored(t.Queue, late)
	db.publish(ctx, domain.EventErrored, t)
	return nil
}

// Requeue hands an assigned task back to the unassigned partition with a
// fresh deadline. It returns false without error when the task moved on in
// the meantime.
func (t *Task) Requeue(ctx context.Context, db *DB) (bool, error) {
	if t.status != domain.StatusAssigned {
		return false, nil
	}
	budget := t.leaseBudget()
	next := *t
	next.status = domain.StatusUnassigned
	next.AssignedTo = ""
	next.TTL = budget
	next.Deadline = time.Time{}
	if budget > 0 {
		next.Deadline = db.clock.Now().Add(budget)
	}

	ok, err := t.commit(ctx, db, &next)
	if err != nil {
		return false, fmt.Errorf("requeue task %s/%s: %w", t.Queue, t.ID, err)
	}
	if ok {
		db.publish(ctx, domain.EventRequeued, t)
	}
	return ok, nil
}

// Extend pushes the deadline of an assigned task one lease budget past now.
func (t *Task) Extend(ctx context.Context, db *DB) error {
	if t.status != domain.StatusAssigned {
		return fmt.Errorf("extend %s task %s/%s: %w", t.status, t.Queue, t.ID, ErrInvalidTransition)
	}
	now := db.clock.Now()
	if t.Expired(now) {
		return fmt.Errorf("extend task %s/%s: %w", t.Queue, t.ID, ErrLeaseExpired)
	}
	budget := t.leaseBudget()
	if budget <= 0 {
		return nil
	}
	next := *t
	next.TTL = budget
	next.Deadline = now.Add(budget)

	ok, err := t.commit(ctx, db, &next)
	if err != nil {
		return fmt.Errorf("extend task %s/%s: %w", t.Queue, t.ID, err)
	}
	if !ok {
		return fmt.Errorf("extend task %s/%s: %w", t.Queue, t.ID, ErrStale)
	}
	db.publish(ctx, domain.EventExtended, t)
	return nil
}

// retry moves an errored task back to unassigned.
func (t *Task) retry(ctx context.Context, db *DB) error {
	if t.status != domain.StatusErrored {
		return fmt.Errorf("retry %s task %s/%s: %w", t.status, t.Queue, t.ID, ErrInvalidTransition)
	}
	next := *t
	next.status = domain.StatusUnassigned
	next.TTL = t.leaseBudget()
	next.Deadline = time.Time{}
	next.AssignedTo = ""
	next.Diagnostic = ""

	ok, err := t.commit(ctx, db, &next)
	if err != nil {
		return fmt.Errorf("retry task %s/%s: %w", t.Queue, t.ID, err)
	}
	if !ok {
		return fmt.Errorf("retry task %s/%s: %w", t.Queue, t.ID, ErrStale)
	}
	db.publish(ctx, domain.EventRetried, t)
	return nil
}

// MinLeaseBudget is the lease a task gets back on requeue or retry when its
// absolute deadline did not lie after its creation.
const MinLeaseBudget = 30 * time.Second

// leaseBudget is the relative lease length. Tasks that were only ever given
// an absolute deadline get the span between creation and that deadline.
func (t *Task) leaseBudget() time.Duration {
	if t.TTL > 0 {
		return t.TTL
	}
	if t.Deadline.IsZero() {
		return 0
	}
	if t.Deadline.After(t.Created) {
		return t.Deadline.Sub(t.Created)
	}
	return MinLeaseBudget
}

// commit writes next over t's stored version. On success t becomes next. A
// lost race (conflict or the document vanished) is reported as false.
func (t *Task) commit(ctx context.Context, db *DB, next *Task) (bool, error) {
	doc := next.ToDocument()
	err := db.store.Update(ctx, &doc, t.version)
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	next.version = doc.Version
	*t = *next
	return true, nil
}
