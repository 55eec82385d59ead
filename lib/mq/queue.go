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

const (
	DefaultDeleteBatch  = 100
	DefaultExpireMargin = 30 * time.Second
)

// Queue is a named set of tasks. Producers and workers agree on a queue by
// name only.
type Queue struct {
	Name    string
	Created time.Time
}

func NewQueue(name string) *Queue {
	return &Queue{Name: name}
}

// Queues lists the queues known to the store.
func Queues(ctx context.Context, db *DB) ([]*Queue, error) {
	rows, err := db.store.Queues(ctx)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	out := make([]*Queue, 0, len(rows))
	for _, row := range rows {
		out = append(out, &Queue{Name: row.Name, Created: row.Created})
	}
	return out, nil
}

// Create writes the queue metadata. Calling it again overwrites the creation
// time.
func (q *Queue) Create(ctx context.Context, db *DB) error {
	q.Created = db.clock.Now()
	if err := db.store.PutQueue(ctx, domain.Queue{Name: q.Name, Created: q.Created}); err != nil {
		return fmt.Errorf("create queue %s: %w", q.Name, err)
	}
	return nil
}

// Push creates a task on q.
func (q *Queue) Push(ctx context.Context, db *DB, t *Task) error {
	t.Queue = q.Name
	return t.Create(ctx, db)
}

// QueueStatus is a point-in-time view of a queue. Assigned maps task id to the
// worker holding it.
type QueueStatus struct {
	Queue      string            `json:"queue"`
	Unassigned int               `json:"unassigned"`
	Errored    int               `json:"errored"`
	Assigned   map[string]string `json:"assigned"`
}

// Status counts the unassigned and errored tasks and lists who holds each
// assigned one. The partitions are read one after another, not in one
// snapshot.
func (q *Queue) Status(ctx context.Context, db *DB) (QueueStatus, error) {
	st := QueueStatus{Queue: q.Name, Assigned: make(map[string]string)}

	unassigned, err := q.find(ctx, db, domain.StatusUnassigned)
	if err != nil {
		return st, err
	}
	st.Unassigned = len(unassigned)

	errored, err := q.find(ctx, db, domain.StatusErrored)
	if err != nil {
		return st, err
	}
	st.Errored = len(errored)

	assigned, err := q.find(ctx, db, domain.StatusAssigned)
	if err != nil {
		return st, err
	}
	for _, doc := range assigned {
		st.Assigned[doc.ID] = doc.AssignedTo
	}
	return st, nil
}

// DumpEntry is one task in a Dump. Times are ISO-8601 strings.
type DumpEntry struct {
	Data         json.RawMessage `json:"data,omitempty"`
	TTL          float64         `json:"ttl"`
	Deadline     string          `json:"deadline,omitempty"`
	AssignedTo   *string         `json:"assigned_to"`
	Priority     int             `json:"priority"`
	Created      string          `json:"created"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Version      int64           `json:"version"`
}

// Dump maps partition name to task id to task.
type Dump map[string]map[string]DumpEntry

// Dump reads all three partitions. It is meant for people, not for workers.
func (q *Queue) Dump(ctx context.Context, db *DB) (Dump, error) {
	out := make(Dump, len(domain.AllStatuses))
	for _, st := range domain.AllStatuses {
		docs, err := q.find(ctx, db, st)
		if err != nil {
			return nil, err
		}
		part := make(map[string]DumpEntry, len(docs))
		for _, doc := range docs {
			part[doc.ID] = dumpEntry(doc)
		}
		out[string(st)] = part
	}
	return out, nil
}

func dumpEntry(doc domain.Document) DumpEntry {
	e := DumpEntry{
		Data:         doc.Data,
		TTL:          doc.TTL.Seconds(),
		Priority:     doc.Priority,
		Created:      doc.Created.UTC().Format(time.RFC3339Nano),
		ErrorMessage: doc.Diagnostic,
		Version:      doc.Version,
	}
	if !doc.Deadline.IsZero() {
		e.Deadline = doc.Deadline.UTC().Format(time.RFC3339Nano)
	}
	if doc.AssignedTo != "" {
		worker := doc.AssignedTo
		e.AssignedTo = &worker
	}
	return e
}

// ExpireTTL requeues assigned tasks whose deadline lies more than margin in
// the past and returns how many were requeued.
func (q *Queue) ExpireTTL(ctx context.Context, db *DB, margin time.Duration) (int, error) {
	if margin < 0 {
		margin = 0
	}
	docs, err := db.store.Find(ctx, store.Query{
		Queue:          q.Name,
		Status:         domain.StatusAssigned,
		DeadlineBefore: db.clock.Now().Add(-margin),
		Order:          store.OrderDeadline,
	})
	if err != nil {
		return 0, fmt.Errorf("find expired tasks of %s: %w", q.Name, err)
	}

	n := 0
	for _, doc := range docs {
		ok, err := FromDocument(q.Name, doc).Requeue(ctx, db)
		if err != nil {
			if n > 0 {
				db.metrics.TasksRequeued(q.Name, n)
			}
			return n, err
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		db.metrics.TasksRequeued(q.Name, n)
	}
	return n, nil
}

// Delete removes every task of the queue, batch documents per read, and then
// the queue itself. A non-positive batch means DefaultDeleteBatch.
func (q *Queue) Delete(ctx context.Context, db *DB, batch int) error {
	if batch <= 0 {
		batch = DefaultDeleteBatch
	}
	for _, st := range domain.AllStatuses {
		for {
			docs, err := db.store.Find(ctx, store.Query{Queue: q.Name, Status: st, Limit: batch})
			if err != nil {
				return fmt.Errorf("drain %s tasks of %s: %w", st, q.Name, err)
			}
			if len(docs) == 0 {
				break
			}
			for _, doc := range docs {
				err := db.store.Delete(ctx, q.Name, doc.ID, 0)
				if err != nil && !errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("drain %s tasks of %s: %w", st, q.Name, err)
				}
			}
		}
	}
	if err := db.store.DeleteQueue(ctx, q.Name); err != nil {
		return fmt.Errorf("delete queue %s: %w", q.Name, err)
	}
	return nil
}

// Task looks up one task by id.
func (q *Queue) Task(ctx context.Context, db *DB, id string) (*Task, error) {
	doc, err := db.store.Get(ctx, q.Name, id)
	if err != nil {
		return nil, fmt.Errorf("get task %s/%s: %w", q.Name, id, err)
	}
	return FromDocument(q.Name, doc), nil
}

// Retry moves an errored task back to the unassigned partition and clears its
// diagnostic.
func (q *Queue) Retry(ctx context.Context, db *DB, id string) (*Task, error) {
	t, err := q.Task(ctx, db, id)
	if err != nil {
		return nil, err
	}
	if err := t.retry(ctx, db); err != nil {
		return nil, err
	}
	return t, nil
}

func (q *Queue) find(ctx context.Context, db *DB, st domain.Status) ([]domain.Document, error) {
	docs, err := db.store.Find(ctx, store.Query{Queue: q.Name, Status: st})
	if err != nil {
		return nil, fmt.Errorf("find %s tasks of %s: %w", st, q.Name, err)
	}
	return docs, nil
}
