// Package store defines the document store the queue core runs on.
//
// A store keeps task documents keyed by (queue, id) and offers exactly the
// primitives the core needs: create-if-absent, get, compare-and-swap update
// and delete on the document version, and a filtered, ordered query.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/ecociel/docmq/lib/domain"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrExists   = errors.New("store: already exists")
	ErrConflict = errors.New("store: version conflict")
)

type Order int

const (
	OrderNone Order = iota
	// OrderDispatch is priority descending, then oldest first.
	OrderDispatch
	// OrderDeadline is earliest deadline first.
	OrderDeadline
)

// Query selects task documents of one queue.
type Query struct {
	Queue  string
	Status domain.Status
	// MinPriority, when set, keeps documents with Priority >= *MinPriority.
	MinPriority *int
	// DeadlineBefore, when non-zero, keeps documents with a resolved deadline
	// strictly before it.
	DeadlineBefore time.Time
	Order          Order
	Limit          int
}

type Store interface {
	// Create inserts doc unless a document with the same queue and id exists,
	// in which case it returns ErrExists. An empty ID is filled in by the store.
	// On success doc.ID and doc.Version reflect what was stored.
	Create(ctx context.Context, doc *domain.Document) error

	Get(ctx context.Context, queue, id string) (domain.Document, error)

	// Update replaces the stored document if its version equals expected.
	// On success doc.Version holds the new version.
	Update(ctx context.Context, doc *domain.Document, expected int64) error

	// Delete removes the document if its version equals expected. An expected
	// version of zero deletes unconditionally.
	Delete(ctx context.Context, queue, id string, expected int64) error

	Find(ctx context.Context, q Query) ([]domain.Document, error)

	PutQueue(ctx context.Context, q domain.Queue) error
	GetQueue(ctx context.Context, name string) (domain.Queue, error)
	DeleteQueue(ctx context.Context, name string) error
	Queues(ctx context.Context) ([]domain.Queue, error)
}

// Matches reports whether doc satisfies the filters of q.
func Matches(q Query, doc domain.Document) bool {
	if q.Queue != "" && doc.Queue != q.Queue {
		return false
	}
	if q.Status != "" && doc.Status != q.Status {
		return false
	}
	if q.MinPriority != nil && doc.Priority < *q.MinPriority {
		return false
	}
	if !q.DeadlineBefore.IsZero() {
		if doc.Deadline.IsZero() || !doc.Deadline.Before(q.DeadlineBefore) {
			return false
		}
	}
	return true
}

// Sort orders docs in place.
func Sort(docs []domain.Document, order Order) {
	switch order {
	case OrderDispatch:
		sort.SliceStable(docs, func(i, j int) bool {
			a, b := docs[i], docs[j]
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			if !a.Created.Equal(b.Created) {
				return a.Created.Before(b.Created)
			}
			return a.ID < b.ID
		})
	case OrderDeadline:
		sort.SliceStable(docs, func(i, j int) bool {
			if !docs[i].Deadline.Equal(docs[j].Deadline) {
				return docs[i].Deadline.Before(docs[j].Deadline)
			}
			return docs[i].ID < docs[j].ID
		})
	}
}

// Apply filters, orders and truncates docs according to q. It is used by
// stores that cannot push the query down.
func Apply(q Query, docs []domain.Document) []domain.Document {
	out := docs[:0]
	for _, doc := range docs {
		if Matches(q, doc) {
			out = append(out, doc)
		}
	}
	Sort(out, q.Order)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func IntPtr(v int) *int {
	return &v
}
