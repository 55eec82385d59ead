// Package storetest holds the behaviour every store.Store must show.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ecociel/docmq/lib/domain"
	"github.com/ecociel/docmq/lib/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run executes the suite against stores returned by newStore. Each subtest
// gets a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("CreateGeneratesID", func(t *testing.T) { testCreateGeneratesID(t, newStore(t)) })
	t.Run("CreateIfAbsent", func(t *testing.T) { testCreateIfAbsent(t, newStore(t)) })
	t.Run("GetRoundTrip", func(t *testing.T) { testGetRoundTrip(t, newStore(t)) })
	t.Run("UpdateCAS", func(t *testing.T) { testUpdateCAS(t, newStore(t)) })
	t.Run("ConcurrentUpdateOneWinner", func(t *testing.T) { testConcurrentUpdate(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("FindFiltersAndOrders", func(t *testing.T) { testFind(t, newStore(t)) })
	t.Run("Queues", func(t *testing.T) { testQueues(t, newStore(t)) })
}

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newDoc(queue, id string, priority int, created time.Time) domain.Document {
	return domain.Document{
		ID:       id,
		Queue:    queue,
		Status:   domain.StatusUnassigned,
		Data:     json.RawMessage(`{"x":1}`),
		TTL:      time.Minute,
		Priority: priority,
		Created:  created,
	}
}

func testCreateGeneratesID(t *testing.T, s store.Store) {
	ctx := context.Background()
	doc := newDoc("jobs", "", 0, base)

	require.NoError(t, s.Create(ctx, &doc))
	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, int64(1), doc.Version)

	other := newDoc("jobs", "", 0, base)
	require.NoError(t, s.Create(ctx, &other))
	assert.NotEqual(t, doc.ID, other.ID)
}

func testCreateIfAbsent(t *testing.T, s store.Store) {
	ctx := context.Background()
	doc := newDoc("jobs", "t1", 0, base)
	require.NoError(t, s.Create(ctx, &doc))

	again := newDoc("jobs", "t1", 3, base)
	err := s.Create(ctx, &again)
	assert.True(t, errors.Is(err, store.ErrExists), "expected ErrExists, got %v", err)

	got, err := s.Get(ctx, "jobs", "t1")
	require.NoError(t, err)
	assert.Equal(t, 0, got.Priority, "existing document must not be overwritten")

	// same id in another queue is a different document
	elsewhere := newDoc("other", "t1", 0, base)
	assert.NoError(t, s.Create(ctx, &elsewhere))
}

func testGetRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	doc := newDoc("jobs", "t1", 7, base)
	doc.Status = domain.StatusAssigned
	doc.AssignedTo = "worker-1"
	doc.Deadline = base.Add(time.Minute)
	require.NoError(t, s.Create(ctx, &doc))

	got, err := s.Get(ctx, "jobs", "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ID)
	assert.Equal(t, "jobs", got.Queue)
	assert.Equal(t, domain.StatusAssigned, got.Status)
	assert.JSONEq(t, `{"x":1}`, string(got.Data))
	assert.Equal(t, time.Minute, got.TTL)
	assert.True(t, got.Deadline.Equal(base.Add(time.Minute)), "deadline %v", got.Deadline)
	assert.Equal(t, "worker-1", got.AssignedTo)
	assert.Equal(t, 7, got.Priority)
	assert.True(t, got.Created.Equal(base), "created %v", got.Created)
	assert.Equal(t, int64(1), got.Version)

	_, err = s.Get(ctx, "jobs", "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound), "expected ErrNotFound, got %v", err)
}

func testUpdateCAS(t *testing.T, s store.Store) {
	ctx := context.Background()
	doc := newDoc("jobs", "t1", 0, base)
	require.NoError(t, s.Create(ctx, &doc))

	next := doc
	next.Status = domain.StatusErrored
	next.Diagnostic = "boom"
	require.NoError(t, s.Update(ctx, &next, 1))
	assert.Equal(t, int64(2), next.Version)

	stale := doc
	stale.Status = domain.StatusAssigned
	err := s.Update(ctx, &stale, 1)
	assert.True(t, errors.Is(err, store.ErrConflict), "expected ErrConflict, got %v", err)

	got, err := s.Get(ctx, "jobs", "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusErrored, got.Status)
	assert.Equal(t, "boom", got.Diagnostic)

	missing := newDoc("jobs", "nope", 0, base)
	err = s.Update(ctx, &missing, 1)
	assert.True(t, errors.Is(err, store.ErrNotFound), "expected ErrNotFound, got %v", err)
}

func testConcurrentUpdate(t *testing.T, s store.Store) {
	ctx := context.Background()
	doc := newDoc("jobs", "t1", 0, base)
	require.NoError(t, s.Create(ctx, &doc))

	const racers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claim := doc
			claim.Status = domain.StatusAssigned
			claim.AssignedTo = string(rune('a' + i))
			err := s.Update(ctx, &claim, 1)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, store.ErrConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func testDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	doc := newDoc("jobs", "t1", 0, base)
	require.NoError(t, s.Create(ctx, &doc))

	err := s.Delete(ctx, "jobs", "t1", 5)
	assert.True(t, errors.Is(err, store.ErrConflict), "expected ErrConflict, got %v", err)

	require.NoError(t, s.Delete(ctx, "jobs", "t1", 1))

	err = s.Delete(ctx, "jobs", "t1", 0)
	assert.True(t, errors.Is(err, store.ErrNotFound), "expected ErrNotFound, got %v", err)

	// delete frees the id for create-if-absent
	again := newDoc("jobs", "t1", 0, base)
	assert.NoError(t, s.Create(ctx, &again))

	require.NoError(t, s.Delete(ctx, "jobs", "t1", 0))
}

func testFind(t *testing.T, s store.Store) {
	ctx := context.Background()
	docs := []domain.Document{
		newDoc("jobs", "p5", 5, base.Add(2*time.Second)),
		newDoc("jobs", "p1", 1, base),
		newDoc("jobs", "p3", 3, base.Add(time.Second)),
		newDoc("jobs", "p3-old", 3, base),
		newDoc("jobs", "neg", -2, base),
		newDoc("other", "x", 9, base),
	}
	expired := newDoc("jobs", "late", 0, base)
	expired.Status = domain.StatusAssigned
	expired.Deadline = base.Add(-time.Minute)
	fresh := newDoc("jobs", "fresh", 0, base)
	fresh.Status = domain.StatusAssigned
	fresh.Deadline = base.Add(time.Hour)
	docs = append(docs, expired, fresh)

	for i := range docs {
		require.NoError(t, s.Create(ctx, &docs[i]))
	}

	got, err := s.Find(ctx, store.Query{
		Queue:       "jobs",
		Status:      domain.StatusUnassigned,
		MinPriority: store.IntPtr(0),
		Order:       store.OrderDispatch,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"p5", "p3-old", "p3", "p1"}, ids(got))

	got, err = s.Find(ctx, store.Query{
		Queue:  "jobs",
		Status: domain.StatusUnassigned,
		Order:  store.OrderDispatch,
		Limit:  2,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"p5", "p3-old"}, ids(got))

	got, err = s.Find(ctx, store.Query{
		Queue:          "jobs",
		Status:         domain.StatusAssigned,
		DeadlineBefore: base,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"late"}, ids(got))

	got, err = s.Find(ctx, store.Query{Queue: "jobs", Status: domain.StatusErrored})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testQueues(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.PutQueue(ctx, domain.Queue{Name: "b", Created: base}))
	require.NoError(t, s.PutQueue(ctx, domain.Queue{Name: "a", Created: base}))
	// upsert
	require.NoError(t, s.PutQueue(ctx, domain.Queue{Name: "a", Created: base.Add(time.Hour)}))

	q, err := s.GetQueue(ctx, "a")
	require.NoError(t, err)
	assert.True(t, q.Created.Equal(base.Add(time.Hour)), "created %v", q.Created)

	all, err := s.Queues(ctx)
	require.NoError(t, err)
	if assert.Len(t, all, 2) {
		assert.Equal(t, "a", all[0].Name)
		assert.Equal(t, "b", all[1].Name)
	}

	require.NoError(t, s.DeleteQueue(ctx, "a"))
	_, err = s.GetQueue(ctx, "a")
	assert.True(t, errors.Is(err, store.ErrNotFound), "expected ErrNotFound, got %v", err)
}

func ids(docs []domain.Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.ID)
	}
	return out
}
