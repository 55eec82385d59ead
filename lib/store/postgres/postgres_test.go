package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ecociel/docmq/lib/domain"
	"github.com/ecociel/docmq/lib/store"
	"github.com/ecociel/docmq/lib/store/storetest"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildFind_Dispatch(t *testing.T) {
	q, args := buildFind(store.Query{
		Queue:       "jobs",
		Status:      domain.StatusUnassigned,
		MinPriority: store.IntPtr(2),
		Order:       store.OrderDispatch,
		Limit:       10,
	})

	assert.Contains(t, q, "WHERE queue = $1 AND status = $2 AND priority >= $3")
	assert.Contains(t, q, "ORDER BY priority DESC, created, id")
	assert.Contains(t, q, "LIMIT $4")
	assert.Equal(t, []any{"jobs", "unassigned", 2, 10}, args)
}

func TestBuildFind_Deadline(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q, args := buildFind(store.Query{
		Queue:          "jobs",
		Status:         domain.StatusAssigned,
		DeadlineBefore: now,
		Order:          store.OrderDeadline,
	})

	assert.Contains(t, q, "deadline IS NOT NULL AND deadline < $3")
	assert.Contains(t, q, "ORDER BY deadline, id")
	assert.NotContains(t, q, "LIMIT")
	assert.Equal(t, []any{"jobs", "assigned", now}, args)
}

func TestBuildFind_QueueOnly(t *testing.T) {
	q, args := buildFind(store.Query{Queue: "jobs"})

	assert.NotContains(t, q, "status")
	assert.NotContains(t, q, "ORDER BY")
	assert.Equal(t, []any{"jobs"}, args)
}

// TestRepo runs the store suite against a live database when
// DOCMQ_TEST_DATABASE_URL points at one.
func TestRepo(t *testing.T) {
	uri := os.Getenv("DOCMQ_TEST_DATABASE_URL")
	if uri == "" {
		t.Skip("DOCMQ_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, uri)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	storetest.Run(t, func(t *testing.T) store.Store {
		repo := New(pool)
		require.NoError(t, repo.Migrate(ctx))
		_, err := pool.Exec(ctx, `TRUNCATE docmq_task, docmq_queue`)
		require.NoError(t, err)
		return repo
	})
}
