package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ecociel/docmq/lib/clock"
	"github.com/ecociel/docmq/lib/mq"
	"github.com/ecociel/docmq/lib/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	db  *mq.DB
	clk *clock.Manual
}

func newHarness() *harness {
	clk := clock.NewManual(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	return &harness{db: mq.NewDB(memory.New(), mq.WithClock(clk)), clk: clk}
}

func (h *harness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(func(ctx context.Context) (*mq.DB, func(), error) {
		return h.db, func() {}, nil
	})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestPushStatusDump(t *testing.T) {
	h := newHarness()

	out, err := h.run(t, "push", "jobs", "--data", `{"x":1}`, "--ttl", "90s", "--priority", "3")
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	require.NotEmpty(t, id)

	out, err = h.run(t, "status", "jobs")
	require.NoError(t, err)
	var st mq.QueueStatus
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, 1, st.Unassigned)

	out, err = h.run(t, "dump", "jobs")
	require.NoError(t, err)
	var dump mq.Dump
	require.NoError(t, json.Unmarshal([]byte(out), &dump))
	entry, ok := dump["unassigned"][id]
	require.True(t, ok)
	assert.Equal(t, 90.0, entry.TTL)
	assert.Equal(t, 3, entry.Priority)
	assert.JSONEq(t, `{"x":1}`, string(entry.Data))

	out, err = h.run(t, "queues")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "jobs\t"))
}

func TestPushRejectsInvalidJSON(t *testing.T) {
	h := newHarness()
	_, err := h.run(t, "push", "jobs", "--data", `{x`)
	assert.Error(t, err)
}

func TestExpireAndRetry(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	_, err := h.run(t, "push", "jobs", "--id", "t-1", "--ttl", "10s")
	require.NoError(t, err)
	task, err := mq.NextTask(ctx, h.db, "jobs", "w1", mq.DispatchOptions{})
	require.NoError(t, err)
	require.NotNil(t, task)

	h.clk.Advance(time.Minute)
	out, err := h.run(t, "expire", "jobs", "--margin", "0s")
	require.NoError(t, err)
	assert.Equal(t, "requeued 1 tasks\n", out)

	task, err = mq.NextTask(ctx, h.db, "jobs", "w2", mq.DispatchOptions{})
	require.NoError(t, err)
	require.NoError(t, task.Error(ctx, h.db, "boom"))

	out, err = h.run(t, "retry", "jobs", "t-1")
	require.NoError(t, err)
	assert.Equal(t, "t-1 is unassigned\n", out)

	_, err = h.run(t, "retry", "jobs", "t-1")
	assert.ErrorIs(t, err, mq.ErrInvalidTransition)
}

func TestDelete(t *testing.T) {
	h := newHarness()
	for i := 0; i < 3; i++ {
		_, err := h.run(t, "push", "jobs")
		require.NoError(t, err)
	}

	_, err := h.run(t, "delete", "jobs", "--batch", "2")
	require.NoError(t, err)

	out, err := h.run(t, "status", "jobs")
	require.NoError(t, err)
	var st mq.QueueStatus
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Zero(t, st.Unassigned)

	out, err = h.run(t, "queues")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestTaskLookup(t *testing.T) {
	h := newHarness()
	_, err := h.run(t, "push", "jobs", "--id", "t-9", "--deadline", "2024-05-01T10:00:00Z")
	require.NoError(t, err)

	out, err := h.run(t, "task", "jobs", "t-9")
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "unassigned", got["status"])
	assert.Equal(t, "2024-05-01T10:00:00Z", got["deadline"])

	_, err = h.run(t, "task", "jobs", "missing")
	assert.Error(t, err)
}

func TestPushDeadlineReplacesTTL(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	_, err := h.run(t, "push", "jobs", "--id", "t-1", "--deadline", "2024-05-01T12:00:00Z")
	require.NoError(t, err)

	task, err := mq.NextTask(ctx, h.db, "jobs", "w1", mq.DispatchOptions{})
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Zero(t, task.TTL)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), task.Deadline)

	_, err = h.run(t, "push", "jobs", "--deadline", "2024-05-01T12:00:00Z", "--ttl", "30s")
	assert.Error(t, err)
}

func TestArgsValidation(t *testing.T) {
	h := newHarness()
	_, err := h.run(t, "status")
	assert.Error(t, err)
	_, err = h.run(t, "retry", "jobs")
	assert.Error(t, err)
}
