package mq

import (
	"context"
	"fmt"
	"time"

	"github.com/ecociel/docmq/lib/domain"
	"github.com/ecociel/docmq/lib/store"
)

const (
	DefaultPollInterval   = time.Second
	DefaultExpireInterval = 30 * time.Second
)

type DispatchOptions struct {
	// PollInterval is the wait between scans while blocking.
	PollInterval time.Duration
	// ExpireInterval is the minimum time between two TTL sweeps run by this
	// call. The first iteration always sweeps.
	ExpireInterval time.Duration
	// ExpireMargin is passed to Queue.ExpireTTL.
	ExpireMargin time.Duration
	// MinPriority excludes tasks with a lower priority.
	MinPriority int
	// Blocking keeps polling until a task is claimed or ctx is done.
	Blocking bool
	// ScanLimit caps the candidates read per scan, zero reads all.
	ScanLimit int
}

func (o DispatchOptions) withDefaults() DispatchOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.ExpireInterval <= 0 {
		o.ExpireInterval = DefaultExpireInterval
	}
	return o
}

// NextTask claims the next task of queue for worker. Candidates are tried in
// priority order, oldest first within a priority; losing a claim to another
// worker just moves on to the next candidate. Without Blocking it returns
// nil, nil when nothing could be claimed. Store errors end the call.
func NextTask(ctx context.Context, db *DB, queue, worker string, opts DispatchOptions) (*Task, error) {
	opts = opts.withDefaults()
	q := NewQueue(queue)
	start := time.Now()

	sinceSweep := opts.ExpireInterval
	for {
		if sinceSweep >= opts.ExpireInterval {
			if _, err := q.ExpireTTL(ctx, db, opts.ExpireMargin); err != nil {
				return nil, err
			}
			sinceSweep = 0
		}

		t, err := claim(ctx, db, queue, worker, opts)
		if err != nil {
			return nil, err
		}
		if t != nil {
			db.metrics.DispatchLatency(queue, time.Since(start))
			return t, nil
		}
		if !opts.Blocking {
			return nil, nil
		}

		timer := time.NewTimer(opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		sinceSweep += opts.PollInterval
	}
}

func claim(ctx context.Context, db *DB, queue, worker string, opts DispatchOptions) (*Task, error) {
	docs, err := db.store.Find(ctx, store.Query{
		Queue:       queue,
		Status:      domain.StatusUnassigned,
		MinPriority: &opts.MinPriority,
		Order:       store.OrderDispatch,
		Limit:       opts.ScanLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("find candidates in %s: %w", queue, err)
	}
	for _, doc := range docs {
		t := FromDocument(queue, doc)
		ok, err := t.Assign(ctx, db, worker)
		if err != nil {
			return nil, err
		}
		if ok {
			return t, nil
		}
	}
	return nil, nil
}
