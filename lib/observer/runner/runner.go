package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ecociel/docmq/lib/mq"
	"github.com/robfig/cron/v3"
)

// Runner sweeps expired leases back to the unassigned partition on a cron
// schedule. It is the out-of-band complement to the sweep each dispatch does.
type Runner struct {
	schedule string
	margin   time.Duration
	queues   []string
	store    store
}

type store interface {
	Queues(ctx context.Context) ([]string, error)
	ExpireTTL(ctx context.Context, queue string, margin time.Duration) (int, error)
}

// New sweeps the given queues, or every queue in the store when none are
// given. schedule accepts standard cron specs and descriptors like
// "@every 30s".
func New(db *mq.DB, schedule string, margin time.Duration, queues ...string) (*Runner, error) {
	return newRunner(mqStore{db: db}, schedule, margin, queues...)
}

func newRunner(s store, schedule string, margin time.Duration, queues ...string) (*Runner, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", schedule, err)
	}
	return &Runner{schedule: schedule, margin: margin, queues: queues, store: s}, nil
}

// Run blocks until ctx is done and a running sweep has finished.
func (r *Runner) Run(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(r.schedule, func() {
		if err := r.process(ctx); err != nil {
			log.Printf("sweep error: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (r *Runner) process(ctx context.Context) error {
	queues := r.queues
	if len(queues) == 0 {
		var err error
		queues, err = r.store.Queues(ctx)
		if err != nil {
			return fmt.Errorf("listing queues: %w", err)
		}
	}

	var errs []error
	for _, queue := range queues {
		n, err := r.store.ExpireTTL(ctx, queue, r.margin)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", queue, err))
			continue
		}
		if n > 0 {
			log.Printf("requeued %d expired tasks of %s", n, queue)
		}
	}
	return errors.Join(errs...)
}

type mqStore struct {
	db *mq.DB
}

func (s mqStore) Queues(ctx context.Context) ([]string, error) {
	queues, err := mq.Queues(ctx, s.db)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(queues))
	for _, q := range queues {
		names = append(names, q.Name)
	}
	return names, nil
}

func (s mqStore) ExpireTTL(ctx context.Context, queue string, margin time.Duration) (int, error) {
	return mq.NewQueue(queue).ExpireTTL(ctx, s.db, margin)
}
