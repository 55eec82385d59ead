package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ecociel/docmq/lib/mq"
	"golang.org/x/sync/errgroup"
)

// Handler processes one claimed task. A returned error moves the task to the
// errored partition with the error text as diagnostic.
type Handler func(ctx context.Context, task *mq.Task) error

type Options struct {
	Dispatch mq.DispatchOptions
	// ExtendEvery renews the lease while a handler runs. Zero disables it.
	ExtendEvery time.Duration
	// BaseDelay and MaxDelay bound the backoff after store failures.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Worker claims tasks from its registered queues and executes the matching
// handler. Workers can be run in parallel, also across processes.
type Worker struct {
	db       *mq.DB
	id       string
	opts     Options
	handlers map[string]Handler
}

func New(db *mq.DB, id string, opts Options) *Worker {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = time.Minute
	}
	opts.Dispatch.Blocking = true
	return &Worker{db: db, id: id, opts: opts, handlers: make(map[string]Handler)}
}

func (w *Worker) RegisterHandler(queue string, hdl Handler) {
	w.handlers[queue] = hdl
}

// Run consumes every registered queue until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	if len(w.handlers) == 0 {
		return errors.New("worker: no handlers registered")
	}
	g, ctx := errgroup.WithContext(ctx)
	for queue, hdl := range w.handlers {
		g.Go(func() error {
			w.consume(ctx, queue, hdl)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) consume(ctx context.Context, queue string, hdl Handler) {
	var failures uint16
	for {
		handled, err := w.RunOnce(ctx, queue, hdl)
		if ctx.Err() != nil {
			log.Printf("worker %s stopped consuming %s", w.id, queue)
			return
		}
		if err == nil || handled {
			if err != nil {
				log.Printf("worker %s on %s: %v", w.id, queue, err)
			}
			failures = 0
			continue
		}
		if failures < math.MaxUint16 {
			failures++
		}
		delay := calculateBackoff(failures, w.opts.BaseDelay, w.opts.MaxDelay)
		log.Printf("worker %s on %s: %v, retrying in %s", w.id, queue, err, delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// RunOnce claims one task of queue, runs hdl on it and records the outcome.
// handled reports whether a task was claimed. A claimed task whose outcome
// could not be recorded is returned with handled true and the error; its
// lease runs out and a sweep hands it to another worker.
func (w *Worker) RunOnce(ctx context.Context, queue string, hdl Handler) (handled bool, err error) {
	task, err := mq.NextTask(ctx, w.db, queue, w.id, w.opts.Dispatch)
	if err != nil {
		return false, fmt.Errorf("next task: %w", err)
	}
	if task == nil {
		return false, nil
	}

	herr := w.handle(ctx, task, hdl)
	if herr != nil {
		log.Printf("handle %s/%s: %v", queue, task.ID, herr)
		if err := task.Error(ctx, w.db, herr.Error()); err != nil {
			return true, fmt.Errorf("record failure of %s/%s: %w", queue, task.ID, err)
		}
		return true, nil
	}
	if err := task.Complete(ctx, w.db); err != nil {
		return true, fmt.Errorf("complete %s/%s: %w", queue, task.ID, err)
	}
	return true, nil
}

// handle runs hdl on a copy of task, extending the lease of task in the
// background when configured.
func (w *Worker) handle(ctx context.Context, task *mq.Task, hdl Handler) error {
	view := *task
	if w.opts.ExtendEvery <= 0 {
		return hdl(ctx, &view)
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.opts.ExtendEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := task.Extend(ctx, w.db); err != nil {
					log.Printf("extend %s/%s: %v", task.Queue, task.ID, err)
					return
				}
			}
		}
	}()

	err := hdl(ctx, &view)
	close(done)
	wg.Wait()
	return err
}

func calculateBackoff(retryCount uint16, baseDelay, maxDelay time.Duration) time.Duration {
	// Compute exponential factor: 2^retryCount
	expFactor := math.Pow(2, float64(retryCount))

	full := float64(baseDelay) * expFactor
	if full > math.MaxInt64 {
		full = math.MaxInt64
	}
	if maxDelay > 0 && full > float64(maxDelay) {
		full = float64(maxDelay)
	}

	// Apply full jitter: random between 0 and delay
	return time.Duration(rand.Float64() * full)
}
