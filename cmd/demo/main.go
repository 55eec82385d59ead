package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/ecociel/docmq/lib/mq"
	"github.com/ecociel/docmq/lib/observer/runner"
	"github.com/ecociel/docmq/lib/scheduler"
	"github.com/ecociel/docmq/lib/store/memory"
	"github.com/ecociel/docmq/lib/worker"
	"golang.org/x/sync/errgroup"
)

type Payload struct {
	Seq int   `json:"seq"`
	Ts  int64 `json:"ts"`
}

const queue = "SayHello"

// demo runs producers, workers and a sweeper against an in-memory store and
// prints the queue status once all tasks have been handled.
func main() {
	tasks := flag.Int("tasks", 100, "number of tasks to schedule")
	workers := flag.Int("workers", 4, "number of workers")
	failRate := flag.Float64("fail-rate", 0.1, "share of tasks whose handler fails")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	db := mq.NewDB(memory.New())
	sched := scheduler.New(db)

	var handled atomic.Int64
	var maxLatency atomic.Int64
	hdl := func(ctx context.Context, task *mq.Task) error {
		defer handled.Add(1)
		var p Payload
		if err := json.Unmarshal(task.Data, &p); err != nil {
			return fmt.Errorf("unmarshal payload of task %s/%s: %w", queue, task.ID, err)
		}
		l := time.Now().UnixNano() - p.Ts
		for {
			cur := maxLatency.Load()
			if l <= cur || maxLatency.CompareAndSwap(cur, l) {
				break
			}
		}
		if rand.Float64() < *failRate {
			return fmt.Errorf("seq %d failed on purpose", p.Seq)
		}
		return nil
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, runCtx := errgroup.WithContext(runCtx)

	sweeper, err := runner.New(db, "@every 1s", 0, queue)
	if err != nil {
		log.Fatal(err)
	}
	g.Go(func() error { return sweeper.Run(runCtx) })

	for i := 0; i < *workers; i++ {
		wrk := worker.New(db, fmt.Sprintf("worker-%d", i), worker.Options{
			Dispatch: mq.DispatchOptions{PollInterval: 50 * time.Millisecond},
		})
		wrk.RegisterHandler(queue, hdl)
		g.Go(func() error { return wrk.Run(runCtx) })
	}

	for seq := 0; seq < *tasks; seq++ {
		payload := Payload{Seq: seq, Ts: time.Now().UnixNano()}
		req := scheduler.Request{Payload: payload, TTL: 5 * time.Second, Priority: seq % 3}
		if _, err := sched.Schedule(ctx, queue, req); err != nil {
			log.Fatal(err)
		}
	}

	for handled.Load() < int64(*tasks) && ctx.Err() == nil {
		time.Sleep(100 * time.Millisecond)
	}
	stop()
	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}

	st, err := mq.NewQueue(queue).Status(context.Background(), db)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("handled=%d unassigned=%d assigned=%d errored=%d max latency=%s",
		handled.Load(), st.Unassigned, len(st.Assigned), st.Errored, time.Duration(maxLatency.Load()))
}
