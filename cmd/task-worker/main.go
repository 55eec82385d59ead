package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ecociel/docmq/lib/config"
	"github.com/ecociel/docmq/lib/mq"
	"github.com/ecociel/docmq/lib/worker"
)

type Payload struct {
	Action string `json:"action"`
	UserID int    `json:"userId"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if cfg.Queue == "" {
		log.Fatal("DOCMQ_QUEUE is required")
	}
	if cfg.WorkerId == "" {
		host, _ := os.Hostname()
		cfg.WorkerId = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, closeDB, err := config.OpenDB(ctx, cfg, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer closeDB()

	wrk := worker.New(db, cfg.WorkerId, worker.Options{
		Dispatch:    cfg.Dispatch(),
		ExtendEvery: 10 * time.Second,
	})
	wrk.RegisterHandler(cfg.Queue, handle)

	log.Printf("worker %s consuming %s", cfg.WorkerId, cfg.Queue)
	if err := wrk.Run(ctx); err != nil {
		log.Fatal(err)
	}
}

// handle routes a task by its action field.
func handle(ctx context.Context, task *mq.Task) error {
	var payload Payload
	if err := json.Unmarshal(task.Data, &payload); err != nil {
		return fmt.Errorf("unmarshal payload of task %s: %w", task.ID, err)
	}

	switch payload.Action {
	case "sync_user":
		return runSyncUser(ctx, payload.UserID)
	default:
		return errors.New("unknown action: " + payload.Action)
	}
}

func runSyncUser(ctx context.Context, id int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(100 * time.Millisecond):
	}
	log.Println("synced user:", id)
	return nil
}
