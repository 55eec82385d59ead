package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ecociel/docmq/lib/config"
	"github.com/ecociel/docmq/lib/observer/runner"
)

// observer only sweeps expired leases. Run it next to workers that do not
// sweep often enough on their own, or when no worker is running at all.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, closeDB, err := config.OpenDB(ctx, cfg, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer closeDB()

	sweeper, err := runner.New(db, cfg.SweepSchedule, cfg.ExpireMargin, cfg.SweepQueues...)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("sweeping %v on %q", cfg.SweepQueues, cfg.SweepSchedule)
	if err := sweeper.Run(ctx); err != nil {
		log.Fatal(err)
	}
}
