package main

import (
	"context"
	"os"

	"github.com/ecociel/docmq/lib/config"
	"github.com/ecociel/docmq/lib/mq"
)

func main() {
	if err := newRootCmd(openFromEnv).Execute(); err != nil {
		os.Exit(1)
	}
}

func openFromEnv(ctx context.Context) (*mq.DB, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	return config.OpenDB(ctx, cfg, nil)
}
