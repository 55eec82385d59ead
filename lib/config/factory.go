package config

import (
	"context"
	"fmt"
	"log"

	"github.com/ecociel/docmq/lib/kafkaclient"
	"github.com/ecociel/docmq/lib/mq"
	"github.com/ecociel/docmq/lib/observer/kafka"
	"github.com/ecociel/docmq/lib/store"
	"github.com/ecociel/docmq/lib/store/memory"
	"github.com/ecociel/docmq/lib/store/postgres"
	redisstore "github.com/ecociel/docmq/lib/store/redis"
	"github.com/ecociel/docmq/metrics"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// OpenStore connects the configured store. The returned func releases its
// connections.
func OpenStore(ctx context.Context, c Config) (store.Store, func(), error) {
	switch c.StoreDriver {
	case DriverMemory:
		return memory.New(), func() {}, nil
	case DriverPostgres:
		pool, err := pgxpool.New(ctx, c.DbConnectionUri)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		repo := postgres.New(pool)
		if c.DbMigrate {
			if err := repo.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		return repo, pool.Close, nil
	case DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDb,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return redisstore.New(client, c.RedisPrefix), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
}

// OpenEvents returns the Kafka event publisher, or nil when no brokers are
// configured.
func OpenEvents(c Config) (mq.EventPublisher, func(), error) {
	if len(c.QueueHostPorts) == 0 {
		return nil, func() {}, nil
	}
	client, err := kafkaclient.NewProducer(c.QueueHostPorts, c.EventsTopic)
	if err != nil {
		return nil, nil, err
	}
	return kafka.New(client, c.EventsTopic), client.Close, nil
}

// OpenDB wires store, events and metrics into a queue handle. Metrics are
// registered with reg when it is not nil.
func OpenDB(ctx context.Context, c Config, reg prometheus.Registerer) (*mq.DB, func(), error) {
	s, closeStore, err := OpenStore(ctx, c)
	if err != nil {
		return nil, nil, err
	}
	events, closeEvents, err := OpenEvents(c)
	if err != nil {
		closeStore()
		return nil, nil, err
	}

	opts := []mq.Option{}
	if events != nil {
		opts = append(opts, mq.WithEvents(events))
	}
	if reg != nil {
		opts = append(opts, mq.WithMetrics(metrics.NewPromMetrics(reg)))
	}
	log.Printf("using %s store", c.StoreDriver)

	return mq.NewDB(s, opts...), func() {
		closeEvents()
		closeStore()
	}, nil
}
