package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/ecociel/docmq/lib/mq"
	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment prefix, DOCMQ_STORE_DRIVER and so on.
const Prefix = "DOCMQ"

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

type Config struct {
	StoreDriver     string `default:"memory" split_words:"true"`
	DbConnectionUri string `split_words:"true"`
	DbMigrate       bool   `default:"true" split_words:"true"`

	RedisAddr     string `default:"localhost:6379" split_words:"true"`
	RedisPassword string `split_words:"true"`
	RedisDb       int    `split_words:"true"`
	RedisPrefix   string `default:"docmq" split_words:"true"`

	// Events are published only when broker addresses are set.
	QueueHostPorts []string `split_words:"true"`
	EventsTopic    string   `default:"docmq.events" split_words:"true"`

	ListenAddr string `default:":8080" split_words:"true"`

	SweepSchedule string        `default:"@every 30s" split_words:"true"`
	ExpireMargin  time.Duration `default:"30s" split_words:"true"`
	SweepQueues   []string      `split_words:"true"`

	PollInterval   time.Duration `default:"1s" split_words:"true"`
	ExpireInterval time.Duration `default:"30s" split_words:"true"`
	MinPriority    int           `split_words:"true"`
	WorkerId       string        `split_words:"true"`
	Queue          string
}

// Load reads the configuration from the environment and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case DriverMemory, DriverRedis:
	case DriverPostgres:
		if c.DbConnectionUri == "" {
			errs = append(errs, errors.New("DB_CONNECTION_URI is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.StoreDriver))
	}
	if len(c.QueueHostPorts) > 0 && c.EventsTopic == "" {
		errs = append(errs, errors.New("EVENTS_TOPIC is required when QUEUE_HOST_PORTS is set"))
	}
	if c.ExpireMargin < 0 {
		errs = append(errs, errors.New("EXPIRE_MARGIN must not be negative"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Dispatch returns the dispatcher settings for workers.
func (c Config) Dispatch() mq.DispatchOptions {
	return mq.DispatchOptions{
		PollInterval:   c.PollInterval,
		ExpireInterval: c.ExpireInterval,
		ExpireMargin:   c.ExpireMargin,
		MinPriority:    c.MinPriority,
		Blocking:       true,
	}
}
