package config

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ecociel/docmq/lib/mq"
	"github.com/ecociel/docmq/lib/store/memory"
	redisstore "github.com/ecociel/docmq/lib/store/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverMemory, cfg.StoreDriver)
	assert.Equal(t, "@every 30s", cfg.SweepSchedule)
	assert.Equal(t, 30*time.Second, cfg.ExpireMargin)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Empty(t, cfg.QueueHostPorts)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("DOCMQ_STORE_DRIVER", "redis")
	t.Setenv("DOCMQ_REDIS_ADDR", "cache:6379")
	t.Setenv("DOCMQ_SWEEP_QUEUES", "mail,sms")
	t.Setenv("DOCMQ_EXPIRE_MARGIN", "5s")
	t.Setenv("DOCMQ_QUEUE_HOST_PORTS", "k1:9092,k2:9092")
	t.Setenv("DOCMQ_WORKER_ID", "w-7")
	t.Setenv("DOCMQ_QUEUE", "mail")
	t.Setenv("DOCMQ_MIN_PRIORITY", "2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverRedis, cfg.StoreDriver)
	assert.Equal(t, "cache:6379", cfg.RedisAddr)
	assert.Equal(t, []string{"mail", "sms"}, cfg.SweepQueues)
	assert.Equal(t, 5*time.Second, cfg.ExpireMargin)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.QueueHostPorts)
	assert.Equal(t, "w-7", cfg.WorkerId)
	assert.Equal(t, "mail", cfg.Queue)

	d := cfg.Dispatch()
	assert.Equal(t, 2, d.MinPriority)
	assert.True(t, d.Blocking)
	assert.Equal(t, 5*time.Second, d.ExpireMargin)
}

func TestValidate(t *testing.T) {
	valid := Config{StoreDriver: DriverMemory, PollInterval: time.Second}
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"memory", func(c *Config) {}, false},
		{"postgres without uri", func(c *Config) { c.StoreDriver = DriverPostgres }, true},
		{"postgres with uri", func(c *Config) {
			c.StoreDriver = DriverPostgres
			c.DbConnectionUri = "postgres://localhost/docmq"
		}, false},
		{"unknown driver", func(c *Config) { c.StoreDriver = "mongo" }, true},
		{"brokers without topic", func(c *Config) { c.QueueHostPorts = []string{"k:9092"} }, true},
		{"negative margin", func(c *Config) { c.ExpireMargin = -time.Second }, true},
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoad_InvalidDriver(t *testing.T) {
	t.Setenv("DOCMQ_STORE_DRIVER", "mongo")
	_, err := Load()
	assert.Error(t, err)
}

func TestOpenStore_Memory(t *testing.T) {
	s, closeFn, err := OpenStore(context.Background(), Config{StoreDriver: DriverMemory})
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &memory.Store{}, s)
}

func TestOpenStore_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	s, closeFn, err := OpenStore(context.Background(), Config{
		StoreDriver: DriverRedis,
		RedisAddr:   mr.Addr(),
		RedisPrefix: "test",
	})
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &redisstore.Store{}, s)
}

func TestOpenStore_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, _, err := OpenStore(context.Background(), Config{StoreDriver: DriverRedis, RedisAddr: addr})
	assert.Error(t, err)
}

func TestOpenDB_WiresMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	db, closeFn, err := OpenDB(context.Background(), Config{StoreDriver: DriverMemory}, reg)
	require.NoError(t, err)
	defer closeFn()

	task := &mq.Task{Queue: "jobs", Data: []byte(`{}`), TTL: time.Minute}
	require.NoError(t, task.Create(context.Background(), db))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "docmq_tasks_created_total")
}
