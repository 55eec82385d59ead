// Package redis stores task documents in Redis hashes. Each queue keeps one
// set of task ids per status, and the Lua scripts below make create-if-absent
// and the versioned update/delete atomic.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/ecociel/docmq/lib/domain"
	"github.com/ecociel/docmq/lib/store"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const DefaultPrefix = "docmq"

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'doc', ARGV[1], 'version', 1, 'status', ARGV[2])
redis.call('SADD', KEYS[2], ARGV[3])
return 1
`)

// The index keys of a queue are passed as KEYS[2..4] in the order of
// domain.AllStatuses, with the matching status names as the last ARGV.
var updateScript = redis.NewScript(`
local function idx(st)
  for i = 0, 2 do
    if ARGV[5 + i] == st then
      return KEYS[2 + i]
    end
  end
  error('unknown status ' .. tostring(st))
end
local cur = redis.call('HGET', KEYS[1], 'version')
if not cur then
  return -1
end
if cur ~= ARGV[1] then
  return 0
end
local old = redis.call('HGET', KEYS[1], 'status')
local from = idx(old)
local to = idx(ARGV[3])
local nv = tonumber(cur) + 1
redis.call('HSET', KEYS[1], 'doc', ARGV[2], 'version', nv, 'status', ARGV[3])
if from ~= to then
  redis.call('SREM', from, ARGV[4])
  redis.call('SADD', to, ARGV[4])
end
return nv
`)

var deleteScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if not cur then
  return -1
end
if ARGV[1] ~= '0' and cur ~= ARGV[1] then
  return 0
end
local st = redis.call('HGET', KEYS[1], 'status')
redis.call('DEL', KEYS[1])
for i = 0, 2 do
  if ARGV[3 + i] == st then
    redis.call('SREM', KEYS[2 + i], ARGV[2])
  end
end
return 1
`)

type Store struct {
	client redis.UniversalClient
	prefix string
}

// New returns a store on client. A cluster client works as well: every key of
// a queue carries the queue name as hash tag, so a script only touches one
// slot.
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) taskKey(queue, id string) string {
	return s.prefix + ":task:{" + queue + "}:" + id
}

func (s *Store) indexKey(queue string, st domain.Status) string {
	return s.prefix + ":idx:{" + queue + "}:" + string(st)
}

// scriptKeys returns the task key followed by every index key of queue.
func (s *Store) scriptKeys(queue, id string) []string {
	keys := []string{s.taskKey(queue, id)}
	for _, st := range domain.AllStatuses {
		keys = append(keys, s.indexKey(queue, st))
	}
	return keys
}

func statusArgs(args ...any) []any {
	for _, st := range domain.AllStatuses {
		args = append(args, string(st))
	}
	return args
}

func (s *Store) queueKey(name string) string {
	return s.prefix + ":queue:" + name
}

func (s *Store) queuesKey() string {
	return s.prefix + ":queues"
}

func (s *Store) Create(ctx context.Context, doc *domain.Document) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("serialize task %s/%s: %w", doc.Queue, doc.ID, err)
	}
	keys := []string{s.taskKey(doc.Queue, doc.ID), s.indexKey(doc.Queue, doc.Status)}
	ok, err := createScript.Run(ctx, s.client, keys, raw, string(doc.Status), doc.ID).Int64()
	if err != nil {
		return fmt.Errorf("insert task %s/%s: %w", doc.Queue, doc.ID, err)
	}
	if ok == 0 {
		return fmt.Errorf("insert task %s/%s: %w", doc.Queue, doc.ID, store.ErrExists)
	}
	doc.Version = 1
	return nil
}

func (s *Store) Get(ctx context.Context, queue, id string) (domain.Document, error) {
	vals, err := s.client.HMGet(ctx, s.taskKey(queue, id), "doc", "version", "status").Result()
	if err != nil {
		return domain.Document{}, fmt.Errorf("get task %s/%s: %w", queue, id, err)
	}
	doc, ok, err := decode(vals)
	if err != nil {
		return domain.Document{}, fmt.Errorf("decode task %s/%s: %w", queue, id, err)
	}
	if !ok {
		return domain.Document{}, fmt.Errorf("get task %s/%s: %w", queue, id, store.ErrNotFound)
	}
	return doc, nil
}

func (s *Store) Update(ctx context.Context, doc *domain.Document, expected int64) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("serialize task %s/%s: %w", doc.Queue, doc.ID, err)
	}
	res, err := updateScript.Run(ctx, s.client, s.scriptKeys(doc.Queue, doc.ID),
		statusArgs(strconv.FormatInt(expected, 10), raw, string(doc.Status), doc.ID)...).Int64()
	if err != nil {
		return fmt.Errorf("update task %s/%s: %w", doc.Queue, doc.ID, err)
	}
	switch res {
	case -1:
		return fmt.Errorf("update task %s/%s: %w", doc.Queue, doc.ID, store.ErrNotFound)
	case 0:
		return fmt.Errorf("update task %s/%s at version %d: %w", doc.Queue, doc.ID, expected, store.ErrConflict)
	}
	doc.Version = res
	return nil
}

func (s *Store) Delete(ctx context.Context, queue, id string, expected int64) error {
	res, err := deleteScript.Run(ctx, s.client, s.scriptKeys(queue, id),
		statusArgs(strconv.FormatInt(expected, 10), id)...).Int64()
	if err != nil {
		return fmt.Errorf("delete task %s/%s: %w", queue, id, err)
	}
	switch res {
	case -1:
		return fmt.Errorf("delete task %s/%s: %w", queue, id, store.ErrNotFound)
	case 0:
		return fmt.Errorf("delete task %s/%s at version %d: %w", queue, id, expected, store.ErrConflict)
	}
	return nil
}

// Find loads every document of the selected partitions and filters them in
// process, so it costs one round trip per partition plus one pipeline.
func (s *Store) Find(ctx context.Context, q store.Query) ([]domain.Document, error) {
	statuses := domain.AllStatuses
	if q.Status != "" {
		statuses = []domain.Status{q.Status}
	}
	var ids []string
	for _, st := range statuses {
		members, err := s.client.SMembers(ctx, s.indexKey(q.Queue, st)).Result()
		if err != nil {
			return nil, fmt.Errorf("list %s tasks of %s: %w", st, q.Queue, err)
		}
		ids = append(ids, members...)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HMGet(ctx, s.taskKey(q.Queue, id), "doc", "version", "status")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load tasks of %s: %w", q.Queue, err)
	}

	docs := make([]domain.Document, 0, len(ids))
	for i, cmd := range cmds {
		doc, ok, err := decode(cmd.Val())
		if err != nil {
			return nil, fmt.Errorf("decode task %s/%s: %w", q.Queue, ids[i], err)
		}
		// deleted between SMEMBERS and HMGET
		if !ok {
			continue
		}
		docs = append(docs, doc)
	}
	return store.Apply(q, docs), nil
}

func decode(vals []any) (domain.Document, bool, error) {
	if len(vals) != 3 || vals[0] == nil {
		return domain.Document{}, false, nil
	}
	raw, _ := vals[0].(string)
	var doc domain.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return domain.Document{}, false, err
	}
	if v, ok := vals[1].(string); ok {
		version, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return domain.Document{}, false, fmt.Errorf("parse version %q: %w", v, err)
		}
		doc.Version = version
	}
	if st, ok := vals[2].(string); ok {
		doc.Status = domain.Status(st)
	}
	return doc, true, nil
}

func (s *Store) PutQueue(ctx context.Context, q domain.Queue) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.queueKey(q.Name), "created", q.Created.UTC().Format(time.RFC3339Nano))
	pipe.SAdd(ctx, s.queuesKey(), q.Name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert queue %s: %w", q.Name, err)
	}
	return nil
}

func (s *Store) GetQueue(ctx context.Context, name string) (domain.Queue, error) {
	created, err := s.client.HGet(ctx, s.queueKey(name), "created").Result()
	if errors.Is(err, redis.Nil) {
		return domain.Queue{}, fmt.Errorf("get queue %s: %w", name, store.ErrNotFound)
	}
	if err != nil {
		return domain.Queue{}, fmt.Errorf("get queue %s: %w", name, err)
	}
	return parseQueue(name, created)
}

func (s *Store) DeleteQueue(ctx context.Context, name string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.queueKey(name))
	pipe.SRem(ctx, s.queuesKey(), name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete queue %s: %w", name, err)
	}
	return nil
}

func (s *Store) Queues(ctx context.Context) ([]domain.Queue, error) {
	names, err := s.client.SMembers(ctx, s.queuesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	sort.Strings(names)

	queues := make([]domain.Queue, 0, len(names))
	for _, name := range names {
		q, err := s.GetQueue(ctx, name)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		queues = append(queues, q)
	}
	return queues, nil
}

func parseQueue(name, created string) (domain.Queue, error) {
	t, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return domain.Queue{}, fmt.Errorf("parse created of queue %s: %w", name, err)
	}
	return domain.Queue{Name: name, Created: t.UTC()}, nil
}
