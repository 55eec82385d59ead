// Package memory keeps queues and task documents in process memory.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ecociel/docmq/lib/domain"
	"github.com/ecociel/docmq/lib/store"
	"github.com/google/uuid"
)

type Store struct {
	mu     sync.Mutex
	queues map[string]domain.Queue
	tasks  map[string]map[string]domain.Document
}

func New() *Store {
	return &Store{
		queues: make(map[string]domain.Queue),
		tasks:  make(map[string]map[string]domain.Document),
	}
}

func (s *Store) Create(ctx context.Context, doc *domain.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	part, ok := s.tasks[doc.Queue]
	if !ok {
		part = make(map[string]domain.Document)
		s.tasks[doc.Queue] = part
	}
	if _, ok := part[doc.ID]; ok {
		return fmt.Errorf("create %s/%s: %w", doc.Queue, doc.ID, store.ErrExists)
	}
	doc.Version = 1
	part[doc.ID] = doc.Clone()
	return nil
}

func (s *Store) Get(ctx context.Context, queue, id string) (domain.Document, error) {
	if err := ctx.Err(); err != nil {
		return domain.Document{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.tasks[queue][id]
	if !ok {
		return domain.Document{}, fmt.Errorf("get %s/%s: %w", queue, id, store.ErrNotFound)
	}
	return doc.Clone(), nil
}

func (s *Store) Update(ctx context.Context, doc *domain.Document, expected int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.tasks[doc.Queue][doc.ID]
	if !ok {
		return fmt.Errorf("update %s/%s: %w", doc.Queue, doc.ID, store.ErrNotFound)
	}
	if cur.Version != expected {
		return fmt.Errorf("update %s/%s at version %d (have %d): %w", doc.Queue, doc.ID, expected, cur.Version, store.ErrConflict)
	}
	doc.Version = cur.Version + 1
	s.tasks[doc.Queue][doc.ID] = doc.Clone()
	return nil
}

func (s *Store) Delete(ctx context.Context, queue, id string, expected int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.tasks[queue][id]
	if !ok {
		return fmt.Errorf("delete %s/%s: %w", queue, id, store.ErrNotFound)
	}
	if expected != 0 && cur.Version != expected {
		return fmt.Errorf("delete %s/%s at version %d (have %d): %w", queue, id, expected, cur.Version, store.ErrConflict)
	}
	delete(s.tasks[queue], id)
	return nil
}

func (s *Store) Find(ctx context.Context, q store.Query) ([]domain.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	docs := make([]domain.Document, 0, len(s.tasks[q.Queue]))
	for _, doc := range s.tasks[q.Queue] {
		docs = append(docs, doc.Clone())
	}
	s.mu.Unlock()

	return store.Apply(q, docs), nil
}

func (s *Store) PutQueue(ctx context.Context, q domain.Queue) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.queues[q.Name] = q
	s.mu.Unlock()
	return nil
}

func (s *Store) GetQueue(ctx context.Context, name string) (domain.Queue, error) {
	if err := ctx.Err(); err != nil {
		return domain.Queue{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[name]
	if !ok {
		return domain.Queue{}, fmt.Errorf("get queue %s: %w", name, store.ErrNotFound)
	}
	return q, nil
}

func (s *Store) DeleteQueue(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.queues, name)
	if len(s.tasks[name]) == 0 {
		delete(s.tasks, name)
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) Queues(ctx context.Context) ([]domain.Queue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]domain.Queue, 0, len(s.queues))
	for _, q := range s.queues {
		out = append(out, q)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
