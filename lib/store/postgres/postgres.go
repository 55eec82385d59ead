// Package postgres stores task documents in a single Postgres table. The
// partition of a task is its status column and every transition is an
// UPDATE guarded by the row version.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ecociel/docmq/lib/domain"
	"github.com/ecociel/docmq/lib/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed schema.sql
var schema string

// DB is the subset of *pgxpool.Pool the repo uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repo struct {
	pool DB
}

func New(pool DB) *Repo {
	return &Repo{pool: pool}
}

// Migrate creates the tables and indexes if they do not exist.
func (repo *Repo) Migrate(ctx context.Context) error {
	if _, err := repo.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

const columns = `id, queue, status, data, ttl_ms, deadline, assigned_to, priority, created, diagnostic, version`

func (repo *Repo) Create(ctx context.Context, doc *domain.Document) error {
	const q = `
        INSERT INTO docmq_task
          (queue, id, status, data, ttl_ms, deadline, assigned_to, priority, created, diagnostic, version)
        VALUES
          ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1)
        ON CONFLICT (queue, id) DO NOTHING
        `
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	ct, err := repo.pool.Exec(ctx, q, doc.Queue, doc.ID, string(doc.Status), jsonArg(doc.Data),
		doc.TTL.Milliseconds(), timeArg(doc.Deadline), stringArg(doc.AssignedTo), doc.Priority,
		doc.Created, stringArg(doc.Diagnostic))
	if err != nil {
		return fmt.Errorf("insert task %s/%s: %w", doc.Queue, doc.ID, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("insert task %s/%s: %w", doc.Queue, doc.ID, store.ErrExists)
	}
	doc.Version = 1
	return nil
}

func (repo *Repo) Get(ctx context.Context, queue, id string) (domain.Document, error) {
	q := `SELECT ` + columns + ` FROM docmq_task WHERE queue = $1 AND id = $2`
	doc, err := scanDocument(repo.pool.QueryRow(ctx, q, queue, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Document{}, fmt.Errorf("get task %s/%s: %w", queue, id, store.ErrNotFound)
	}
	if err != nil {
		return domain.Document{}, fmt.Errorf("get task %s/%s: %w", queue, id, err)
	}
	return doc, nil
}

func (repo *Repo) Update(ctx context.Context, doc *domain.Document, expected int64) error {
	const q = `
      UPDATE docmq_task
      SET status = $3, data = $4, ttl_ms = $5, deadline = $6, assigned_to = $7,
          priority = $8, created = $9, diagnostic = $10, version = version + 1
      WHERE queue = $1 AND id = $2 AND version = $11
      RETURNING version`
	var version int64
	err := repo.pool.QueryRow(ctx, q, doc.Queue, doc.ID, string(doc.Status), jsonArg(doc.Data),
		doc.TTL.Milliseconds(), timeArg(doc.Deadline), stringArg(doc.AssignedTo), doc.Priority,
		doc.Created, stringArg(doc.Diagnostic), expected).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return repo.missOrConflict(ctx, "update", doc.Queue, doc.ID)
	}
	if err != nil {
		return fmt.Errorf("update task %s/%s: %w", doc.Queue, doc.ID, err)
	}
	doc.Version = version
	return nil
}

func (repo *Repo) Delete(ctx context.Context, queue, id string, expected int64) error {
	const q = `
      DELETE FROM docmq_task
      WHERE queue = $1 AND id = $2 AND ($3::bigint = 0 OR version = $3)`
	ct, err := repo.pool.Exec(ctx, q, queue, id, expected)
	if err != nil {
		return fmt.Errorf("delete task %s/%s: %w", queue, id, err)
	}
	if ct.RowsAffected() == 0 {
		return repo.missOrConflict(ctx, "delete", queue, id)
	}
	return nil
}

// missOrConflict tells apart a guarded write that matched nothing because the
// row is gone from one that lost the version race.
func (repo *Repo) missOrConflict(ctx context.Context, op, queue, id string) error {
	const q = `SELECT version FROM docmq_task WHERE queue = $1 AND id = $2`
	var version int64
	err := repo.pool.QueryRow(ctx, q, queue, id).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s task %s/%s: %w", op, queue, id, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("%s task %s/%s: %w", op, queue, id, err)
	}
	return fmt.Errorf("%s task %s/%s (now at version %d): %w", op, queue, id, version, store.ErrConflict)
}

func (repo *Repo) Find(ctx context.Context, query store.Query) ([]domain.Document, error) {
	q, args := buildFind(query)
	rows, err := repo.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks of %s: %w", query.Queue, err)
	}
	defer rows.Close()

	var docs []domain.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task of %s: %w", query.Queue, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows tasks of %s: %w", query.Queue, err)
	}
	return docs, nil
}

func buildFind(query store.Query) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT ` + columns + ` FROM docmq_task WHERE queue = $1`)
	args := []any{query.Queue}

	next := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if query.Status != "" {
		b.WriteString(` AND status = ` + next(string(query.Status)))
	}
	if query.MinPriority != nil {
		b.WriteString(` AND priority >= ` + next(*query.MinPriority))
	}
	if !query.DeadlineBefore.IsZero() {
		b.WriteString(` AND deadline IS NOT NULL AND deadline < ` + next(query.DeadlineBefore))
	}
	switch query.Order {
	case store.OrderDispatch:
		b.WriteString(` ORDER BY priority DESC, created, id`)
	case store.OrderDeadline:
		b.WriteString(` ORDER BY deadline, id`)
	}
	if query.Limit > 0 {
		b.WriteString(` LIMIT ` + next(query.Limit))
	}
	return b.String(), args
}

func scanDocument(row pgx.Row) (domain.Document, error) {
	var (
		doc        domain.Document
		status     string
		data       []byte
		ttlMs      int64
		deadline   *time.Time
		assignedTo *string
		diagnostic *string
	)
	err := row.Scan(&doc.ID, &doc.Queue, &status, &data, &ttlMs, &deadline, &assignedTo,
		&doc.Priority, &doc.Created, &diagnostic, &doc.Version)
	if err != nil {
		return domain.Document{}, err
	}
	doc.Status = domain.Status(status)
	doc.Data = data
	doc.TTL = time.Duration(ttlMs) * time.Millisecond
	doc.Created = doc.Created.UTC()
	if deadline != nil {
		doc.Deadline = deadline.UTC()
	}
	if assignedTo != nil {
		doc.AssignedTo = *assignedTo
	}
	if diagnostic != nil {
		doc.Diagnostic = *diagnostic
	}
	return doc, nil
}

func (repo *Repo) PutQueue(ctx context.Context, queue domain.Queue) error {
	const q = `
        INSERT INTO docmq_queue (name, created)
        VALUES ($1, $2)
        ON CONFLICT (name) DO UPDATE SET created = EXCLUDED.created`
	if _, err := repo.pool.Exec(ctx, q, queue.Name, queue.Created); err != nil {
		return fmt.Errorf("upsert queue %s: %w", queue.Name, err)
	}
	return nil
}

func (repo *Repo) GetQueue(ctx context.Context, name string) (domain.Queue, error) {
	const q = `SELECT name, created FROM docmq_queue WHERE name = $1`
	var queue domain.Queue
	err := repo.pool.QueryRow(ctx, q, name).Scan(&queue.Name, &queue.Created)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Queue{}, fmt.Errorf("get queue %s: %w", name, store.ErrNotFound)
	}
	if err != nil {
		return domain.Queue{}, fmt.Errorf("get queue %s: %w", name, err)
	}
	queue.Created = queue.Created.UTC()
	return queue, nil
}

func (repo *Repo) DeleteQueue(ctx context.Context, name string) error {
	const q = `DELETE FROM docmq_queue WHERE name = $1`
	if _, err := repo.pool.Exec(ctx, q, name); err != nil {
		return fmt.Errorf("delete queue %s: %w", name, err)
	}
	return nil
}

func (repo *Repo) Queues(ctx context.Context) ([]domain.Queue, error) {
	const q = `SELECT name, created FROM docmq_queue ORDER BY name`
	rows, err := repo.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query queues: %w", err)
	}
	defer rows.Close()

	var queues []domain.Queue
	for rows.Next() {
		var queue domain.Queue
		if err := rows.Scan(&queue.Name, &queue.Created); err != nil {
			return nil, fmt.Errorf("scan queue: %w", err)
		}
		queue.Created = queue.Created.UTC()
		queues = append(queues, queue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows queues: %w", err)
	}
	return queues, nil
}

func jsonArg(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}

func timeArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func stringArg(s string) any {
	if s == "" {
		return nil
	}
	return s
}
