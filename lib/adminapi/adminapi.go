// Package adminapi exposes queues over HTTP: operator endpoints (status, dump,
// expire, delete, retry) and the worker protocol (claim, complete, error,
// extend) for workers that do not talk to the store directly.
package adminapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/ecociel/docmq/lib/domain"
	"github.com/ecociel/docmq/lib/mq"
	"github.com/ecociel/docmq/lib/store"
	restful "github.com/emicklei/go-restful/v3"
	"github.com/emicklei/go-restful/v3/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// errNotHolder is returned when a worker acts on a task assigned to someone
// else.
var errNotHolder = fmt.Errorf("task is assigned to another worker: %w", mq.ErrStale)

var errBadRequest = errors.New("bad request")

// maxTTLSeconds is the largest lease a time.Duration can hold.
const maxTTLSeconds = float64(math.MaxInt64 / int64(time.Second))

type API struct {
	db *mq.DB
}

func New(db *mq.DB) *API {
	return &API{db: db}
}

// Container returns the HTTP handler with the queue routes and, when g is not
// nil, /metrics.
func (a *API) Container(g prometheus.Gatherer) *restful.Container {
	c := restful.NewContainer()
	c.Add(a.WebService())
	if g != nil {
		c.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	}
	return c
}

func (a *API) WebService() *restful.WebService {
	ws := new(restful.WebService)
	ws.Path("/queues").Produces(restful.MIME_JSON)

	queue := ws.PathParameter("queue", "queue name")
	id := ws.PathParameter("id", "task id")

	ws.Route(ws.GET("").To(a.listQueues).
		Doc("list queues"))
	ws.Route(ws.PUT("/{queue}").To(a.createQueue).
		Doc("create a queue").Param(queue))
	ws.Route(ws.DELETE("/{queue}").To(a.deleteQueue).
		Doc("delete a queue and all of its tasks").Param(queue).
		Param(ws.QueryParameter("batch", "documents read per round").DataType("integer")))
	ws.Route(ws.GET("/{queue}/status").To(a.status).
		Doc("task counts per partition").Param(queue))
	ws.Route(ws.GET("/{queue}/dump").To(a.dump).
		Doc("snapshot of every task").Param(queue))
	ws.Route(ws.POST("/{queue}/expire").To(a.expire).
		Doc("requeue tasks whose lease ran out").Param(queue).
		Param(ws.QueryParameter("margin", "grace period, e.g. 30s")))

	ws.Route(ws.POST("/{queue}/tasks").To(a.createTask).
		Consumes(restful.MIME_JSON).Reads(createTaskRequest{}).
		Doc("enqueue a task").Param(queue))
	ws.Route(ws.GET("/{queue}/tasks/{id}").To(a.getTask).
		Doc("look up a task").Param(queue).Param(id))
	ws.Route(ws.POST("/{queue}/tasks/{id}/retry").To(a.retryTask).
		Doc("move an errored task back to unassigned").Param(queue).Param(id))

	ws.Route(ws.POST("/{queue}/claim").To(a.claim).
		Consumes(restful.MIME_JSON).Reads(claimRequest{}).
		Doc("claim the next task, 204 when there is none").Param(queue))
	ws.Route(ws.POST("/{queue}/tasks/{id}/complete").To(a.complete).
		Consumes(restful.MIME_JSON).Reads(workerRequest{}).
		Doc("finish a claimed task").Param(queue).Param(id))
	ws.Route(ws.POST("/{queue}/tasks/{id}/error").To(a.fail).
		Consumes(restful.MIME_JSON).Reads(workerRequest{}).
		Doc("report a claimed task as failed").Param(queue).Param(id))
	ws.Route(ws.POST("/{queue}/tasks/{id}/extend").To(a.extend).
		Consumes(restful.MIME_JSON).Reads(workerRequest{}).
		Doc("renew the lease of a claimed task").Param(queue).Param(id))
	return ws
}

type queueView struct {
	Name    string    `json:"name"`
	Created time.Time `json:"created"`
}

type taskView struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Status     domain.Status   `json:"status"`
	Data       json.RawMessage `json:"data"`
	TTLSeconds float64         `json:"ttl_seconds"`
	Deadline   *time.Time      `json:"deadline,omitempty"`
	AssignedTo string          `json:"assigned_to,omitempty"`
	Priority   int             `json:"priority"`
	Created    time.Time       `json:"created"`
	Diagnostic string          `json:"diagnostic,omitempty"`
	Version    int64           `json:"version"`
}

func toView(t *mq.Task) taskView {
	v := taskView{
		ID:         t.ID,
		Queue:      t.Queue,
		Status:     t.Status(),
		Data:       t.Data,
		TTLSeconds: t.TTL.Seconds(),
		AssignedTo: t.AssignedTo,
		Priority:   t.Priority,
		Created:    t.Created,
		Diagnostic: t.Diagnostic,
		Version:    t.Version(),
	}
	if !t.Deadline.IsZero() {
		d := t.Deadline
		v.Deadline = &d
	}
	return v
}

type createTaskRequest struct {
	ID         string          `json:"id,omitempty"`
	Data       json.RawMessage `json:"data"`
	TTLSeconds float64         `json:"ttl_seconds"`
	Deadline   *time.Time      `json:"deadline,omitempty"`
	Priority   int             `json:"priority"`
}

type claimRequest struct {
	Worker      string `json:"worker"`
	MinPriority int    `json:"min_priority"`
}

type workerRequest struct {
	Worker  string `json:"worker"`
	Message string `json:"message,omitempty"`
}

type expireResponse struct {
	Requeued int `json:"requeued"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *API) listQueues(req *restful.Request, resp *restful.Response) {
	queues, err := mq.Queues(req.Request.Context(), a.db)
	if err != nil {
		writeError(resp, err)
		return
	}
	out := make([]queueView, 0, len(queues))
	for _, q := range queues {
		out = append(out, queueView{Name: q.Name, Created: q.Created})
	}
	_ = resp.WriteEntity(out)
}

func (a *API) createQueue(req *restful.Request, resp *restful.Response) {
	q := mq.NewQueue(req.PathParameter("queue"))
	if err := q.Create(req.Request.Context(), a.db); err != nil {
		writeError(resp, err)
		return
	}
	_ = resp.WriteHeaderAndEntity(http.StatusCreated, queueView{Name: q.Name, Created: q.Created})
}

func (a *API) deleteQueue(req *restful.Request, resp *restful.Response) {
	batch := 0
	if s := req.QueryParameter("batch"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(resp, fmt.Errorf("batch must be a positive integer: %w", errBadRequest))
			return
		}
		batch = n
	}
	if err := mq.NewQueue(req.PathParameter("queue")).Delete(req.Request.Context(), a.db, batch); err != nil {
		writeError(resp, err)
		return
	}
	resp.WriteHeader(http.StatusNoContent)
}

func (a *API) status(req *restful.Request, resp *restful.Response) {
	st, err := mq.NewQueue(req.PathParameter("queue")).Status(req.Request.Context(), a.db)
	if err != nil {
		writeError(resp, err)
		return
	}
	_ = resp.WriteEntity(st)
}

func (a *API) dump(req *restful.Request, resp *restful.Response) {
	d, err := mq.NewQueue(req.PathParameter("queue")).Dump(req.Request.Context(), a.db)
	if err != nil {
		writeError(resp, err)
		return
	}
	_ = resp.WriteEntity(d)
}

func (a *API) expire(req *restful.Request, resp *restful.Response) {
	margin := mq.DefaultExpireMargin
	if s := req.QueryParameter("margin"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			writeError(resp, fmt.Errorf("margin: %v: %w", err, errBadRequest))
			return
		}
		margin = d
	}
	n, err := mq.NewQueue(req.PathParameter("queue")).ExpireTTL(req.Request.Context(), a.db, margin)
	if err != nil {
		writeError(resp, err)
		return
	}
	_ = resp.WriteEntity(expireResponse{Requeued: n})
}

func (a *API) createTask(req *restful.Request, resp *restful.Response) {
	var body createTaskRequest
	if err := req.ReadEntity(&body); err != nil {
		writeError(resp, fmt.Errorf("read task: %v: %w", err, errBadRequest))
		return
	}
	if len(body.Data) == 0 {
		writeError(resp, fmt.Errorf("data is required: %w", errBadRequest))
		return
	}
	if body.TTLSeconds < 0 {
		writeError(resp, fmt.Errorf("ttl_seconds must not be negative: %w", errBadRequest))
		return
	}
	if body.TTLSeconds > maxTTLSeconds {
		writeError(resp, fmt.Errorf("ttl_seconds must not exceed %.0f: %w", maxTTLSeconds, errBadRequest))
		return
	}

	t := &mq.Task{
		ID:       body.ID,
		Data:     body.Data,
		TTL:      time.Duration(body.TTLSeconds * float64(time.Second)),
		Priority: body.Priority,
	}
	if body.Deadline != nil {
		t.Deadline = body.Deadline.UTC()
	}
	if err := mq.NewQueue(req.PathParameter("queue")).Push(req.Request.Context(), a.db, t); err != nil {
		writeError(resp, err)
		return
	}
	_ = resp.WriteHeaderAndEntity(http.StatusCreated, toView(t))
}

func (a *API) getTask(req *restful.Request, resp *restful.Response) {
	t, err := mq.NewQueue(req.PathParameter("queue")).Task(req.Request.Context(), a.db, req.PathParameter("id"))
	if err != nil {
		writeError(resp, err)
		return
	}
	_ = resp.WriteEntity(toView(t))
}

func (a *API) retryTask(req *restful.Request, resp *restful.Response) {
	t, err := mq.NewQueue(req.PathParameter("queue")).Retry(req.Request.Context(), a.db, req.PathParameter("id"))
	if err != nil {
		writeError(resp, err)
		return
	}
	_ = resp.WriteEntity(toView(t))
}

func (a *API) claim(req *restful.Request, resp *restful.Response) {
	var body claimRequest
	if err := req.ReadEntity(&body); err != nil {
		writeError(resp, fmt.Errorf("read claim: %v: %w", err, errBadRequest))
		return
	}
	if body.Worker == "" {
		writeError(resp, fmt.Errorf("worker is required: %w", errBadRequest))
		return
	}
	t, err := mq.NextTask(req.Request.Context(), a.db, req.PathParameter("queue"), body.Worker, mq.DispatchOptions{
		MinPriority: body.MinPriority,
	})
	if err != nil {
		writeError(resp, err)
		return
	}
	if t == nil {
		resp.WriteHeader(http.StatusNoContent)
		return
	}
	_ = resp.WriteEntity(toView(t))
}

func (a *API) complete(req *restful.Request, resp *restful.Response) {
	a.held(req, resp, func(t *mq.Task, body workerRequest) error {
		return t.Complete(req.Request.Context(), a.db)
	}, http.StatusNoContent)
}

func (a *API) fail(req *restful.Request, resp *restful.Response) {
	a.held(req, resp, func(t *mq.Task, body workerRequest) error {
		return t.Error(req.Request.Context(), a.db, body.Message)
	}, http.StatusOK)
}

func (a *API) extend(req *restful.Request, resp *restful.Response) {
	a.held(req, resp, func(t *mq.Task, body workerRequest) error {
		return t.Extend(req.Request.Context(), a.db)
	}, http.StatusOK)
}

// held loads the task named in the path, checks that the calling worker holds
// it and applies op. On success the task is written back unless status is
// 204.
func (a *API) held(req *restful.Request, resp *restful.Response, op func(*mq.Task, workerRequest) error, status int) {
	var body workerRequest
	if err := req.ReadEntity(&body); err != nil {
		writeError(resp, fmt.Errorf("read request: %v: %w", err, errBadRequest))
		return
	}
	if body.Worker == "" {
		writeError(resp, fmt.Errorf("worker is required: %w", errBadRequest))
		return
	}
	t, err := mq.NewQueue(req.PathParameter("queue")).Task(req.Request.Context(), a.db, req.PathParameter("id"))
	if err != nil {
		writeError(resp, err)
		return
	}
	if t.Status() == domain.StatusAssigned && t.AssignedTo != body.Worker {
		writeError(resp, errNotHolder)
		return
	}
	if err := op(t, body); err != nil {
		writeError(resp, err)
		return
	}
	if status == http.StatusNoContent {
		resp.WriteHeader(status)
		return
	}
	_ = resp.WriteHeaderAndEntity(status, toView(t))
}

func writeError(resp *restful.Response, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		log.Printf("admin api: %v", err)
	}
	_ = resp.WriteHeaderAndEntity(status, errorResponse{Error: err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, mq.ErrLeaseExpired):
		return http.StatusGone
	case errors.Is(err, mq.ErrStale),
		errors.Is(err, mq.ErrInvalidTransition),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
