package domain

import (
	"encoding/json"
	"time"
)

// Header names carried on every published lifecycle record.
const HeaderKind = "kind"
const HeaderQueue = "queue"
const HeaderID = "id"

// Status is the partition a task document currently lives in.
// Completed tasks have no status, they are deleted.
type Status string

const (
	StatusUnassigned Status = "unassigned"
	StatusAssigned   Status = "assigned"
	StatusErrored    Status = "errored"
)

func (s Status) String() string {
	return string(s)
}

// AllStatuses lists the partitions of a queue in the order they are reported.
var AllStatuses = []Status{
	StatusUnassigned,
	StatusAssigned,
	StatusErrored,
}

type Transition struct {
	From Status
	To   Status
}

var ValidTransitions = []Transition{
	{From: StatusUnassigned, To: StatusAssigned},
	{From: StatusAssigned, To: StatusUnassigned},
	{From: StatusAssigned, To: StatusErrored},
	{From: StatusUnassigned, To: StatusErrored},
	{From: StatusErrored, To: StatusUnassigned},
}

func IsValidTransition(from, to Status) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// Document is the stored representation of a task. It is keyed by (Queue, ID)
// and every write to it is conditional on Version.
type Document struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Status     Status          `json:"status"`
	Data       json.RawMessage `json:"data,omitempty"`
	TTL        time.Duration   `json:"ttl"`
	Deadline   time.Time       `json:"deadline,omitzero"`
	AssignedTo string          `json:"assigned_to,omitempty"`
	Priority   int             `json:"priority"`
	Created    time.Time       `json:"created"`
	Diagnostic string          `json:"diagnostic,omitempty"`
	Version    int64           `json:"version"`
}

// Clone returns a copy that shares no memory with d.
func (d Document) Clone() Document {
	if d.Data != nil {
		d.Data = append(json.RawMessage(nil), d.Data...)
	}
	return d
}

type Queue struct {
	Name    string    `json:"name"`
	Created time.Time `json:"created"`
}

type EventKind string

const (
	EventCreated   EventKind = "created"
	EventAssigned  EventKind = "assigned"
	EventCompleted EventKind = "completed"
	EventErrored   EventKind = "errored"
	EventRequeued  EventKind = "requeued"
	EventRetried   EventKind = "retried"
	EventExtended  EventKind = "extended"
)

// Event describes one task transition.
type Event struct {
	Kind       EventKind `json:"kind"`
	Queue      string    `json:"queue"`
	TaskID     string    `json:"task_id"`
	Worker     string    `json:"worker,omitempty"`
	Priority   int       `json:"priority"`
	Deadline   time.Time `json:"deadline,omitzero"`
	Diagnostic string    `json:"diagnostic,omitempty"`
	At         time.Time `json:"at"`
}
