package domain

import (
	"encoding"
	"time"
)

type TaskKind string

const (
	KindSingle TaskKind = "single"
	KindBatch  TaskKind = "batch"
)

// AllKinds lists every task kind a worker can execute.
func AllKinds() []TaskKind { return []TaskKind{KindSingle, KindBatch} }

type TaskStatus string

const (
	StatusPending    TaskStatus = "PENDING"
	StatusInProgress TaskStatus = "IN_PROGRESS"
	StatusCompleted  TaskStatus = "COMPLETED"
	StatusFailed     TaskStatus = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type TaskLocation string

const (
	LocationPending    TaskLocation = "PENDING_LIST"
	LocationDelayed    TaskLocation = "DELAYED_ZSET"
	LocationInProgress TaskLocation = "INPROG_SET"
	LocationDLQ        TaskLocation = "DLQ_LIST"
	LocationNone       TaskLocation = "NONE"
)

type Task struct {
	ID    string   `json:"id"`
	Kind  TaskKind `json:"kind"`
	Total int      `json:"total"`
	// Filenames mirrors the document order so pollers can label results without loading blobs.
	Filenames []string `json:"filenames,omitempty"`
	Webhook   string   `json:"webhook,omitempty"`
	// TraceParent/TraceState carry the W3C trace context of the submitting request to the worker.
	TraceParent       string       `json:"traceParent,omitempty"`
	TraceState        string       `json:"traceState,omitempty"`
	Status            TaskStatus   `json:"status"`
	LastKnownLocation TaskLocation `json:"lastKnownLocation,omitempty"`
	WorkerID          string       `json:"workerId,omitempty"`
	LeaseUntil        string       `json:"leaseUntil,omitempty"` // RFC3339
	Attempts          int          `json:"attempts,omitempty"`
	MaxAttempts       int          `json:"maxAttempts,omitempty"`
	Error             string       `json:"error,omitempty"`
	ResultKey         string       `json:"resultKey,omitempty"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

// Document is one uploaded file. Data travels through the broker separately from the task JSON.
type Document struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType,omitempty"`
	Data        []byte `json:"data"`
}

var (
	_ encoding.BinaryMarshaler = TaskKind("")
	_ encoding.TextMarshaler   = TaskKind("")
	_ encoding.BinaryMarshaler = TaskStatus("")
	_ encoding.TextMarshaler   = TaskStatus("")
)

func (k TaskKind) MarshalBinary() ([]byte, error) { return []byte(string(k)), nil }
func (k TaskKind) MarshalText() ([]byte, error)   { return []byte(string(k)), nil }

func (s TaskStatus) MarshalBinary() ([]byte, error) { return []byte(string(s)), nil }
func (s TaskStatus) MarshalText() ([]byte, error)   { return []byte(string(s)), nil }

// ParseTaskKind accepts the lower-case wire names.
func ParseTaskKind(s string) (TaskKind, bool) {
	switch TaskKind(s) {
	case KindSingle, KindBatch:
		return TaskKind(s), true
	}
	return "", false
}
