package domain

type QueueStats struct {
	Kind       TaskKind `json:"kind"`
	Ready      int64    `json:"ready"`
	Delayed    int64    `json:"delayed"`
	InProgress int64    `json:"inProgress"`
	DLQ        int64    `json:"dlq"`
}

// Pending counts tasks not yet claimed, including those waiting out a retry delay.
func (s QueueStats) Pending() int64 { return s.Ready + s.Delayed }

// QueueOverview is the admin view across every queue.
type QueueOverview struct {
	Queues  map[TaskKind]*QueueStats `json:"queues"`
	Workers int                      `json:"workers"`
	Backlog int64                    `json:"backlog"`
}
