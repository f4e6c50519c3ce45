package domain

type ServerType string

const (
	ServerSimple      ServerType = "simple"
	ServerDistributed ServerType = "distributed"
)

type HealthResponse struct {
	Message string     `json:"message"`
	Type    ServerType `json:"type"`
	Workers *int       `json:"workers,omitempty"`
}

// PollState is the caller-facing status of a queued task.
type PollState string

const (
	PollProcessing PollState = "Processing"
	PollSuccess    PollState = "Success"
	PollFailed     PollState = "Failed"
	PollTimeout    PollState = "Timeout"
)

// TaskView is what the status poller reports for one task id.
type TaskView struct {
	TaskID   string            `json:"task_id"`
	Kind     TaskKind          `json:"kind,omitempty"`
	State    PollState         `json:"status"`
	Progress *ProgressSnapshot `json:"-"`
	Record   *ResultRecord     `json:"-"`
	Message  string            `json:"message,omitempty"`
}
