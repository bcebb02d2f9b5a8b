package store

import "time"

// Task statuses. Revision increases monotonically on rework; DONE and FAILED
// are terminal within a supervisor round.
const (
	StatusPending            = "PENDING"
	StatusAssigned           = "ASSIGNED"
	StatusInProgress         = "IN_PROGRESS"
	StatusSubmitted          = "SUBMITTED"
	StatusAccepted           = "ACCEPTED"
	StatusRejected           = "REJECTED"
	StatusRework             = "REWORK"
	StatusNeedsClarification = "NEEDS_CLARIFICATION"
	StatusDone               = "DONE"
	StatusFailed             = "FAILED"
)

// terminalStatuses are excluded by activeOnly listings.
var terminalStatuses = []string{StatusDone, StatusFailed}

// Task is one coordinator task row.
type Task struct {
	TaskID           string    `db:"task_id" json:"task_id"`
	ParentTaskID     *string   `db:"parent_task_id" json:"parent_task_id,omitempty"`
	Namespace        string    `db:"namespace" json:"namespace"`
	SessionID        string    `db:"session_id" json:"session_id"`
	AgentID          string    `db:"agent_id" json:"agent_id"`
	Revision         int       `db:"revision" json:"revision"`
	Status           string    `db:"status" json:"status"`
	SpecJSON         string    `db:"spec_json" json:"spec_json"`
	ResultJSON       *string   `db:"result_json" json:"result_json,omitempty"`
	VerificationJSON *string   `db:"verification_json" json:"verification_json,omitempty"`
	Attempts         int       `db:"attempts" json:"attempts"`
	LastError        *string   `db:"last_error" json:"last_error,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// Terminal reports whether the task is in a final state.
func (t *Task) Terminal() bool {
	return t.Status == StatusDone || t.Status == StatusFailed
}

// Message roles.
const (
	RoleSupervisor = "supervisor"
	RoleDelegate   = "delegate"
	RoleSystem     = "system"
)

// TaskMessage is one append-only history entry for a task.
type TaskMessage struct {
	ID        string    `db:"id" json:"id"`
	TaskID    string    `db:"task_id" json:"task_id"`
	Namespace string    `db:"namespace" json:"namespace"`
	SessionID string    `db:"session_id" json:"session_id"`
	Role      string    `db:"role" json:"role"`
	Kind      *string   `db:"kind" json:"kind,omitempty"`
	Payload   string    `db:"payload" json:"payload"`
	TS        time.Time `db:"ts" json:"ts"`
}

// ThreadRecord maps a user/agent pair to its vendor thread id and working
// directory, surviving restarts.
type ThreadRecord struct {
	RecordKey string    `db:"record_key" json:"record_key"`
	ThreadID  string    `db:"thread_id" json:"thread_id"`
	Cwd       string    `db:"cwd" json:"cwd"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
