package workflow

import (
	"errors"
	"fmt"
	"time"
)

// State is a SQL job's position in the approval workflow.
type State string

const (
	StateDrafted         State = "DRAFTED"
	StatePendingApproval State = "PENDING_APPROVAL"
	StateApproved        State = "APPROVED"
	StateExecuted        State = "EXECUTED"
	StateRejected        State = "REJECTED"
	StateFailed          State = "FAILED"
)

// transitions is the legal state graph. No state is revisited once left;
// EXECUTED, REJECTED and FAILED are terminal. APPROVED is reachable only
// through PENDING_APPROVAL, which is the human checkpoint before any data
// access.
var transitions = map[State][]State{
	StateDrafted:         {StatePendingApproval, StateFailed},
	StatePendingApproval: {StateApproved, StateRejected, StateFailed},
	StateApproved:        {StateExecuted, StateFailed},
}

func legal(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a state admits no further transitions.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job transition")
	// ErrConflict means another actor transitioned the job concurrently;
	// the caller should refresh and retry.
	ErrConflict = errors.New("job state changed, refresh and retry")
)

// GenerationError is fatal to the owning job: it moves to FAILED without
// ever reaching approval.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string { return fmt.Sprintf("sql generation failed: %v", e.Err) }
func (e *GenerationError) Unwrap() error { return e.Err }

// ExecutionError is fatal to the owning job. Execution is never retried
// automatically; a retry must be an explicit new job.
type ExecutionError struct {
	Err error
}

func (e *ExecutionError) Error() string { return fmt.Sprintf("sql execution failed: %v", e.Err) }
func (e *ExecutionError) Unwrap() error { return e.Err }

// Job is one generate-approve-execute unit. Retained for audit after
// reaching a terminal state until externally purged.
type Job struct {
	ID          string    `json:"id"`
	SourceQuery string    `json:"source_query"`
	SQL         string    `json:"sql"`
	Target      string    `json:"target,omitempty"`
	State       State     `json:"state"`
	Version     int64     `json:"version"`
	Error       string    `json:"error,omitempty"`
	ResultJSON  string    `json:"result_json,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Transition is one audit record. Records for a job form an ordered
// sequence by Seq.
type Transition struct {
	JobID string    `json:"job_id"`
	Seq   int       `json:"seq"`
	From  State     `json:"from"`
	To    State     `json:"to"`
	Actor string    `json:"actor"`
	Note  string    `json:"note,omitempty"`
	At    time.Time `json:"at"`
}
