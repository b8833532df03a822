package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/queryweave/queryweave/capability"
	"github.com/queryweave/queryweave/common/logger"
	"github.com/queryweave/queryweave/metrics"
)

// Workflow drives jobs through generate, approve, execute. Every data
// access passes the human approval gate: APPROVED is only reachable from
// PENDING_APPROVAL, and execute refuses anything not APPROVED.
type Workflow struct {
	store         *Store
	generator     capability.SQLGeneration
	executor      capability.SQLExecution
	schemaContext string
	target        string
	newID         func() string
}

// New wires the workflow with its store and capabilities.
func New(store *Store, generator capability.SQLGeneration, executor capability.SQLExecution, schemaContext, target string) *Workflow {
	return &Workflow{
		store:         store,
		generator:     generator,
		executor:      executor,
		schemaContext: schemaContext,
		target:        target,
		newID:         func() string { return ulid.Make().String() },
	}
}

// Create generates SQL for the query and records a DRAFTED job. On a
// generation error the job is FAILED immediately: nothing nonexistent
// needs approval. The job record is returned in both cases.
func (w *Workflow) Create(ctx context.Context, sourceQuery, actor string) (*Job, error) {
	now := time.Now()
	job := &Job{
		ID:          w.newID(),
		SourceQuery: sourceQuery,
		Target:      w.target,
		State:       StateDrafted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	sqlText, genErr := w.generator.Generate(ctx, sourceQuery, w.schemaContext)
	job.SQL = strings.TrimSpace(sqlText)
	if err := w.store.Create(ctx, job); err != nil {
		return nil, err
	}
	metrics.IncWorkflowTransition(string(StateDrafted))

	if genErr != nil {
		werr := &GenerationError{Err: genErr}
		msg := werr.Error()
		if err := w.store.Transition(ctx, job.ID, job.Version, StateDrafted, StateFailed, "system", "generation error", update{Error: &msg}); err != nil {
			return nil, err
		}
		metrics.IncWorkflowTransition(string(StateFailed))
		logger.Warnf("workflow: job %s failed at generation: %v", job.ID, genErr)
		return w.store.Get(ctx, job.ID)
	}
	logger.Infof("workflow: job %s drafted for query %q", job.ID, sourceQuery)
	return job, genErr
}

// Submit moves a DRAFTED job to PENDING_APPROVAL after checking that the
// generated SQL is non-empty and plausible. It never executes anything.
func (w *Workflow) Submit(ctx context.Context, jobID, actor string) (*Job, error) {
	job, err := w.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !legal(job.State, StatePendingApproval) {
		return job, fmt.Errorf("%w: cannot submit job %s in state %s", ErrInvalidTransition, jobID, job.State)
	}
	if !plausibleSQL(job.SQL) {
		msg := "generated SQL is empty or implausible"
		if err := w.store.Transition(ctx, jobID, job.Version, StateDrafted, StateFailed, actor, "submit precondition failed", update{Error: &msg}); err != nil {
			return nil, err
		}
		metrics.IncWorkflowTransition(string(StateFailed))
		return w.store.Get(ctx, jobID)
	}
	if err := w.store.Transition(ctx, jobID, job.Version, StateDrafted, StatePendingApproval, actor, "submitted for approval", update{}); err != nil {
		return nil, err
	}
	metrics.IncWorkflowTransition(string(StatePendingApproval))
	return w.store.Get(ctx, jobID)
}

// Approve moves a PENDING_APPROVAL job to APPROVED.
func (w *Workflow) Approve(ctx context.Context, jobID, actor string) (*Job, error) {
	return w.gate(ctx, jobID, actor, StateApproved, "approved")
}

// Reject is terminal.
func (w *Workflow) Reject(ctx context.Context, jobID, actor string) (*Job, error) {
	return w.gate(ctx, jobID, actor, StateRejected, "rejected")
}

func (w *Workflow) gate(ctx context.Context, jobID, actor string, to State, note string) (*Job, error) {
	job, err := w.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !legal(job.State, to) {
		return job, fmt.Errorf("%w: cannot move job %s from %s to %s", ErrInvalidTransition, jobID, job.State, to)
	}
	if err := w.store.Transition(ctx, jobID, job.Version, StatePendingApproval, to, actor, note, update{}); err != nil {
		return nil, err
	}
	metrics.IncWorkflowTransition(string(to))
	logger.Infof("workflow: job %s %s by %s", jobID, note, actor)
	return w.store.Get(ctx, jobID)
}

// Execute runs an APPROVED job exactly once. Success stores the result;
// failure records the error and moves to FAILED. A retry is an explicit
// new job, never an automatic re-run.
func (w *Workflow) Execute(ctx context.Context, jobID, actor string) (*Job, error) {
	job, err := w.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !legal(job.State, StateExecuted) {
		return job, fmt.Errorf("%w: cannot execute job %s in state %s", ErrInvalidTransition, jobID, job.State)
	}

	result, execErr := w.executor.Execute(ctx, job.SQL)
	if execErr != nil {
		werr := &ExecutionError{Err: execErr}
		msg := werr.Error()
		if err := w.store.Transition(ctx, jobID, job.Version, StateApproved, StateFailed, actor, "execution error", update{Error: &msg}); err != nil {
			return nil, err
		}
		metrics.IncWorkflowTransition(string(StateFailed))
		logger.Warnf("workflow: job %s failed at execution: %v", jobID, execErr)
		refreshed, getErr := w.store.Get(ctx, jobID)
		if getErr != nil {
			return nil, getErr
		}
		return refreshed, werr
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	resultJSON := string(payload)
	if err := w.store.Transition(ctx, jobID, job.Version, StateApproved, StateExecuted, actor, "executed", update{ResultJSON: &resultJSON}); err != nil {
		return nil, err
	}
	metrics.IncWorkflowTransition(string(StateExecuted))
	logger.Infof("workflow: job %s executed (%d rows)", jobID, len(result.Rows))
	return w.store.Get(ctx, jobID)
}

// Get loads a job.
func (w *Workflow) Get(ctx context.Context, jobID string) (*Job, error) {
	return w.store.Get(ctx, jobID)
}

// Audit returns a job's ordered transition history.
func (w *Workflow) Audit(ctx context.Context, jobID string) ([]Transition, error) {
	return w.store.Transitions(ctx, jobID)
}

// LatestExecuted returns the newest executed job for a source query, if any.
func (w *Workflow) LatestExecuted(ctx context.Context, sourceQuery string) (*Job, error) {
	return w.store.LatestExecutedBySource(ctx, sourceQuery)
}

// Result decodes a job's stored result set.
func (j *Job) Result() (*capability.ResultSet, error) {
	if j.ResultJSON == "" {
		return nil, nil
	}
	var rs capability.ResultSet
	if err := json.Unmarshal([]byte(j.ResultJSON), &rs); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return &rs, nil
}

// plausibleSQL is a cheap shape check, not validation: it gates the
// approval queue against empty or obviously non-SQL drafts without
// executing anything.
func plausibleSQL(s string) bool {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return false
	}
	for _, kw := range []string{"select", "with", "insert", "update", "delete", "create", "pragma"} {
		if strings.HasPrefix(s, kw+" ") || s == kw {
			return true
		}
	}
	return false
}
