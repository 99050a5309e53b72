package models

import "time"

// Progress counts subtask outcomes for one workflow execution.
// Invariant: Completed + Failed + InProgress <= Total.
type Progress struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	InProgress int `json:"in_progress"`
}

// ErrorEntry is one line of the execution error log.
type ErrorEntry struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	SubtaskID string    `json:"subtask_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ExecutionState is the mutable workflow-level execution record. A subtask id
// appears in at most one of Running/Completed/Failed at any instant.
type ExecutionState struct {
	WorkflowID  string           `json:"workflow_id"`
	Status      WorkflowStatus   `json:"status"`
	StartedAt   time.Time        `json:"started_at"`
	EndedAt     time.Time        `json:"ended_at,omitempty"`
	Running     map[string]bool  `json:"running"`
	Completed   map[string]bool  `json:"completed"`
	Failed      map[string]bool  `json:"failed"`
	RetryCounts map[string]int   `json:"retry_counts"`
	LastAttempt map[string]int64 `json:"last_attempt"` // unix millis per subtask
	Errors      []ErrorEntry     `json:"errors,omitempty"`
	Progress    Progress         `json:"progress"`
	HaltReason  string           `json:"halt_reason,omitempty"`
}

// NewExecutionState initializes an execution record for a workflow.
func NewExecutionState(workflowID string, total int) *ExecutionState {
	return &ExecutionState{
		WorkflowID:  workflowID,
		Status:      WorkflowPending,
		Running:     make(map[string]bool),
		Completed:   make(map[string]bool),
		Failed:      make(map[string]bool),
		RetryCounts: make(map[string]int),
		LastAttempt: make(map[string]int64),
		Progress:    Progress{Total: total},
	}
}

// MarkRunning moves a subtask into the running set, clearing it from the
// terminal sets so the exclusivity invariant holds.
func (e *ExecutionState) MarkRunning(subtaskID string) {
	delete(e.Completed, subtaskID)
	delete(e.Failed, subtaskID)
	if !e.Running[subtaskID] {
		e.Running[subtaskID] = true
		e.Progress.InProgress++
	}
	e.LastAttempt[subtaskID] = time.Now().UnixMilli()
}

// MarkCompleted moves a subtask from running to completed.
func (e *ExecutionState) MarkCompleted(subtaskID string) {
	if e.Running[subtaskID] {
		delete(e.Running, subtaskID)
		e.Progress.InProgress--
	}
	delete(e.Failed, subtaskID)
	if !e.Completed[subtaskID] {
		e.Completed[subtaskID] = true
		e.Progress.Completed++
	}
}

// MarkFailed moves a subtask from running to failed.
func (e *ExecutionState) MarkFailed(subtaskID string) {
	if e.Running[subtaskID] {
		delete(e.Running, subtaskID)
		e.Progress.InProgress--
	}
	delete(e.Completed, subtaskID)
	if !e.Failed[subtaskID] {
		e.Failed[subtaskID] = true
		e.Progress.Failed++
	}
}

// AppendError records an entry in the execution error log.
func (e *ExecutionState) AppendError(kind ErrorKind, msg, subtaskID, agentID string) {
	e.Errors = append(e.Errors, ErrorEntry{
		Kind:      kind,
		Message:   msg,
		SubtaskID: subtaskID,
		AgentID:   agentID,
		Timestamp: time.Now().UTC(),
	})
}

// FailureRatio returns failed count over total (0 when total is 0).
func (e *ExecutionState) FailureRatio() float64 {
	if e.Progress.Total == 0 {
		return 0
	}
	return float64(e.Progress.Failed) / float64(e.Progress.Total)
}

// Clone returns a deep copy safe to hand to observers.
func (e *ExecutionState) Clone() *ExecutionState {
	cp := *e
	cp.Running = cloneSet(e.Running)
	cp.Completed = cloneSet(e.Completed)
	cp.Failed = cloneSet(e.Failed)
	cp.RetryCounts = make(map[string]int, len(e.RetryCounts))
	for k, v := range e.RetryCounts {
		cp.RetryCounts[k] = v
	}
	cp.LastAttempt = make(map[string]int64, len(e.LastAttempt))
	for k, v := range e.LastAttempt {
		cp.LastAttempt[k] = v
	}
	cp.Errors = append([]ErrorEntry(nil), e.Errors...)
	return &cp
}

func cloneSet(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
