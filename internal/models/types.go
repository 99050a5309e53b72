// Package models defines the core entities shared across the orchestrator:
// subtasks, agents, workflows, execution results and their status enums.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskType classifies the kind of work a subtask represents.
type TaskType string

const (
	TaskTypeResearch   TaskType = "RESEARCH"
	TaskTypeAnalysis   TaskType = "ANALYSIS"
	TaskTypeCreation   TaskType = "CREATION"
	TaskTypeValidation TaskType = "VALIDATION"
)

// Valid reports whether the task type is a recognized value.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeResearch, TaskTypeAnalysis, TaskTypeCreation, TaskTypeValidation:
		return true
	}
	return false
}

// Priority orders subtasks for assignment and scheduling.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Rank returns a numeric ordering where higher means more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// SubtaskStatus tracks a subtask through its lifecycle.
// Transitions only along PENDING -> ASSIGNED -> IN_PROGRESS -> {COMPLETED, FAILED, CANCELLED}.
type SubtaskStatus string

const (
	SubtaskPending    SubtaskStatus = "PENDING"
	SubtaskAssigned   SubtaskStatus = "ASSIGNED"
	SubtaskInProgress SubtaskStatus = "IN_PROGRESS"
	SubtaskCompleted  SubtaskStatus = "COMPLETED"
	SubtaskFailed     SubtaskStatus = "FAILED"
	SubtaskCancelled  SubtaskStatus = "CANCELLED"
)

// Terminal reports whether the status is a final state.
func (s SubtaskStatus) Terminal() bool {
	switch s {
	case SubtaskCompleted, SubtaskFailed, SubtaskCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal lifecycle step.
func (s SubtaskStatus) CanTransition(next SubtaskStatus) bool {
	switch s {
	case SubtaskPending:
		return next == SubtaskAssigned || next == SubtaskCancelled
	case SubtaskAssigned:
		return next == SubtaskInProgress || next == SubtaskCancelled
	case SubtaskInProgress:
		return next == SubtaskCompleted || next == SubtaskFailed || next == SubtaskCancelled
	default:
		return false
	}
}

// DependencyKind distinguishes hard ordering constraints from advisory ones.
type DependencyKind string

const (
	// DependencyBlocking requires the target to reach a terminal state before
	// the dependent may start.
	DependencyBlocking DependencyKind = "BLOCKING"
	// DependencySoft is advisory ordering only; the planner may break soft
	// edges to resolve cycles.
	DependencySoft DependencyKind = "SOFT"
)

// DependencyEdge is a reference to another subtask by id. Dependencies are
// stored as edges keyed by id rather than object pointers so the graph never
// holds cyclic references.
type DependencyEdge struct {
	TargetID string         `json:"target_id"`
	Kind     DependencyKind `json:"kind"`
}

// ValidationRuleKind enumerates the validator rule families.
type ValidationRuleKind string

const (
	RuleSchema   ValidationRuleKind = "SCHEMA"
	RuleRegex    ValidationRuleKind = "REGEX"
	RuleSemantic ValidationRuleKind = "SEMANTIC"
	RuleCustom   ValidationRuleKind = "CUSTOM"
)

// ValidationRule is a single configured check applied to agent output.
type ValidationRule struct {
	Kind     ValidationRuleKind `json:"kind"`
	Name     string             `json:"name"`
	Config   json.RawMessage    `json:"config,omitempty"`
	Weight   float64            `json:"weight"`
	Required bool               `json:"required"`
}

// ValidationConfig carries the rules and thresholds for one subtask.
type ValidationConfig struct {
	Rules          []ValidationRule `json:"rules,omitempty"`
	MinThreshold   float64          `json:"min_threshold"`
	HaltThreshold  float64          `json:"halt_threshold"`
	RetryOnFailure bool             `json:"retry_on_failure"`
}

// SubtaskMetadata is the closed set of recognized per-subtask options, with an
// explicit escape hatch for opaque user JSON.
type SubtaskMetadata struct {
	Multipass     bool              `json:"multipass,omitempty"`
	ModelOverride string            `json:"model_override,omitempty"`
	Validation    *ValidationConfig `json:"validation,omitempty"`
	Extra         json.RawMessage   `json:"extra,omitempty"`
}

// Subtask is the atomic unit of agent work within a workflow.
type Subtask struct {
	ID               string           `json:"id"`
	WorkflowID       string           `json:"workflow_id"`
	Title            string           `json:"title"`
	Description      string           `json:"description"`
	Type             TaskType         `json:"type"`
	Priority         Priority         `json:"priority"`
	Status           SubtaskStatus    `json:"status"`
	Dependencies     []DependencyEdge `json:"dependencies,omitempty"`
	AssignedAgentID  string           `json:"assigned_agent_id,omitempty"`
	EstimatedMinutes float64          `json:"estimated_minutes,omitempty"`
	Metadata         SubtaskMetadata  `json:"metadata"`
	Result           *SubtaskResult   `json:"result,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// BlockingDeps returns the ids of all BLOCKING predecessors.
func (s *Subtask) BlockingDeps() []string {
	var out []string
	for _, d := range s.Dependencies {
		if d.Kind == DependencyBlocking {
			out = append(out, d.TargetID)
		}
	}
	return out
}

// ProficiencyLevel grades an agent capability.
type ProficiencyLevel string

const (
	ProficiencyBeginner     ProficiencyLevel = "BEGINNER"
	ProficiencyIntermediate ProficiencyLevel = "INTERMEDIATE"
	ProficiencyAdvanced     ProficiencyLevel = "ADVANCED"
	ProficiencyExpert       ProficiencyLevel = "EXPERT"
)

// Score maps a proficiency level onto the 0-100 matcher scale.
func (p ProficiencyLevel) Score() float64 {
	switch p {
	case ProficiencyBeginner:
		return 40
	case ProficiencyIntermediate:
		return 60
	case ProficiencyAdvanced:
		return 80
	case ProficiencyExpert:
		return 100
	default:
		return 0
	}
}

// Capability is one category an agent can handle, with a proficiency grade.
type Capability struct {
	Category    TaskType         `json:"category"`
	Proficiency ProficiencyLevel `json:"proficiency"`
}

// PerformanceMetrics are rolling per-agent statistics used by the matcher.
type PerformanceMetrics struct {
	AvgCompletionMinutes float64 `json:"avg_completion_minutes"`
	SuccessRate          float64 `json:"success_rate"`
	QualityScore         float64 `json:"quality_score"`
}

// Agent describes an AI agent endpoint the dispatcher can call.
type Agent struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	Capabilities   []Capability       `json:"capabilities"`
	Available      bool               `json:"available"`
	CostPerMinute  *float64           `json:"cost_per_minute,omitempty"`
	MaxConcurrency int                `json:"max_concurrency,omitempty"`
	Model          string             `json:"model,omitempty"`
	Performance    PerformanceMetrics `json:"performance"`
}

// HasCapability reports whether the agent lists the given category.
func (a *Agent) HasCapability(category TaskType) bool {
	for _, c := range a.Capabilities {
		if c.Category == category {
			return true
		}
	}
	return false
}

// WorkflowStatus is the top-level status of an orchestrated request.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "PENDING"
	WorkflowRunning   WorkflowStatus = "RUNNING"
	WorkflowCompleted WorkflowStatus = "COMPLETED"
	WorkflowFailed    WorkflowStatus = "FAILED"
	WorkflowHalted    WorkflowStatus = "HALTED"
	WorkflowPaused    WorkflowStatus = "PAUSED"
)

// Workflow is the top-level orchestrated request from prompt to final document.
type Workflow struct {
	ID        string         `json:"id"`
	Prompt    string         `json:"prompt"`
	Subtasks  []*Subtask     `json:"subtasks"`
	Status    WorkflowStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}

// SubtaskByID returns the subtask with the given id, or nil.
func (w *Workflow) SubtaskByID(id string) *Subtask {
	for _, st := range w.Subtasks {
		if st.ID == id {
			return st
		}
	}
	return nil
}

// NewID returns a collision-resistant identifier. UUIDv4 rather than anything
// time- or rand-seeded so that ids are safe to use as store keys.
func NewID() string {
	return uuid.NewString()
}

// NewSubtask constructs a subtask with generated id and PENDING status.
func NewSubtask(workflowID, title, description string, typ TaskType, prio Priority) *Subtask {
	return &Subtask{
		ID:          NewID(),
		WorkflowID:  workflowID,
		Title:       title,
		Description: description,
		Type:        typ,
		Priority:    prio,
		Status:      SubtaskPending,
		CreatedAt:   time.Now().UTC(),
	}
}

// NewWorkflow constructs an empty workflow in PENDING status.
func NewWorkflow(prompt string) *Workflow {
	return &Workflow{
		ID:        NewID(),
		Prompt:    prompt,
		Status:    WorkflowPending,
		CreatedAt: time.Now().UTC(),
	}
}

// String implements fmt.Stringer for log readability.
func (s *Subtask) String() string {
	return fmt.Sprintf("%s[%s/%s %s]", s.ID, s.Type, s.Priority, s.Status)
}
