// Package store persists subtask results, batch metadata and execution state.
// Two implementations exist: an in-memory store for tests and single-process
// runs, and a SQL store on sqlx supporting sqlite3 and postgres.
package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/conductor-dev/conductor/internal/config"
	"github.com/conductor-dev/conductor/internal/models"
)

// ResultStore is the persistence contract for orchestration output. Writers
// call SaveSubtaskResult once per attempt; ExecutionOrder is assigned by the
// store so it is globally monotonic, and the checksum is sealed at persist
// time if the caller left it empty.
type ResultStore interface {
	SaveSubtaskResult(ctx context.Context, r *models.SubtaskResult) error
	GetSubtaskResult(ctx context.Context, resultID string) (*models.SubtaskResult, error)
	GetResultsBySubtask(ctx context.Context, subtaskID string) ([]*models.SubtaskResult, error)
	GetResultsByBatch(ctx context.Context, batchID string) ([]*models.SubtaskResult, error)
	GetResultsByWorkflow(ctx context.Context, workflowID string) ([]*models.SubtaskResult, error)
	GetResultsByStatus(ctx context.Context, workflowID string, status models.SubtaskStatus) ([]*models.SubtaskResult, error)
	GetResultsByAgent(ctx context.Context, agentID string) ([]*models.SubtaskResult, error)
	GetResultsByDateRange(ctx context.Context, from, to time.Time) ([]*models.SubtaskResult, error)

	SaveBatchMeta(ctx context.Context, meta *models.BatchMeta) error
	GetBatchMeta(ctx context.Context, batchID string) (*models.BatchMeta, error)

	SaveExecutionState(ctx context.Context, state *models.ExecutionState) error
	GetExecutionState(ctx context.Context, workflowID string) (*models.ExecutionState, error)

	GetReintegrationData(ctx context.Context, workflowID string, subtasks []*models.Subtask) (*ReintegrationData, error)
	ValidateIntegrity(ctx context.Context, workflowID string, subtasks []*models.Subtask) (*IntegrityReport, error)

	Close() error
}

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = models.NewError(models.ErrKindSystem, "record not found")

// ReintegrationData is everything the reintegrator needs: the latest result
// per subtask in execution order, plus dependency execution levels.
type ReintegrationData struct {
	WorkflowID string                          `json:"workflow_id"`
	Results    []*models.SubtaskResult         `json:"results"`
	Levels     map[string]int                  `json:"levels"` // subtask id -> dependency depth
	Subtasks   map[string]*models.Subtask      `json:"subtasks"`
	State      *models.ExecutionState          `json:"state,omitempty"`
	ByStatus   map[models.SubtaskStatus]int    `json:"by_status"`
}

// IntegrityReport summarizes an integrity sweep over a workflow's results:
// checksum verification per result, plus presence of every blocking
// dependency the stored results rely on.
type IntegrityReport struct {
	WorkflowID  string   `json:"workflow_id"`
	Total       int      `json:"total"`
	Valid       int      `json:"valid"`
	Corrupted   []string `json:"corrupted,omitempty"`    // result ids failing verification
	MissingDeps []string `json:"missing_deps,omitempty"` // "subtask -> target" pairs with no stored result
}

// OK reports whether every result verified and every blocking dependency is
// backed by a stored result.
func (r *IntegrityReport) OK() bool {
	return len(r.Corrupted) == 0 && len(r.MissingDeps) == 0
}

// New builds the configured store backend.
func New(cfg config.StoreConfig, logger *zap.Logger) (ResultStore, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(logger), nil
	case "sqlite3", "postgres":
		return NewSQLStore(cfg.Backend, cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// executionLevels computes the dependency depth of each subtask: tasks with no
// BLOCKING predecessors sit at level 0, everything else at one past its
// deepest BLOCKING predecessor. Unknown or cyclic references are ignored so a
// malformed graph still yields usable levels.
func executionLevels(subtasks []*models.Subtask) map[string]int {
	byID := make(map[string]*models.Subtask, len(subtasks))
	for _, st := range subtasks {
		byID[st.ID] = st
	}

	levels := make(map[string]int, len(subtasks))
	visiting := make(map[string]bool)

	var depth func(id string) int
	depth = func(id string) int {
		if lvl, ok := levels[id]; ok {
			return lvl
		}
		if visiting[id] {
			return 0
		}
		visiting[id] = true
		defer delete(visiting, id)

		st := byID[id]
		max := -1
		for _, dep := range st.Dependencies {
			if dep.Kind != models.DependencyBlocking {
				continue
			}
			if _, ok := byID[dep.TargetID]; !ok {
				continue
			}
			if d := depth(dep.TargetID); d > max {
				max = d
			}
		}
		levels[id] = max + 1
		return levels[id]
	}

	for _, st := range subtasks {
		depth(st.ID)
	}
	return levels
}

// latestPerSubtask keeps the highest-ExecutionOrder result for each subtask,
// preserving execution order in the output.
func latestPerSubtask(results []*models.SubtaskResult) []*models.SubtaskResult {
	latest := make(map[string]*models.SubtaskResult, len(results))
	for _, r := range results {
		cur, ok := latest[r.SubtaskID]
		if !ok || r.ExecutionOrder > cur.ExecutionOrder {
			latest[r.SubtaskID] = r
		}
	}
	out := make([]*models.SubtaskResult, 0, len(latest))
	for _, r := range results {
		if latest[r.SubtaskID] == r {
			out = append(out, r)
		}
	}
	return out
}

// missingDependencies lists, for the latest result of each subtask, the
// blocking dependencies with no stored result of their own. Subtasks absent
// from the provided list are skipped.
func missingDependencies(results []*models.SubtaskResult, subtasks []*models.Subtask) []string {
	stored := make(map[string]bool, len(results))
	for _, r := range results {
		stored[r.SubtaskID] = true
	}
	byID := make(map[string]*models.Subtask, len(subtasks))
	for _, st := range subtasks {
		byID[st.ID] = st
	}

	var missing []string
	for _, r := range latestPerSubtask(results) {
		st := byID[r.SubtaskID]
		if st == nil {
			continue
		}
		for _, dep := range st.Dependencies {
			if dep.Kind != models.DependencyBlocking {
				continue
			}
			if !stored[dep.TargetID] {
				missing = append(missing, r.SubtaskID+" -> "+dep.TargetID)
			}
		}
	}
	return missing
}

func buildReintegrationData(workflowID string, results []*models.SubtaskResult, subtasks []*models.Subtask, state *models.ExecutionState) *ReintegrationData {
	data := &ReintegrationData{
		WorkflowID: workflowID,
		Results:    latestPerSubtask(results),
		Levels:     executionLevels(subtasks),
		Subtasks:   make(map[string]*models.Subtask, len(subtasks)),
		State:      state,
		ByStatus:   make(map[models.SubtaskStatus]int),
	}
	for _, st := range subtasks {
		data.Subtasks[st.ID] = st
	}
	for _, r := range data.Results {
		data.ByStatus[r.Status]++
	}
	return data
}
