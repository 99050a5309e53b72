package state

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/conductor-dev/conductor/internal/metrics"
	"github.com/conductor-dev/conductor/internal/models"
)

// Recovery strategies, in decreasing preference.
const (
	StrategyResume  = "resume"
	StrategyPartial = "partial"
	StrategyRestart = "restart"
)

// RecoveryPlan classifies every subtask in the latest snapshot and names the
// overall strategy for resuming the workflow.
type RecoveryPlan struct {
	WorkflowID string    `json:"workflow_id"`
	SnapshotID string    `json:"snapshot_id"`
	Strategy   string    `json:"strategy"`
	Resume     []string  `json:"resume,omitempty"`
	Restart    []string  `json:"restart,omitempty"`
	Skip       []string  `json:"skip,omitempty"`
	PlannedAt  time.Time `json:"planned_at"`
}

// AnalyzeRecoveryOptions inspects the latest snapshot and classifies each
// subtask: completed work is skipped, recently running work resumed, stale or
// retriable failures restarted, exhausted failures skipped.
func (m *Manager) AnalyzeRecoveryOptions(ctx context.Context, workflowID string, subtaskIDs []string) (*RecoveryPlan, error) {
	snap, err := m.store.Latest(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	st := snap.State
	recoveryTimeout := time.Duration(m.cfg.RecoveryTimeoutMs) * time.Millisecond
	now := time.Now()

	plan := &RecoveryPlan{
		WorkflowID: workflowID,
		SnapshotID: snap.ID,
		PlannedAt:  now.UTC(),
	}

	ids := append([]string(nil), subtaskIDs...)
	sort.Strings(ids)

	for _, id := range ids {
		switch {
		case st.Completed[id]:
			plan.Skip = append(plan.Skip, id)
		case st.Running[id]:
			last := time.UnixMilli(st.LastAttempt[id])
			if now.Sub(last) < recoveryTimeout {
				plan.Resume = append(plan.Resume, id)
			} else {
				plan.Restart = append(plan.Restart, id)
			}
		case st.Failed[id]:
			if st.RetryCounts[id] < 3 {
				plan.Restart = append(plan.Restart, id)
			} else {
				plan.Skip = append(plan.Skip, id)
			}
		default:
			plan.Restart = append(plan.Restart, id)
		}
	}

	// Any fresh in-flight work makes the plan a resume: the cheapest path is
	// picking those subtasks back up, whatever else needs restarting.
	total := len(ids)
	switch {
	case len(plan.Resume) > 0:
		plan.Strategy = StrategyResume
	case total > 0 && float64(len(plan.Skip))/float64(total) < 0.5:
		plan.Strategy = StrategyPartial
	default:
		plan.Strategy = StrategyRestart
	}

	m.logger.Info("Recovery plan built",
		zap.String("workflow_id", workflowID),
		zap.String("strategy", plan.Strategy),
		zap.Int("resume", len(plan.Resume)),
		zap.Int("restart", len(plan.Restart)),
		zap.Int("skip", len(plan.Skip)),
	)
	return plan, nil
}

// ExecuteRecovery loads the snapshotted state, applies the plan and returns
// the state ready to run: restarted subtasks return to pending, the workflow
// goes back to RUNNING, and a synthetic recovery entry lands in the error log.
// A fresh snapshot is taken so the recovery itself is recorded.
func (m *Manager) ExecuteRecovery(ctx context.Context, plan *RecoveryPlan) (*models.ExecutionState, error) {
	snap, err := m.store.Latest(ctx, plan.WorkflowID)
	if err != nil {
		return nil, err
	}
	st := snap.State.Clone()

	for _, id := range plan.Restart {
		if st.Running[id] {
			delete(st.Running, id)
			st.Progress.InProgress--
		}
		if st.Failed[id] {
			delete(st.Failed, id)
			st.Progress.Failed--
		}
	}

	st.Status = models.WorkflowRunning
	st.EndedAt = time.Time{}
	st.HaltReason = ""
	st.AppendError(models.ErrKindRecovery,
		fmt.Sprintf("recovered with strategy %s: %d resume, %d restart, %d skip",
			plan.Strategy, len(plan.Resume), len(plan.Restart), len(plan.Skip)),
		"", "")

	cp := snap.Checkpoint
	if err := m.Take(ctx, plan.WorkflowID, func() (*models.ExecutionState, Checkpoint) {
		return st, cp
	}, "recovery"); err != nil {
		return nil, models.WrapError(models.ErrKindRecovery, err)
	}

	metrics.RecoveriesExecuted.WithLabelValues(plan.Strategy).Inc()
	m.logger.Info("Recovery executed",
		zap.String("workflow_id", plan.WorkflowID),
		zap.String("strategy", plan.Strategy),
	)
	return st, nil
}
