// Package controller owns the workflow lifecycle: planning, batch-by-batch
// execution, pause/resume/halt signaling and terminal transitions. It is the
// only component that mutates workflow-level execution state.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/conductor-dev/conductor/internal/config"
	"github.com/conductor-dev/conductor/internal/dispatch"
	"github.com/conductor-dev/conductor/internal/events"
	"github.com/conductor-dev/conductor/internal/fallback"
	"github.com/conductor-dev/conductor/internal/matcher"
	"github.com/conductor-dev/conductor/internal/metrics"
	"github.com/conductor-dev/conductor/internal/models"
	"github.com/conductor-dev/conductor/internal/planner"
	"github.com/conductor-dev/conductor/internal/state"
	"github.com/conductor-dev/conductor/internal/store"
)

// Phase is the controller-level lifecycle state of one workflow execution.
type Phase string

const (
	PhaseDraft     Phase = "DRAFT"
	PhasePlanning  Phase = "PLANNING"
	PhaseExecuting Phase = "EXECUTING"
	PhasePaused    Phase = "PAUSED"
	PhaseCompleted Phase = "COMPLETED"
	PhaseFailed    Phase = "FAILED"
	PhaseHalted    Phase = "HALTED"
)

// execution is the controller's per-workflow bookkeeping. Mutated only under
// the controller mutex; the batch loop reads flags there and parks on wake.
type execution struct {
	workflow   *models.Workflow
	state      *models.ExecutionState
	phase      Phase
	paused     bool
	halted     bool
	batchIndex int

	// wake nudges a parked batch loop after a control change. haltCh closes
	// exactly once so in-flight waits unwind immediately.
	wake     chan struct{}
	haltCh   chan struct{}
	haltOnce sync.Once
}

// Controller drives workflow executions end to end.
type Controller struct {
	cfg      *config.Config
	plan     *planner.Planner
	match    *matcher.Matcher
	disp     *dispatch.Dispatcher
	health   *fallback.Manager
	results  store.ResultStore
	snaps    *state.Manager
	bus      *events.Bus
	logger   *zap.Logger

	mu    sync.Mutex
	execs map[string]*execution
}

// New wires a controller. health may be nil, in which case agent substitution
// is disabled regardless of configuration.
func New(cfg *config.Config, plan *planner.Planner, match *matcher.Matcher, disp *dispatch.Dispatcher, health *fallback.Manager, results store.ResultStore, snaps *state.Manager, bus *events.Bus, logger *zap.Logger) *Controller {
	return &Controller{
		cfg:     cfg,
		plan:    plan,
		match:   match,
		disp:    disp,
		health:  health,
		results: results,
		snaps:   snaps,
		bus:     bus,
		logger:  logger,
		execs:   make(map[string]*execution),
	}
}

// StartExecution runs the workflow to a terminal state and returns the final
// execution state. It blocks for the duration of the run; callers wanting
// background execution start it in a goroutine and observe via the event bus.
func (c *Controller) StartExecution(ctx context.Context, wf *models.Workflow, agents []*models.Agent) (*models.ExecutionState, error) {
	st := models.NewExecutionState(wf.ID, len(wf.Subtasks))
	e := c.register(wf, st)

	metrics.WorkflowsStarted.Inc()
	c.publish(events.Event{WorkflowID: wf.ID, Type: events.ExecutionStarted})

	return c.run(ctx, e, wf.Subtasks, agents)
}

// RecoverExecution rebuilds state from the latest snapshot and drives the
// unfinished subtasks to completion. Completed work is never re-executed.
func (c *Controller) RecoverExecution(ctx context.Context, wf *models.Workflow, agents []*models.Agent) (*models.ExecutionState, error) {
	ids := make([]string, len(wf.Subtasks))
	for i, s := range wf.Subtasks {
		ids[i] = s.ID
	}

	plan, err := c.snaps.AnalyzeRecoveryOptions(ctx, wf.ID, ids)
	if err != nil {
		return nil, err
	}
	st, err := c.snaps.ExecuteRecovery(ctx, plan)
	if err != nil {
		return nil, err
	}

	pendingIDs := make(map[string]bool, len(plan.Resume)+len(plan.Restart))
	for _, id := range plan.Resume {
		pendingIDs[id] = true
	}
	for _, id := range plan.Restart {
		pendingIDs[id] = true
	}
	var pending []*models.Subtask
	for _, s := range wf.Subtasks {
		if pendingIDs[s.ID] {
			pending = append(pending, s)
		}
	}

	e := c.register(wf, st)
	c.publish(events.Event{
		WorkflowID: wf.ID,
		Type:       events.ExecutionResumed,
		Message:    "recovered with strategy " + plan.Strategy,
	})

	return c.run(ctx, e, pending, agents)
}

// Pause gates the batch loop before the next batch. In-flight subtasks are
// left to finish.
func (c *Controller) Pause(workflowID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.execs[workflowID]
	if !ok {
		return models.NewError(models.ErrKindSystem, "unknown workflow "+workflowID)
	}
	if e.halted || e.phase != PhaseExecuting {
		return models.NewError(models.ErrKindSystem, fmt.Sprintf("cannot pause workflow in phase %s", e.phase))
	}
	e.paused = true
	e.phase = PhasePaused
	e.state.Status = models.WorkflowPaused
	c.publish(events.Event{WorkflowID: workflowID, Type: events.ExecutionPaused})
	return nil
}

// Resume releases a paused batch loop.
func (c *Controller) Resume(workflowID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.execs[workflowID]
	if !ok {
		return models.NewError(models.ErrKindSystem, "unknown workflow "+workflowID)
	}
	if !e.paused {
		return models.NewError(models.ErrKindSystem, "workflow not paused")
	}
	e.paused = false
	e.phase = PhaseExecuting
	e.state.Status = models.WorkflowRunning
	c.publish(events.Event{WorkflowID: workflowID, Type: events.ExecutionResumed})
	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

// Halt cancels all in-flight work, flushes a final snapshot and moves the
// workflow to HALTED. Idempotent.
func (c *Controller) Halt(workflowID, reason string) error {
	c.mu.Lock()
	e, ok := c.execs[workflowID]
	if !ok {
		c.mu.Unlock()
		return models.NewError(models.ErrKindSystem, "unknown workflow "+workflowID)
	}
	if e.halted {
		c.mu.Unlock()
		return nil
	}
	e.halted = true
	e.paused = false
	e.phase = PhaseHalted
	e.state.Status = models.WorkflowHalted
	e.state.HaltReason = reason
	e.state.EndedAt = time.Now().UTC()
	e.haltOnce.Do(func() { close(e.haltCh) })
	c.mu.Unlock()

	c.disp.CancelAll()
	c.publish(events.Event{WorkflowID: workflowID, Type: events.ExecutionHalted, Message: reason})
	c.logger.Warn("Workflow halted",
		zap.String("workflow_id", workflowID),
		zap.String("reason", reason),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.snaps.Take(ctx, workflowID, c.stateSource(e), "checkpoint"); err != nil {
		c.logger.Warn("Final snapshot failed", zap.String("workflow_id", workflowID), zap.Error(err))
	}
	return nil
}

// Phase returns the lifecycle phase, or DRAFT for unknown workflows.
func (c *Controller) Phase(workflowID string) Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.execs[workflowID]; ok {
		return e.phase
	}
	return PhaseDraft
}

// State returns a deep copy of the execution state.
func (c *Controller) State(workflowID string) (*models.ExecutionState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.execs[workflowID]
	if !ok {
		return nil, models.NewError(models.ErrKindSystem, "unknown workflow "+workflowID)
	}
	return e.state.Clone(), nil
}

func (c *Controller) register(wf *models.Workflow, st *models.ExecutionState) *execution {
	e := &execution{
		workflow: wf,
		state:    st,
		phase:    PhasePlanning,
		wake:     make(chan struct{}, 1),
		haltCh:   make(chan struct{}),
	}
	c.mu.Lock()
	c.execs[wf.ID] = e
	c.mu.Unlock()
	return e
}

// stateSource yields cloned state for the snapshot manager.
func (c *Controller) stateSource(e *execution) state.StateSource {
	return func() (*models.ExecutionState, state.Checkpoint) {
		c.mu.Lock()
		defer c.mu.Unlock()
		var critical []string
		for _, entry := range e.state.Errors {
			if entry.Kind == models.ErrKindTimeout || entry.Kind == models.ErrKindSystem {
				critical = append(critical, entry.Message)
			}
		}
		return e.state.Clone(), state.Checkpoint{
			LastBatchIndex: e.batchIndex,
			FailureCount:   e.state.Progress.Failed,
			CriticalErrors: critical,
		}
	}
}

// run drives the batch loop for the given subtasks over the execution's state.
func (c *Controller) run(ctx context.Context, e *execution, subtasks []*models.Subtask, agents []*models.Agent) (*models.ExecutionState, error) {
	wf := e.workflow
	started := time.Now()

	if len(subtasks) == 0 {
		return c.finish(e, PhaseCompleted, started), nil
	}

	plan, err := c.plan.Plan(subtasks)
	if err != nil {
		c.mu.Lock()
		e.state.AppendError(models.KindOf(err), err.Error(), "", "")
		c.mu.Unlock()
		c.publish(events.Event{WorkflowID: wf.ID, Type: events.ExecutionFailed, Message: err.Error()})
		return c.finish(e, PhaseFailed, started), err
	}

	assignments := c.match.Assign(subtasks, agents)
	if len(assignments) == 0 {
		c.Halt(wf.ID, "no agents available for assignment")
		metrics.RecordWorkflowDone(string(models.WorkflowHalted), time.Since(started).Seconds())
		return c.snapshotOf(e), nil
	}
	agentsByID := make(map[string]*models.Agent, len(agents))
	for _, a := range agents {
		agentsByID[a.ID] = a
	}

	c.mu.Lock()
	e.phase = PhaseExecuting
	e.state.Status = models.WorkflowRunning
	e.state.StartedAt = started.UTC()
	c.mu.Unlock()
	c.persistState(ctx, e)

	// A previous halt leaves the shared dispatcher closed.
	c.disp.Reset()
	c.snaps.Watch(ctx, wf.ID, c.stateSource(e))
	defer c.snaps.Unwatch(wf.ID)

	for i := range plan.Batches {
		if !c.waitReady(ctx, e) {
			break
		}
		batch := &plan.Batches[i]

		c.mu.Lock()
		e.batchIndex = batch.Index
		for _, st := range batch.Tasks {
			if st.Status.CanTransition(models.SubtaskInProgress) {
				st.Status = models.SubtaskInProgress
			}
			e.state.MarkRunning(st.ID)
		}
		c.mu.Unlock()

		c.publish(events.Event{
			WorkflowID: wf.ID,
			Type:       events.BatchStarted,
			BatchIndex: batch.Index,
			Payload:    map[string]any{"subtasks": len(batch.Tasks)},
		})

		br, err := c.disp.DispatchBatch(ctx, batch, agentsByID, wf.ID, c.surgeObserver(e))
		if err != nil {
			if models.KindOf(err) == models.ErrKindCancelled {
				break
			}
			c.mu.Lock()
			e.state.AppendError(models.KindOf(err), err.Error(), "", "")
			c.mu.Unlock()
			c.publish(events.Event{WorkflowID: wf.ID, Type: events.ExecutionFailed, Message: err.Error()})
			return c.finish(e, PhaseFailed, started), err
		}

		c.settleBatch(ctx, e, batch, br, agentsByID)

		c.publish(events.Event{
			WorkflowID: wf.ID,
			Type:       events.BatchCompleted,
			BatchIndex: batch.Index,
			Payload:    map[string]any{"completed": br.Completed, "failed": br.Failed},
		})
		c.persistState(ctx, e)

		c.mu.Lock()
		halted := e.halted
		ratio := e.state.FailureRatio()
		c.mu.Unlock()
		if halted {
			break
		}
		if br.ShouldHalt {
			c.Halt(wf.ID, "agent timeout during batch "+batch.ID)
			break
		}
		if ratio > 0.5 {
			c.Halt(wf.ID, "too many failures")
			break
		}
	}

	c.mu.Lock()
	halted := e.halted
	c.mu.Unlock()
	if halted {
		c.persistState(ctx, e)
		metrics.RecordWorkflowDone(string(models.WorkflowHalted), time.Since(started).Seconds())
		return c.snapshotOf(e), nil
	}

	final := c.finish(e, PhaseCompleted, started)
	c.persistState(ctx, e)
	if err := c.snaps.Take(ctx, wf.ID, c.stateSource(e), "checkpoint"); err != nil {
		c.logger.Warn("Completion snapshot failed", zap.String("workflow_id", wf.ID), zap.Error(err))
	}
	return final, nil
}

// surgeObserver watches subtask outcomes as they settle inside one batch and
// halts the workflow the moment the overall failure ratio crosses one half, so
// in-flight siblings are cancelled instead of running out. Retryable agent
// failures are left uncounted here; substitution gets the first claim on them
// and settleBatch accounts for whatever it could not rescue.
func (c *Controller) surgeObserver(e *execution) dispatch.OutcomeObserver {
	var mu sync.Mutex
	failed := 0
	return func(res *models.SubtaskResult, oe *models.OrchError) {
		if res == nil || res.Status == models.SubtaskCompleted {
			return
		}
		if oe != nil && oe.Kind == models.ErrKindAPI && oe.Retryable &&
			c.health != nil && c.cfg.Fallback.Enabled {
			return
		}
		mu.Lock()
		failed++
		inBatch := failed
		mu.Unlock()

		c.mu.Lock()
		settled := e.state.Progress.Failed
		total := e.state.Progress.Total
		c.mu.Unlock()
		if total > 0 && float64(settled+inBatch)/float64(total) > 0.5 {
			c.Halt(e.workflow.ID, "too many failures")
		}
	}
}

// settleBatch folds one batch result into the workflow state, trying agent
// substitution for retryable failures before accepting them.
func (c *Controller) settleBatch(ctx context.Context, e *execution, batch *planner.Batch, br *dispatch.BatchResult, agentsByID map[string]*models.Agent) {
	wf := e.workflow
	byID := make(map[string]*models.Subtask, len(batch.Tasks))
	for _, st := range batch.Tasks {
		byID[st.ID] = st
	}
	c.mu.Lock()
	halted := e.halted
	c.mu.Unlock()

	for _, res := range br.Results {
		st := byID[res.SubtaskID]
		if st == nil {
			continue
		}
		if !halted && res.Status != models.SubtaskCompleted && c.substitutable(res, br) {
			if replaced := c.retryWithFallback(ctx, e, st, res.AgentID, batch.ID, agentsByID); replaced != nil {
				res = replaced
			}
		}

		c.mu.Lock()
		e.state.RetryCounts[st.ID] = res.Attempt - 1
		if res.Status == models.SubtaskCompleted {
			st.Status = models.SubtaskCompleted
			e.state.MarkCompleted(st.ID)
		} else {
			st.Status = models.SubtaskFailed
			e.state.MarkFailed(st.ID)
			for _, msg := range res.Errors {
				e.state.AppendError(models.ErrKindAPI, msg, st.ID, res.AgentID)
			}
		}
		c.mu.Unlock()
	}

	for _, oe := range br.Errors {
		c.mu.Lock()
		e.state.AppendError(oe.Kind, oe.Message, oe.SubtaskID, oe.AgentID)
		c.mu.Unlock()
	}

	c.logger.Info("Batch settled",
		zap.String("workflow_id", wf.ID),
		zap.Int("batch_index", batch.Index),
		zap.Int("completed", br.Completed),
		zap.Int("failed", br.Failed),
	)
}

// substitutable reports whether the failed result is worth one substitution
// attempt: fallback is on, a health manager exists, and the recorded error for
// the subtask was a retryable agent-side failure.
func (c *Controller) substitutable(res *models.SubtaskResult, br *dispatch.BatchResult) bool {
	if c.health == nil || !c.cfg.Fallback.Enabled {
		return false
	}
	for _, oe := range br.Errors {
		if oe.SubtaskID == res.SubtaskID {
			return oe.Kind == models.ErrKindAPI && oe.Retryable
		}
	}
	return false
}

// retryWithFallback asks the fallback manager for a substitute agent and runs
// the subtask once against it. Returns the new result, or nil when no viable
// substitute exists.
func (c *Controller) retryWithFallback(ctx context.Context, e *execution, st *models.Subtask, failedAgentID, batchID string, agentsByID map[string]*models.Agent) *models.SubtaskResult {
	pool := make([]*models.Agent, 0, len(agentsByID))
	for _, a := range agentsByID {
		pool = append(pool, a)
	}
	next, err := c.health.ExecuteFallback(ctx, st, failedAgentID, pool)
	if err != nil {
		c.logger.Debug("No fallback agent available",
			zap.String("subtask_id", st.ID),
			zap.String("failed_agent_id", failedAgentID),
		)
		return nil
	}

	st.AssignedAgentID = next.ID
	c.publish(events.Event{
		WorkflowID: e.workflow.ID,
		Type:       events.AgentSwitched,
		SubtaskID:  st.ID,
		AgentID:    next.ID,
		Payload:    map[string]any{"from": failedAgentID},
	})

	res, _, _ := c.disp.DispatchSubtask(ctx, st, next, e.workflow.ID, batchID)
	return res
}

// waitReady blocks while the execution is paused. Returns false once the
// workflow halted or the context ended.
func (c *Controller) waitReady(ctx context.Context, e *execution) bool {
	for {
		c.mu.Lock()
		halted, paused := e.halted, e.paused
		c.mu.Unlock()
		if halted {
			return false
		}
		if !paused {
			return true
		}
		select {
		case <-e.wake:
		case <-e.haltCh:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// finish moves the execution into a terminal phase and stamps the state.
func (c *Controller) finish(e *execution, phase Phase, started time.Time) *models.ExecutionState {
	c.mu.Lock()
	e.phase = phase
	switch phase {
	case PhaseCompleted:
		e.state.Status = models.WorkflowCompleted
	case PhaseFailed:
		e.state.Status = models.WorkflowFailed
	}
	if e.state.EndedAt.IsZero() {
		e.state.EndedAt = time.Now().UTC()
	}
	final := e.state.Clone()
	c.mu.Unlock()

	if phase == PhaseCompleted || phase == PhaseFailed {
		c.publish(events.Event{
			WorkflowID: e.workflow.ID,
			Type:       eventForPhase(phase),
		})
		metrics.RecordWorkflowDone(string(final.Status), time.Since(started).Seconds())
	}
	return final
}

func eventForPhase(p Phase) events.Type {
	if p == PhaseFailed {
		return events.ExecutionFailed
	}
	return events.ExecutionCompleted
}

func (c *Controller) snapshotOf(e *execution) *models.ExecutionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return e.state.Clone()
}

func (c *Controller) persistState(ctx context.Context, e *execution) {
	c.mu.Lock()
	st := e.state.Clone()
	c.mu.Unlock()
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := c.results.SaveExecutionState(saveCtx, st); err != nil {
		c.logger.Warn("Execution state write failed",
			zap.String("workflow_id", st.WorkflowID), zap.Error(err))
	}
}

func (c *Controller) publish(evt events.Event) {
	if c.bus != nil {
		c.bus.Publish(evt)
	}
}
