package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/conductor-dev/conductor/internal/agentapi"
	"github.com/conductor-dev/conductor/internal/events"
	"github.com/conductor-dev/conductor/internal/metrics"
	"github.com/conductor-dev/conductor/internal/models"
	"github.com/conductor-dev/conductor/internal/planner"
)

// attemptOutcome is one pass through the execute-validate cycle.
type attemptOutcome struct {
	result  *models.SubtaskResult
	verdict *validatorVerdict
	callErr error
}

type validatorVerdict struct {
	passed      bool
	shouldRetry bool
	shouldHalt  bool
	confidence  float64
}

// DispatchSubtask runs the retry/multipass loop for one subtask. The returned
// bool asks the controller to halt the workflow (validator halt verdict or
// timeout). Per-attempt results are persisted as they happen; the returned
// result is the one that should stand for the subtask.
func (d *Dispatcher) DispatchSubtask(ctx context.Context, st *models.Subtask, agent *models.Agent, workflowID, batchID string) (*models.SubtaskResult, bool, *models.OrchError) {
	if agent == nil {
		oe := models.NewError(models.ErrKindSystem, "no agent assigned").WithSubtask(st.ID)
		res := d.failedResult(st, "", workflowID, batchID, 1, oe)
		d.persist(ctx, res)
		return res, false, oe
	}

	multipass := st.Metadata.Multipass && d.cfg.Multipass.Enabled
	passes := d.cfg.Retry.MaxRetries + 1
	if multipass {
		passes = d.cfg.Multipass.MaxPasses
	}

	model := agent.Model
	if st.Metadata.ModelOverride != "" {
		model = st.Metadata.ModelOverride
	}
	req := &agentapi.Request{
		Prompt: st.Title + "\n\n" + st.Description,
		Model:  model,
	}

	d.publish(events.Event{
		WorkflowID: workflowID,
		Type:       events.SubtaskStarted,
		SubtaskID:  st.ID,
		AgentID:    agent.ID,
	})

	var best *models.SubtaskResult
	var lastErr *models.OrchError
	halt := false

	for k := 0; k < passes; k++ {
		if k > 0 {
			metrics.SubtaskRetries.Inc()
			d.publish(events.Event{
				WorkflowID: workflowID,
				Type:       events.SubtaskRetrying,
				SubtaskID:  st.ID,
				AgentID:    agent.ID,
				Payload:    map[string]any{"attempt": k + 1},
			})
			if err := d.sleep(ctx, d.backoffDelay(k)); err != nil {
				lastErr = models.WrapError(models.ErrKindCancelled, err).WithSubtask(st.ID)
				break
			}
		}

		oc := d.attempt(ctx, st, agent, req, workflowID, batchID, k+1)
		if oc.result != nil {
			d.persist(ctx, oc.result)
		}

		if oc.callErr != nil {
			kind := models.KindOf(oc.callErr)
			lastErr = asOrchError(oc.callErr, st.ID, agent.ID)
			if best == nil {
				best = oc.result
			}
			switch kind {
			case models.ErrKindTimeout:
				// A timed-out agent is a workflow-level problem: stop the
				// subtask and ask the controller to halt.
				halt = true
			case models.ErrKindCancelled:
			default:
				if models.IsRetryable(oc.callErr) && k < passes-1 {
					continue
				}
			}
			break
		}

		v := oc.verdict
		if v.passed {
			metrics.SubtaskAttempts.WithLabelValues("completed").Inc()
			d.publish(events.Event{
				WorkflowID: workflowID,
				Type:       events.SubtaskCompleted,
				SubtaskID:  st.ID,
				AgentID:    agent.ID,
			})
			return oc.result, false, nil
		}

		if best == nil || oc.result.Confidence > best.Confidence {
			improved := best == nil || oc.result.Confidence-best.Confidence >= d.cfg.Multipass.ImprovementThreshold
			best = oc.result
			if multipass && k > 0 && !improved {
				break
			}
		} else if multipass && k > 0 {
			// No gain over the best pass so far; stop burning passes.
			break
		}

		if v.shouldHalt {
			halt = true
			break
		}
		if !multipass && (!v.shouldRetry || k >= d.cfg.Retry.MaxRetries) {
			break
		}
	}

	if best == nil {
		oe := lastErr
		if oe == nil {
			oe = models.NewError(models.ErrKindSystem, "no attempt produced a result").WithSubtask(st.ID)
		}
		best = d.failedResult(st, agent.ID, workflowID, batchID, 1, oe)
		d.persist(ctx, best)
	}
	if lastErr == nil && best.Status != models.SubtaskCompleted {
		lastErr = models.NewError(models.ErrKindValidation, "output failed validation").WithSubtask(st.ID).WithAgent(agent.ID)
		lastErr.Retryable = false
	}

	metrics.SubtaskAttempts.WithLabelValues("failed").Inc()
	d.publish(events.Event{
		WorkflowID: workflowID,
		Type:       events.SubtaskFailed,
		SubtaskID:  st.ID,
		AgentID:    agent.ID,
		Message:    lastErr.Message,
	})
	return best, halt, lastErr
}

// attempt runs one guarded call: rate admission, agent slot, timeout, call,
// validation. The agent slot is released on every exit path.
func (d *Dispatcher) attempt(ctx context.Context, st *models.Subtask, agent *models.Agent, req *agentapi.Request, workflowID, batchID string, attemptNo int) (oc attemptOutcome) {
	if d.health != nil && !d.health.AllowCall(agent.ID) {
		oe := models.NewError(models.ErrKindAPI, "agent circuit open").WithSubtask(st.ID).WithAgent(agent.ID)
		oc.callErr = oe
		oc.result = d.failedResult(st, agent.ID, workflowID, batchID, attemptNo, oe)
		return oc
	}

	if d.admitter != nil {
		provider := agentapi.DetectProvider(req.Model)
		if err := d.admitter.Admit(ctx, provider, "", planner.EstimateTokens(st)); err != nil {
			oe := models.WrapError(models.ErrKindCancelled, err).WithSubtask(st.ID)
			oc.callErr = oe
			oc.result = d.failedResult(st, agent.ID, workflowID, batchID, attemptNo, oe)
			return oc
		}
	}

	sem := d.agentSem(agent.ID)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		oe := models.WrapError(models.ErrKindCancelled, ctx.Err()).WithSubtask(st.ID)
		oc.callErr = oe
		oc.result = d.failedResult(st, agent.ID, workflowID, batchID, attemptNo, oe)
		return oc
	}
	defer func() {
		<-sem
		if r := recover(); r != nil {
			d.logger.Error("Panic in subtask attempt",
				zap.String("subtask_id", st.ID), zap.Any("panic", r))
			oe := models.NewError(models.ErrKindSystem, "panic during execution").WithSubtask(st.ID)
			oc.callErr = oe
			oc.result = d.failedResult(st, agent.ID, workflowID, batchID, attemptNo, oe)
		}
	}()

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.SubtaskTimeout())
	defer cancel()
	d.registerCancel(st.ID, cancel)
	defer d.unregisterCancel(st.ID)

	if d.health != nil {
		d.health.IncInFlight(agent.ID)
		defer d.health.DecInFlight(agent.ID)
	}

	start := time.Now()
	resp, err := d.caller.Call(callCtx, agent, req)
	elapsed := time.Since(start)

	if err != nil {
		if d.health != nil {
			d.health.RecordFailure(agent.ID, float64(elapsed.Milliseconds()))
		}
		oc.callErr = err
		oe := asOrchError(err, st.ID, agent.ID)
		oc.result = d.failedResult(st, agent.ID, workflowID, batchID, attemptNo, oe)
		oc.result.DurationMs = elapsed.Milliseconds()
		return oc
	}

	if d.health != nil {
		d.health.RecordSuccess(agent.ID, float64(elapsed.Milliseconds()))
	}
	metrics.SubtaskTokensUsed.Observe(float64(resp.Usage.TotalTokens))

	verdict := d.validate.Validate(resp.Content, st.Metadata.Validation)
	status := models.SubtaskFailed
	if verdict.Passed {
		status = models.SubtaskCompleted
	}

	oc.result = &models.SubtaskResult{
		SubtaskID:  st.ID,
		WorkflowID: workflowID,
		BatchID:    batchID,
		AgentID:    agent.ID,
		Status:     status,
		Content:    resp.Content,
		Confidence: verdict.Confidence,
		TokenUsage: resp.Usage,
		Attempt:    attemptNo,
		DurationMs: elapsed.Milliseconds(),
	}
	if !verdict.Passed {
		oc.result.Warnings = append(oc.result.Warnings, "validation failed")
	}
	oc.verdict = &validatorVerdict{
		passed:      verdict.Passed,
		shouldRetry: verdict.ShouldRetry,
		shouldHalt:  verdict.ShouldHalt,
		confidence:  verdict.Confidence,
	}
	return oc
}

func (d *Dispatcher) failedResult(st *models.Subtask, agentID, workflowID, batchID string, attemptNo int, oe *models.OrchError) *models.SubtaskResult {
	return &models.SubtaskResult{
		SubtaskID:  st.ID,
		WorkflowID: workflowID,
		BatchID:    batchID,
		AgentID:    agentID,
		Status:     models.SubtaskFailed,
		Errors:     []string{oe.Error()},
		Attempt:    attemptNo,
	}
}

func (d *Dispatcher) persist(ctx context.Context, r *models.SubtaskResult) {
	// Persist against a fresh context so a cancelled subtask still records
	// its final attempt.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := d.results.SaveSubtaskResult(saveCtx, r); err != nil {
		d.logger.Error("Result write failed",
			zap.String("subtask_id", r.SubtaskID), zap.Error(err))
	}
}

func (d *Dispatcher) publish(evt events.Event) {
	if d.bus != nil {
		d.bus.Publish(evt)
	}
}

func asOrchError(err error, subtaskID, agentID string) *models.OrchError {
	if oe, ok := err.(*models.OrchError); ok {
		if oe.SubtaskID == "" {
			oe.SubtaskID = subtaskID
		}
		return oe
	}
	return models.WrapError(models.KindOf(err), err).WithSubtask(subtaskID).WithAgent(agentID)
}
