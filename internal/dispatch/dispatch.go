// Package dispatch executes batches of subtasks against their assigned agents
// under strict concurrency, retry and timeout discipline. Per-subtask
// failures land in the returned batch result; only catastrophic conditions
// (nil batch, store failure) surface as errors.
package dispatch

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/conductor-dev/conductor/internal/agentapi"
	"github.com/conductor-dev/conductor/internal/config"
	"github.com/conductor-dev/conductor/internal/events"
	"github.com/conductor-dev/conductor/internal/metrics"
	"github.com/conductor-dev/conductor/internal/models"
	"github.com/conductor-dev/conductor/internal/planner"
	"github.com/conductor-dev/conductor/internal/store"
	"github.com/conductor-dev/conductor/internal/validator"
)

const maxBackoff = 60 * time.Second

// Caller issues one completion call. The agentapi client implements it; tests
// substitute fakes.
type Caller interface {
	Call(ctx context.Context, agent *models.Agent, req *agentapi.Request) (*agentapi.Response, error)
}

// HealthSink receives call outcomes and in-flight accounting, and gates calls
// behind the agent's circuit breaker. The fallback manager implements it.
type HealthSink interface {
	AllowCall(agentID string) bool
	RecordSuccess(agentID string, responseMs float64)
	RecordFailure(agentID string, responseMs float64)
	IncInFlight(agentID string)
	DecInFlight(agentID string)
}

// OutcomeObserver sees each subtask outcome the moment it settles, while the
// rest of the batch is still in flight. Called from dispatch goroutines, so
// implementations must be safe for concurrent use.
type OutcomeObserver func(res *models.SubtaskResult, oe *models.OrchError)

// Admitter blocks until a call to the provider may proceed.
type Admitter interface {
	Admit(ctx context.Context, provider, tier string, estimatedTokens int) error
}

// BatchResult aggregates the outcome of one dispatched batch.
type BatchResult struct {
	BatchID    string
	BatchIndex int
	Results    []*models.SubtaskResult
	Errors     []*models.OrchError
	Completed  int
	Failed     int
	ShouldHalt bool
}

// Dispatcher owns the batch and per-agent semaphores plus the cancellation
// registry. All three are mutated only here.
type Dispatcher struct {
	cfg       *config.Config
	caller    Caller
	results   store.ResultStore
	validate  *validator.Validator
	health    HealthSink
	admitter  Admitter
	bus       *events.Bus
	logger    *zap.Logger
	batchSem  *semaphore.Weighted

	mu        sync.Mutex
	agentSems map[string]chan struct{}
	cancels   map[string]context.CancelFunc
	halted    bool

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a dispatcher. health and admitter may be nil.
func New(cfg *config.Config, caller Caller, results store.ResultStore, bus *events.Bus, health HealthSink, admitter Admitter, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg,
		caller:    caller,
		results:   results,
		validate:  validator.New(logger),
		health:    health,
		admitter:  admitter,
		bus:       bus,
		logger:    logger,
		batchSem:  semaphore.NewWeighted(int64(cfg.Concurrency.MaxConcurrentBatches)),
		agentSems: make(map[string]chan struct{}),
		cancels:   make(map[string]context.CancelFunc),
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// agentSem returns the per-agent counting semaphore. Buffered channels queue
// blocked senders in FIFO order, which gives the fairness guarantee.
func (d *Dispatcher) agentSem(agentID string) chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	sem, ok := d.agentSems[agentID]
	if !ok {
		sem = make(chan struct{}, d.cfg.Concurrency.MaxConcurrentSubtasks)
		d.agentSems[agentID] = sem
	}
	return sem
}

// DispatchBatch executes every subtask of the batch against its assigned
// agent, in chunks of maxConcurrentSubtasks, honoring the global batch
// semaphore and the batch timeout. A non-nil observe is invoked per settled
// outcome while siblings still run, so the caller can react mid-batch (the
// controller cancels everything once the failure ratio crosses one half).
func (d *Dispatcher) DispatchBatch(ctx context.Context, batch *planner.Batch, agents map[string]*models.Agent, workflowID string, observe OutcomeObserver) (*BatchResult, error) {
	if batch == nil || len(batch.Tasks) == 0 {
		return nil, models.NewError(models.ErrKindSystem, "empty batch")
	}
	d.mu.Lock()
	if d.halted {
		d.mu.Unlock()
		return nil, models.NewError(models.ErrKindCancelled, "dispatcher halted")
	}
	d.mu.Unlock()

	if err := d.batchSem.Acquire(ctx, 1); err != nil {
		return nil, models.WrapError(models.ErrKindCancelled, err)
	}
	defer d.batchSem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, d.cfg.BatchTimeout())
	defer cancel()

	started := time.Now()
	metrics.BatchesDispatched.Inc()

	if err := d.results.SaveBatchMeta(ctx, &models.BatchMeta{
		BatchID:     batch.ID,
		WorkflowID:  workflowID,
		Index:       batch.Index,
		SubtaskIDs:  subtaskIDs(batch.Tasks),
		TokenBudget: batch.TokenBudget,
		StartedAt:   started.UTC(),
	}); err != nil {
		return nil, models.WrapError(models.ErrKindSystem, err)
	}

	out := &BatchResult{BatchID: batch.ID, BatchIndex: batch.Index}
	chunkSize := d.cfg.Concurrency.MaxConcurrentSubtasks

	for from := 0; from < len(batch.Tasks); from += chunkSize {
		to := from + chunkSize
		if to > len(batch.Tasks) {
			to = len(batch.Tasks)
		}
		chunk := batch.Tasks[from:to]

		type outcome struct {
			result *models.SubtaskResult
			err    *models.OrchError
			halt   bool
		}
		outcomes := make([]outcome, len(chunk))

		var wg sync.WaitGroup
		for i, st := range chunk {
			wg.Add(1)
			go func(i int, st *models.Subtask) {
				defer wg.Done()
				agent := agents[st.AssignedAgentID]
				res, halt, err := d.DispatchSubtask(ctx, st, agent, workflowID, batch.ID)
				outcomes[i] = outcome{result: res, err: err, halt: halt}
				if observe != nil {
					observe(res, err)
				}
			}(i, st)
		}
		wg.Wait()

		for _, oc := range outcomes {
			if oc.result != nil {
				out.Results = append(out.Results, oc.result)
				if oc.result.Status == models.SubtaskCompleted {
					out.Completed++
				} else {
					out.Failed++
				}
			}
			if oc.err != nil {
				out.Errors = append(out.Errors, oc.err)
			}
			if oc.halt {
				out.ShouldHalt = true
			}
		}
	}

	if err := d.results.SaveBatchMeta(ctx, &models.BatchMeta{
		BatchID:     batch.ID,
		WorkflowID:  workflowID,
		Index:       batch.Index,
		SubtaskIDs:  subtaskIDs(batch.Tasks),
		TokenBudget: batch.TokenBudget,
		StartedAt:   started.UTC(),
		CompletedAt: time.Now().UTC(),
	}); err != nil {
		d.logger.Warn("Batch completion record failed",
			zap.String("batch_id", batch.ID), zap.Error(err))
	}

	metrics.BatchDuration.Observe(time.Since(started).Seconds())
	d.logger.Info("Batch dispatched",
		zap.String("workflow_id", workflowID),
		zap.String("batch_id", batch.ID),
		zap.Int("completed", out.Completed),
		zap.Int("failed", out.Failed),
		zap.Bool("should_halt", out.ShouldHalt),
	)
	return out, nil
}

func subtaskIDs(tasks []*models.Subtask) []string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}

// Cancel aborts the in-flight attempt for a subtask. Returns false when
// nothing is running under that id.
func (d *Dispatcher) Cancel(subtaskID string) bool {
	d.mu.Lock()
	cancel, ok := d.cancels[subtaskID]
	d.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// CancelAll aborts every in-flight attempt and refuses new batches.
func (d *Dispatcher) CancelAll() {
	d.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(d.cancels))
	for _, c := range d.cancels {
		cancels = append(cancels, c)
	}
	d.halted = true
	d.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// Reset re-opens the dispatcher after a halt, for recovery runs.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	d.halted = false
	d.mu.Unlock()
}

func (d *Dispatcher) registerCancel(subtaskID string, cancel context.CancelFunc) {
	d.mu.Lock()
	d.cancels[subtaskID] = cancel
	d.mu.Unlock()
}

func (d *Dispatcher) unregisterCancel(subtaskID string) {
	d.mu.Lock()
	delete(d.cancels, subtaskID)
	d.mu.Unlock()
}

// backoffDelay is initialDelay * multiplier^(k-1), capped at one minute.
func (d *Dispatcher) backoffDelay(attempt int) time.Duration {
	delay := float64(d.cfg.Retry.InitialDelayMs) *
		math.Pow(d.cfg.Retry.BackoffMultiplier, float64(attempt-1))
	dur := time.Duration(delay) * time.Millisecond
	if dur > maxBackoff {
		dur = maxBackoff
	}
	return dur
}
