package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/conductor-dev/conductor/internal/agentapi"
	"github.com/conductor-dev/conductor/internal/config"
	"github.com/conductor-dev/conductor/internal/events"
	"github.com/conductor-dev/conductor/internal/models"
	"github.com/conductor-dev/conductor/internal/planner"
	"github.com/conductor-dev/conductor/internal/store"
)

// fakeCaller drives attempts from a scripted function.
type fakeCaller struct {
	fn    func(ctx context.Context, agent *models.Agent, req *agentapi.Request) (*agentapi.Response, error)
	calls atomic.Int64
}

func (f *fakeCaller) Call(ctx context.Context, agent *models.Agent, req *agentapi.Request) (*agentapi.Response, error) {
	f.calls.Add(1)
	return f.fn(ctx, agent, req)
}

func okResponse(content string) *agentapi.Response {
	return &agentapi.Response{
		Content: content,
		Usage:   models.TokenUsage{PromptTokens: 5, CompletionTokens: 5, TotalTokens: 10},
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Retry.InitialDelayMs = 1
	cfg.Fallback.FallbackDelayMs = 1
	return cfg
}

func newDispatcher(t *testing.T, cfg *config.Config, caller Caller) (*Dispatcher, *store.MemoryStore, *events.Bus) {
	logger := zaptest.NewLogger(t)
	mem := store.NewMemoryStore(logger)
	bus := events.NewBus(64, logger)
	d := New(cfg, caller, mem, bus, nil, nil, logger)
	d.sleep = func(context.Context, time.Duration) error { return nil }
	return d, mem, bus
}

func subtask(id string) *models.Subtask {
	st := models.NewSubtask("wf", "task "+id, "do the thing", models.TaskTypeResearch, models.PriorityMedium)
	st.ID = id
	st.AssignedAgentID = "agent-1"
	return st
}

func testAgents() map[string]*models.Agent {
	return map[string]*models.Agent{
		"agent-1": {ID: "agent-1", Name: "worker", Model: "claude-3", Available: true},
	}
}

func TestDispatchSubtaskSuccess(t *testing.T) {
	caller := &fakeCaller{fn: func(context.Context, *models.Agent, *agentapi.Request) (*agentapi.Response, error) {
		return okResponse("done"), nil
	}}
	d, mem, _ := newDispatcher(t, testConfig(), caller)

	res, halt, oe := d.DispatchSubtask(context.Background(), subtask("st-1"), testAgents()["agent-1"], "wf", "b1")
	require.Nil(t, oe)
	assert.False(t, halt)
	assert.Equal(t, models.SubtaskCompleted, res.Status)
	assert.Equal(t, "done", res.Content)
	assert.EqualValues(t, 1, caller.calls.Load())

	stored, err := mem.GetResultsBySubtask(context.Background(), "st-1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.NoError(t, stored[0].VerifyChecksum())
	assert.Positive(t, stored[0].ExecutionOrder)
}

func TestDispatchSubtaskRetriesAPIFailure(t *testing.T) {
	var n atomic.Int64
	caller := &fakeCaller{fn: func(context.Context, *models.Agent, *agentapi.Request) (*agentapi.Response, error) {
		if n.Add(1) == 1 {
			return nil, models.NewError(models.ErrKindAPI, "upstream 503")
		}
		return okResponse("done"), nil
	}}
	d, mem, _ := newDispatcher(t, testConfig(), caller)

	res, halt, oe := d.DispatchSubtask(context.Background(), subtask("st-1"), testAgents()["agent-1"], "wf", "b1")
	require.Nil(t, oe)
	assert.False(t, halt)
	assert.Equal(t, models.SubtaskCompleted, res.Status)
	assert.EqualValues(t, 2, caller.calls.Load())

	// Both attempts persisted, execution order monotonic.
	stored, err := mem.GetResultsBySubtask(context.Background(), "st-1")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, models.SubtaskFailed, stored[0].Status)
	assert.Less(t, stored[0].ExecutionOrder, stored[1].ExecutionOrder)
}

func TestDispatchSubtaskTimeoutHalts(t *testing.T) {
	caller := &fakeCaller{fn: func(context.Context, *models.Agent, *agentapi.Request) (*agentapi.Response, error) {
		return nil, models.NewError(models.ErrKindTimeout, "deadline exceeded")
	}}
	d, _, _ := newDispatcher(t, testConfig(), caller)

	res, halt, oe := d.DispatchSubtask(context.Background(), subtask("st-1"), testAgents()["agent-1"], "wf", "b1")
	require.NotNil(t, oe)
	assert.True(t, halt)
	assert.Equal(t, models.SubtaskFailed, res.Status)
	assert.Equal(t, models.ErrKindTimeout, oe.Kind)
	// Timeouts never retry within the subtask.
	assert.EqualValues(t, 1, caller.calls.Load())
}

func regexValidation(pattern string, retry bool) *models.ValidationConfig {
	cfg, _ := json.Marshal(map[string]string{"pattern": pattern})
	return &models.ValidationConfig{
		Rules: []models.ValidationRule{
			{Kind: models.RuleRegex, Name: "shape", Config: cfg, Weight: 1},
		},
		RetryOnFailure: retry,
	}
}

func TestDispatchSubtaskValidationRetry(t *testing.T) {
	var n atomic.Int64
	caller := &fakeCaller{fn: func(context.Context, *models.Agent, *agentapi.Request) (*agentapi.Response, error) {
		if n.Add(1) == 1 {
			return okResponse("garbage"), nil
		}
		return okResponse("answer: 42"), nil
	}}
	d, _, _ := newDispatcher(t, testConfig(), caller)

	st := subtask("st-1")
	st.Metadata.Validation = regexValidation(`answer: \d+`, true)

	res, halt, oe := d.DispatchSubtask(context.Background(), st, testAgents()["agent-1"], "wf", "b1")
	require.Nil(t, oe)
	assert.False(t, halt)
	assert.Equal(t, models.SubtaskCompleted, res.Status)
	assert.EqualValues(t, 2, caller.calls.Load())
}

func TestDispatchSubtaskValidationNoRetry(t *testing.T) {
	caller := &fakeCaller{fn: func(context.Context, *models.Agent, *agentapi.Request) (*agentapi.Response, error) {
		return okResponse("garbage"), nil
	}}
	d, _, _ := newDispatcher(t, testConfig(), caller)

	st := subtask("st-1")
	st.Metadata.Validation = regexValidation(`answer: \d+`, false)

	res, _, oe := d.DispatchSubtask(context.Background(), st, testAgents()["agent-1"], "wf", "b1")
	require.NotNil(t, oe)
	assert.Equal(t, models.SubtaskFailed, res.Status)
	assert.Equal(t, models.ErrKindValidation, oe.Kind)
	assert.EqualValues(t, 1, caller.calls.Load())
}

func TestDispatchSubtaskMultipassStopsWithoutImprovement(t *testing.T) {
	caller := &fakeCaller{fn: func(context.Context, *models.Agent, *agentapi.Request) (*agentapi.Response, error) {
		return okResponse("answer: 42"), nil
	}}

	cfg := testConfig()
	cfg.Multipass.MaxPasses = 3
	cfg.Multipass.ImprovementThreshold = 0.1
	d, _, _ := newDispatcher(t, cfg, caller)

	st := subtask("st-1")
	st.Metadata.Multipass = true
	matching, _ := json.Marshal(map[string]string{"pattern": `answer`})
	failing, _ := json.Marshal(map[string]string{"pattern": `impossible\dpattern`})
	// One rule passes, one fails: every pass scores confidence 0.5, below the
	// pass threshold but above the halt threshold.
	st.Metadata.Validation = &models.ValidationConfig{
		Rules: []models.ValidationRule{
			{Kind: models.RuleRegex, Name: "present", Config: matching, Weight: 1},
			{Kind: models.RuleRegex, Name: "absent", Config: failing, Weight: 1},
		},
		RetryOnFailure: true,
	}

	res, halt, oe := d.DispatchSubtask(context.Background(), st, testAgents()["agent-1"], "wf", "b1")
	require.NotNil(t, oe)
	require.NotNil(t, res)
	assert.False(t, halt)
	assert.Equal(t, models.SubtaskFailed, res.Status)
	assert.InDelta(t, 0.5, res.Confidence, 0.001)
	// Identical confidence on the second pass ends the loop early.
	assert.EqualValues(t, 2, caller.calls.Load())
}

func TestDispatchBatchAggregates(t *testing.T) {
	caller := &fakeCaller{fn: func(_ context.Context, _ *models.Agent, req *agentapi.Request) (*agentapi.Response, error) {
		return okResponse("out"), nil
	}}
	d, mem, _ := newDispatcher(t, testConfig(), caller)

	batch := &planner.Batch{
		ID:    "b1",
		Index: 0,
		Tasks: []*models.Subtask{subtask("st-1"), subtask("st-2"), subtask("st-3")},
	}
	res, err := d.DispatchBatch(context.Background(), batch, testAgents(), "wf", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Completed)
	assert.Zero(t, res.Failed)
	assert.False(t, res.ShouldHalt)

	meta, err := mem.GetBatchMeta(context.Background(), "b1")
	require.NoError(t, err)
	assert.Len(t, meta.SubtaskIDs, 3)
	assert.False(t, meta.CompletedAt.IsZero())
}

func TestDispatchBatchCollectsFailuresWithoutCancellingSiblings(t *testing.T) {
	caller := &fakeCaller{fn: func(_ context.Context, _ *models.Agent, req *agentapi.Request) (*agentapi.Response, error) {
		if req.Prompt == "task st-2\n\ndo the thing" {
			err := models.NewError(models.ErrKindAPI, "boom")
			err.Retryable = false
			return nil, err
		}
		return okResponse("out"), nil
	}}
	d, _, _ := newDispatcher(t, testConfig(), caller)

	batch := &planner.Batch{
		ID:    "b1",
		Index: 0,
		Tasks: []*models.Subtask{subtask("st-1"), subtask("st-2"), subtask("st-3")},
	}
	res, err := d.DispatchBatch(context.Background(), batch, testAgents(), "wf", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Completed)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "st-2", res.Errors[0].SubtaskID)
}

func TestDispatchBatchEmptyIsError(t *testing.T) {
	d, _, _ := newDispatcher(t, testConfig(), &fakeCaller{})
	_, err := d.DispatchBatch(context.Background(), &planner.Batch{ID: "b"}, testAgents(), "wf", nil)
	assert.Error(t, err)
}

func TestPerAgentSemaphoreBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int64
	block := make(chan struct{})
	caller := &fakeCaller{fn: func(ctx context.Context, _ *models.Agent, _ *agentapi.Request) (*agentapi.Response, error) {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		<-block
		inFlight.Add(-1)
		return okResponse("out"), nil
	}}

	cfg := testConfig()
	cfg.Concurrency.MaxConcurrentSubtasks = 2
	cfg.Batching.MaxBatchSize = 10
	d, _, _ := newDispatcher(t, cfg, caller)

	batch := &planner.Batch{ID: "b1", Index: 0}
	for i := 0; i < 6; i++ {
		batch.Tasks = append(batch.Tasks, subtask(models.NewID()))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := d.DispatchBatch(context.Background(), batch, testAgents(), "wf", nil)
		assert.NoError(t, err)
	}()

	time.Sleep(50 * time.Millisecond)
	close(block)
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestCancelInterruptsCall(t *testing.T) {
	started := make(chan struct{}, 1)
	caller := &fakeCaller{fn: func(ctx context.Context, _ *models.Agent, _ *agentapi.Request) (*agentapi.Response, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, models.WrapError(models.ErrKindCancelled, ctx.Err())
	}}
	d, _, _ := newDispatcher(t, testConfig(), caller)

	done := make(chan *models.SubtaskResult, 1)
	go func() {
		res, _, _ := d.DispatchSubtask(context.Background(), subtask("st-1"), testAgents()["agent-1"], "wf", "b1")
		done <- res
	}()

	<-started
	assert.True(t, d.Cancel("st-1"))

	select {
	case res := <-done:
		assert.Equal(t, models.SubtaskFailed, res.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not unwind the subtask")
	}

	assert.False(t, d.Cancel("st-1"), "registry entry must be cleared")
}

func TestCancelAllRefusesNewBatches(t *testing.T) {
	d, _, _ := newDispatcher(t, testConfig(), &fakeCaller{fn: func(context.Context, *models.Agent, *agentapi.Request) (*agentapi.Response, error) {
		return okResponse("out"), nil
	}})

	d.CancelAll()
	_, err := d.DispatchBatch(context.Background(),
		&planner.Batch{ID: "b", Index: 0, Tasks: []*models.Subtask{subtask("st-1")}},
		testAgents(), "wf", nil)
	require.Error(t, err)
	assert.Equal(t, models.ErrKindCancelled, models.KindOf(err))

	d.Reset()
	_, err = d.DispatchBatch(context.Background(),
		&planner.Batch{ID: "b2", Index: 0, Tasks: []*models.Subtask{subtask("st-2")}},
		testAgents(), "wf", nil)
	assert.NoError(t, err)
}

func TestDispatchBatchObserverCancelsSiblings(t *testing.T) {
	ready := make(chan struct{})
	cancelled := make(chan struct{}, 1)
	caller := &fakeCaller{fn: func(ctx context.Context, _ *models.Agent, req *agentapi.Request) (*agentapi.Response, error) {
		if req.Prompt == "task st-slow\n\ndo the thing" {
			close(ready)
			<-ctx.Done()
			cancelled <- struct{}{}
			return nil, models.WrapError(models.ErrKindCancelled, ctx.Err())
		}
		<-ready
		err := models.NewError(models.ErrKindAPI, "boom")
		err.Retryable = false
		return nil, err
	}}
	d, _, _ := newDispatcher(t, testConfig(), caller)

	// React to the first failure while the slow sibling is still in flight.
	var failures atomic.Int64
	observe := func(res *models.SubtaskResult, _ *models.OrchError) {
		if res != nil && res.Status != models.SubtaskCompleted && failures.Add(1) == 1 {
			d.CancelAll()
		}
	}

	batch := &planner.Batch{
		ID:    "b1",
		Index: 0,
		Tasks: []*models.Subtask{subtask("st-1"), subtask("st-slow")},
	}
	res, err := d.DispatchBatch(context.Background(), batch, testAgents(), "wf", observe)
	require.NoError(t, err)
	assert.Zero(t, res.Completed)
	assert.Equal(t, 2, res.Failed)

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("sibling was not cancelled mid-batch")
	}
}

// rejectAdmitter refuses every call before it reaches the agent.
type rejectAdmitter struct{}

func (rejectAdmitter) Admit(context.Context, string, string, int) error {
	return models.NewError(models.ErrKindCancelled, "rate limiter closed")
}

func TestAdmitterRejectionFailsWithoutCalling(t *testing.T) {
	caller := &fakeCaller{fn: func(context.Context, *models.Agent, *agentapi.Request) (*agentapi.Response, error) {
		return okResponse("out"), nil
	}}
	logger := zaptest.NewLogger(t)
	mem := store.NewMemoryStore(logger)
	d := New(testConfig(), caller, mem, events.NewBus(64, logger), nil, rejectAdmitter{}, logger)
	d.sleep = func(context.Context, time.Duration) error { return nil }

	res, halt, oe := d.DispatchSubtask(context.Background(), subtask("st-1"), testAgents()["agent-1"], "wf", "b1")
	require.NotNil(t, oe)
	assert.False(t, halt)
	assert.Equal(t, models.SubtaskFailed, res.Status)
	assert.Equal(t, models.ErrKindCancelled, oe.Kind)
	assert.Zero(t, caller.calls.Load())
}

// stubHealth is a HealthSink whose circuit answer is fixed.
type stubHealth struct{ allow bool }

func (s *stubHealth) AllowCall(string) bool       { return s.allow }
func (*stubHealth) RecordSuccess(string, float64) {}
func (*stubHealth) RecordFailure(string, float64) {}
func (*stubHealth) IncInFlight(string)            {}
func (*stubHealth) DecInFlight(string)            {}

func TestOpenCircuitFailsFastWithoutCalling(t *testing.T) {
	caller := &fakeCaller{fn: func(context.Context, *models.Agent, *agentapi.Request) (*agentapi.Response, error) {
		return okResponse("out"), nil
	}}
	logger := zaptest.NewLogger(t)
	mem := store.NewMemoryStore(logger)
	d := New(testConfig(), caller, mem, events.NewBus(64, logger), &stubHealth{allow: false}, nil, logger)
	d.sleep = func(context.Context, time.Duration) error { return nil }

	res, halt, oe := d.DispatchSubtask(context.Background(), subtask("st-1"), testAgents()["agent-1"], "wf", "b1")
	require.NotNil(t, oe)
	assert.False(t, halt)
	assert.Equal(t, models.SubtaskFailed, res.Status)
	assert.Equal(t, models.ErrKindAPI, oe.Kind)
	// Every retry pass hit the closed gate; no real call went out.
	assert.Zero(t, caller.calls.Load())
}

func TestDispatchSubtaskEventStream(t *testing.T) {
	var n atomic.Int64
	caller := &fakeCaller{fn: func(context.Context, *models.Agent, *agentapi.Request) (*agentapi.Response, error) {
		if n.Add(1) == 1 {
			return nil, models.NewError(models.ErrKindAPI, "flaky")
		}
		return okResponse("done"), nil
	}}
	d, _, bus := newDispatcher(t, testConfig(), caller)

	ch := bus.Subscribe("wf", 16)
	defer bus.Unsubscribe("wf", ch)

	_, _, oe := d.DispatchSubtask(context.Background(), subtask("st-1"), testAgents()["agent-1"], "wf", "b1")
	require.Nil(t, oe)

	var types []events.Type
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	assert.Contains(t, types, events.SubtaskStarted)
	assert.Contains(t, types, events.SubtaskRetrying)
	assert.Contains(t, types, events.SubtaskCompleted)
}
