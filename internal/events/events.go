// Package events provides in-process pub/sub for workflow execution events
// with a per-workflow replay ring.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Type enumerates the workflow event taxonomy.
type Type string

const (
	ExecutionStarted   Type = "EXECUTION_STARTED"
	ExecutionPaused    Type = "EXECUTION_PAUSED"
	ExecutionResumed   Type = "EXECUTION_RESUMED"
	ExecutionHalted    Type = "EXECUTION_HALTED"
	ExecutionCompleted Type = "EXECUTION_COMPLETED"
	ExecutionFailed    Type = "EXECUTION_FAILED"
	BatchStarted       Type = "BATCH_STARTED"
	BatchCompleted     Type = "BATCH_COMPLETED"
	SubtaskStarted     Type = "SUBTASK_STARTED"
	SubtaskCompleted   Type = "SUBTASK_COMPLETED"
	SubtaskFailed      Type = "SUBTASK_FAILED"
	SubtaskRetrying    Type = "SUBTASK_RETRYING"
	AgentSwitched      Type = "AGENT_SWITCHED"
)

// Event is one entry on a workflow's ordered event stream.
type Event struct {
	WorkflowID string         `json:"workflow_id"`
	Type       Type           `json:"type"`
	SubtaskID  string         `json:"subtask_id,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	BatchIndex int            `json:"batch_index,omitempty"`
	Message    string         `json:"message,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Seq        uint64         `json:"seq"`
}

// Marshal returns the event as JSON for transport or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Bus fans events out to per-workflow subscribers. Delivery is best-effort
// at-most-once: slow subscribers are skipped, never waited on.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
	logger      *zap.Logger
}

// NewBus creates an event bus whose replay rings hold capacity events each.
func NewBus(capacity int, logger *zap.Logger) *Bus {
	if capacity <= 0 {
		capacity = 256
	}
	return &Bus{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
		logger:      logger,
	}
}

// Subscribe registers a buffered channel for a workflow's events. The caller
// must drain it and call Unsubscribe when done.
func (b *Bus) Subscribe(workflowID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[workflowID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		b.subscribers[workflowID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Bus) Unsubscribe(workflowID string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subscribers[workflowID]; ok {
		if _, ok := subs[ch]; ok {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(b.subscribers, workflowID)
		}
	}
}

// Publish assigns a sequence number, records the event in the replay ring,
// and delivers it to every subscriber without blocking.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	rg := b.history[evt.WorkflowID]
	if rg == nil {
		rg = newRing(b.capacity)
		b.history[evt.WorkflowID] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)
	subs := b.subscribers[evt.WorkflowID]
	b.mu.Unlock()

	for ch := range subs {
		select {
		case ch <- evt:
		default:
			if b.logger != nil {
				b.logger.Debug("Dropping event for slow subscriber",
					zap.String("workflow_id", evt.WorkflowID),
					zap.String("type", string(evt.Type)),
				)
			}
		}
	}
}

// ReplaySince returns buffered events with Seq > since, best-effort within
// ring capacity.
func (b *Bus) ReplaySince(workflowID string, since uint64) []Event {
	b.mu.RLock()
	rg := b.history[workflowID]
	b.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Drop discards the replay ring and subscribers for a finished workflow.
func (b *Bus) Drop(workflowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subscribers[workflowID]; ok {
		for ch := range subs {
			close(ch)
		}
		delete(b.subscribers, workflowID)
	}
	delete(b.history, workflowID)
}

// ring is a fixed-capacity buffer of events.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
