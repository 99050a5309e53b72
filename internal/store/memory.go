package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/conductor-dev/conductor/internal/metrics"
	"github.com/conductor-dev/conductor/internal/models"
)

// MemoryStore keeps everything in maps guarded by a single RWMutex. Secondary
// indexes mirror the SQL store's query paths.
type MemoryStore struct {
	logger *zap.Logger

	mu        sync.RWMutex
	orderSeq  int64
	results   map[string]*models.SubtaskResult // result id -> result
	bySubtask map[string][]string              // subtask id -> result ids
	byBatch   map[string][]string
	byFlow    map[string][]string
	byAgent   map[string][]string
	batches   map[string]*models.BatchMeta
	states    map[string]*models.ExecutionState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		logger:    logger,
		results:   make(map[string]*models.SubtaskResult),
		bySubtask: make(map[string][]string),
		byBatch:   make(map[string][]string),
		byFlow:    make(map[string][]string),
		byAgent:   make(map[string][]string),
		batches:   make(map[string]*models.BatchMeta),
		states:    make(map[string]*models.ExecutionState),
	}
}

// SaveSubtaskResult persists a copy of the result, assigning the next global
// execution order and sealing the checksum if the caller left it empty.
func (s *MemoryStore) SaveSubtaskResult(_ context.Context, r *models.SubtaskResult) error {
	if r.ID == "" {
		r.ID = models.NewID()
	}
	if r.GeneratedAt.IsZero() {
		r.GeneratedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.orderSeq++
	r.ExecutionOrder = s.orderSeq
	if r.Checksum == "" {
		r.Seal()
	}

	cp := *r
	if _, exists := s.results[r.ID]; !exists {
		s.bySubtask[r.SubtaskID] = append(s.bySubtask[r.SubtaskID], r.ID)
		if r.BatchID != "" {
			s.byBatch[r.BatchID] = append(s.byBatch[r.BatchID], r.ID)
		}
		s.byFlow[r.WorkflowID] = append(s.byFlow[r.WorkflowID], r.ID)
		s.byAgent[r.AgentID] = append(s.byAgent[r.AgentID], r.ID)
	}
	s.results[r.ID] = &cp

	metrics.StoreWrites.WithLabelValues("ok").Inc()
	return nil
}

func (s *MemoryStore) GetSubtaskResult(_ context.Context, resultID string) (*models.SubtaskResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[resultID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) collect(ids []string) []*models.SubtaskResult {
	out := make([]*models.SubtaskResult, 0, len(ids))
	for _, id := range ids {
		if r, ok := s.results[id]; ok {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutionOrder < out[j].ExecutionOrder })
	return out
}

func (s *MemoryStore) GetResultsBySubtask(_ context.Context, subtaskID string) ([]*models.SubtaskResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.bySubtask[subtaskID]), nil
}

func (s *MemoryStore) GetResultsByBatch(_ context.Context, batchID string) ([]*models.SubtaskResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.byBatch[batchID]), nil
}

func (s *MemoryStore) GetResultsByWorkflow(_ context.Context, workflowID string) ([]*models.SubtaskResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.byFlow[workflowID]), nil
}

func (s *MemoryStore) GetResultsByStatus(_ context.Context, workflowID string, status models.SubtaskStatus) ([]*models.SubtaskResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.collect(s.byFlow[workflowID])
	out := all[:0]
	for _, r := range all {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetResultsByAgent(_ context.Context, agentID string) ([]*models.SubtaskResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.byAgent[agentID]), nil
}

func (s *MemoryStore) GetResultsByDateRange(_ context.Context, from, to time.Time) ([]*models.SubtaskResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.SubtaskResult, 0)
	for _, r := range s.results {
		if r.GeneratedAt.Before(from) || r.GeneratedAt.After(to) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutionOrder < out[j].ExecutionOrder })
	return out, nil
}

func (s *MemoryStore) SaveBatchMeta(_ context.Context, meta *models.BatchMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *meta
	cp.SubtaskIDs = append([]string(nil), meta.SubtaskIDs...)
	s.batches[meta.BatchID] = &cp
	return nil
}

func (s *MemoryStore) GetBatchMeta(_ context.Context, batchID string) (*models.BatchMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.batches[batchID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	cp.SubtaskIDs = append([]string(nil), m.SubtaskIDs...)
	return &cp, nil
}

func (s *MemoryStore) SaveExecutionState(_ context.Context, state *models.ExecutionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.WorkflowID] = state.Clone()
	return nil
}

func (s *MemoryStore) GetExecutionState(_ context.Context, workflowID string) (*models.ExecutionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[workflowID]
	if !ok {
		return nil, ErrNotFound
	}
	return st.Clone(), nil
}

func (s *MemoryStore) GetReintegrationData(ctx context.Context, workflowID string, subtasks []*models.Subtask) (*ReintegrationData, error) {
	results, err := s.GetResultsByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	state, err := s.GetExecutionState(ctx, workflowID)
	if err != nil {
		state = nil // reintegration works without a state record
	}
	return buildReintegrationData(workflowID, results, subtasks, state), nil
}

// ValidateIntegrity recomputes every stored checksum for the workflow and
// checks that each blocking dependency of the stored results has a stored
// result of its own.
func (s *MemoryStore) ValidateIntegrity(ctx context.Context, workflowID string, subtasks []*models.Subtask) (*IntegrityReport, error) {
	results, err := s.GetResultsByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	report := &IntegrityReport{WorkflowID: workflowID, Total: len(results)}
	for _, r := range results {
		if err := r.VerifyChecksum(); err != nil {
			report.Corrupted = append(report.Corrupted, r.ID)
			s.logger.Error("Result failed integrity check",
				zap.String("result_id", r.ID),
				zap.String("subtask_id", r.SubtaskID),
			)
			continue
		}
		report.Valid++
	}
	report.MissingDeps = missingDependencies(results, subtasks)
	for _, pair := range report.MissingDeps {
		s.logger.Error("Stored result references an unstored dependency",
			zap.String("workflow_id", workflowID),
			zap.String("dependency", pair),
		)
	}
	return report, nil
}

func (s *MemoryStore) Close() error { return nil }
