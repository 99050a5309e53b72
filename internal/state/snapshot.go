// Package state captures periodic snapshots of workflow execution and plans
// recovery from the latest one.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/conductor-dev/conductor/internal/config"
	"github.com/conductor-dev/conductor/internal/metrics"
	"github.com/conductor-dev/conductor/internal/models"
)

// Checkpoint carries the batch-level progress recorded with each snapshot.
type Checkpoint struct {
	LastBatchIndex int      `json:"last_batch_index"`
	FailureCount   int      `json:"failure_count"`
	CriticalErrors []string `json:"critical_errors,omitempty"`
}

// Snapshot is a deep, immutable copy of one workflow's execution at an instant.
type Snapshot struct {
	ID         string                 `json:"id"`
	WorkflowID string                 `json:"workflow_id"`
	TakenAt    time.Time              `json:"taken_at"`
	Reason     string                 `json:"reason"` // "interval", "checkpoint", "recovery"
	State      *models.ExecutionState `json:"state"`
	Checkpoint Checkpoint             `json:"checkpoint"`
}

// SnapshotStore persists snapshots per workflow, newest first, bounded by the
// configured ring size.
type SnapshotStore interface {
	Save(ctx context.Context, snap *Snapshot, limit int) error
	Latest(ctx context.Context, workflowID string) (*Snapshot, error)
	List(ctx context.Context, workflowID string) ([]*Snapshot, error)
	Close() error
}

// ErrNoSnapshot is returned when a workflow has no stored snapshot.
var ErrNoSnapshot = models.NewError(models.ErrKindRecovery, "no snapshot available")

// NewSnapshotStore builds the configured snapshot backend.
func NewSnapshotStore(cfg config.StateConfig, logger *zap.Logger) (SnapshotStore, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemorySnapshotStore(), nil
	case "redis":
		return NewRedisSnapshotStore(cfg.RedisAddr, logger), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}

// MemorySnapshotStore keeps per-workflow rings in process memory.
type MemorySnapshotStore struct {
	mu    sync.RWMutex
	rings map[string][]*Snapshot // newest first
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{rings: make(map[string][]*Snapshot)}
}

func (s *MemorySnapshotStore) Save(_ context.Context, snap *Snapshot, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ring := append([]*Snapshot{snap}, s.rings[snap.WorkflowID]...)
	if limit > 0 && len(ring) > limit {
		ring = ring[:limit]
	}
	s.rings[snap.WorkflowID] = ring
	return nil
}

func (s *MemorySnapshotStore) Latest(_ context.Context, workflowID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ring := s.rings[workflowID]
	if len(ring) == 0 {
		return nil, ErrNoSnapshot
	}
	return ring[0], nil
}

func (s *MemorySnapshotStore) List(_ context.Context, workflowID string) ([]*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Snapshot(nil), s.rings[workflowID]...), nil
}

func (s *MemorySnapshotStore) Close() error { return nil }

// RedisSnapshotStore keeps snapshots in a per-workflow Redis list, newest at
// the head, trimmed to the ring size on every write.
type RedisSnapshotStore struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

func NewRedisSnapshotStore(addr string, logger *zap.Logger) *RedisSnapshotStore {
	return &RedisSnapshotStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		logger: logger,
		ttl:    24 * time.Hour,
	}
}

// NewRedisSnapshotStoreFromClient wraps an existing client. Used by tests.
func NewRedisSnapshotStoreFromClient(client *redis.Client, logger *zap.Logger) *RedisSnapshotStore {
	return &RedisSnapshotStore{client: client, logger: logger, ttl: 24 * time.Hour}
}

func snapshotKey(workflowID string) string {
	return "conductor:snapshots:" + workflowID
}

func (s *RedisSnapshotStore) Save(ctx context.Context, snap *Snapshot, limit int) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snap.ID, err)
	}
	key := snapshotKey(snap.WorkflowID)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, payload)
	if limit > 0 {
		pipe.LTrim(ctx, key, 0, int64(limit-1))
	}
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.ID, err)
	}
	return nil
}

func (s *RedisSnapshotStore) Latest(ctx context.Context, workflowID string) (*Snapshot, error) {
	raw, err := s.client.LIndex(ctx, snapshotKey(workflowID), 0).Result()
	if err == redis.Nil {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("load latest snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

func (s *RedisSnapshotStore) List(ctx context.Context, workflowID string) ([]*Snapshot, error) {
	raws, err := s.client.LRange(ctx, snapshotKey(workflowID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	out := make([]*Snapshot, 0, len(raws))
	for _, raw := range raws {
		var snap Snapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			s.logger.Warn("Skipping undecodable snapshot", zap.Error(err))
			continue
		}
		out = append(out, &snap)
	}
	return out, nil
}

func (s *RedisSnapshotStore) Close() error { return s.client.Close() }

// Manager drives periodic and on-demand snapshots for running workflows.
type Manager struct {
	cfg    config.SnapshotConfig
	store  SnapshotStore
	logger *zap.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewManager creates a snapshot manager over the given store.
func NewManager(cfg config.SnapshotConfig, store SnapshotStore, logger *zap.Logger) *Manager {
	if cfg.IntervalMs <= 0 {
		cfg.IntervalMs = 60000
	}
	if cfg.MaxSnapshots <= 0 {
		cfg.MaxSnapshots = 50
	}
	if cfg.RecoveryTimeoutMs <= 0 {
		cfg.RecoveryTimeoutMs = 300000
	}
	return &Manager{
		cfg:     cfg,
		store:   store,
		logger:  logger,
		cancels: make(map[string]context.CancelFunc),
	}
}

// StateSource yields the current execution state for snapshotting. The
// controller passes a closure returning a deep clone.
type StateSource func() (*models.ExecutionState, Checkpoint)

// Watch snapshots the workflow every interval until the context ends or
// Unwatch is called.
func (m *Manager) Watch(ctx context.Context, workflowID string, source StateSource) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if prev, ok := m.cancels[workflowID]; ok {
		prev()
	}
	m.cancels[workflowID] = cancel
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(time.Duration(m.cfg.IntervalMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Take(ctx, workflowID, source, "interval"); err != nil {
					m.logger.Warn("Interval snapshot failed",
						zap.String("workflow_id", workflowID), zap.Error(err))
				}
			}
		}
	}()
}

// Unwatch stops the periodic snapshots for a workflow.
func (m *Manager) Unwatch(workflowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.cancels[workflowID]; ok {
		cancel()
		delete(m.cancels, workflowID)
	}
}

// Take captures one snapshot now.
func (m *Manager) Take(ctx context.Context, workflowID string, source StateSource, reason string) error {
	st, cp := source()
	snap := &Snapshot{
		ID:         models.NewID(),
		WorkflowID: workflowID,
		TakenAt:    time.Now().UTC(),
		Reason:     reason,
		State:      st.Clone(),
		Checkpoint: cp,
	}
	if err := m.store.Save(ctx, snap, m.cfg.MaxSnapshots); err != nil {
		return err
	}
	metrics.SnapshotsTaken.Inc()
	m.logger.Debug("Snapshot taken",
		zap.String("workflow_id", workflowID),
		zap.String("snapshot_id", snap.ID),
		zap.String("reason", reason),
	)
	return nil
}

// History returns stored snapshots, newest first, sorted defensively since
// backends may interleave writers.
func (m *Manager) History(ctx context.Context, workflowID string) ([]*Snapshot, error) {
	snaps, err := m.store.List(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(snaps, func(i, j int) bool { return snaps[i].TakenAt.After(snaps[j].TakenAt) })
	return snaps, nil
}
