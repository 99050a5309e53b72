package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	// Store drivers. Backend selection happens in config.
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/conductor-dev/conductor/internal/metrics"
	"github.com/conductor-dev/conductor/internal/models"
)

// SQLStore persists results through database/sql with sqlx conveniences.
// Queries are written with ? placeholders and rebound per driver, so the same
// code serves sqlite3 and postgres.
type SQLStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS subtask_results (
	id                TEXT PRIMARY KEY,
	subtask_id        TEXT NOT NULL,
	workflow_id       TEXT NOT NULL,
	batch_id          TEXT NOT NULL DEFAULT '',
	agent_id          TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	content           TEXT NOT NULL DEFAULT '',
	confidence        DOUBLE PRECISION NOT NULL DEFAULT 0,
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens      INTEGER NOT NULL DEFAULT 0,
	errors            TEXT NOT NULL DEFAULT '[]',
	warnings          TEXT NOT NULL DEFAULT '[]',
	attempt           INTEGER NOT NULL DEFAULT 1,
	execution_order   BIGINT NOT NULL,
	duration_ms       BIGINT NOT NULL DEFAULT 0,
	generated_at      TIMESTAMP NOT NULL,
	checksum          TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_results_subtask  ON subtask_results (subtask_id);
CREATE INDEX IF NOT EXISTS idx_results_workflow ON subtask_results (workflow_id);
CREATE INDEX IF NOT EXISTS idx_results_batch    ON subtask_results (batch_id);
CREATE INDEX IF NOT EXISTS idx_results_agent    ON subtask_results (agent_id);
CREATE INDEX IF NOT EXISTS idx_results_date     ON subtask_results (generated_at);

CREATE TABLE IF NOT EXISTS batch_meta (
	batch_id     TEXT PRIMARY KEY,
	workflow_id  TEXT NOT NULL,
	batch_index  INTEGER NOT NULL,
	subtask_ids  TEXT NOT NULL DEFAULT '[]',
	token_budget INTEGER NOT NULL DEFAULT 0,
	started_at   TIMESTAMP NOT NULL,
	completed_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS execution_states (
	workflow_id TEXT PRIMARY KEY,
	payload     TEXT NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);
`

// NewSQLStore opens the database and bootstraps the schema.
func NewSQLStore(driver, dsn string, logger *zap.Logger) (*SQLStore, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s store: %w", driver, err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLStore{db: db, logger: logger}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap %s schema: %w", driver, err)
	}
	logger.Info("SQL result store ready", zap.String("driver", driver))
	return s, nil
}

// NewSQLStoreFromDB wraps an existing connection without running migrations.
// Used by tests driving a mock.
func NewSQLStoreFromDB(db *sqlx.DB, logger *zap.Logger) *SQLStore {
	return &SQLStore{db: db, logger: logger}
}

type resultRow struct {
	ID               string    `db:"id"`
	SubtaskID        string    `db:"subtask_id"`
	WorkflowID       string    `db:"workflow_id"`
	BatchID          string    `db:"batch_id"`
	AgentID          string    `db:"agent_id"`
	Status           string    `db:"status"`
	Content          string    `db:"content"`
	Confidence       float64   `db:"confidence"`
	PromptTokens     int       `db:"prompt_tokens"`
	CompletionTokens int       `db:"completion_tokens"`
	TotalTokens      int       `db:"total_tokens"`
	Errors           string    `db:"errors"`
	Warnings         string    `db:"warnings"`
	Attempt          int       `db:"attempt"`
	ExecutionOrder   int64     `db:"execution_order"`
	DurationMs       int64     `db:"duration_ms"`
	GeneratedAt      time.Time `db:"generated_at"`
	Checksum         string    `db:"checksum"`
}

func toRow(r *models.SubtaskResult) (*resultRow, error) {
	errs, err := json.Marshal(sliceOrEmpty(r.Errors))
	if err != nil {
		return nil, err
	}
	warns, err := json.Marshal(sliceOrEmpty(r.Warnings))
	if err != nil {
		return nil, err
	}
	return &resultRow{
		ID:               r.ID,
		SubtaskID:        r.SubtaskID,
		WorkflowID:       r.WorkflowID,
		BatchID:          r.BatchID,
		AgentID:          r.AgentID,
		Status:           string(r.Status),
		Content:          r.Content,
		Confidence:       r.Confidence,
		PromptTokens:     r.TokenUsage.PromptTokens,
		CompletionTokens: r.TokenUsage.CompletionTokens,
		TotalTokens:      r.TokenUsage.TotalTokens,
		Errors:           string(errs),
		Warnings:         string(warns),
		Attempt:          r.Attempt,
		ExecutionOrder:   r.ExecutionOrder,
		DurationMs:       r.DurationMs,
		GeneratedAt:      r.GeneratedAt,
		Checksum:         r.Checksum,
	}, nil
}

func sliceOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (row *resultRow) toModel() (*models.SubtaskResult, error) {
	r := &models.SubtaskResult{
		ID:         row.ID,
		SubtaskID:  row.SubtaskID,
		WorkflowID: row.WorkflowID,
		BatchID:    row.BatchID,
		AgentID:    row.AgentID,
		Status:     models.SubtaskStatus(row.Status),
		Content:    row.Content,
		Confidence: row.Confidence,
		TokenUsage: models.TokenUsage{
			PromptTokens:     row.PromptTokens,
			CompletionTokens: row.CompletionTokens,
			TotalTokens:      row.TotalTokens,
		},
		Attempt:        row.Attempt,
		ExecutionOrder: row.ExecutionOrder,
		DurationMs:     row.DurationMs,
		GeneratedAt:    row.GeneratedAt,
		Checksum:       row.Checksum,
	}
	if err := json.Unmarshal([]byte(row.Errors), &r.Errors); err != nil {
		return nil, fmt.Errorf("decode errors for result %s: %w", row.ID, err)
	}
	if err := json.Unmarshal([]byte(row.Warnings), &r.Warnings); err != nil {
		return nil, fmt.Errorf("decode warnings for result %s: %w", row.ID, err)
	}
	if len(r.Errors) == 0 {
		r.Errors = nil
	}
	if len(r.Warnings) == 0 {
		r.Warnings = nil
	}
	return r, nil
}

// SaveSubtaskResult writes the result inside a transaction, assigning the
// next execution order atomically.
func (s *SQLStore) SaveSubtaskResult(ctx context.Context, r *models.SubtaskResult) error {
	if r.ID == "" {
		r.ID = models.NewID()
	}
	if r.GeneratedAt.IsZero() {
		r.GeneratedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		metrics.StoreWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	var next int64
	if err := tx.GetContext(ctx, &next,
		`SELECT COALESCE(MAX(execution_order), 0) + 1 FROM subtask_results`); err != nil {
		metrics.StoreWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("allocate execution order: %w", err)
	}
	r.ExecutionOrder = next
	if r.Checksum == "" {
		r.Seal()
	}

	row, err := toRow(r)
	if err != nil {
		metrics.StoreWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("encode result %s: %w", r.ID, err)
	}

	query := s.db.Rebind(`
		INSERT INTO subtask_results (
			id, subtask_id, workflow_id, batch_id, agent_id, status, content,
			confidence, prompt_tokens, completion_tokens, total_tokens,
			errors, warnings, attempt, execution_order, duration_ms,
			generated_at, checksum
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			content = EXCLUDED.content,
			confidence = EXCLUDED.confidence,
			errors = EXCLUDED.errors,
			warnings = EXCLUDED.warnings,
			checksum = EXCLUDED.checksum`)
	if _, err := tx.ExecContext(ctx, query,
		row.ID, row.SubtaskID, row.WorkflowID, row.BatchID, row.AgentID,
		row.Status, row.Content, row.Confidence, row.PromptTokens,
		row.CompletionTokens, row.TotalTokens, row.Errors, row.Warnings,
		row.Attempt, row.ExecutionOrder, row.DurationMs, row.GeneratedAt,
		row.Checksum,
	); err != nil {
		metrics.StoreWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("save result %s: %w", r.ID, err)
	}

	if err := tx.Commit(); err != nil {
		metrics.StoreWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("commit save: %w", err)
	}
	metrics.StoreWrites.WithLabelValues("ok").Inc()
	return nil
}

const resultColumns = `id, subtask_id, workflow_id, batch_id, agent_id, status,
	content, confidence, prompt_tokens, completion_tokens, total_tokens,
	errors, warnings, attempt, execution_order, duration_ms, generated_at, checksum`

func (s *SQLStore) GetSubtaskResult(ctx context.Context, resultID string) (*models.SubtaskResult, error) {
	var row resultRow
	query := s.db.Rebind(`SELECT ` + resultColumns + ` FROM subtask_results WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, resultID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get result %s: %w", resultID, err)
	}
	return row.toModel()
}

func (s *SQLStore) queryResults(ctx context.Context, where string, args ...interface{}) ([]*models.SubtaskResult, error) {
	var rows []resultRow
	query := s.db.Rebind(`SELECT ` + resultColumns + ` FROM subtask_results WHERE ` +
		where + ` ORDER BY execution_order ASC`)
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	out := make([]*models.SubtaskResult, 0, len(rows))
	for i := range rows {
		r, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *SQLStore) GetResultsBySubtask(ctx context.Context, subtaskID string) ([]*models.SubtaskResult, error) {
	return s.queryResults(ctx, `subtask_id = ?`, subtaskID)
}

func (s *SQLStore) GetResultsByBatch(ctx context.Context, batchID string) ([]*models.SubtaskResult, error) {
	return s.queryResults(ctx, `batch_id = ?`, batchID)
}

func (s *SQLStore) GetResultsByWorkflow(ctx context.Context, workflowID string) ([]*models.SubtaskResult, error) {
	return s.queryResults(ctx, `workflow_id = ?`, workflowID)
}

func (s *SQLStore) GetResultsByStatus(ctx context.Context, workflowID string, status models.SubtaskStatus) ([]*models.SubtaskResult, error) {
	return s.queryResults(ctx, `workflow_id = ? AND status = ?`, workflowID, string(status))
}

func (s *SQLStore) GetResultsByAgent(ctx context.Context, agentID string) ([]*models.SubtaskResult, error) {
	return s.queryResults(ctx, `agent_id = ?`, agentID)
}

func (s *SQLStore) GetResultsByDateRange(ctx context.Context, from, to time.Time) ([]*models.SubtaskResult, error) {
	return s.queryResults(ctx, `generated_at >= ? AND generated_at <= ?`, from, to)
}

func (s *SQLStore) SaveBatchMeta(ctx context.Context, meta *models.BatchMeta) error {
	ids, err := json.Marshal(sliceOrEmpty(meta.SubtaskIDs))
	if err != nil {
		return fmt.Errorf("encode batch %s: %w", meta.BatchID, err)
	}
	var completed interface{}
	if !meta.CompletedAt.IsZero() {
		completed = meta.CompletedAt
	}
	query := s.db.Rebind(`
		INSERT INTO batch_meta (batch_id, workflow_id, batch_index, subtask_ids, token_budget, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (batch_id) DO UPDATE SET completed_at = EXCLUDED.completed_at`)
	if _, err := s.db.ExecContext(ctx, query,
		meta.BatchID, meta.WorkflowID, meta.Index, string(ids),
		meta.TokenBudget, meta.StartedAt, completed,
	); err != nil {
		return fmt.Errorf("save batch %s: %w", meta.BatchID, err)
	}
	return nil
}

func (s *SQLStore) GetBatchMeta(ctx context.Context, batchID string) (*models.BatchMeta, error) {
	var row struct {
		BatchID     string       `db:"batch_id"`
		WorkflowID  string       `db:"workflow_id"`
		BatchIndex  int          `db:"batch_index"`
		SubtaskIDs  string       `db:"subtask_ids"`
		TokenBudget int          `db:"token_budget"`
		StartedAt   time.Time    `db:"started_at"`
		CompletedAt sql.NullTime `db:"completed_at"`
	}
	query := s.db.Rebind(`SELECT batch_id, workflow_id, batch_index, subtask_ids,
		token_budget, started_at, completed_at FROM batch_meta WHERE batch_id = ?`)
	if err := s.db.GetContext(ctx, &row, query, batchID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get batch %s: %w", batchID, err)
	}
	meta := &models.BatchMeta{
		BatchID:     row.BatchID,
		WorkflowID:  row.WorkflowID,
		Index:       row.BatchIndex,
		TokenBudget: row.TokenBudget,
		StartedAt:   row.StartedAt,
	}
	if row.CompletedAt.Valid {
		meta.CompletedAt = row.CompletedAt.Time
	}
	if err := json.Unmarshal([]byte(row.SubtaskIDs), &meta.SubtaskIDs); err != nil {
		return nil, fmt.Errorf("decode batch %s: %w", batchID, err)
	}
	return meta, nil
}

func (s *SQLStore) SaveExecutionState(ctx context.Context, state *models.ExecutionState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", state.WorkflowID, err)
	}
	query := s.db.Rebind(`
		INSERT INTO execution_states (workflow_id, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (workflow_id) DO UPDATE SET
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at`)
	if _, err := s.db.ExecContext(ctx, query, state.WorkflowID, string(payload), time.Now().UTC()); err != nil {
		return fmt.Errorf("save state %s: %w", state.WorkflowID, err)
	}
	return nil
}

func (s *SQLStore) GetExecutionState(ctx context.Context, workflowID string) (*models.ExecutionState, error) {
	var payload string
	query := s.db.Rebind(`SELECT payload FROM execution_states WHERE workflow_id = ?`)
	if err := s.db.GetContext(ctx, &payload, query, workflowID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get state %s: %w", workflowID, err)
	}
	var state models.ExecutionState
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", workflowID, err)
	}
	return &state, nil
}

func (s *SQLStore) GetReintegrationData(ctx context.Context, workflowID string, subtasks []*models.Subtask) (*ReintegrationData, error) {
	results, err := s.GetResultsByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	state, err := s.GetExecutionState(ctx, workflowID)
	if err != nil {
		state = nil
	}
	return buildReintegrationData(workflowID, results, subtasks, state), nil
}

func (s *SQLStore) ValidateIntegrity(ctx context.Context, workflowID string, subtasks []*models.Subtask) (*IntegrityReport, error) {
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

func (s *SQLStore) Close() error { return s.db.Close() }
