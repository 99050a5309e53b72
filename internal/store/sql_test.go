package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/conductor-dev/conductor/internal/models"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLStoreFromDB(sqlx.NewDb(db, "sqlite3"), zaptest.NewLogger(t)), mock
}

func TestSQLSaveSubtaskResult(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(MAX(execution_order), 0) + 1 FROM subtask_results`)).
		WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(7))
	mock.ExpectExec(`INSERT INTO subtask_results`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	r := result("st-1", "wf", "agent-a", models.SubtaskCompleted)
	require.NoError(t, s.SaveSubtaskResult(context.Background(), r))

	assert.Equal(t, int64(7), r.ExecutionOrder)
	assert.NotEmpty(t, r.Checksum)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSaveRollsBackOnInsertFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(MAX(execution_order), 0) + 1 FROM subtask_results`)).
		WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(1))
	mock.ExpectExec(`INSERT INTO subtask_results`).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := s.SaveSubtaskResult(context.Background(), result("st-1", "wf", "a", models.SubtaskCompleted))
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLGetSubtaskResultNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .+ FROM subtask_results WHERE id = \?`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetSubtaskResult(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLGetResultsByWorkflow(t *testing.T) {
	s, mock := newMockStore(t)

	cols := []string{
		"id", "subtask_id", "workflow_id", "batch_id", "agent_id", "status",
		"content", "confidence", "prompt_tokens", "completion_tokens",
		"total_tokens", "errors", "warnings", "attempt", "execution_order",
		"duration_ms", "generated_at", "checksum",
	}
	now := time.Now().UTC()
	rows := sqlmock.NewRows(cols).
		AddRow("r1", "st-1", "wf", "b1", "a1", "COMPLETED", "out", 0.9,
			10, 20, 30, `["oops"]`, `[]`, 1, 1, 500, now, "sum").
		AddRow("r2", "st-2", "wf", "b1", "a1", "FAILED", "", 0,
			0, 0, 0, `[]`, `[]`, 2, 2, 100, now, "sum")

	mock.ExpectQuery(`SELECT .+ FROM subtask_results WHERE workflow_id = \? ORDER BY execution_order ASC`).
		WithArgs("wf").
		WillReturnRows(rows)

	results, err := s.GetResultsByWorkflow(context.Background(), "wf")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, []string{"oops"}, results[0].Errors)
	assert.Nil(t, results[1].Errors)
	assert.Equal(t, models.SubtaskFailed, results[1].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLExecutionStateRoundTrip(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO execution_states`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	state := models.NewExecutionState("wf", 3)
	state.MarkRunning("st-1")
	require.NoError(t, s.SaveExecutionState(context.Background(), state))

	payload := `{"workflow_id":"wf","status":"RUNNING","started_at":"0001-01-01T00:00:00Z",` +
		`"running":{"st-1":true},"completed":{},"failed":{},"retry_counts":{},` +
		`"last_attempt":{},"progress":{"total":3,"completed":0,"failed":0,"in_progress":1}}`
	mock.ExpectQuery(`SELECT payload FROM execution_states WHERE workflow_id = \?`).
		WithArgs("wf").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(payload))

	got, err := s.GetExecutionState(context.Background(), "wf")
	require.NoError(t, err)
	assert.True(t, got.Running["st-1"])
	assert.Equal(t, 3, got.Progress.Total)
	assert.NoError(t, mock.ExpectationsWereMet())
}
