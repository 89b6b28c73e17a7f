package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/capi-tool-gateway/internal/audit"
	"github.com/xela07ax/capi-tool-gateway/internal/domain"
)

func TestAuditRepo_WriteBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	entries := []audit.Entry{
		{ID: "11111111-1111-1111-1111-111111111111", TraceID: "tr-1", Timestamp: ts, ToolName: "wpe_get_installs",
			Tier: domain.TierRead, Params: map[string]any{"account_id": "a-1"}, Result: audit.OutcomeSuccess, DurationMs: 7},
		{ID: "22222222-2222-2222-2222-222222222222", Timestamp: ts, ToolName: "wpe_delete_install",
			Tier: domain.TierDestructive, Params: map[string]any{}, Confirmed: audit.Bool(false),
			Result: audit.OutcomeConfirmationRequired},
	}

	mock.ExpectExec(regexp.QuoteMeta(
		"INSERT INTO tool_audit_log (id, trace_id, tool_name, tier, params, confirmed, result, error, duration_ms, timestamp) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10), ($11, $12, $13, $14, $15, $16, $17, $18, $19, $20) ON CONFLICT (id) DO NOTHING")).
		WithArgs(
			entries[0].ID, "tr-1", "wpe_get_installs", 1, []byte(`{"account_id":"a-1"}`),
			sql.NullBool{}, "success", "", int64(7), ts,
			entries[1].ID, "", "wpe_delete_install", 3, []byte(`{}`),
			sql.NullBool{Bool: false, Valid: true}, "confirmation_required", "", int64(0), ts,
		).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, NewAuditRepo(db).WriteBatch(context.Background(), entries))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepo_EmptyBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, NewAuditRepo(db).WriteBatch(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepo_FailureKeepsBufferedEntries(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO tool_audit_log").WillReturnError(errors.New("connection reset"))

	l := audit.NewLogger(NewAuditRepo(db), nil)
	l.Log(audit.Entry{ToolName: "wpe_get_sites", Tier: domain.TierRead, Result: audit.OutcomeSuccess})

	err = l.Flush(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, 1, l.Len())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepo_EnsureSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS tool_audit_log")).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, NewAuditRepo(db).EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
