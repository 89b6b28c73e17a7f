package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xela07ax/capi-tool-gateway/internal/audit"
)

const auditSchema = `CREATE TABLE IF NOT EXISTS tool_audit_log (
	id          UUID PRIMARY KEY,
	trace_id    TEXT NOT NULL DEFAULT '',
	tool_name   TEXT NOT NULL,
	tier        SMALLINT NOT NULL,
	params      JSONB NOT NULL,
	confirmed   BOOLEAN,
	result      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	duration_ms BIGINT NOT NULL,
	timestamp   TIMESTAMPTZ NOT NULL
)`

// Количество колонок в таблице tool_audit_log
const auditColumns = 10

// AuditRepo — Sink журнала аудита поверх Postgres.
type AuditRepo struct {
	db *sql.DB
}

var _ audit.Sink = (*AuditRepo)(nil)

func NewAuditRepo(db *sql.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

// EnsureSchema создает таблицу, если ее еще нет.
func (r *AuditRepo) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, auditSchema); err != nil {
		return fmt.Errorf("postgres: ensure audit schema: %w", err)
	}
	return nil
}

// WriteBatch пишет всю пачку одним INSERT. ON CONFLICT гасит повтор после
// частично удачного сброса: id записи стабилен между попытками.
func (r *AuditRepo) WriteBatch(ctx context.Context, entries []audit.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	placeholders := make([]string, 0, len(entries))
	vals := make([]interface{}, 0, len(entries)*auditColumns)

	// Динамически строим запрос для пакетной вставки
	for i, e := range entries {
		p := i * auditColumns
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9, p+10))

		params, err := json.Marshal(e.Params)
		if err != nil {
			return fmt.Errorf("postgres: marshal params of %s: %w", e.ID, err)
		}

		var confirmed sql.NullBool
		if e.Confirmed != nil {
			confirmed = sql.NullBool{Bool: *e.Confirmed, Valid: true}
		}

		vals = append(vals,
			e.ID, e.TraceID, e.ToolName, int(e.Tier), params,
			confirmed, string(e.Result), e.Error, e.DurationMs, e.Timestamp,
		)
	}

	query := fmt.Sprintf(
		"INSERT INTO tool_audit_log (id, trace_id, tool_name, tier, params, confirmed, result, error, duration_ms, timestamp) VALUES %s ON CONFLICT (id) DO NOTHING",
		strings.Join(placeholders, ", "),
	)

	if _, err := r.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: write audit batch: %w", err)
	}
	return nil
}
