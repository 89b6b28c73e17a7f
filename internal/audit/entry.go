package audit

import (
	"time"

	"github.com/xela07ax/capi-tool-gateway/internal/domain"
)

// Outcome — итог вызова инструмента в журнале.
type Outcome string

const (
	OutcomeSuccess              Outcome = "success"
	OutcomeError                Outcome = "error"
	OutcomeConfirmationRequired Outcome = "confirmation_required"
)

// Entry — одна запись аудита (строка NDJSON).
type Entry struct {
	ID        string         `json:"id"`      // UUID записи
	TraceID   string         `json:"traceId"` // Сквозной ID запроса
	Timestamp time.Time      `json:"timestamp"`
	ToolName  string         `json:"toolName"`
	Tier      domain.Tier    `json:"tier"`
	Params    map[string]any `json:"params"` // всегда редактированная копия

	// nil — подтверждение не требовалось, false — выдан challenge или отказ, true — токен погашен
	Confirmed *bool `json:"confirmed"`

	Result     Outcome `json:"result"`
	Error      string  `json:"error,omitempty"`
	DurationMs int64   `json:"duration_ms"`
}

// Bool — хелпер для поля Confirmed.
func Bool(v bool) *bool { return &v }
