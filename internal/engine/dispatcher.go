package engine

/*
Файл dispatcher.go — единая точка исполнения инструмента.

Порядок: поиск в каталоге -> kill-switch -> валидация по JSON-схеме -> классификация риска
-> шлюз подтверждения -> хендлер -> сжатие ответа -> аудит -> метрики.
Call никогда не возвращает Go-ошибку: любой отказ превращается в CallResult с IsError.
*/

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/capi-tool-gateway/internal/audit"
	"github.com/xela07ax/capi-tool-gateway/internal/catalog"
	"github.com/xela07ax/capi-tool-gateway/internal/domain"
	"github.com/xela07ax/capi-tool-gateway/internal/policy"
	"github.com/xela07ax/capi-tool-gateway/internal/risk"
	"github.com/xela07ax/capi-tool-gateway/internal/summarize"
	"github.com/xela07ax/capi-tool-gateway/internal/upstream"
)

// CallResult — ответ транспорту. Payload-строка отдается как текст, остальное сериализуется в JSON.
type CallResult struct {
	Payload any  `json:"payload"`
	IsError bool `json:"isError"`
}

func errorText(msg string) CallResult {
	return CallResult{Payload: msg, IsError: true}
}

type Deps struct {
	Catalog    *catalog.Catalog
	API        upstream.API
	Gate       *policy.Gate
	Summarizer *summarize.Registry
	Auditor    *audit.Logger
	Switch     *ToolSwitch
	Metrics    *Metrics
	Logger     *zap.Logger
}

type Dispatcher struct {
	catalog    *catalog.Catalog
	api        upstream.API
	gate       *policy.Gate
	summarizer *summarize.Registry
	auditor    *audit.Logger
	switches   *ToolSwitch
	metrics    *Metrics
	logger     *zap.Logger
}

func NewDispatcher(d Deps) (*Dispatcher, error) {
	if d.Catalog == nil || d.API == nil {
		return nil, errors.New("dispatcher: catalog and upstream API are required")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Gate == nil {
		d.Gate = policy.NewGate(policy.DefaultTTL, nil, d.Logger)
	}
	if d.Summarizer == nil {
		d.Summarizer = summarize.NewRegistry(d.Logger)
	}
	if d.Auditor == nil {
		d.Auditor = audit.NewLogger(nil, d.Logger)
	}
	if d.Switch == nil {
		d.Switch = NewToolSwitch()
	}
	if d.Metrics == nil {
		d.Metrics = NewMetrics(nil)
	}
	return &Dispatcher{
		catalog:    d.Catalog,
		api:        d.API,
		gate:       d.Gate,
		summarizer: d.Summarizer,
		auditor:    d.Auditor,
		switches:   d.Switch,
		metrics:    d.Metrics,
		logger:     d.Logger.Named("dispatcher"),
	}, nil
}

// Call исполняет инструмент name с сырыми аргументами вызывающего.
func (d *Dispatcher) Call(ctx context.Context, name string, args map[string]any) CallResult {
	start := time.Now()

	traceID := TraceID(ctx)
	if traceID == "" {
		traceID = uuid.NewString()
		ctx = WithTraceID(ctx, traceID)
	}
	log := d.logger.With(zap.String("tool", name), zap.String("trace_id", traceID))

	tool, ok := d.catalog.Lookup(name)
	if !ok {
		d.metrics.ToolCalls.WithLabelValues("unknown", string(audit.OutcomeError)).Inc()
		log.Debug("unknown tool")
		return errorText("Unknown tool: " + name)
	}

	inv := domain.NewInvocation(name, args)
	assessment := risk.Classify(name, tool.Annotations.HTTPMethod)

	entry := audit.Entry{
		TraceID:   traceID,
		Timestamp: start.UTC(),
		ToolName:  name,
		Tier:      assessment.Tier,
		Params:    inv.Params,
	}
	finish := func(res CallResult, outcome audit.Outcome, errMsg string) CallResult {
		elapsed := time.Since(start)
		entry.Result = outcome
		entry.Error = errMsg
		entry.DurationMs = elapsed.Milliseconds()
		d.auditor.Log(entry)

		d.metrics.ToolCalls.WithLabelValues(name, string(outcome)).Inc()
		d.metrics.ToolDuration.WithLabelValues(name, string(outcome)).Observe(elapsed.Seconds())
		if outcome == audit.OutcomeError {
			log.Warn("tool call failed", zap.String("error", errMsg), zap.Duration("duration", elapsed))
		} else {
			log.Info("tool call", zap.String("result", string(outcome)), zap.Duration("duration", elapsed))
		}
		return res
	}

	if d.switches.IsDisabled(name) {
		msg := "Tool disabled: " + name
		return finish(errorText(msg), audit.OutcomeError, msg)
	}

	if err := d.catalog.Validate(name, inv.Params); err != nil {
		return finish(errorText("Tool error: "+err.Error()), audit.OutcomeError, err.Error())
	}

	decision, err := d.gate.Check(inv, assessment)
	if err != nil {
		entry.Confirmed = audit.Bool(false)
		var rej *policy.RejectionError
		if errors.As(err, &rej) {
			d.metrics.Confirmations.WithLabelValues(name, "rejected").Inc()
			return finish(CallResult{Payload: map[string]any{"error": rej.Message}, IsError: true}, audit.OutcomeError, rej.Message)
		}
		return finish(errorText("Tool error: "+err.Error()), audit.OutcomeError, err.Error())
	}
	if decision.Challenge != nil {
		entry.Confirmed = audit.Bool(false)
		d.metrics.Confirmations.WithLabelValues(name, "issued").Inc()
		return finish(CallResult{Payload: decision.Challenge}, audit.OutcomeConfirmationRequired, "")
	}
	if decision.Confirmed {
		entry.Confirmed = audit.Bool(true)
		d.metrics.Confirmations.WithLabelValues(name, "confirmed").Inc()
	}

	data, err := d.execute(ctx, tool, inv.Params)
	if err != nil {
		var apiErr *domain.APIError
		if errors.As(err, &apiErr) {
			payload := map[string]any{"error": apiErr}
			if err.Error() != apiErr.Error() {
				payload["detail"] = err.Error()
			}
			return finish(CallResult{Payload: payload, IsError: true}, audit.OutcomeError, apiErr.Message)
		}
		return finish(errorText("Tool error: "+err.Error()), audit.OutcomeError, err.Error())
	}

	return finish(CallResult{Payload: d.summarizer.Apply(name, data, inv.Summary)}, audit.OutcomeSuccess, "")
}

// execute вызывает хендлер. Паника хендлера превращается в ошибку.
func (d *Dispatcher) execute(ctx context.Context, tool catalog.Tool, params map[string]any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool handler panicked", zap.String("tool", tool.Name), zap.Any("panic", r))
			out, err = nil, fmt.Errorf("%v", r)
		}
	}()
	return tool.Handler(ctx, params, d.api)
}

// ToolDefinition — инструмент в том виде, как его видит вызывающий.
type ToolDefinition struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	InputSchema map[string]any      `json:"inputSchema"`
	Annotations catalog.Annotations `json:"annotations"`
	Tier        domain.Tier         `json:"safetyTier"`
}

// Tools — включенные инструменты со схемами, дополненными мета-полями транспорта.
func (d *Dispatcher) Tools() []ToolDefinition {
	tools := d.catalog.List()
	out := make([]ToolDefinition, 0, len(tools))
	for _, t := range tools {
		if d.switches.IsDisabled(t.Name) {
			continue
		}
		tier := risk.Classify(t.Name, t.Annotations.HTTPMethod).Tier
		out = append(out, ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: withMetaParams(t.InputSchema, tier == domain.TierDestructive, d.summarizer.Has(t.Name)),
			Annotations: t.Annotations,
			Tier:        tier,
		})
	}
	return out
}

func withMetaParams(schema map[string]any, confirmable, summarizable bool) map[string]any {
	out := make(map[string]any, len(schema)+1)
	for k, v := range schema {
		out[k] = v
	}
	props := make(map[string]any)
	if src, ok := schema["properties"].(map[string]any); ok {
		for k, v := range src {
			props[k] = v
		}
	}
	if confirmable {
		props[domain.ParamConfirmationToken] = map[string]any{
			"type":        "string",
			"description": "Confirmation token returned by a previous call that required confirmation",
		}
	}
	if summarizable {
		props[domain.ParamSummary] = map[string]any{
			"type":        "boolean",
			"description": "Return a compact summary (default true). Set to false for the full response.",
		}
	}
	out["type"] = "object"
	out["properties"] = props
	return out
}
