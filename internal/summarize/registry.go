// Package summarize сжимает большие ответы инструментов до компактного дайджеста.
//
// Трансформации работают над обобщенным JSON-представлением (map[string]any)
// и никогда не паникуют наружу: на неожиданной форме входа возвращается
// исходный payload без изменений.
package summarize

import (
	"encoding/json"
	"sort"

	"go.uber.org/zap"
)

// Kind — шаблон сжатия, которым пользуется трансформация.
type Kind string

const (
	KindRollup Kind = "rollup" // выбросить временные ряды, оставить свертки
	KindNarrow Kind = "narrow" // сузить объекты до фиксированного подмножества полей
	KindCounts Kind = "counts" // распределения по значению поля
	KindTopN   Kind = "top_n"  // оставить первые N элементов ранжированного списка
)

// Transform — тегированная трансформация. apply возвращает false, если форма входа не подходит.
type Transform struct {
	Kind  Kind
	apply func(map[string]any) (any, bool)
}

type Registry struct {
	transforms map[string]Transform
	logger     *zap.Logger
}

// NewRegistry собирает реестр один раз при старте.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		transforms: map[string]Transform{
			"wpe_get_account_usage":  {Kind: KindRollup, apply: accountUsage},
			"wpe_get_install_usage":  {Kind: KindRollup, apply: installUsage},
			"wpe_get_installs":       {Kind: KindNarrow, apply: installs},
			"wpe_get_sites":          {Kind: KindNarrow, apply: sites},
			"wpe_get_account_users":  {Kind: KindNarrow, apply: accountUsers},
			"wpe_account_ssl_status": {Kind: KindNarrow, apply: accountSSLStatus},
			"wpe_account_usage":      {Kind: KindRollup, apply: compositeAccountUsage},
			"wpe_account_domains":    {Kind: KindNarrow, apply: accountDomains},
			"wpe_diagnose_site":      {Kind: KindRollup, apply: diagnoseSite},
			"wpe_portfolio_overview": {Kind: KindCounts, apply: portfolioOverview},
			"wpe_portfolio_usage":    {Kind: KindTopN, apply: portfolioUsage},
			"wpe_fleet_health":       {Kind: KindTopN, apply: fleetHealth},
		},
		logger: logger.Named("summarize"),
	}
}

func (r *Registry) Has(tool string) bool {
	_, ok := r.transforms[tool]
	return ok
}

// Tools — имена инструментов с зарегистрированной трансформацией, по алфавиту.
func (r *Registry) Tools() []string {
	out := make([]string, 0, len(r.transforms))
	for name := range r.transforms {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Apply применяет трансформацию, если сжатие включено и она зарегистрирована.
func (r *Registry) Apply(tool string, data any, enabled bool) (out any) {
	if !enabled {
		return data
	}
	t, ok := r.transforms[tool]
	if !ok {
		return data
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("summarizer panicked, returning raw payload",
				zap.String("tool", tool), zap.Any("panic", rec))
			out = data
		}
	}()

	m, ok := normalize(data)
	if !ok || m["error"] != nil {
		return data
	}
	res, ok := t.apply(m)
	if !ok {
		return data
	}
	return res
}

// normalize приводит payload к map[string]any. Типизированные структуры
// композитных инструментов проходят через JSON.
func normalize(data any) (map[string]any, bool) {
	switch v := data.(type) {
	case nil:
		return nil, false
	case map[string]any:
		return v, true
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false
	}
	return m, true
}
