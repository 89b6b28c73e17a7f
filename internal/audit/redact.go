package audit

import (
	"encoding/json"
	"strings"
)

const RedactedMarker = "[REDACTED]"

var sensitiveSubstrings = []string{"password", "token", "secret", "key"}

func isSensitive(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// Redact возвращает глубокую копию params, в которой значения чувствительных
// ключей заменены маркером на любой глубине, включая элементы массивов.
// Исходная мапа не изменяется.
func Redact(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	return redactMap(params)
}

func redactMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSensitive(k) {
			out[k] = RedactedMarker
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case nil, bool, string, float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		return t
	case map[string]any:
		return redactMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactValue(e)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactMap(e)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, s := range t {
			if isSensitive(k) {
				out[k] = RedactedMarker
			} else {
				out[k] = s
			}
		}
		return out
	case []string:
		return append([]string(nil), t...)
	}

	// Прочие типы (структуры, типизированные мапы) приводим к JSON-форме,
	// иначе чувствительное поле могло бы проскочить мимо обхода
	raw, err := json.Marshal(v)
	if err != nil {
		return RedactedMarker
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return RedactedMarker
	}
	return redactValue(generic)
}
