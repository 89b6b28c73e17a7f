package upstream

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xela07ax/capi-tool-gateway/internal/domain"
)

var errForeignHost = errors.New("pagination link points to a foreign host")

// ThrottleError — upstream ответил 429. Несет последний результат, чтобы после
// исчерпания попыток вернуть вызывающему именно его.
type ThrottleError struct {
	Result domain.UpstreamResult
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled (status %d)", e.Result.Status)
}

// serverError — 5xx или сетевой сбой. Только такие ответы считаются отказом для Circuit Breaker.
type serverError struct {
	result domain.UpstreamResult
}

func (e *serverError) Error() string {
	return fmt.Sprintf("upstream failure (status %d)", e.result.Status)
}

// formatErrorMessage накладывает стабильное сообщение для оператора поверх тела ошибки upstream.
func formatErrorMessage(status int, body any) string {
	detail := errorDetail(body)

	switch {
	case status == 401:
		return join("Authentication failed (401).", detail, "Check your credentials or re-authenticate.")
	case status == 403:
		return join("Access denied (403).", detail, "You may not have permission for this resource.")
	case status == 404:
		return join("Not found (404).", detail, "The requested resource does not exist.")
	case status == 429:
		return "Rate limited (429). Too many requests, try again shortly."
	case status >= 500:
		return join(fmt.Sprintf("Server error (%d).", status), detail, "The upstream API may be experiencing issues.")
	default:
		return join(fmt.Sprintf("Request failed (%d).", status), detail, "")
	}
}

// errorDetail достает error или message из тела ответа.
func errorDetail(body any) string {
	m, ok := body.(map[string]any)
	if !ok {
		return ""
	}
	for _, key := range []string{"error", "message"} {
		if v, ok := m[key]; ok && v != nil {
			if s, ok := v.(string); ok {
				return s
			}
			return fmt.Sprint(v)
		}
	}
	return ""
}

func join(head, detail, hint string) string {
	parts := []string{head}
	if detail != "" {
		parts = append(parts, detail)
	}
	msg := strings.Join(parts, " ")
	if hint != "" {
		msg += " - " + hint
	}
	return msg
}
