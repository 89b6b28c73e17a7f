package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNoCredentials — не настроен ни один способ аутентификации в upstream (status 0).
	ErrNoCredentials = errors.New("upstream: no credentials configured")
	// ErrRateLimited — 429 пережил все попытки ретрая.
	ErrRateLimited = errors.New("upstream: rate limit exhausted")
	// ErrCircuitOpen — предохранитель открыт, запрос в upstream не отправлялся.
	ErrCircuitOpen = errors.New("upstream: circuit breaker is open")
	// ErrTransport — сетевой сбой до получения HTTP-ответа.
	ErrTransport = errors.New("upstream: transport failure")
)

// APIError — структурированная ошибка upstream: машинный код + сообщение для оператора + сырое тело.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`

	kind error
}

func NewAPIError(code int, message string, details any, kind error) *APIError {
	return &APIError{Code: code, Message: message, Details: details, kind: kind}
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream error [%d]: %s", e.Code, e.Message)
}

// Unwrap позволяет делать errors.Is(err, domain.ErrRateLimited) и т.п.
func (e *APIError) Unwrap() error {
	return e.kind
}

// UpstreamResult — дискриминированный результат одного вызова upstream.
// Создается один раз и после возврата не изменяется.
type UpstreamResult struct {
	OK     bool      `json:"ok"`
	Status int       `json:"status"`
	Data   any       `json:"data,omitempty"`
	Error  *APIError `json:"error,omitempty"`

	// Truncated выставляется GetAll, если одна из следующих страниц не пришла
	// и в Data лежат только уже полученные страницы.
	Truncated bool `json:"truncated,omitempty"`
}

// Err возвращает ошибку результата как error (nil для успешного ответа).
func (r UpstreamResult) Err() error {
	if r.OK || r.Error == nil {
		if !r.OK {
			return NewAPIError(r.Status, fmt.Sprintf("request failed (%d)", r.Status), nil, nil)
		}
		return nil
	}
	return r.Error
}

// Decode перекладывает Data в типизированную структуру.
func (r UpstreamResult) Decode(v any) error {
	if r.Data == nil {
		return nil
	}
	raw, err := json.Marshal(r.Data)
	if err != nil {
		return fmt.Errorf("decode upstream data: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode upstream data: %w", err)
	}
	return nil
}
