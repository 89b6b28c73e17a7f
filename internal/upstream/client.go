package upstream

/*
Файл client.go — устойчивый HTTP-клиент к REST API хостинга (CAPI).

Каждый вызов возвращает domain.UpstreamResult и никогда не паникует наружу.
Слои вокруг одиночной попытки (снаружи внутрь):
- retry-go: повтор только на 429, full-jitter экспоненциальный бэкофф;
- rate.Limiter: клиентское ограничение частоты;
- gobreaker: предохранитель, срабатывает на 5xx и сетевых сбоях.
*/

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/capi-tool-gateway/internal/domain"
)

const (
	DefaultBaseURL        = "https://api.wpengineapi.com/v1"
	DefaultMaxAttempts    = 3
	DefaultRetryBaseDelay = 500 * time.Millisecond
	DefaultPageSize       = 100
	DefaultTimeout        = 30 * time.Second

	maxResponseBody = 32 << 20 // 32 MiB
)

// API — контракт, который получают хендлеры инструментов.
type API interface {
	Get(ctx context.Context, path string, query url.Values) domain.UpstreamResult
	Post(ctx context.Context, path string, body any) domain.UpstreamResult
	Patch(ctx context.Context, path string, body any) domain.UpstreamResult
	Delete(ctx context.Context, path string) domain.UpstreamResult
	GetAll(ctx context.Context, path string, query url.Values) domain.UpstreamResult
}

// RequestObserver получает телеметрию по попыткам (реализуется engine.Metrics).
type RequestObserver interface {
	ObserveAttempt(method string, status int, duration time.Duration)
	ObserveRetry(method string)
	ObserveBreakerState(name string, open bool)
}

// BreakerSettings — параметры предохранителя.
type BreakerSettings struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32 // сколько отказов подряд открывают предохранитель
}

type Options struct {
	BaseURL        string
	MaxAttempts    int
	RetryBaseDelay time.Duration
	PageSize       int
	Timeout        time.Duration
	RateLimit      float64 // запросов в секунду, 0 — без ограничения
	RateBurst      int
	Breaker        BreakerSettings
	HTTPClient     *http.Client
	Observer       RequestObserver
}

type Client struct {
	baseURL     *url.URL
	http        *http.Client
	creds       CredentialProvider
	maxAttempts int
	baseDelay   time.Duration
	pageSize    int
	limiter     *rate.Limiter
	cb          *gobreaker.CircuitBreaker
	observer    RequestObserver
	logger      *zap.Logger
}

var _ API = (*Client)(nil)

func New(opts Options, creds CredentialProvider, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if creds == nil {
		creds = Chain{}
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("upstream: invalid base url: %w", err)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	// Лимитер: по умолчанию не ограничиваем, upstream сам отвечает 429
	limit := rate.Inf
	burst := opts.RateBurst
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
		if burst <= 0 {
			burst = 1
		}
	}

	c := &Client{
		baseURL:     base,
		http:        httpClient,
		creds:       creds,
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.RetryBaseDelay,
		pageSize:    opts.PageSize,
		limiter:     rate.NewLimiter(limit, burst),
		observer:    opts.Observer,
		logger:      logger.Named("upstream"),
	}
	c.cb = gobreaker.NewCircuitBreaker(c.breakerSettings(opts.Breaker))
	return c, nil
}

func (c *Client) breakerSettings(s BreakerSettings) gobreaker.Settings {
	if s.MaxRequests == 0 {
		s.MaxRequests = 3
	}
	if s.Interval == 0 {
		s.Interval = 5 * time.Second
	}
	if s.Timeout == 0 {
		s.Timeout = 30 * time.Second // время, через которое CB попробует "закрыться"
	}
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	threshold := s.FailureThreshold
	return gobreaker.Settings{
		Name:        "capi-upstream",
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed",
				zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
			if c.observer != nil {
				c.observer.ObserveBreakerState(name, to == gobreaker.StateOpen)
			}
		},
	}
}

func (c *Client) Get(ctx context.Context, path string, query url.Values) domain.UpstreamResult {
	return c.request(ctx, http.MethodGet, c.buildURL(path, query), nil)
}

func (c *Client) Post(ctx context.Context, path string, body any) domain.UpstreamResult {
	return c.request(ctx, http.MethodPost, c.buildURL(path, nil), body)
}

func (c *Client) Patch(ctx context.Context, path string, body any) domain.UpstreamResult {
	return c.request(ctx, http.MethodPatch, c.buildURL(path, nil), body)
}

func (c *Client) Delete(ctx context.Context, path string) domain.UpstreamResult {
	return c.request(ctx, http.MethodDelete, c.buildURL(path, nil), nil)
}

// CredentialMethod — какой способ аутентификации сейчас активен (для диагностики).
func (c *Client) CredentialMethod() string {
	return c.creds.Method()
}

func (c *Client) buildURL(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = c.baseURL.Path + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) request(ctx context.Context, method, rawURL string, body any) domain.UpstreamResult {
	header, err := c.creds.AuthHeader(ctx)
	if err != nil || header == "" {
		return domain.UpstreamResult{
			Status: 0,
			Error: domain.NewAPIError(0,
				"No authentication configured. Set WP_ENGINE_API_USERNAME and WP_ENGINE_API_PASSWORD, or provide an API token.",
				nil, domain.ErrNoCredentials),
		}
	}

	var payload []byte
	if body != nil && (method == http.MethodPost || method == http.MethodPatch) {
		payload, err = json.Marshal(body)
		if err != nil {
			return domain.UpstreamResult{
				Error: domain.NewAPIError(0, fmt.Sprintf("Failed to encode request body: %v", err), nil, nil),
			}
		}
	}

	return c.executeWithRetry(ctx, method, rawURL, header, payload)
}

func (c *Client) executeWithRetry(ctx context.Context, method, rawURL, header string, payload []byte) domain.UpstreamResult {
	var (
		last    domain.UpstreamResult
		attempt int
	)

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(c.maxAttempts)),
		retry.LastErrorOnly(true),
		// Повторяем только 429, всё остальное возвращаем сразу
		retry.RetryIf(func(err error) bool {
			var tErr *ThrottleError
			return errors.As(err, &tErr)
		}),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			return fullJitter(c.baseDelay, n)
		}),
	)

	retryErr := r.Do(func() error {
		if attempt > 0 && c.observer != nil {
			c.observer.ObserveRetry(method)
		}
		attempt++

		last = c.attempt(ctx, method, rawURL, header, payload)
		if last.Status == http.StatusTooManyRequests {
			return &ThrottleError{Result: last}
		}
		return nil
	})

	if retryErr == nil {
		return last
	}

	var tErr *ThrottleError
	if errors.As(retryErr, &tErr) || last.Status == http.StatusTooManyRequests {
		c.logger.Warn("rate limit exhausted",
			zap.String("method", method), zap.String("url", rawURL), zap.Int("attempts", attempt))
		return domain.UpstreamResult{
			Status: http.StatusTooManyRequests,
			Error: domain.NewAPIError(http.StatusTooManyRequests,
				formatErrorMessage(http.StatusTooManyRequests, nil), errorDetails(last), domain.ErrRateLimited),
		}
	}

	// Контекст отменен во время ожидания бэкоффа
	return domain.UpstreamResult{
		Error: domain.NewAPIError(0, fmt.Sprintf("Request aborted: %v", retryErr), nil, retryErr),
	}
}

func errorDetails(r domain.UpstreamResult) any {
	if r.Error == nil {
		return nil
	}
	return r.Error.Details
}

// attempt — одна попытка через лимитер и предохранитель.
func (c *Client) attempt(ctx context.Context, method, rawURL, header string, payload []byte) domain.UpstreamResult {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.UpstreamResult{
			Error: domain.NewAPIError(0, fmt.Sprintf("Rate limiter wait aborted: %v", err), nil, err),
		}
	}

	out, err := c.cb.Execute(func() (interface{}, error) {
		res := c.send(ctx, method, rawURL, header, payload)
		if res.Status == 0 || res.Status >= 500 {
			return res, &serverError{result: res}
		}
		return res, nil
	})
	if err != nil {
		var sErr *serverError
		if errors.As(err, &sErr) {
			return sErr.result
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return domain.UpstreamResult{
				Error: domain.NewAPIError(0,
					"Upstream temporarily unavailable: circuit breaker is open after repeated failures.",
					nil, domain.ErrCircuitOpen),
			}
		}
		return domain.UpstreamResult{Error: domain.NewAPIError(0, err.Error(), nil, err)}
	}
	return out.(domain.UpstreamResult)
}

func (c *Client) send(ctx context.Context, method, rawURL, header string, payload []byte) domain.UpstreamResult {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return domain.UpstreamResult{
			Error: domain.NewAPIError(0, fmt.Sprintf("Invalid request: %v", err), nil, err),
		}
	}
	req.Header.Set("Authorization", header)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.observe(method, 0, time.Since(start))
		return domain.UpstreamResult{
			Error: domain.NewAPIError(0, fmt.Sprintf("Request failed: %v", err), nil, domain.ErrTransport),
		}
	}
	defer resp.Body.Close()
	c.observe(method, resp.StatusCode, time.Since(start))

	if resp.StatusCode == http.StatusNoContent {
		return domain.UpstreamResult{OK: true, Status: http.StatusNoContent}
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	var data any
	if len(raw) > 0 {
		// Не-JSON тело деградирует в пустой payload, а не в ошибку
		if err := json.Unmarshal(raw, &data); err != nil {
			data = nil
		}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return domain.UpstreamResult{OK: true, Status: resp.StatusCode, Data: data}
	}

	return domain.UpstreamResult{
		Status: resp.StatusCode,
		Error:  domain.NewAPIError(resp.StatusCode, formatErrorMessage(resp.StatusCode, data), data, nil),
	}
}

func (c *Client) observe(method string, status int, d time.Duration) {
	if c.observer != nil {
		c.observer.ObserveAttempt(method, status, d)
	}
}

// fullJitter: delay = base * 2^attempt, ждем равномерно в [delay/2, delay].
func fullJitter(base time.Duration, attempt uint) time.Duration {
	if attempt > 20 {
		attempt = 20
	}
	delay := base << attempt
	half := delay / 2
	if delay-half <= 0 {
		return delay
	}
	return half + rand.N(delay-half+1)
}
