// Package orchestrator — композитные инструменты: один логический вызов
// раскладывается на много upstream-запросов через ограниченный fan-out.
// Частичные отказы попадают в побочный канал errors и не роняют весь вызов.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/capi-tool-gateway/internal/domain"
	"github.com/xela07ax/capi-tool-gateway/internal/fanout"
	"github.com/xela07ax/capi-tool-gateway/internal/upstream"
)

const DefaultSSLLookahead = 30 * 24 * time.Hour

type Service struct {
	concurrency  int
	sslLookahead time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

type Option func(*Service)

func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func WithSSLLookahead(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.sslLookahead = d
		}
	}
}

// WithClock подменяет текущее время (для проверок срока сертификатов).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		concurrency:  fanout.DefaultConcurrency,
		sslLookahead: DefaultSSLLookahead,
		now:          time.Now,
		logger:       logger.Named("orchestrator"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AccountError — отказ по одному аккаунту. Код статуса upstream сохраняется.
type AccountError struct {
	AccountID   string `json:"account_id"`
	AccountName string `json:"account_name,omitempty"`
	Status      int    `json:"status,omitempty"`
	Error       string `json:"error"`
}

// InstallError — то же для отдельного install.
type InstallError struct {
	InstallID string `json:"install_id"`
	Status    int    `json:"status,omitempty"`
	Error     string `json:"error"`
}

func describeError(err error) (int, string) {
	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, apiErr.Message
	}
	return 0, err.Error()
}

func accountErrors[R any](outcomes []fanout.Outcome[account, R]) []AccountError {
	var out []AccountError
	for _, o := range outcomes {
		if o.Err == nil {
			continue
		}
		status, msg := describeError(o.Err)
		out = append(out, AccountError{AccountID: o.Item.ID, AccountName: o.Item.Name, Status: status, Error: msg})
	}
	return out
}

type account struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type siteRef struct {
	ID string `json:"id"`
}

type install struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Environment   string   `json:"environment,omitempty"`
	Status        string   `json:"status,omitempty"`
	PHPVersion    string   `json:"php_version,omitempty"`
	PrimaryDomain string   `json:"primary_domain,omitempty"`
	Site          *siteRef `json:"site,omitempty"`
}

func (i install) siteID() string {
	if i.Site == nil {
		return ""
	}
	return i.Site.ID
}

func (i install) environmentOrUnknown() string {
	if i.Environment == "" {
		return "unknown"
	}
	return i.Environment
}

// decodeParams перекладывает параметры вызова в типизированную структуру.
func decodeParams(params map[string]any, v any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}

func strOrNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func listAccounts(ctx context.Context, api upstream.API) ([]account, error) {
	res := api.GetAll(ctx, "/accounts", nil)
	if !res.OK {
		return nil, res.Err()
	}
	var accounts []account
	if err := res.Decode(&accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

func listInstalls(ctx context.Context, api upstream.API, accountID string) ([]install, error) {
	res := api.GetAll(ctx, "/installs", url.Values{"account_id": {accountID}})
	if !res.OK {
		return nil, res.Err()
	}
	var installs []install
	if err := res.Decode(&installs); err != nil {
		return nil, err
	}
	return installs, nil
}
