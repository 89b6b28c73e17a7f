package orchestrator

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xela07ax/capi-tool-gateway/internal/domain"
	"github.com/xela07ax/capi-tool-gateway/internal/fanout"
	"github.com/xela07ax/capi-tool-gateway/internal/upstream"
)

// Пороги заполнения квоты, в процентах
const (
	capacityCritical = 95
	capacityWarning  = 80
)

type Headroom struct {
	Allowed     float64 `json:"allowed"`
	Used        float64 `json:"used"`
	PercentUsed int     `json:"percent_used"`
}

type IssueCount struct {
	Critical int `json:"critical"`
	Warning  int `json:"warning"`
	Info     int `json:"info"`
}

type AccountHealth struct {
	AccountID    string              `json:"account_id"`
	AccountName  string              `json:"account_name"`
	InstallCount int                 `json:"install_count"`
	Headroom     map[string]Headroom `json:"headroom"`
	IssueCount   IssueCount          `json:"issue_count"`
}

type FleetHealthReport struct {
	TotalAccounts int                  `json:"total_accounts"`
	TotalInstalls int                  `json:"total_installs"`
	Issues        []domain.HealthIssue `json:"issues"`
	Accounts      []AccountHealth      `json:"accounts"`
	Errors        []AccountError       `json:"errors,omitempty"`
}

type quota struct {
	Allowed float64 `json:"allowed"`
	Used    float64 `json:"used"`
}

type accountLimits struct {
	Visitors  *quota `json:"visitors,omitempty"`
	Storage   *quota `json:"storage,omitempty"`
	Bandwidth *quota `json:"bandwidth,omitempty"`
}

type accountHealth struct {
	summary AccountHealth
	issues  []domain.HealthIssue
}

// FleetHealth проверяет все аккаунты: SSL, квоты, расхождение версий PHP, статусы install.
func (s *Service) FleetHealth(ctx context.Context, api upstream.API) (*FleetHealthReport, error) {
	accounts, err := listAccounts(ctx, api)
	if err != nil {
		return nil, err
	}

	report := &FleetHealthReport{
		TotalAccounts: len(accounts),
		Issues:        []domain.HealthIssue{},
		Accounts:      []AccountHealth{},
	}
	if len(accounts) == 0 {
		return report, nil
	}

	outcomes := fanout.Run(ctx, accounts, func(ctx context.Context, acc account) (accountHealth, error) {
		return s.checkAccount(ctx, api, acc)
	}, fanout.WithConcurrency(s.concurrency))

	for _, o := range outcomes {
		if o.Err != nil {
			s.logger.Warn("fleet health: account failed", zap.String("account_id", o.Item.ID), zap.Error(o.Err))
			continue
		}
		report.Issues = append(report.Issues, o.Result.issues...)
		report.Accounts = append(report.Accounts, o.Result.summary)
		report.TotalInstalls += o.Result.summary.InstallCount
	}
	report.Errors = accountErrors(outcomes)
	SortIssues(report.Issues)
	return report, nil
}

// SortIssues: critical, warning, info; при равной важности — по тексту сообщения.
func SortIssues(issues []domain.HealthIssue) {
	sort.SliceStable(issues, func(i, j int) bool {
		ri, rj := issues[i].Severity.Rank(), issues[j].Severity.Rank()
		if ri != rj {
			return ri < rj
		}
		return issues[i].Message < issues[j].Message
	})
}

func (s *Service) checkAccount(ctx context.Context, api upstream.API, acc account) (accountHealth, error) {
	var (
		installs    []install
		installsErr error
		limits      accountLimits
		g           errgroup.Group
	)
	g.Go(func() error {
		installs, installsErr = listInstalls(ctx, api, acc.ID)
		return nil
	})
	g.Go(func() error {
		// Лимиты не обязательны: без них просто нет проверки квот
		res := api.Get(ctx, "/accounts/"+url.PathEscape(acc.ID)+"/limits", nil)
		if res.OK {
			_ = res.Decode(&limits)
		}
		return nil
	})
	_ = g.Wait()

	if installsErr != nil {
		return accountHealth{}, installsErr
	}

	certs := s.fetchAllCertificates(ctx, api, installs)
	now := s.now()

	var issues []domain.HealthIssue
	for i, inst := range installs {
		if certs[i] == nil {
			continue // не удалось получить, не выдумываем проблему
		}
		issues = append(issues, s.checkSSL(acc, inst, certs[i], now)...)
	}
	issues = append(issues, checkCapacity(acc, limits)...)
	issues = append(issues, checkPHPDrift(acc, installs)...)
	issues = append(issues, checkStatus(acc, installs)...)

	summary := AccountHealth{
		AccountID:    acc.ID,
		AccountName:  acc.Name,
		InstallCount: len(installs),
		Headroom:     headroom(limits),
	}
	for _, is := range issues {
		switch is.Severity {
		case domain.SeverityCritical:
			summary.IssueCount.Critical++
		case domain.SeverityWarning:
			summary.IssueCount.Warning++
		case domain.SeverityInfo:
			summary.IssueCount.Info++
		}
	}
	return accountHealth{summary: summary, issues: issues}, nil
}

// fetchAllCertificates: nil в позиции i означает, что запрос сертификатов install i не удался.
func (s *Service) fetchAllCertificates(ctx context.Context, api upstream.API, installs []install) [][]certificate {
	certs := make([][]certificate, len(installs))

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, inst := range installs {
		g.Go(func() error {
			c, err := fetchCertificates(ctx, api, inst.ID)
			if err != nil {
				s.logger.Debug("ssl lookup failed", zap.String("install_id", inst.ID), zap.Error(err))
				return nil
			}
			if c == nil {
				c = []certificate{}
			}
			certs[i] = c
			return nil
		})
	}
	_ = g.Wait()
	return certs
}

func (s *Service) checkSSL(acc account, inst install, certs []certificate, now time.Time) []domain.HealthIssue {
	env := inst.environmentOrUnknown()
	issue := func(sev domain.Severity, msg string) domain.HealthIssue {
		return domain.HealthIssue{
			Severity: sev, Category: domain.CategorySSL,
			AccountID: acc.ID, AccountName: acc.Name,
			InstallID: inst.ID, InstallName: inst.Name,
			Message: msg,
		}
	}

	if len(certs) == 0 {
		return []domain.HealthIssue{issue(domain.SeverityWarning,
			fmt.Sprintf("Install %s (%s) has no SSL certificate", inst.Name, env))}
	}

	cutoff := now.Add(s.sslLookahead)
	var out []domain.HealthIssue
	for _, c := range certs {
		t, ok := c.expiry()
		if !ok {
			continue
		}
		switch {
		case t.Before(now):
			out = append(out, issue(domain.SeverityCritical,
				fmt.Sprintf("SSL certificate expired on %s (%s), expired %s", inst.Name, env, c.ExpiresAt)))
		case t.Before(cutoff):
			out = append(out, issue(domain.SeverityWarning,
				fmt.Sprintf("SSL certificate expiring on %s (%s), expires %s", inst.Name, env, c.ExpiresAt)))
		}
	}
	return out
}

func checkCapacity(acc account, limits accountLimits) []domain.HealthIssue {
	metrics := []struct {
		label string
		q     *quota
	}{
		{"Visitors", limits.Visitors},
		{"Storage", limits.Storage},
		{"Bandwidth", limits.Bandwidth},
	}

	var out []domain.HealthIssue
	for _, m := range metrics {
		if m.q == nil || m.q.Allowed <= 0 {
			continue
		}
		pct := percent(m.q.Used, m.q.Allowed)
		var sev domain.Severity
		switch {
		case pct > capacityCritical:
			sev = domain.SeverityCritical
		case pct > capacityWarning:
			sev = domain.SeverityWarning
		default:
			continue
		}
		out = append(out, domain.HealthIssue{
			Severity: sev, Category: domain.CategoryCapacity,
			AccountID: acc.ID, AccountName: acc.Name,
			Message: fmt.Sprintf("%s at %d%% of limit on account %s", m.label, pct, acc.Name),
		})
	}
	return out
}

// checkPHPDrift сравнивает версию PHP непродовых install с продовым install того же сайта.
func checkPHPDrift(acc account, installs []install) []domain.HealthIssue {
	bySite := make(map[string][]install)
	var order []string
	for _, inst := range installs {
		id := inst.siteID()
		if id == "" {
			continue
		}
		if _, seen := bySite[id]; !seen {
			order = append(order, id)
		}
		bySite[id] = append(bySite[id], inst)
	}

	var out []domain.HealthIssue
	for _, siteID := range order {
		group := bySite[siteID]
		var prod *install
		for i := range group {
			if group[i].Environment == "production" {
				prod = &group[i]
				break
			}
		}
		if prod == nil || prod.PHPVersion == "" {
			continue
		}
		for _, inst := range group {
			if inst.Environment == "production" || inst.PHPVersion == "" || inst.PHPVersion == prod.PHPVersion {
				continue
			}
			out = append(out, domain.HealthIssue{
				Severity: domain.SeverityInfo, Category: domain.CategoryPHPVersion,
				AccountID: acc.ID, AccountName: acc.Name,
				InstallID: inst.ID, InstallName: inst.Name,
				Message: fmt.Sprintf("PHP version mismatch: %s (%s) vs %s (%s)",
					prod.Name, prod.PHPVersion, inst.Name, inst.PHPVersion),
			})
		}
	}
	return out
}

func checkStatus(acc account, installs []install) []domain.HealthIssue {
	var out []domain.HealthIssue
	for _, inst := range installs {
		if inst.Status == "" || inst.Status == "active" {
			continue
		}
		out = append(out, domain.HealthIssue{
			Severity: domain.SeverityWarning, Category: domain.CategoryStatus,
			AccountID: acc.ID, AccountName: acc.Name,
			InstallID: inst.ID, InstallName: inst.Name,
			Message: fmt.Sprintf("Install %s (%s) has status '%s'", inst.Name, inst.environmentOrUnknown(), inst.Status),
		})
	}
	return out
}

func headroom(l accountLimits) map[string]Headroom {
	out := make(map[string]Headroom)
	add := func(key string, q *quota) {
		if q == nil {
			return
		}
		h := Headroom{Allowed: q.Allowed, Used: q.Used}
		if q.Allowed > 0 {
			h.PercentUsed = percent(q.Used, q.Allowed)
		}
		out[key] = h
	}
	add("visitors", l.Visitors)
	add("storage", l.Storage)
	add("bandwidth", l.Bandwidth)
	return out
}

func percent(used, allowed float64) int {
	return int(math.Round(used / allowed * 100))
}
