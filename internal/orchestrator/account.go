package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xela07ax/capi-tool-gateway/internal/domain"
	"github.com/xela07ax/capi-tool-gateway/internal/fanout"
	"github.com/xela07ax/capi-tool-gateway/internal/upstream"
)

const (
	noInstallsMessage  = "No installs found for this account."
	recentBackupWindow = 24 * time.Hour
)

func accountPath(id string) string {
	return "/accounts/" + url.PathEscape(id)
}

// dataOrError — данные успешного ответа либо {"error": ...} для побочной секции.
func dataOrError(res domain.UpstreamResult) any {
	if res.OK {
		return res.Data
	}
	return map[string]any{"error": apiError(res)}
}

func countOf(res domain.UpstreamResult) int {
	if !res.OK {
		return 0
	}
	list, _ := res.Data.([]any)
	return len(list)
}

type AccountDetails struct {
	Account      any `json:"account"`
	Limits       any `json:"limits"`
	UsageSummary any `json:"usage_summary"`
	SiteCount    int `json:"site_count"`
	InstallCount int `json:"install_count"`
}

// AccountOverview — карточка аккаунта: детали, лимиты, сводка usage и счетчики.
// Обязателен только сам аккаунт, остальные секции вырождаются в {"error"} или 0.
func (s *Service) AccountOverview(ctx context.Context, api upstream.API, accountID string) (*AccountDetails, error) {
	var (
		accRes, limitsRes, usageRes, sitesRes, installsRes domain.UpstreamResult
		g                                                  errgroup.Group
	)
	base := accountPath(accountID)
	g.Go(func() error { accRes = api.Get(ctx, base, nil); return nil })
	g.Go(func() error { limitsRes = api.Get(ctx, base+"/limits", nil); return nil })
	g.Go(func() error { usageRes = api.Get(ctx, base+"/usage/summary", nil); return nil })
	g.Go(func() error {
		sitesRes = api.GetAll(ctx, "/sites", url.Values{"account_id": {accountID}})
		return nil
	})
	g.Go(func() error {
		installsRes = api.GetAll(ctx, "/installs", url.Values{"account_id": {accountID}})
		return nil
	})
	_ = g.Wait()

	if !accRes.OK {
		return nil, fmt.Errorf("account %s: %w", accountID, accRes.Err())
	}
	return &AccountDetails{
		Account:      accRes.Data,
		Limits:       dataOrError(limitsRes),
		UsageSummary: dataOrError(usageRes),
		SiteCount:    countOf(sitesRes),
		InstallCount: countOf(installsRes),
	}, nil
}

type AccountUsageReport struct {
	Usage    any `json:"usage"`
	Insights any `json:"insights"`
}

func (s *Service) AccountUsage(ctx context.Context, api upstream.API, accountID string) (*AccountUsageReport, error) {
	var (
		usageRes, insightsRes domain.UpstreamResult
		g                     errgroup.Group
	)
	base := accountPath(accountID) + "/usage"
	g.Go(func() error { usageRes = api.Get(ctx, base, nil); return nil })
	g.Go(func() error { insightsRes = api.Get(ctx, base+"/insights", nil); return nil })
	_ = g.Wait()

	if !usageRes.OK {
		return nil, fmt.Errorf("account %s usage: %w", accountID, usageRes.Err())
	}
	return &AccountUsageReport{Usage: usageRes.Data, Insights: dataOrError(insightsRes)}, nil
}

type domainEntry struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Primary bool   `json:"primary"`
}

type InstallDomains struct {
	InstallID       string           `json:"install_id"`
	InstallName     string           `json:"install_name"`
	Environment     string           `json:"environment,omitempty"`
	Domains         []domainEntry    `json:"domains"`
	SSLCertificates any              `json:"ssl_certificates"`
	Error           *domain.APIError `json:"error,omitempty"`
}

type AccountDomainsReport struct {
	Installs     []InstallDomains `json:"installs"`
	TotalDomains int              `json:"total_domains"`
	Message      string           `json:"message,omitempty"`
	Errors       []InstallError   `json:"errors,omitempty"`
}

func fetchDomains(ctx context.Context, api upstream.API, installID string) ([]domainEntry, domain.UpstreamResult) {
	res := api.Get(ctx, installPath(installID)+"/domains", nil)
	if !res.OK {
		return []domainEntry{}, res
	}
	var body struct {
		Results []domainEntry `json:"results"`
	}
	if err := res.Decode(&body); err != nil || body.Results == nil {
		return []domainEntry{}, res
	}
	return body.Results, res
}

// AccountDomains — домены всех install аккаунта вместе с SSL.
// Сбой получения доменов оставляет install в отчете с пустым списком и error.
func (s *Service) AccountDomains(ctx context.Context, api upstream.API, accountID string) (*AccountDomainsReport, error) {
	installs, err := listInstalls(ctx, api, accountID)
	if err != nil {
		return nil, err
	}
	out := &AccountDomainsReport{Installs: []InstallDomains{}}
	if len(installs) == 0 {
		out.Message = noInstallsMessage
		return out, nil
	}

	outcomes := fanout.Run(ctx, installs, func(ctx context.Context, inst install) (InstallDomains, error) {
		var (
			domains         []domainEntry
			domainsRes, ssl domain.UpstreamResult
			g               errgroup.Group
		)
		g.Go(func() error { domains, domainsRes = fetchDomains(ctx, api, inst.ID); return nil })
		g.Go(func() error { ssl = api.Get(ctx, installPath(inst.ID)+"/ssl_certificates", nil); return nil })
		_ = g.Wait()

		r := InstallDomains{InstallID: inst.ID, InstallName: inst.Name, Environment: inst.Environment, Domains: domains}
		if ssl.OK {
			r.SSLCertificates = ssl.Data
		}
		if !domainsRes.OK {
			r.Error = apiError(domainsRes)
		}
		return r, nil
	}, fanout.WithConcurrency(s.concurrency))

	for _, o := range outcomes {
		if o.Err != nil {
			status, msg := describeError(o.Err)
			out.Errors = append(out.Errors, InstallError{InstallID: o.Item.ID, Status: status, Error: msg})
		}
	}
	out.Installs = fanout.Results(outcomes)
	for _, r := range out.Installs {
		out.TotalDomains += len(r.Domains)
	}
	return out, nil
}

type backup struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// createdAt — момент создания бэкапа. Нераспознанная дата считается старой.
func (b backup) createdAt() (time.Time, bool) {
	t, err := time.Parse(time.RFC3339, b.CreatedAt)
	return t, err == nil
}

func (b backup) recent(now time.Time) bool {
	t, ok := b.createdAt()
	return ok && !t.Before(now.Add(-recentBackupWindow))
}

func fetchBackups(ctx context.Context, api upstream.API, installID string) ([]backup, domain.UpstreamResult) {
	res := api.Get(ctx, installPath(installID)+"/backups", nil)
	if !res.OK {
		return []backup{}, res
	}
	var body struct {
		Results []backup `json:"results"`
	}
	if err := res.Decode(&body); err != nil || body.Results == nil {
		return []backup{}, res
	}
	return body.Results, res
}

type InstallBackups struct {
	InstallID       string           `json:"install_id"`
	InstallName     string           `json:"install_name"`
	Environment     string           `json:"environment,omitempty"`
	BackupCount     int              `json:"backup_count"`
	LatestBackup    *backup          `json:"latest_backup"`
	HasRecentBackup bool             `json:"has_recent_backup"`
	Error           *domain.APIError `json:"error,omitempty"`
}

type BackupSummary struct {
	TotalInstalls       int `json:"total_installs"`
	WithRecentBackup    int `json:"with_recent_backup"`
	WithoutRecentBackup int `json:"without_recent_backup"`
}

type AccountBackupsReport struct {
	Installs []InstallBackups `json:"installs"`
	Summary  *BackupSummary   `json:"summary,omitempty"`
	Message  string           `json:"message,omitempty"`
	Warnings []string         `json:"warnings,omitempty"`
	Errors   []InstallError   `json:"errors,omitempty"`
}

// AccountBackups — последние бэкапы по install аккаунта. Свежим считается бэкап
// не старше суток, первый элемент списка upstream — самый новый.
func (s *Service) AccountBackups(ctx context.Context, api upstream.API, accountID string) (*AccountBackupsReport, error) {
	installs, err := listInstalls(ctx, api, accountID)
	if err != nil {
		return nil, err
	}
	out := &AccountBackupsReport{Installs: []InstallBackups{}}
	if len(installs) == 0 {
		out.Message = noInstallsMessage
		return out, nil
	}

	now := s.now()
	outcomes := fanout.Run(ctx, installs, func(ctx context.Context, inst install) (InstallBackups, error) {
		backups, res := fetchBackups(ctx, api, inst.ID)
		r := InstallBackups{
			InstallID:   inst.ID,
			InstallName: inst.Name,
			Environment: inst.Environment,
			BackupCount: len(backups),
		}
		if len(backups) > 0 {
			latest := backups[0]
			r.LatestBackup = &latest
			r.HasRecentBackup = latest.recent(now)
		}
		if !res.OK {
			r.Error = apiError(res)
		}
		return r, nil
	}, fanout.WithConcurrency(s.concurrency))

	summary := &BackupSummary{TotalInstalls: len(installs)}
	for _, o := range outcomes {
		if o.Err != nil {
			status, msg := describeError(o.Err)
			out.Errors = append(out.Errors, InstallError{InstallID: o.Item.ID, Status: status, Error: msg})
			continue
		}
		r := o.Result
		out.Installs = append(out.Installs, r)
		switch {
		case r.HasRecentBackup:
			summary.WithRecentBackup++
		case r.Error == nil:
			summary.WithoutRecentBackup++
			out.Warnings = append(out.Warnings,
				fmt.Sprintf("%s (%s) has no backup in the last 24 hours", r.InstallName, r.Environment))
		}
	}
	out.Summary = summary
	return out, nil
}

type EnvironmentRef struct {
	InstallID   string `json:"install_id"`
	InstallName string `json:"install_name"`
	Environment string `json:"environment,omitempty"`
	PHPVersion  string `json:"php_version,omitempty"`
}

type SiteTopology struct {
	SiteID         string           `json:"site_id"`
	SiteName       string           `json:"site_name"`
	Environments   []EnvironmentRef `json:"environments"`
	HasStaging     bool             `json:"has_staging"`
	HasDevelopment bool             `json:"has_development"`
}

type TopologySummary struct {
	TotalSites              int            `json:"total_sites"`
	TotalInstalls           int            `json:"total_installs"`
	EnvironmentDistribution map[string]int `json:"environment_distribution"`
	PHPVersionDistribution  map[string]int `json:"php_version_distribution"`
	SitesWithStaging        int            `json:"sites_with_staging"`
	SitesWithoutStaging     int            `json:"sites_without_staging"`
}

type AccountEnvironments struct {
	Topology []SiteTopology  `json:"topology"`
	Summary  TopologySummary `json:"summary"`
}

type site struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// AccountEnvironments строит карту сайтов и их окружений. Список сайтов обязателен,
// недоступные install дают пустую топологию.
func (s *Service) AccountEnvironments(ctx context.Context, api upstream.API, accountID string) (*AccountEnvironments, error) {
	var (
		sitesRes domain.UpstreamResult
		installs []install
		g        errgroup.Group
	)
	g.Go(func() error {
		sitesRes = api.GetAll(ctx, "/sites", url.Values{"account_id": {accountID}})
		return nil
	})
	g.Go(func() error {
		installs, _ = listInstalls(ctx, api, accountID)
		return nil
	})
	_ = g.Wait()

	if !sitesRes.OK {
		return nil, fmt.Errorf("account %s sites: %w", accountID, sitesRes.Err())
	}
	var sites []site
	if err := sitesRes.Decode(&sites); err != nil {
		return nil, err
	}

	bySite := make(map[string]*SiteTopology, len(sites))
	topology := make([]SiteTopology, len(sites))
	for i, st := range sites {
		topology[i] = SiteTopology{SiteID: st.ID, SiteName: st.Name, Environments: []EnvironmentRef{}}
		bySite[st.ID] = &topology[i]
	}

	summary := TopologySummary{
		TotalSites:              len(sites),
		TotalInstalls:           len(installs),
		EnvironmentDistribution: map[string]int{},
		PHPVersionDistribution:  map[string]int{},
	}
	for _, inst := range installs {
		summary.EnvironmentDistribution[inst.environmentOrUnknown()]++
		php := inst.PHPVersion
		if php == "" {
			php = "unknown"
		}
		summary.PHPVersionDistribution[php]++

		t, ok := bySite[inst.siteID()]
		if !ok {
			continue
		}
		t.Environments = append(t.Environments, EnvironmentRef{
			InstallID:   inst.ID,
			InstallName: inst.Name,
			Environment: inst.Environment,
			PHPVersion:  inst.PHPVersion,
		})
		switch inst.Environment {
		case "staging":
			t.HasStaging = true
		case "development":
			t.HasDevelopment = true
		}
	}
	for _, t := range topology {
		if t.HasStaging {
			summary.SitesWithStaging++
		} else {
			summary.SitesWithoutStaging++
		}
	}
	return &AccountEnvironments{Topology: topology, Summary: summary}, nil
}
