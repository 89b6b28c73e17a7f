package orchestrator

import (
	"context"
	"fmt"
	"reflect"

	"golang.org/x/sync/errgroup"

	"github.com/xela07ax/capi-tool-gateway/internal/domain"
	"github.com/xela07ax/capi-tool-gateway/internal/upstream"
)

const (
	HealthHealthy   = "healthy"
	HealthAttention = "attention_needed"
)

// Поля конфигурации, которые сравнивает environment_diff
var environmentDiffFields = []string{"environment", "php_version", "caches", "is_multisite"}

type installParams struct {
	InstallID string `json:"install_id"`
}

// installSnapshot — параллельно полученные секции одного install.
type installSnapshot struct {
	install, usage, domains, ssl, backups domain.UpstreamResult
}

func fetchSnapshot(ctx context.Context, api upstream.API, installID string, withUsage bool) installSnapshot {
	var (
		snap installSnapshot
		g    errgroup.Group
	)
	base := installPath(installID)
	g.Go(func() error { snap.install = api.Get(ctx, base, nil); return nil })
	if withUsage {
		g.Go(func() error { snap.usage = api.Get(ctx, base+"/usage", nil); return nil })
	}
	g.Go(func() error { snap.domains = api.Get(ctx, base+"/domains", nil); return nil })
	g.Go(func() error { snap.ssl = api.Get(ctx, base+"/ssl_certificates", nil); return nil })
	g.Go(func() error { snap.backups = api.Get(ctx, base+"/backups", nil); return nil })
	_ = g.Wait()
	return snap
}

func (snap installSnapshot) certificates() []certificate {
	if !snap.ssl.OK {
		return nil
	}
	var body struct {
		Certificates []certificate `json:"certificates"`
	}
	_ = snap.ssl.Decode(&body)
	return body.Certificates
}

func (snap installSnapshot) backupList() []backup {
	if !snap.backups.OK {
		return nil
	}
	var body struct {
		Results []backup `json:"results"`
	}
	_ = snap.backups.Decode(&body)
	return body.Results
}

func (snap installSnapshot) domainList() []domainEntry {
	if !snap.domains.OK {
		return nil
	}
	var body struct {
		Results []domainEntry `json:"results"`
	}
	_ = snap.domains.Decode(&body)
	return body.Results
}

type SiteHealth struct {
	Warnings []string `json:"warnings"`
	Status   string   `json:"status"`
}

type SiteDiagnosis struct {
	Install any        `json:"install"`
	Usage   any        `json:"usage"`
	Domains any        `json:"domains"`
	SSL     any        `json:"ssl"`
	Backups any        `json:"backups"`
	Health  SiteHealth `json:"health"`
}

// DiagnoseSite собирает usage, домены, SSL и бэкапы одного install
// и выставляет статус здоровья по бэкапам и срокам сертификатов.
func (s *Service) DiagnoseSite(ctx context.Context, api upstream.API, installID string) (*SiteDiagnosis, error) {
	snap := fetchSnapshot(ctx, api, installID, true)
	if !snap.install.OK {
		return nil, fmt.Errorf("install %s: %w: %w", installID, ErrInstallNotFound, snap.install.Err())
	}

	now := s.now()
	warnings := []string{}
	if backups := snap.backupList(); len(backups) == 0 {
		warnings = append(warnings, "No backups found for this install")
	} else if !backups[0].recent(now) {
		warnings = append(warnings, "No backup in the last 24 hours")
	}
	if certs := snap.certificates(); len(certs) == 0 {
		warnings = append(warnings, "No SSL certificates configured")
	} else if expiring := expiringBefore(certs, now.Add(s.sslLookahead)); len(expiring) > 0 {
		warnings = append(warnings, fmt.Sprintf("%d SSL certificate(s) expiring within 30 days", len(expiring)))
	}

	status := HealthHealthy
	if len(warnings) > 0 {
		status = HealthAttention
	}
	return &SiteDiagnosis{
		Install: snap.install.Data,
		Usage:   dataOrError(snap.usage),
		Domains: dataOrError(snap.domains),
		SSL:     dataOrError(snap.ssl),
		Backups: dataOrError(snap.backups),
		Health:  SiteHealth{Warnings: warnings, Status: status},
	}, nil
}

const (
	CheckPass    = "pass"
	CheckFail    = "fail"
	CheckWarning = "warning"
)

type GoLiveCheck struct {
	Check  string `json:"check"`
	Status string `json:"status"`
	Detail string `json:"detail"`
}

type GoLiveSummary struct {
	TotalChecks int  `json:"total_checks"`
	Passed      int  `json:"passed"`
	Failed      int  `json:"failed"`
	Warnings    int  `json:"warnings"`
	Ready       bool `json:"ready"`
}

type GoLiveReport struct {
	Install   any           `json:"install"`
	Checklist []GoLiveCheck `json:"checklist"`
	Summary   GoLiveSummary `json:"summary"`
}

// PrepareGoLive — предстартовый чеклист. Готовность означает отсутствие проваленных проверок,
// предупреждения ее не блокируют.
func (s *Service) PrepareGoLive(ctx context.Context, api upstream.API, installID string) (*GoLiveReport, error) {
	snap := fetchSnapshot(ctx, api, installID, false)
	if !snap.install.OK {
		return nil, fmt.Errorf("install %s: %w: %w", installID, ErrInstallNotFound, snap.install.Err())
	}

	now := s.now()
	var checks []GoLiveCheck
	add := func(check, status, detail string) {
		checks = append(checks, GoLiveCheck{Check: check, Status: status, Detail: detail})
	}

	if domains := snap.domainList(); len(domains) == 0 {
		add("domains_configured", CheckFail, "No domains configured")
	} else {
		hasPrimary := false
		for _, d := range domains {
			hasPrimary = hasPrimary || d.Primary
		}
		suffix := ", primary domain set"
		if !hasPrimary {
			suffix = " (no primary domain)"
		}
		add("domains_configured", CheckPass, fmt.Sprintf("%d domain(s) configured%s", len(domains), suffix))
		if !hasPrimary {
			add("primary_domain", CheckWarning, "No primary domain set")
		}
	}

	if certs := snap.certificates(); len(certs) == 0 {
		add("ssl_configured", CheckFail, "No SSL certificates configured")
	} else if expiring := expiringBefore(certs, now.Add(s.sslLookahead)); len(expiring) > 0 {
		add("ssl_configured", CheckWarning,
			fmt.Sprintf("%d certificate(s), but %d expiring within 30 days", len(certs), len(expiring)))
	} else {
		add("ssl_configured", CheckPass, fmt.Sprintf("%d valid SSL certificate(s)", len(certs)))
	}

	if backups := snap.backupList(); len(backups) == 0 {
		add("recent_backup", CheckFail, "No backups found")
	} else if latest := backups[0]; latest.recent(now) {
		add("recent_backup", CheckPass, "Latest backup: "+latest.CreatedAt)
	} else {
		add("recent_backup", CheckWarning, "Latest backup is over 24 hours old: "+latest.CreatedAt)
	}

	summary := GoLiveSummary{TotalChecks: len(checks)}
	for _, c := range checks {
		switch c.Status {
		case CheckPass:
			summary.Passed++
		case CheckFail:
			summary.Failed++
		case CheckWarning:
			summary.Warnings++
		}
	}
	summary.Ready = summary.Failed == 0
	return &GoLiveReport{Install: snap.install.Data, Checklist: checks, Summary: summary}, nil
}

type EnvironmentDiffParams struct {
	InstallIDA string `json:"install_id_a"`
	InstallIDB string `json:"install_id_b"`
}

type InstallSide struct {
	Details any `json:"details"`
	Domains any `json:"domains"`
	Usage   any `json:"usage"`
}

type InstallFieldDiff struct {
	Field    string `json:"field"`
	InstallA any    `json:"install_a"`
	InstallB any    `json:"install_b"`
}

type EnvironmentDiff struct {
	InstallA    InstallSide        `json:"install_a"`
	InstallB    InstallSide        `json:"install_b"`
	Differences []InstallFieldDiff `json:"differences"`
}

// EnvironmentDiff сравнивает два install: конфигурацию, домены и usage.
func (s *Service) EnvironmentDiff(ctx context.Context, api upstream.API, p EnvironmentDiffParams) (*EnvironmentDiff, error) {
	var (
		sides [2]struct{ install, domains, usage domain.UpstreamResult }
		g     errgroup.Group
	)
	for i, id := range []string{p.InstallIDA, p.InstallIDB} {
		base := installPath(id)
		g.Go(func() error { sides[i].install = api.Get(ctx, base, nil); return nil })
		g.Go(func() error { sides[i].domains = api.Get(ctx, base+"/domains", nil); return nil })
		g.Go(func() error { sides[i].usage = api.Get(ctx, base+"/usage", nil); return nil })
	}
	_ = g.Wait()

	if !sides[0].install.OK {
		return nil, fmt.Errorf("install %s: %w: %w", p.InstallIDA, ErrInstallNotFound, sides[0].install.Err())
	}
	if !sides[1].install.OK {
		return nil, fmt.Errorf("install %s: %w: %w", p.InstallIDB, ErrInstallNotFound, sides[1].install.Err())
	}

	a, b := asMap(sides[0].install.Data), asMap(sides[1].install.Data)
	out := &EnvironmentDiff{Differences: []InstallFieldDiff{}}
	for _, f := range environmentDiffFields {
		if !reflect.DeepEqual(a[f], b[f]) {
			out.Differences = append(out.Differences, InstallFieldDiff{Field: f, InstallA: a[f], InstallB: b[f]})
		}
	}
	side := func(i int) InstallSide {
		return InstallSide{
			Details: sides[i].install.Data,
			Domains: dataOrError(sides[i].domains),
			Usage:   dataOrError(sides[i].usage),
		}
	}
	out.InstallA, out.InstallB = side(0), side(1)
	return out, nil
}

type SetupStagingParams struct {
	Name            string `json:"name"`
	SiteID          string `json:"site_id"`
	AccountID       string `json:"account_id"`
	SourceInstallID string `json:"source_install_id"`
}

// StagingResult — исход трех шагов. При сбое Step указывает, где остановились,
// а PartialSuccess означает, что install уже создан.
type StagingResult struct {
	Install        any              `json:"install,omitempty"`
	Copy           any              `json:"copy,omitempty"`
	Domains        any              `json:"domains,omitempty"`
	PartialSuccess bool             `json:"partial_success,omitempty"`
	InstallCreated any              `json:"install_created,omitempty"`
	CopyError      *domain.APIError `json:"copy_error,omitempty"`
	Error          *domain.APIError `json:"error,omitempty"`
	Step           string           `json:"step,omitempty"`
}

// SetupStaging создает staging install и копирует в него исходный.
// Созданный install при сбое копирования не удаляется.
func (s *Service) SetupStaging(ctx context.Context, api upstream.API, p SetupStagingParams) (*StagingResult, error) {
	createRes := api.Post(ctx, "/installs", map[string]any{
		"name":        p.Name,
		"site_id":     p.SiteID,
		"account_id":  p.AccountID,
		"environment": "staging",
	})
	if !createRes.OK {
		return &StagingResult{Error: apiError(createRes), Step: "create_install"}, nil
	}
	created := asMap(createRes.Data)
	newID := fmt.Sprint(created["id"])

	copyRes := api.Post(ctx, "/install_copy", map[string]any{
		"source_install_id":      p.SourceInstallID,
		"destination_install_id": newID,
	})
	if !copyRes.OK {
		s.logger.Warn("staging install created but copy failed")
		return &StagingResult{
			PartialSuccess: true,
			InstallCreated: created,
			CopyError:      apiError(copyRes),
			Step:           "copy_install",
		}, nil
	}

	domainsRes := api.Get(ctx, installPath(newID)+"/domains", nil)
	return &StagingResult{Install: created, Copy: copyRes.Data, Domains: dataOrError(domainsRes)}, nil
}
