package orchestrator

import (
	"context"
	"net/url"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/xela07ax/capi-tool-gateway/internal/fanout"
	"github.com/xela07ax/capi-tool-gateway/internal/upstream"
)

type InstallOverview struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Environment   any    `json:"environment"`
	Status        any    `json:"status"`
	PHPVersion    any    `json:"php_version"`
	PrimaryDomain any    `json:"primary_domain"`
	SiteID        any    `json:"site_id"`
}

type AccountOverview struct {
	AccountID    string            `json:"account_id"`
	AccountName  string            `json:"account_name"`
	SiteCount    int               `json:"site_count"`
	InstallCount int               `json:"install_count"`
	Installs     []InstallOverview `json:"installs"`
}

type PortfolioOverview struct {
	TotalAccounts int               `json:"total_accounts"`
	TotalSites    int               `json:"total_sites"`
	TotalInstalls int               `json:"total_installs"`
	Accounts      []AccountOverview `json:"accounts"`
	Errors        []AccountError    `json:"errors,omitempty"`
}

// PortfolioOverview — сайты и install всех доступных аккаунтов.
// Не пришедший список сайтов или install считается пустым.
func (s *Service) PortfolioOverview(ctx context.Context, api upstream.API) (*PortfolioOverview, error) {
	accounts, err := listAccounts(ctx, api)
	if err != nil {
		return nil, err
	}
	out := &PortfolioOverview{TotalAccounts: len(accounts), Accounts: []AccountOverview{}}
	if len(accounts) == 0 {
		return out, nil
	}

	outcomes := fanout.Run(ctx, accounts, func(ctx context.Context, acc account) (AccountOverview, error) {
		var (
			sites    []siteRef
			installs []install
			g        errgroup.Group
		)
		g.Go(func() error {
			res := api.GetAll(ctx, "/sites", url.Values{"account_id": {acc.ID}})
			if res.OK {
				_ = res.Decode(&sites)
			}
			return nil
		})
		g.Go(func() error {
			installs, _ = listInstalls(ctx, api, acc.ID)
			return nil
		})
		_ = g.Wait()

		ov := AccountOverview{
			AccountID:    acc.ID,
			AccountName:  acc.Name,
			SiteCount:    len(sites),
			InstallCount: len(installs),
			Installs:     make([]InstallOverview, 0, len(installs)),
		}
		for _, inst := range installs {
			ov.Installs = append(ov.Installs, InstallOverview{
				ID:            inst.ID,
				Name:          inst.Name,
				Environment:   strOrNil(inst.Environment),
				Status:        strOrNil(inst.Status),
				PHPVersion:    strOrNil(inst.PHPVersion),
				PrimaryDomain: strOrNil(inst.PrimaryDomain),
				SiteID:        strOrNil(inst.siteID()),
			})
		}
		return ov, nil
	}, fanout.WithConcurrency(s.concurrency))

	for _, o := range outcomes {
		if o.Err != nil {
			continue
		}
		out.Accounts = append(out.Accounts, o.Result)
		out.TotalSites += o.Result.SiteCount
		out.TotalInstalls += o.Result.InstallCount
	}
	out.Errors = accountErrors(outcomes)
	return out, nil
}

type InstallUsage struct {
	InstallName         string   `json:"install_name"`
	AccountName         string   `json:"account_name"`
	TotalVisits         *float64 `json:"total_visits"`
	TotalBandwidthBytes *float64 `json:"total_bandwidth_bytes"`
	StorageFilesBytes   *float64 `json:"storage_files_bytes"`
	StorageDBBytes      *float64 `json:"storage_db_bytes"`
}

type PortfolioUsage struct {
	TotalAccounts int            `json:"total_accounts"`
	Installs      []InstallUsage `json:"installs"`
	Errors        []AccountError `json:"errors,omitempty"`
}

type sumMetric struct {
	Sum *float64 `json:"sum"`
}

type latestMetric struct {
	Latest *struct {
		Value *float64 `json:"value"`
	} `json:"latest"`
}

func (m *latestMetric) value() *float64 {
	if m == nil || m.Latest == nil {
		return nil
	}
	return m.Latest.Value
}

func (m *sumMetric) value() *float64 {
	if m == nil {
		return nil
	}
	return m.Sum
}

type usageResponse struct {
	EnvironmentMetrics []struct {
		EnvironmentName string `json:"environment_name"`
		MetricsRollup   *struct {
			VisitCount           *sumMetric    `json:"visit_count"`
			NetworkTotalBytes    *sumMetric    `json:"network_total_bytes"`
			StorageFileBytes     *latestMetric `json:"storage_file_bytes"`
			StorageDatabaseBytes *latestMetric `json:"storage_database_bytes"`
		} `json:"metrics_rollup"`
	} `json:"environment_metrics"`
}

// PortfolioUsage — метрики всех install по всем аккаунтам, по убыванию визитов.
func (s *Service) PortfolioUsage(ctx context.Context, api upstream.API) (*PortfolioUsage, error) {
	accounts, err := listAccounts(ctx, api)
	if err != nil {
		return nil, err
	}
	out := &PortfolioUsage{TotalAccounts: len(accounts), Installs: []InstallUsage{}}
	if len(accounts) == 0 {
		return out, nil
	}

	outcomes := fanout.Run(ctx, accounts, func(ctx context.Context, acc account) ([]InstallUsage, error) {
		res := api.Get(ctx, "/accounts/"+url.PathEscape(acc.ID)+"/usage", nil)
		if !res.OK || res.Data == nil {
			return nil, nil
		}
		var usage usageResponse
		if err := res.Decode(&usage); err != nil {
			return nil, nil
		}
		rows := make([]InstallUsage, 0, len(usage.EnvironmentMetrics))
		for _, env := range usage.EnvironmentMetrics {
			row := InstallUsage{InstallName: env.EnvironmentName, AccountName: acc.Name}
			if row.InstallName == "" {
				row.InstallName = "unknown"
			}
			if m := env.MetricsRollup; m != nil {
				row.TotalVisits = m.VisitCount.value()
				row.TotalBandwidthBytes = m.NetworkTotalBytes.value()
				row.StorageFilesBytes = m.StorageFileBytes.value()
				row.StorageDBBytes = m.StorageDatabaseBytes.value()
			}
			rows = append(rows, row)
		}
		return rows, nil
	}, fanout.WithConcurrency(s.concurrency))

	for _, o := range outcomes {
		if o.Err == nil {
			out.Installs = append(out.Installs, o.Result...)
		}
	}
	out.Errors = accountErrors(outcomes)

	visits := func(u InstallUsage) float64 {
		if u.TotalVisits == nil {
			return -1
		}
		return *u.TotalVisits
	}
	sort.SliceStable(out.Installs, func(i, j int) bool {
		return visits(out.Installs[i]) > visits(out.Installs[j])
	})
	return out, nil
}
