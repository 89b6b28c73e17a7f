package orchestrator

import (
	"context"
	"net/http"

	"github.com/xela07ax/capi-tool-gateway/internal/catalog"
	"github.com/xela07ax/capi-tool-gateway/internal/upstream"
)

const tagComposite = "Composite"

func objectSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func strList(desc string) map[string]any {
	return map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": desc}
}

// handler оборачивает типизированный метод в catalog.Handler.
func handler[P any, R any](fn func(context.Context, upstream.API, P) (R, error)) catalog.Handler {
	return func(ctx context.Context, params map[string]any, api upstream.API) (any, error) {
		var p P
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return fn(ctx, api, p)
	}
}

type noParams struct{}

type accountParams struct {
	AccountID string `json:"account_id"`
}

// Tools — определения композитных инструментов для каталога.
func (s *Service) Tools() []catalog.Tool {
	return []catalog.Tool{
		{
			Name:        "wpe_fleet_health",
			Description: "Run a health assessment across all accounts. Checks SSL certificates, capacity headroom, PHP version consistency, and install status. Returns prioritized issues ranked by severity.",
			InputSchema: objectSchema(map[string]any{}),
			Annotations: catalog.Annotations{HTTPMethod: http.MethodGet, APIPath: "/accounts", Tag: tagComposite},
			Handler: handler(func(ctx context.Context, api upstream.API, _ noParams) (*FleetHealthReport, error) {
				return s.FleetHealth(ctx, api)
			}),
		},
		{
			Name:        "wpe_account_ssl_status",
			Description: "Check SSL certificate status across all installs in an account, flagging expiring or missing certificates.",
			InputSchema: objectSchema(map[string]any{"account_id": str("The account ID")}, "account_id"),
			Annotations: catalog.Annotations{HTTPMethod: http.MethodGet, APIPath: "/installs", Tag: tagComposite},
			Handler: handler(func(ctx context.Context, api upstream.API, p accountParams) (*SSLStatusReport, error) {
				return s.AccountSSLStatus(ctx, api, p.AccountID)
			}),
		},
		{
			Name:        "wpe_account_overview",
			Description: "Get a comprehensive overview of a WP Engine account: details, limits, usage summary, and site/install counts.",
			InputSchema: objectSchema(map[string]any{"account_id": str("The account ID")}, "account_id"),
			Annotations: catalog.Annotations{HTTPMethod: http.MethodGet, APIPath: "/accounts/{account_id}", Tag: tagComposite},
			Handler: handler(func(ctx context.Context, api upstream.API, p accountParams) (*AccountDetails, error) {
				return s.AccountOverview(ctx, api, p.AccountID)
			}),
		},
		{
			Name:        "wpe_account_usage",
			Description: "Get account usage metrics with insights and trends.",
			InputSchema: objectSchema(map[string]any{"account_id": str("The account ID")}, "account_id"),
			Annotations: catalog.Annotations{HTTPMethod: http.MethodGet, APIPath: "/accounts/{account_id}/usage", Tag: tagComposite},
			Handler: handler(func(ctx context.Context, api upstream.API, p accountParams) (*AccountUsageReport, error) {
				return s.AccountUsage(ctx, api, p.AccountID)
			}),
		},
		{
			Name:        "wpe_account_domains",
			Description: "List all domains across all installs in an account, grouped by install with SSL status.",
			InputSchema: objectSchema(map[string]any{"account_id": str("The account ID")}, "account_id"),
			Annotations: catalog.Annotations{HTTPMethod: http.MethodGet, APIPath: "/installs", Tag: tagComposite},
			Handler: handler(func(ctx context.Context, api upstream.API, p accountParams) (*AccountDomainsReport, error) {
				return s.AccountDomains(ctx, api, p.AccountID)
			}),
		},
		{
			Name:        "wpe_account_backups",
			Description: "List recent backups across all installs in an account, flagging installs without recent backups.",
			InputSchema: objectSchema(map[string]any{"account_id": str("The account ID")}, "account_id"),
			Annotations: catalog.Annotations{HTTPMethod: http.MethodGet, APIPath: "/installs", Tag: tagComposite},
			Handler: handler(func(ctx context.Context, api upstream.API, p accountParams) (*AccountBackupsReport, error) {
				return s.AccountBackups(ctx, api, p.AccountID)
			}),
		},
		{
			Name:        "wpe_account_environments",
			Description: "Build a topology map of all sites and installs in an account, showing environment types and PHP versions.",
			InputSchema: objectSchema(map[string]any{"account_id": str("The account ID")}, "account_id"),
			Annotations: catalog.Annotations{HTTPMethod: http.MethodGet, APIPath: "/sites", Tag: tagComposite},
			Handler: handler(func(ctx context.Context, api upstream.API, p accountParams) (*AccountEnvironments, error) {
				return s.AccountEnvironments(ctx, api, p.AccountID)
			}),
		},
		{
			Name:        "wpe_diagnose_site",
			Description: "Run a comprehensive health check on a single install: usage, domains, SSL, and backups.",
			InputSchema: objectSchema(map[string]any{"install_id": str("The install ID to diagnose")}, "install_id"),
			Annotations: catalog.Annotations{HTTPMethod: http.MethodGet, APIPath: "/installs/{install_id}", Tag: tagComposite},
			Handler: handler(func(ctx context.Context, api upstream.API, p installParams) (*SiteDiagnosis, error) {
				return s.DiagnoseSite(ctx, api, p.InstallID)
			}),
		},
		{
			Name:        "wpe_prepare_go_live",
			Description: "Run a pre-launch checklist for an install: verify domains, SSL certificates, and recent backups.",
			InputSchema: objectSchema(map[string]any{"install_id": str("The install ID to check")}, "install_id"),
			Annotations: catalog.Annotations{HTTPMethod: http.MethodGet, APIPath: "/installs/{install_id}", Tag: tagComposite},
			Handler: handler(func(ctx context.Context, api upstream.API, p installParams) (*GoLiveReport, error) {
				return s.PrepareGoLive(ctx, api, p.InstallID)
			}),
		},
		{
			Name:        "wpe_environment_diff",
			Description: "Compare two installs side-by-side: configuration, domains, and usage differences.",
			InputSchema: objectSchema(map[string]any{
				"install_id_a": str("First install ID"),
				"install_id_b": str("Second install ID"),
			}, "install_id_a", "install_id_b"),
			Annotations: catalog.Annotations{HTTPMethod: http.MethodGet, APIPath: "/installs", Tag: tagComposite},
			Handler:     handler(s.EnvironmentDiff),
		},
		{
			Name:        "wpe_setup_staging",
			Description: "Create a staging environment by creating a new install and copying from a source install. Requires confirmation (Tier 3).",
			InputSchema: objectSchema(map[string]any{
				"name":              str("Name for the new staging install"),
				"site_id":           str("The site ID to create the staging install under"),
				"account_id":        str("The account ID"),
				"source_install_id": str("The install ID to copy from"),
			}, "name", "site_id", "account_id", "source_install_id"),
			Annotations: catalog.Annotations{HTTPMethod: http.MethodPost, APIPath: "/installs", Tag: tagComposite},
			Handler:     handler(s.SetupStaging),
		},
		{
			Name:        "wpe_portfolio_overview",
			Description: `Get a consolidated view of all accounts, sites, and installs the user has access to. Use for cross-account questions like "how many sites do I have?" or "what PHP versions am I running?"`,
			InputSchema: objectSchema(map[string]any{}),
			Annotations: catalog.Annotations{HTTPMethod: http.MethodGet, APIPath: "/accounts", Tag: tagComposite},
			Handler: handler(func(ctx context.Context, api upstream.API, _ noParams) (*PortfolioOverview, error) {
				return s.PortfolioOverview(ctx, api)
			}),
		},
		{
			Name:        "wpe_portfolio_usage",
			Description: `Get usage metrics across all accounts, ranked by visits. Use for cross-account questions like "what are my most visited sites?" or "which sites use the most storage?"`,
			InputSchema: objectSchema(map[string]any{}),
			Annotations: catalog.Annotations{HTTPMethod: http.MethodGet, APIPath: "/accounts", Tag: tagComposite},
			Handler: handler(func(ctx context.Context, api upstream.API, _ noParams) (*PortfolioUsage, error) {
				return s.PortfolioUsage(ctx, api)
			}),
		},
		{
			Name:        "wpe_promote_to_production",
			Description: "Promote staging to production. Creates a backup of production, copies staging files and database to production, purges cache, and verifies health. Use instead of wpe_copy_install for staging-to-production promotions.",
			InputSchema: objectSchema(map[string]any{
				"staging_install_id":    str("The staging install ID (source)"),
				"production_install_id": str("The production install ID (destination)"),
				"notification_emails":   strList("Email addresses to notify when the copy completes"),
			}, "staging_install_id", "production_install_id"),
			Annotations: catalog.Annotations{HTTPMethod: http.MethodPost, APIPath: "/install_copy", Tag: tagComposite},
			Handler:     handler(s.PromoteToProduction),
		},
		{
			Name:        "wpe_add_user_to_accounts",
			Description: "Add a user to multiple WP Engine accounts with a specified role. Processes accounts sequentially and skips accounts where the user already exists. Use for onboarding a team member across an agency portfolio.",
			InputSchema: objectSchema(map[string]any{
				"email":       str("Email address of the user to add"),
				"first_name":  str("First name of the user"),
				"last_name":   str("Last name of the user"),
				"roles":       str("Role to assign. Valid values: 'owner', 'full', 'full,billing', 'partial', 'partial,billing'"),
				"account_ids": strList("Account IDs to add the user to"),
				"install_ids": strList("Install IDs for partial role users (optional)"),
			}, "email", "first_name", "last_name", "roles", "account_ids"),
			Annotations: catalog.Annotations{HTTPMethod: http.MethodPost, APIPath: "/accounts/{account_id}/account_users", Tag: tagComposite},
			Handler:     handler(s.AddUserToAccounts),
		},
		{
			Name:        "wpe_remove_user_from_accounts",
			Description: "Remove a user from one or more WP Engine accounts. If no account_ids are provided, removes the user from ALL accounts. Protects against removing the last owner. Use for offboarding a team member across an agency portfolio.",
			InputSchema: objectSchema(map[string]any{
				"email":       str("Email address of the user to remove"),
				"account_ids": strList("Account IDs to remove the user from. If omitted, removes from ALL accounts."),
			}, "email"),
			Annotations: catalog.Annotations{HTTPMethod: http.MethodDelete, APIPath: "/accounts/{account_id}/account_users", Tag: tagComposite},
			Handler:     handler(s.RemoveUserFromAccounts),
		},
		{
			Name:        "wpe_update_user_role",
			Description: "Change a user's role on a specific WP Engine account. Refuses to demote the last owner. Use for adjusting team member permissions.",
			InputSchema: objectSchema(map[string]any{
				"email":       str("Email address of the user to update"),
				"account_id":  str("Account ID where the role change applies"),
				"roles":       str("New role to assign. Valid values: 'owner', 'full', 'full,billing', 'partial', 'partial,billing'"),
				"install_ids": strList("Install IDs for partial role users (optional)"),
			}, "email", "account_id", "roles"),
			Annotations: catalog.Annotations{HTTPMethod: http.MethodPatch, APIPath: "/accounts/{account_id}/account_users/{user_id}", Tag: tagComposite},
			Handler:     handler(s.UpdateUserRole),
		},
		{
			Name:        "wpe_user_audit",
			Description: "Cross-account user audit. Lists all users across all accounts, deduplicates by email, and flags security concerns (no MFA, pending invites). Use for agency-wide user access reviews.",
			InputSchema: objectSchema(map[string]any{}),
			Annotations: catalog.Annotations{HTTPMethod: http.MethodGet, APIPath: "/accounts", Tag: tagComposite},
			Handler: handler(func(ctx context.Context, api upstream.API, _ noParams) (*UserAuditReport, error) {
				return s.UserAudit(ctx, api)
			}),
		},
	}
}
