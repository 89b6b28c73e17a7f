// Package risk определяет уровень риска инструмента и текст предупреждения для tier 3.
package risk

import (
	"net/http"
	"strings"

	"github.com/xela07ax/capi-tool-gateway/internal/domain"
)

const genericWarning = "This action may have significant consequences."

// Assessment — результат классификации. Message и PreChecks заполнены только для tier 3.
type Assessment struct {
	Tier                domain.Tier
	ConfirmationMessage string
	PreChecks           []string
}

// RequiresConfirmation — нужен ли двухшаговый вызов.
func (a Assessment) RequiresConfirmation() bool {
	return a.Tier >= domain.TierDestructive
}

// Инструменты, которые опаснее, чем подразумевает их HTTP-метод:
// разрушительные или платные POST/PATCH.
var tierOverrides = map[string]domain.Tier{
	"wpe_copy_install":              domain.TierDestructive,
	"wpe_create_site":               domain.TierDestructive,
	"wpe_create_install":            domain.TierDestructive,
	"wpe_create_account_user":       domain.TierDestructive,
	"wpe_promote_to_production":     domain.TierDestructive,
	"wpe_add_user_to_accounts":      domain.TierDestructive,
	"wpe_remove_user_from_accounts": domain.TierDestructive,
	"wpe_update_user_role":          domain.TierDestructive,
	"wpe_setup_staging":             domain.TierDestructive,
}

var confirmationMessages = map[string]string{
	"wpe_delete_site":               "This will permanently delete the site and ALL its installs.",
	"wpe_delete_install":            "This will permanently delete the install and all its data.",
	"wpe_delete_account_user":       "This will remove the user from the account.",
	"wpe_delete_domain":             "This will remove the domain from the install.",
	"wpe_delete_ssh_key":            "This will delete the SSH key.",
	"wpe_copy_install":              "This will copy data between installs, potentially overwriting the destination.",
	"wpe_create_site":               "This will create a new billable site on the account.",
	"wpe_create_install":            "This will create a new install on the site.",
	"wpe_create_account_user":       "This will grant a new user access to the account.",
	"wpe_promote_to_production":     "This will backup production, then overwrite it with staging content (files and database).",
	"wpe_add_user_to_accounts":      "This will add a user to the specified account(s) with the given role.",
	"wpe_remove_user_from_accounts": "This will remove a user from the specified account(s).",
	"wpe_update_user_role":          "This will change the user's role on the specified account.",
	"wpe_setup_staging":             "This will create a new install on the site and overwrite it with a copy of the source install.",
}

var preChecks = map[string][]string{
	"wpe_delete_site": {
		"Verify all installs have recent backups",
		"Confirm no production installs will be affected",
	},
	"wpe_delete_install": {
		"Verify a recent backup exists",
		"Confirm this is not a production install",
	},
	"wpe_copy_install": {
		"Verify the destination install has a recent backup",
		"Confirm the source and destination are correct",
	},
	"wpe_create_site": {
		"Verify the account has available site capacity",
	},
	"wpe_create_install": {
		"Verify the site has available install capacity",
	},
	"wpe_create_account_user": {
		"Verify the user email is correct",
		"Confirm the intended access level",
	},
	"wpe_promote_to_production": {
		"Verify the staging install has been tested",
		"Confirm the production install ID is correct",
	},
	"wpe_add_user_to_accounts": {
		"Verify the email address is correct",
		"Confirm the intended role",
	},
	"wpe_remove_user_from_accounts": {
		"Verify you want to revoke this user's access",
		"Confirm the user email is correct",
	},
	"wpe_update_user_role": {
		"Verify the new role is correct",
		"Confirm the account ID",
	},
	"wpe_setup_staging": {
		"Verify the site has available install capacity",
		"Confirm the source install ID is correct",
	},
}

// DefaultTier: GET — чтение, DELETE — разрушительная операция, остальное — изменение.
func DefaultTier(httpMethod string) domain.Tier {
	switch strings.ToUpper(httpMethod) {
	case http.MethodGet:
		return domain.TierRead
	case http.MethodDelete:
		return domain.TierDestructive
	default:
		return domain.TierMutating
	}
}

// Classify — чистая функция над статическими таблицами.
func Classify(toolName, httpMethod string) Assessment {
	tier, ok := tierOverrides[toolName]
	if !ok {
		tier = DefaultTier(httpMethod)
	}
	if tier < domain.TierDestructive {
		return Assessment{Tier: tier}
	}

	msg, ok := confirmationMessages[toolName]
	if !ok {
		msg = genericWarning
	}
	var checks []string
	if pc, ok := preChecks[toolName]; ok {
		checks = append([]string(nil), pc...) // копия: таблица не должна утекать наружу
	}
	return Assessment{Tier: tier, ConfirmationMessage: msg, PreChecks: checks}
}
