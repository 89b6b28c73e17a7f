package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/xela07ax/capi-tool-gateway/internal/fanout"
	"github.com/xela07ax/capi-tool-gateway/internal/upstream"
)

const UserUpdated = "updated"

type UpdateRoleParams struct {
	Email      string   `json:"email"`
	AccountID  string   `json:"account_id"`
	Roles      string   `json:"roles"`
	InstallIDs []string `json:"install_ids,omitempty"`
}

type UpdateRoleResult struct {
	Email         string `json:"email"`
	AccountID     string `json:"account_id"`
	PreviousRoles any    `json:"previous_roles,omitempty"`
	NewRoles      string `json:"new_roles,omitempty"`
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
	Warning       string `json:"warning,omitempty"`
}

// accountMember — пользователь аккаунта. roles приходит строкой или массивом.
type accountMember struct {
	UserID         string   `json:"user_id"`
	Email          string   `json:"email"`
	FirstName      string   `json:"first_name"`
	LastName       string   `json:"last_name"`
	Roles          any      `json:"roles"`
	LastOwner      bool     `json:"last_owner"`
	MFAEnabled     bool     `json:"mfa_enabled"`
	InviteAccepted bool     `json:"invite_accepted"`
	Installs       []string `json:"installs"`
}

func (m accountMember) isOwner() bool {
	switch r := m.Roles.(type) {
	case string:
		return r == "owner"
	case []any:
		for _, v := range r {
			if v == "owner" {
				return true
			}
		}
	}
	return false
}

func fetchMembers(ctx context.Context, api upstream.API, accountID string) ([]accountMember, error) {
	res := api.Get(ctx, accountPath(accountID)+"/account_users", nil)
	if !res.OK || res.Data == nil {
		return nil, errors.New(errorMessage(res.Error, "Failed to fetch users"))
	}
	var body struct {
		Results []accountMember `json:"results"`
	}
	if err := res.Decode(&body); err != nil {
		return nil, err
	}
	return body.Results, nil
}

// UpdateUserRole меняет роль пользователя на одном аккаунте.
// Последнего владельца понизить нельзя.
func (s *Service) UpdateUserRole(ctx context.Context, api upstream.API, p UpdateRoleParams) (*UpdateRoleResult, error) {
	out := &UpdateRoleResult{Email: p.Email, AccountID: p.AccountID, Status: UserError}

	members, err := fetchMembers(ctx, api, p.AccountID)
	if err != nil {
		out.Error = err.Error()
		return out, nil
	}
	var user *accountMember
	for i := range members {
		if strings.EqualFold(members[i].Email, p.Email) {
			user = &members[i]
			break
		}
	}
	if user == nil {
		out.Error = fmt.Sprintf("User %s not found on account %s", p.Email, p.AccountID)
		return out, nil
	}

	out.PreviousRoles, out.NewRoles = user.Roles, p.Roles
	if user.LastOwner && user.isOwner() && p.Roles != "owner" {
		out.Error = "Cannot demote the last owner of this account"
		out.Warning = "Transfer ownership to another user before changing this role"
		return out, nil
	}

	body := map[string]any{"roles": p.Roles}
	if p.InstallIDs != nil {
		body["install_ids"] = p.InstallIDs
	}
	res := api.Patch(ctx, accountPath(p.AccountID)+"/account_users/"+url.PathEscape(user.UserID), body)
	if !res.OK {
		out.Error = errorMessage(res.Error, fmt.Sprintf("HTTP %d", res.Status))
		return out, nil
	}
	out.Status = UserUpdated
	s.logger.Info("user role updated", zap.String("account_id", p.AccountID), zap.String("roles", p.Roles))
	return out, nil
}

type UserMembership struct {
	AccountID   string   `json:"account_id"`
	AccountName string   `json:"account_name"`
	Roles       any      `json:"roles"`
	LastOwner   bool     `json:"last_owner"`
	Installs    []string `json:"installs"`
}

type AuditedUser struct {
	Email          string           `json:"email"`
	FirstName      string           `json:"first_name"`
	LastName       string           `json:"last_name"`
	MFAEnabled     bool             `json:"mfa_enabled"`
	InviteAccepted bool             `json:"invite_accepted"`
	Accounts       []UserMembership `json:"accounts"`
}

type UserAuditReport struct {
	TotalUsers    int            `json:"total_users"`
	TotalAccounts int            `json:"total_accounts"`
	Users         []AuditedUser  `json:"users"`
	Warnings      []string       `json:"warnings"`
	Errors        []AccountError `json:"errors,omitempty"`
}

// UserAudit сводит пользователей всех аккаунтов по email без учета регистра.
// Флаг MFA или принятого приглашения ложен, если он ложен хотя бы на одном аккаунте.
func (s *Service) UserAudit(ctx context.Context, api upstream.API) (*UserAuditReport, error) {
	accounts, err := listAccounts(ctx, api)
	if err != nil {
		return nil, err
	}
	out := &UserAuditReport{TotalAccounts: len(accounts), Users: []AuditedUser{}, Warnings: []string{}}
	if len(accounts) == 0 {
		return out, nil
	}

	outcomes := fanout.Run(ctx, accounts, func(ctx context.Context, acc account) ([]accountMember, error) {
		return fetchMembers(ctx, api, acc.ID)
	}, fanout.WithConcurrency(s.concurrency))
	out.Errors = accountErrors(outcomes)

	index := make(map[string]int)
	for _, o := range outcomes {
		if o.Err != nil {
			continue
		}
		for _, m := range o.Result {
			key := strings.ToLower(m.Email)
			i, ok := index[key]
			if !ok {
				i = len(out.Users)
				index[key] = i
				out.Users = append(out.Users, AuditedUser{
					Email:          m.Email,
					FirstName:      m.FirstName,
					LastName:       m.LastName,
					MFAEnabled:     true,
					InviteAccepted: true,
				})
			}
			u := &out.Users[i]
			u.MFAEnabled = u.MFAEnabled && m.MFAEnabled
			u.InviteAccepted = u.InviteAccepted && m.InviteAccepted
			u.Accounts = append(u.Accounts, UserMembership{
				AccountID:   o.Item.ID,
				AccountName: o.Item.Name,
				Roles:       m.Roles,
				LastOwner:   m.LastOwner,
				Installs:    m.Installs,
			})
		}
	}

	for _, u := range out.Users {
		if !u.MFAEnabled {
			out.Warnings = append(out.Warnings, u.Email+": MFA not enabled")
		}
		if !u.InviteAccepted {
			out.Warnings = append(out.Warnings, u.Email+": Invite pending")
		}
	}
	out.TotalUsers = len(out.Users)
	return out, nil
}
