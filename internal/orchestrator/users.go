package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/xela07ax/capi-tool-gateway/internal/domain"
	"github.com/xela07ax/capi-tool-gateway/internal/upstream"
)

// Статусы обработки одного аккаунта
const (
	UserAdded    = "added"
	UserRemoved  = "removed"
	UserSkipped  = "skipped"
	UserNotFound = "not_found"
	UserError    = "error"
)

type AddUserParams struct {
	Email      string   `json:"email"`
	FirstName  string   `json:"first_name"`
	LastName   string   `json:"last_name"`
	Roles      string   `json:"roles"`
	AccountIDs []string `json:"account_ids"`
	InstallIDs []string `json:"install_ids,omitempty"`
}

type UserAccountResult struct {
	AccountID string `json:"account_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type AddUserSummary struct {
	Added   int `json:"added"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

type AddUserResult struct {
	Email   string              `json:"email"`
	Results []UserAccountResult `json:"results"`
	Summary AddUserSummary      `json:"summary"`
}

// AddUserToAccounts добавляет пользователя в аккаунты по очереди.
// 400 от upstream означает, что пользователь уже есть: аккаунт пропускается.
func (s *Service) AddUserToAccounts(ctx context.Context, api upstream.API, p AddUserParams) (*AddUserResult, error) {
	out := &AddUserResult{Email: p.Email, Results: make([]UserAccountResult, 0, len(p.AccountIDs))}

	for _, accountID := range p.AccountIDs {
		if err := ctx.Err(); err != nil {
			out.Results = append(out.Results, UserAccountResult{AccountID: accountID, Status: UserError, Error: err.Error()})
			out.Summary.Errors++
			continue
		}

		user := map[string]any{
			"account_id": accountID,
			"first_name": p.FirstName,
			"last_name":  p.LastName,
			"email":      p.Email,
			"roles":      p.Roles,
		}
		if p.InstallIDs != nil {
			user["install_ids"] = p.InstallIDs
		}
		res := api.Post(ctx, "/accounts/"+url.PathEscape(accountID)+"/account_users", map[string]any{"user": user})

		r := UserAccountResult{AccountID: accountID}
		switch {
		case res.OK:
			r.Status = UserAdded
			out.Summary.Added++
		case res.Status == 400:
			r.Status = UserSkipped
			r.Error = errorMessage(res.Error, "Already exists")
			out.Summary.Skipped++
		default:
			r.Status = UserError
			r.Error = errorMessage(res.Error, fmt.Sprintf("HTTP %d", res.Status))
			out.Summary.Errors++
		}
		out.Results = append(out.Results, r)
	}

	s.logger.Info("add user to accounts",
		zap.Int("added", out.Summary.Added),
		zap.Int("skipped", out.Summary.Skipped),
		zap.Int("errors", out.Summary.Errors))
	return out, nil
}

type RemoveUserParams struct {
	Email      string   `json:"email"`
	AccountIDs []string `json:"account_ids,omitempty"`
}

type RemoveUserSummary struct {
	Removed  int `json:"removed"`
	Skipped  int `json:"skipped"`
	NotFound int `json:"not_found"`
	Errors   int `json:"errors"`
}

type RemoveUserResult struct {
	Email    string              `json:"email"`
	Results  []UserAccountResult `json:"results"`
	Summary  RemoveUserSummary   `json:"summary"`
	Warnings []string            `json:"warnings"`
}

type accountUser struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	LastOwner bool   `json:"last_owner"`
}

// RemoveUserFromAccounts удаляет пользователя из аккаунтов (без списка — из всех).
// Последнего владельца аккаунта не трогает.
func (s *Service) RemoveUserFromAccounts(ctx context.Context, api upstream.API, p RemoveUserParams) (*RemoveUserResult, error) {
	accountIDs := p.AccountIDs
	if len(accountIDs) == 0 {
		accounts, err := listAccounts(ctx, api)
		if err != nil {
			return nil, fmt.Errorf("list accounts: %w", err)
		}
		for _, a := range accounts {
			accountIDs = append(accountIDs, a.ID)
		}
	}

	out := &RemoveUserResult{
		Email:    p.Email,
		Results:  make([]UserAccountResult, 0, len(accountIDs)),
		Warnings: []string{},
	}
	for _, accountID := range accountIDs {
		r := s.removeFromAccount(ctx, api, accountID, p.Email)
		switch r.Status {
		case UserRemoved:
			out.Summary.Removed++
		case UserSkipped:
			out.Summary.Skipped++
			out.Warnings = append(out.Warnings,
				fmt.Sprintf("%s is the last owner of account %s, cannot remove", p.Email, accountID))
		case UserNotFound:
			out.Summary.NotFound++
		default:
			out.Summary.Errors++
		}
		out.Results = append(out.Results, r)
	}
	return out, nil
}

func (s *Service) removeFromAccount(ctx context.Context, api upstream.API, accountID, email string) UserAccountResult {
	base := "/accounts/" + url.PathEscape(accountID) + "/account_users"
	usersRes := api.Get(ctx, base, nil)
	if !usersRes.OK || usersRes.Data == nil {
		return UserAccountResult{AccountID: accountID, Status: UserError, Reason: errorMessage(usersRes.Error, "Failed to fetch users")}
	}

	var body struct {
		Results []accountUser `json:"results"`
	}
	if err := usersRes.Decode(&body); err != nil {
		return UserAccountResult{AccountID: accountID, Status: UserError, Reason: err.Error()}
	}

	var user *accountUser
	for i := range body.Results {
		if strings.EqualFold(body.Results[i].Email, email) {
			user = &body.Results[i]
			break
		}
	}
	switch {
	case user == nil:
		return UserAccountResult{AccountID: accountID, Status: UserNotFound}
	case user.LastOwner:
		return UserAccountResult{AccountID: accountID, Status: UserSkipped, Reason: "User is the last owner of this account"}
	}

	delRes := api.Delete(ctx, base+"/"+url.PathEscape(user.UserID))
	if !delRes.OK {
		return UserAccountResult{AccountID: accountID, Status: UserError, Reason: errorMessage(delRes.Error, fmt.Sprintf("HTTP %d", delRes.Status))}
	}
	return UserAccountResult{AccountID: accountID, Status: UserRemoved}
}

func errorMessage(err *domain.APIError, fallback string) string {
	if err == nil || err.Message == "" {
		return fallback
	}
	return err.Message
}
