package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"reflect"

	"golang.org/x/sync/errgroup"

	"github.com/xela07ax/capi-tool-gateway/internal/domain"
	"github.com/xela07ax/capi-tool-gateway/internal/upstream"
)

// Поля, по которым сравниваются staging и production перед переносом
var promoteDiffFields = []string{"php_version", "status", "environment", "wp_version", "primary_domain"}

type PromoteParams struct {
	StagingInstallID    string   `json:"staging_install_id"`
	ProductionInstallID string   `json:"production_install_id"`
	NotificationEmails  []string `json:"notification_emails,omitempty"`
}

type InstallSummary struct {
	ID            any `json:"id"`
	Name          any `json:"name"`
	Environment   any `json:"environment"`
	PHPVersion    any `json:"php_version"`
	Status        any `json:"status"`
	PrimaryDomain any `json:"primary_domain"`
}

func summarizeInstall(m map[string]any) InstallSummary {
	return InstallSummary{
		ID:            m["id"],
		Name:          m["name"],
		Environment:   m["environment"],
		PHPVersion:    m["php_version"],
		Status:        m["status"],
		PrimaryDomain: m["primary_domain"],
	}
}

type FieldDiff struct {
	Field      string `json:"field"`
	Staging    any    `json:"staging"`
	Production any    `json:"production"`
}

// StepResult — исход одного шага переноса.
type StepResult struct {
	Success bool             `json:"success,omitempty"`
	Skipped bool             `json:"skipped,omitempty"`
	Reason  string           `json:"reason,omitempty"`
	ID      any              `json:"id,omitempty"`
	Status  any              `json:"status,omitempty"`
	Error   *domain.APIError `json:"error,omitempty"`
}

type PromotionResult struct {
	Staging        InstallSummary `json:"staging"`
	Production     InstallSummary `json:"production"`
	Diff           []FieldDiff    `json:"diff"`
	Warnings       []string       `json:"warnings"`
	Backup         StepResult     `json:"backup"`
	Copy           StepResult     `json:"copy"`
	CachePurge     StepResult     `json:"cache_purge"`
	PostCopyStatus any            `json:"post_copy_status"`
}

// ErrInstallNotFound — один из install переноса не получен из upstream.
var ErrInstallNotFound = errors.New("install not found")

// PromoteToProduction: бэкап production, копия staging в production, сброс кэша, проверка.
// Без успешного бэкапа копирование не запускается. Сбой сброса кэша не фатален.
func (s *Service) PromoteToProduction(ctx context.Context, api upstream.API, p PromoteParams) (*PromotionResult, error) {
	var (
		stagingRes, prodRes domain.UpstreamResult
		g                   errgroup.Group
	)
	g.Go(func() error {
		stagingRes = api.Get(ctx, installPath(p.StagingInstallID), nil)
		return nil
	})
	g.Go(func() error {
		prodRes = api.Get(ctx, installPath(p.ProductionInstallID), nil)
		return nil
	})
	_ = g.Wait()

	if !stagingRes.OK {
		return nil, fmt.Errorf("staging install %s: %w: %w", p.StagingInstallID, ErrInstallNotFound, stagingRes.Err())
	}
	if !prodRes.OK {
		return nil, fmt.Errorf("production install %s: %w: %w", p.ProductionInstallID, ErrInstallNotFound, prodRes.Err())
	}

	staging, production := asMap(stagingRes.Data), asMap(prodRes.Data)
	out := &PromotionResult{
		Staging:    summarizeInstall(staging),
		Production: summarizeInstall(production),
		Diff:       []FieldDiff{},
		Warnings:   []string{},
	}
	if env := production["environment"]; env != "production" {
		out.Warnings = append(out.Warnings,
			fmt.Sprintf("Destination install environment is %q, not \"production\"", fmt.Sprint(env)))
	}
	for _, f := range promoteDiffFields {
		if !reflect.DeepEqual(staging[f], production[f]) {
			out.Diff = append(out.Diff, FieldDiff{Field: f, Staging: staging[f], Production: production[f]})
		}
	}

	backupBody := map[string]any{"description": "Pre-promotion backup"}
	if len(p.NotificationEmails) > 0 {
		backupBody["notification_emails"] = p.NotificationEmails
	}
	backupRes := api.Post(ctx, installPath(p.ProductionInstallID)+"/backups", backupBody)
	if !backupRes.OK {
		s.logger.Warn("promotion aborted: backup failed")
		out.Backup = StepResult{Error: apiError(backupRes)}
		out.Copy = StepResult{Skipped: true, Reason: "Backup failed, copy not attempted"}
		out.CachePurge = StepResult{Skipped: true}
		return out, nil
	}
	backup := asMap(backupRes.Data)
	out.Backup = StepResult{ID: backup["id"], Status: backup["status"]}

	copyBody := map[string]any{
		"source_environment_id":      p.StagingInstallID,
		"destination_environment_id": p.ProductionInstallID,
	}
	if p.NotificationEmails != nil {
		copyBody["notification_emails"] = p.NotificationEmails
	}
	copyRes := api.Post(ctx, "/install_copy", copyBody)
	if !copyRes.OK {
		out.Copy = StepResult{Error: apiError(copyRes)}
		out.CachePurge = StepResult{Skipped: true}
		return out, nil
	}
	out.Copy = StepResult{Success: true}

	purgeRes := api.Post(ctx, installPath(p.ProductionInstallID)+"/purge_cache", map[string]any{"type": "all"})
	if purgeRes.OK {
		out.CachePurge = StepResult{Success: true}
	} else {
		out.CachePurge = StepResult{Error: apiError(purgeRes)}
	}

	postRes := api.Get(ctx, installPath(p.ProductionInstallID), nil)
	if postRes.OK {
		out.PostCopyStatus = summarizeInstall(asMap(postRes.Data))
	} else {
		out.PostCopyStatus = StepResult{Error: apiError(postRes)}
	}
	return out, nil
}

func installPath(id string) string {
	return "/installs/" + url.PathEscape(id)
}

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func apiError(res domain.UpstreamResult) *domain.APIError {
	var apiErr *domain.APIError
	if errors.As(res.Err(), &apiErr) {
		return apiErr
	}
	return domain.NewAPIError(res.Status, fmt.Sprintf("HTTP %d", res.Status), nil, nil)
}
