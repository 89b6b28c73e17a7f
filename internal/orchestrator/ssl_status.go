package orchestrator

import (
	"context"
	"fmt"

	"github.com/xela07ax/capi-tool-gateway/internal/fanout"
	"github.com/xela07ax/capi-tool-gateway/internal/upstream"
)

type InstallSSL struct {
	InstallID        string        `json:"install_id"`
	InstallName      string        `json:"install_name"`
	Environment      string        `json:"environment,omitempty"`
	CertificateCount int           `json:"certificate_count"`
	Certificates     []certificate `json:"certificates"`
	HasSSL           bool          `json:"has_ssl"`
	ExpiringSoon     []certificate `json:"expiring_soon"`
	Error            string        `json:"error,omitempty"`
}

type SSLSummary struct {
	TotalInstalls int `json:"total_installs"`
	WithSSL       int `json:"with_ssl"`
	WithoutSSL    int `json:"without_ssl"`
	ExpiringSoon  int `json:"expiring_soon"`
}

type SSLStatusReport struct {
	Installs []InstallSSL   `json:"installs"`
	Summary  *SSLSummary    `json:"summary,omitempty"`
	Message  string         `json:"message,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
	Errors   []InstallError `json:"errors,omitempty"`
}

// AccountSSLStatus собирает сертификаты всех install аккаунта.
// Отказ запроса сертификатов одного install фиксируется в его поле error.
func (s *Service) AccountSSLStatus(ctx context.Context, api upstream.API, accountID string) (*SSLStatusReport, error) {
	installs, err := listInstalls(ctx, api, accountID)
	if err != nil {
		return nil, err
	}
	if len(installs) == 0 {
		return &SSLStatusReport{Installs: []InstallSSL{}, Message: "No installs found for this account."}, nil
	}

	cutoff := s.now().Add(s.sslLookahead)
	outcomes := fanout.Run(ctx, installs, func(ctx context.Context, inst install) (InstallSSL, error) {
		r := InstallSSL{InstallID: inst.ID, InstallName: inst.Name, Environment: inst.Environment}
		certs, err := fetchCertificates(ctx, api, inst.ID)
		if err != nil {
			_, r.Error = describeError(err)
			certs = nil
		}
		if certs == nil {
			certs = []certificate{}
		}
		r.Certificates = certs
		r.CertificateCount = len(certs)
		r.HasSSL = len(certs) > 0
		r.ExpiringSoon = expiringBefore(certs, cutoff)
		return r, nil
	}, fanout.WithConcurrency(s.concurrency))

	report := &SSLStatusReport{
		Installs: make([]InstallSSL, 0, len(installs)),
		Summary:  &SSLSummary{TotalInstalls: len(installs)},
	}
	for _, o := range outcomes {
		if o.Err != nil {
			status, msg := describeError(o.Err)
			report.Errors = append(report.Errors, InstallError{InstallID: o.Item.ID, Status: status, Error: msg})
			continue
		}
		r := o.Result
		report.Installs = append(report.Installs, r)
		switch {
		case r.HasSSL:
			report.Summary.WithSSL++
		case r.Error == "":
			report.Summary.WithoutSSL++
			report.Warnings = append(report.Warnings, fmt.Sprintf("%s (%s) has no SSL certificate", r.InstallName, r.Environment))
		}
		for _, c := range r.ExpiringSoon {
			report.Warnings = append(report.Warnings, fmt.Sprintf("%s: SSL certificate expires %s", r.InstallName, c.ExpiresAt))
		}
		report.Summary.ExpiringSoon += len(r.ExpiringSoon)
	}
	return report, nil
}
