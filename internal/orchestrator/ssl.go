package orchestrator

import (
	"context"
	"net/url"
	"time"

	"github.com/xela07ax/capi-tool-gateway/internal/upstream"
)

type certificate struct {
	ID            string `json:"id,omitempty"`
	Type          string `json:"type,omitempty"`
	ExpiresAt     string `json:"expires_at,omitempty"`
	PrimaryDomain string `json:"primary_domain,omitempty"`
}

// expiry — срок действия. Сертификат без даты или с невалидной датой не проверяется.
func (c certificate) expiry() (time.Time, bool) {
	if c.ExpiresAt == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, c.ExpiresAt)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func fetchCertificates(ctx context.Context, api upstream.API, installID string) ([]certificate, error) {
	res := api.Get(ctx, "/installs/"+url.PathEscape(installID)+"/ssl_certificates", nil)
	if !res.OK {
		return nil, res.Err()
	}
	var body struct {
		Certificates []certificate `json:"certificates"`
	}
	if err := res.Decode(&body); err != nil {
		return nil, err
	}
	return body.Certificates, nil
}

// expiringBefore — сертификаты, истекающие раньше cutoff (включая уже истекшие).
func expiringBefore(certs []certificate, cutoff time.Time) []certificate {
	out := make([]certificate, 0)
	for _, c := range certs {
		if t, ok := c.expiry(); ok && t.Before(cutoff) {
			out = append(out, c)
		}
	}
	return out
}
