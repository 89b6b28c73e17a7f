package upstream

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/xela07ax/capi-tool-gateway/internal/domain"
)

// page — конверт постраничного ответа: {"results": [...], "next": "<url>|null"}
type page struct {
	Results []any
	Next    string
}

func decodePage(data any) (page, bool) {
	m, ok := data.(map[string]any)
	if !ok {
		return page{}, false
	}
	var p page
	if results, ok := m["results"].([]any); ok {
		p.Results = results
	}
	if next, ok := m["next"].(string); ok {
		p.Next = next
	}
	return p, true
}

// GetAll проходит все страницы по ссылке next и склеивает results в один массив.
// Ошибка первой страницы возвращается как есть. Ошибка последующей страницы не
// выбрасывает уже собранное: результат остается OK с флагом Truncated.
func (c *Client) GetAll(ctx context.Context, path string, query url.Values) domain.UpstreamResult {
	q := url.Values{}
	for k, vs := range query {
		q[k] = append([]string(nil), vs...)
	}
	q.Set("limit", strconv.Itoa(c.pageSize))
	q.Set("offset", "0")

	first := c.request(ctx, http.MethodGet, c.buildURL(path, q), nil)
	if !first.OK {
		return domain.UpstreamResult{Status: first.Status, Data: []any{}, Error: first.Error}
	}

	p, ok := decodePage(first.Data)
	if !ok {
		return domain.UpstreamResult{OK: true, Status: first.Status, Data: []any{}}
	}

	items := append(make([]any, 0, len(p.Results)), p.Results...)
	seen := make(map[string]struct{})
	truncated := false
	log := c.logger.With(zap.String("path", path))

	for next := p.Next; next != ""; {
		if _, dup := seen[next]; dup {
			log.Warn("pagination cursor repeated, stopping", zap.String("next", next))
			break
		}
		seen[next] = struct{}{}

		nextURL, err := c.resolveNext(next)
		if err != nil {
			log.Warn("pagination link rejected", zap.String("next", next), zap.Error(err))
			truncated = true
			break
		}

		resp := c.request(ctx, http.MethodGet, nextURL, nil)
		if !resp.OK {
			log.Warn("pagination page failed, returning partial result",
				zap.Int("status", resp.Status), zap.Int("collected", len(items)))
			truncated = true
			break
		}
		np, ok := decodePage(resp.Data)
		if !ok {
			truncated = true
			break
		}
		items = append(items, np.Results...)
		next = np.Next
	}

	return domain.UpstreamResult{OK: true, Status: first.Status, Data: items, Truncated: truncated}
}

// resolveNext разрешает относительную ссылку относительно base URL и не пускает на чужой хост,
// чтобы не отдать Authorization постороннему.
func (c *Client) resolveNext(next string) (string, error) {
	ref, err := url.Parse(next)
	if err != nil {
		return "", err
	}
	u := c.baseURL.ResolveReference(ref)
	if u.Host != c.baseURL.Host || u.Scheme != c.baseURL.Scheme {
		return "", errForeignHost
	}
	return u.String(), nil
}
