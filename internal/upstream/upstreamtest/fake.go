// Package upstreamtest — программируемая подмена upstream.API для тестов.
package upstreamtest

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/xela07ax/capi-tool-gateway/internal/domain"
	"github.com/xela07ax/capi-tool-gateway/internal/upstream"
)

// MethodGetAll — псевдо-метод для постраничных запросов.
const MethodGetAll = "GETALL"

type Call struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
}

type Fake struct {
	mu     sync.Mutex
	routes map[string]domain.UpstreamResult
	calls  []Call
}

var _ upstream.API = (*Fake)(nil)

func New() *Fake {
	return &Fake{routes: make(map[string]domain.UpstreamResult)}
}

// On задает ответ. query может быть nil: тогда маршрут срабатывает для любого query.
func (f *Fake) On(method, path string, query url.Values, res domain.UpstreamResult) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[key(method, path, query)] = res
	return f
}

func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Count — сколько раз вызывался method+path.
func (f *Fake) Count(method, path string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Method == method && c.Path == path {
			n++
		}
	}
	return n
}

func (f *Fake) Get(_ context.Context, path string, query url.Values) domain.UpstreamResult {
	return f.handle(Call{Method: "GET", Path: path, Query: query})
}

func (f *Fake) Post(_ context.Context, path string, body any) domain.UpstreamResult {
	return f.handle(Call{Method: "POST", Path: path, Body: body})
}

func (f *Fake) Patch(_ context.Context, path string, body any) domain.UpstreamResult {
	return f.handle(Call{Method: "PATCH", Path: path, Body: body})
}

func (f *Fake) Delete(_ context.Context, path string) domain.UpstreamResult {
	return f.handle(Call{Method: "DELETE", Path: path})
}

func (f *Fake) GetAll(_ context.Context, path string, query url.Values) domain.UpstreamResult {
	return f.handle(Call{Method: MethodGetAll, Path: path, Query: query})
}

func (f *Fake) handle(c Call) domain.UpstreamResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)

	if res, ok := f.routes[key(c.Method, c.Path, c.Query)]; ok {
		return res
	}
	if res, ok := f.routes[key(c.Method, c.Path, nil)]; ok {
		return res
	}
	return Fail(404, fmt.Sprintf("no route for %s %s", c.Method, c.Path))
}

func key(method, path string, query url.Values) string {
	if len(query) == 0 {
		return method + " " + path
	}
	return method + " " + path + "?" + query.Encode()
}

func OK(data any) domain.UpstreamResult {
	return domain.UpstreamResult{OK: true, Status: 200, Data: data}
}

func Fail(status int, msg string) domain.UpstreamResult {
	return domain.UpstreamResult{
		Status: status,
		Error:  domain.NewAPIError(status, msg, nil, nil),
	}
}

// Query — короткий конструктор url.Values из пар ключ/значение.
func Query(kv ...string) url.Values {
	q := url.Values{}
	for i := 0; i+1 < len(kv); i += 2 {
		q.Set(kv[i], kv[i+1])
	}
	return q
}
