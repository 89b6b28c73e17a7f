package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/xela07ax/capi-tool-gateway/internal/domain"
	"github.com/xela07ax/capi-tool-gateway/internal/upstream"
)

//go:embed catalog.yaml
var endpointsYAML []byte

type paramSpec struct {
	Name        string `yaml:"name"`
	In          string `yaml:"in"` // path | query | body
	Type        string `yaml:"type"`
	Items       string `yaml:"items"`
	Required    bool   `yaml:"required"`
	Description string `yaml:"description"`
}

type endpointSpec struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Annotations `yaml:",inline"`
	Params      []paramSpec `yaml:"params"`
}

type endpointFile struct {
	Tools []endpointSpec `yaml:"tools"`
}

// Endpoints возвращает инструменты для всех REST-эндпоинтов из встроенного каталога.
func Endpoints() ([]Tool, error) {
	return ParseEndpoints(endpointsYAML)
}

// ParseEndpoints разбирает YAML-каталог и строит для каждого эндпоинта схему и REST-хендлер.
func ParseEndpoints(data []byte) ([]Tool, error) {
	var file endpointFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("catalog: parse endpoints: %w", err)
	}

	tools := make([]Tool, 0, len(file.Tools))
	for _, ep := range file.Tools {
		ep.HTTPMethod = strings.ToUpper(ep.HTTPMethod)
		if err := ep.check(); err != nil {
			return nil, err
		}
		tools = append(tools, Tool{
			Name:        ep.Name,
			Description: ep.Description,
			InputSchema: ep.schema(),
			Annotations: ep.Annotations,
			Handler:     restHandler(ep),
		})
	}
	return tools, nil
}

func (ep endpointSpec) check() error {
	switch ep.HTTPMethod {
	case http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete:
	default:
		return fmt.Errorf("catalog: %s: unsupported method %q", ep.Name, ep.HTTPMethod)
	}
	for _, p := range ep.Params {
		switch p.In {
		case "path":
			if !strings.Contains(ep.APIPath, "{"+p.Name+"}") {
				return fmt.Errorf("catalog: %s: path param %s not in %s", ep.Name, p.Name, ep.APIPath)
			}
		case "query", "body":
		default:
			return fmt.Errorf("catalog: %s: param %s has unknown location %q", ep.Name, p.Name, p.In)
		}
	}
	return nil
}

func (ep endpointSpec) schema() map[string]any {
	props := make(map[string]any, len(ep.Params))
	required := make([]any, 0)
	for _, p := range ep.Params {
		typ := p.Type
		if typ == "" {
			typ = "string"
		}
		prop := map[string]any{"type": typ}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if typ == "array" && p.Items != "" {
			prop["items"] = map[string]any{"type": p.Items}
		}
		props[p.Name] = prop
		if p.Required || p.In == "path" {
			required = append(required, p.Name)
		}
	}
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// restHandler — общий хендлер: подставляет path-параметры, собирает query и body.
func restHandler(ep endpointSpec) Handler {
	return func(ctx context.Context, params map[string]any, api upstream.API) (any, error) {
		path := ep.APIPath
		query := url.Values{}
		body := map[string]any{}

		for _, p := range ep.Params {
			v, ok := params[p.Name]
			if !ok || v == nil {
				if p.In == "path" {
					return nil, fmt.Errorf("missing required path parameter %s", p.Name)
				}
				continue
			}
			switch p.In {
			case "path":
				path = strings.ReplaceAll(path, "{"+p.Name+"}", url.PathEscape(scalar(v)))
			case "query":
				query.Set(p.Name, scalar(v))
			case "body":
				body[p.Name] = v
			}
		}

		res := doRequest(ctx, api, ep.HTTPMethod, path, query, body)
		if !res.OK {
			return nil, res.Err()
		}
		if res.Data == nil {
			return map[string]any{"success": true, "status": res.Status}, nil
		}
		return res.Data, nil
	}
}

func doRequest(ctx context.Context, api upstream.API, method, path string, query url.Values, body map[string]any) domain.UpstreamResult {
	switch method {
	case http.MethodPost:
		return api.Post(ctx, path, body)
	case http.MethodPatch:
		return api.Patch(ctx, path, body)
	case http.MethodDelete:
		return api.Delete(ctx, path)
	default:
		return api.Get(ctx, path, query)
	}
}

func scalar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}
