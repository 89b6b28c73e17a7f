// Package catalog хранит определения инструментов: имя, JSON-схему параметров,
// аннотации (HTTP-метод, путь, тег) и хендлер.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/xela07ax/capi-tool-gateway/internal/upstream"
)

var (
	ErrDuplicateTool = errors.New("tool already registered")
	ErrInvalidParams = errors.New("invalid parameters")
)

// Handler выполняет инструмент. Ошибка upstream возвращается как *domain.APIError.
type Handler func(ctx context.Context, params map[string]any, api upstream.API) (any, error)

type Annotations struct {
	HTTPMethod string `json:"httpMethod" yaml:"method"`
	APIPath    string `json:"apiPath" yaml:"path"`
	Tag        string `json:"tag" yaml:"tag"`
}

type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
	Annotations Annotations    `json:"annotations"`
	Handler     Handler        `json:"-"`
}

type Catalog struct {
	mu      sync.RWMutex
	tools   map[string]*Tool
	schemas map[string]*jsonschema.Schema
	order   []string
}

func New() *Catalog {
	return &Catalog{
		tools:   make(map[string]*Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register компилирует схему инструмента и добавляет его в каталог.
func (c *Catalog) Register(tools ...Tool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range tools {
		t := tools[i]
		if t.Name == "" || t.Handler == nil {
			return fmt.Errorf("catalog: tool %q has no name or handler", t.Name)
		}
		if _, ok := c.tools[t.Name]; ok {
			return fmt.Errorf("catalog: %s: %w", t.Name, ErrDuplicateTool)
		}
		if t.InputSchema == nil {
			t.InputSchema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		schema, err := compileSchema(t.Name, t.InputSchema)
		if err != nil {
			return fmt.Errorf("catalog: compile schema for %s: %w", t.Name, err)
		}
		c.tools[t.Name] = &t
		c.schemas[t.Name] = schema
		c.order = append(c.order, t.Name)
	}
	return nil
}

func (c *Catalog) Lookup(name string) (Tool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tools[name]
	if !ok {
		return Tool{}, false
	}
	return *t, true
}

// List — инструменты в порядке регистрации.
func (c *Catalog) List() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tool, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, *c.tools[name])
	}
	return out
}

// Tags — уникальные теги по алфавиту (для листинга по категориям).
func (c *Catalog) Tags() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, t := range c.tools {
		seen[t.Annotations.Tag] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for tag := range seen {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tools)
}

// Validate проверяет параметры (уже без мета-полей) по схеме инструмента.
func (c *Catalog) Validate(name string, params map[string]any) error {
	c.mu.RLock()
	schema, ok := c.schemas[name]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("catalog: unknown tool %s", name)
	}

	// Схема валидирует только JSON-типы, поэтому приводим к ним
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w for %s: %v", ErrInvalidParams, name, err)
	}
	return nil
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	url := "mem://tools/" + name + ".json"

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}
