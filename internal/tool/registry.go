// Package tool is the registry of callable tools offered to the provider. It
// validates arguments against each tool's JSON Schema and knows which tools
// need human approval before they run.
package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/gosuda/parley/internal/provider"
)

var (
	ErrUnknownTool      = errors.New("tool: unknown tool")       //nolint:gochecknoglobals // sentinel error
	ErrInvalidArguments = errors.New("tool: invalid arguments")  //nolint:gochecknoglobals // sentinel error
	ErrDuplicateTool    = errors.New("tool: already registered") //nolint:gochecknoglobals // sentinel error
)

// Handler runs a tool with validated arguments.
type Handler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

type Tool struct {
	Name             string
	Description      string
	Schema           json.RawMessage // JSON Schema of the arguments object; empty accepts any object
	RequiresApproval bool
	Handler          Handler
}

type entry struct {
	tool     Tool
	compiled *jsonschema.Schema
}

type Registry struct {
	mu        sync.RWMutex
	tools     map[string]*entry
	overrides map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{
		tools:     make(map[string]*entry),
		overrides: make(map[string]bool),
	}
}

// Register compiles the tool's schema and adds it.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" || t.Handler == nil {
		return fmt.Errorf("tool.Registry.Register(%q): name and handler are required", t.Name)
	}
	e := &entry{tool: t}
	if len(t.Schema) > 0 {
		compiled, err := compileSchema(t.Name, t.Schema)
		if err != nil {
			return fmt.Errorf("tool.Registry.Register(%q): %w", t.Name, err)
		}
		e.compiled = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name]; ok {
		return fmt.Errorf("tool.Registry.Register(%q): %w", t.Name, ErrDuplicateTool)
	}
	r.tools[t.Name] = e
	return nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := name + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return s, nil
}

func (r *Registry) get(name string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.get(name)
	return ok
}

// Definitions lists every tool in name order for the provider request.
func (r *Registry) Definitions() []provider.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]provider.ToolDefinition, 0, len(r.tools))
	for _, e := range r.tools {
		schema := e.tool.Schema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		out = append(out, provider.ToolDefinition{
			Name:        e.tool.Name,
			Description: e.tool.Description,
			InputSchema: schema,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RequiresApproval reports whether a call to name must pass the approval
// gate. Policy overrides win over the flag a tool registered with. Unknown
// tools report false; they never execute anyway.
func (r *Registry) RequiresApproval(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.overrides[name]; ok {
		return v
	}
	if e, ok := r.tools[name]; ok {
		return e.tool.RequiresApproval
	}
	return false
}

// Validate checks args against the tool's schema. Arguments must be a JSON
// object.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	e, ok := r.get(name)
	if !ok {
		return fmt.Errorf("tool.Registry.Validate(%q): %w", name, ErrUnknownTool)
	}
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage(`{}`)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return fmt.Errorf("tool.Registry.Validate(%q): %w: %w", name, ErrInvalidArguments, err)
	}
	if _, isObject := doc.(map[string]any); !isObject {
		return fmt.Errorf("tool.Registry.Validate(%q): %w: arguments must be an object", name, ErrInvalidArguments)
	}
	if e.compiled == nil {
		return nil
	}
	if err := e.compiled.Validate(doc); err != nil {
		return fmt.Errorf("tool.Registry.Validate(%q): %w: %w", name, ErrInvalidArguments, err)
	}
	return nil
}

// Execute runs the named tool. Arguments are not revalidated.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	e, ok := r.get(name)
	if !ok {
		return nil, fmt.Errorf("tool.Registry.Execute(%q): %w", name, ErrUnknownTool)
	}
	out, err := e.tool.Handler(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("tool.Registry.Execute(%q): %w", name, err)
	}
	return out, nil
}
