// Package tools holds the registry of capabilities the model may invoke and
// the schema export consumed by the gateway call.
package tools

import (
	"context"
	"sync"
)

// Tool is any capability the model can execute. It includes metadata for
// schema injection and the execution logic itself.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON-Schema object describing the arguments.
	Parameters() map[string]any
	// Execute performs the actual tool logic using the argument map.
	Execute(ctx context.Context, args map[string]any) (*Result, error)
}

// Result encapsulates the outcome of a tool execution.
type Result struct {
	Content string         `json:"content"`
	Details map[string]any `json:"details,omitempty"`
}

// Registry acts as a central inventory for all tools available to a run.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool to the registry.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name()]; !exists {
		r.order = append(r.order, tool.Name())
	}
	r.tools[tool.Name()] = tool
}

// Unregister removes a tool from the registry.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		delete(r.tools, name)
		for i, n := range r.order {
			if n == name {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// GetAll returns all registered tools in registration order.
func (r *Registry) GetAll() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// OpenAPISchemas exports all tools as OpenAPI-style function schemas, the
// shape every provider gateway understands.
func (r *Registry) OpenAPISchemas() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return nil
	}
	schemas := make([]map[string]any, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		schemas = append(schemas, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name(),
				"description": t.Description(),
				"parameters":  t.Parameters(),
			},
		})
	}
	return schemas
}
