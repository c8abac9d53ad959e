// Package tools exposes the callables the conversational model can invoke.
//
// A Registry is built once when a session starts and frozen before the model
// sees it. Invoke is the failure boundary: handler errors and panics are
// logged and turned into a text result, so a broken tool never ends a turn.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Sentinel errors for the tools package.
var (
	// ErrUnknownTool indicates an invocation of an unregistered name.
	ErrUnknownTool = errors.New("tools: unknown tool")

	// ErrDuplicateTool indicates a second registration under the same name.
	ErrDuplicateTool = errors.New("tools: duplicate tool")

	// ErrRegistryFrozen indicates Register after Freeze.
	ErrRegistryFrozen = errors.New("tools: registry frozen")

	// ErrInvalidArgument indicates an argument failed its typed parse.
	ErrInvalidArgument = errors.New("tools: invalid argument")

	// ErrHandlerPanic indicates a handler panicked.
	ErrHandlerPanic = errors.New("tools: handler panic")
)

// ParamType is the JSON schema type of a parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeBoolean ParamType = "boolean"
	TypeInteger ParamType = "integer"
)

// Param describes one tool argument.
type Param struct {
	Name        string
	Description string
	Type        ParamType
	Enum        []string
}

// Descriptor describes a tool to the model.
type Descriptor struct {
	Name        string
	Description string
	Params      []Param
}

// Schema returns the JSON schema properties for the descriptor's params.
// Arguments always cross the tool boundary as text, so every property is a
// string; the declared type is carried in the description.
func (d Descriptor) Schema() map[string]any {
	props := make(map[string]any, len(d.Params))
	for _, p := range d.Params {
		desc := p.Description
		if p.Type != "" && p.Type != TypeString {
			desc = fmt.Sprintf("%s (%s)", p.Description, p.Type)
		}
		prop := map[string]any{
			"type":        "string",
			"description": desc,
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		props[p.Name] = prop
	}
	return props
}

// Required returns the names of all params in order.
func (d Descriptor) Required() []string {
	names := make([]string, len(d.Params))
	for i, p := range d.Params {
		names[i] = p.Name
	}
	return names
}

// Handler runs a tool. The returned text goes back to the model.
type Handler func(ctx context.Context, args Args) (string, error)

// Tool pairs a descriptor with its handler.
type Tool struct {
	Descriptor Descriptor
	Handler    Handler
}

type entry struct {
	desc    Descriptor
	handler Handler
}

// Stats counts invocations.
type Stats struct {
	Invoked uint64 `json:"invoked"`
	Failed  uint64 `json:"failed"`
}

// Registry maps tool names to handlers.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	order   []string
	entries map[string]entry
	frozen  bool

	invoked atomic.Uint64
	failed  atomic.Uint64
}

// NewRegistry creates an empty registry. A nil logger uses slog.Default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger.With("component", "tools"),
		entries: make(map[string]entry),
	}
}

// Register adds a tool.
func (r *Registry) Register(desc Descriptor, h Handler) error {
	if desc.Name == "" {
		return fmt.Errorf("tools: name is required")
	}
	if h == nil {
		return fmt.Errorf("tools: %s: handler is required", desc.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("%w: %s", ErrRegistryFrozen, desc.Name)
	}
	if _, ok := r.entries[desc.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, desc.Name)
	}

	desc.Params = append([]Param(nil), desc.Params...)
	r.entries[desc.Name] = entry{desc: desc, handler: h}
	r.order = append(r.order, desc.Name)
	return nil
}

// Freeze rejects any further registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Descriptors returns all descriptors in registration order.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		d := r.entries[name].desc
		d.Params = append([]Param(nil), d.Params...)
		out = append(out, d)
	}
	return out
}

// Lookup returns the descriptor for name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.desc, ok
}

// Invoke runs the named tool and always returns a result for the model.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]string) string {
	r.invoked.Add(1)

	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()

	if !ok {
		r.failed.Add(1)
		r.logger.Warn("tool not found", "name", name)
		return fmt.Sprintf("The %s tool is unavailable.", name)
	}

	r.logger.Info("tool called", "name", name, "args", args)

	result, err := r.call(ctx, e, Args(args))
	if err != nil {
		r.failed.Add(1)
		r.logger.Error("tool failed", "name", name, "error", err)
		return fmt.Sprintf("Error: %v", err)
	}

	r.logger.Debug("tool result", "name", name, "result", result)
	return result
}

func (r *Registry) call(ctx context.Context, e entry, args Args) (result string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked", "name", e.desc.Name, "panic", rec, "stack", string(debug.Stack()))
			result, err = "", fmt.Errorf("%w: %s", ErrHandlerPanic, e.desc.Name)
		}
	}()
	if args == nil {
		args = Args{}
	}
	return e.handler(ctx, args)
}

// Stats returns a snapshot of the invocation counters.
func (r *Registry) Stats() Stats {
	return Stats{
		Invoked: r.invoked.Load(),
		Failed:  r.failed.Load(),
	}
}
