// Package tools is the default Tool Registry the step executor invokes for
// tool_call steps.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Tool is a named operation a step can invoke
type Tool interface {
	Name() string
	Execute(ctx context.Context, params map[string]any) (any, error)
}

// Invocation is one call of a tool on behalf of a step. DedupKey is stable
// across retries of the same step so tools can make side effects idempotent.
type Invocation struct {
	Tool      string
	Params    map[string]any
	DedupKey  string
	TaskID    int64
	StepNum   int
	UserID    string
	SessionID string
}

type invocationKey struct{}

// WithInvocation attaches inv to ctx for tools that need the dedup key
func WithInvocation(ctx context.Context, inv Invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

// InvocationFrom returns the invocation attached to ctx, if any
func InvocationFrom(ctx context.Context) (Invocation, bool) {
	inv, ok := ctx.Value(invocationKey{}).(Invocation)
	return inv, ok
}

// Registry maps tool names to tools. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

// NewDefaultRegistry returns a registry with every builtin tool registered
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&EchoTool{})
	r.Register(&HTTPGetTool{})
	r.Register(&HTTPPostJSONTool{})
	r.Register(&HTMLToTextTool{})
	r.Register(NewFailTool())
	return r
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists the registered tools alphabetically
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs the named tool. An unknown tool is a permanent failure; errors a
// tool returns unclassified are treated as transient by IsTransient.
func (r *Registry) Invoke(ctx context.Context, inv Invocation) (any, error) {
	t, ok := r.Get(inv.Tool)
	if !ok {
		return nil, Permanent(fmt.Errorf("%w: %q", ErrUnknownTool, inv.Tool))
	}
	params := inv.Params
	if params == nil {
		params = map[string]any{}
	}
	return t.Execute(WithInvocation(ctx, inv), params)
}
