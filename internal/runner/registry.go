// Package runner executes node handlers inside a sandboxed envelope:
// bounded time, bounded output size, panic containment, and duplicate
// suppression keyed by (execution-id, node-id, attempt).
package runner

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/orcaflow/orcaflow/internal/core"
)

// Request is the handler-facing view of one node attempt.
type Request struct {
	ExecutionID string
	NodeID      string
	Attempt     int
	// Parameters are the node's design-time parameters, opaque to the core.
	Parameters map[string]any
	// Input maps slot names to upstream outputs; core.InputKey carries the
	// execution input.
	Input    core.Input
	Metadata map[string]any
}

// Handler executes one node type. Implementations must honor ctx
// cancellation; the sandbox enforces the deadline regardless.
type Handler interface {
	Execute(ctx context.Context, req *Request) (json.RawMessage, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *Request) (json.RawMessage, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, req *Request) (json.RawMessage, error) {
	return f(ctx, req)
}

// Manifest declares a node type's resource envelope. Grants are declarative:
// the sandbox does not police syscalls, it gives handlers a way to state
// what they need so deployments can refuse to register them.
type Manifest struct {
	// Timeout is the per-attempt wall-clock budget. Zero means the runner
	// default; values above the runner maximum are clamped.
	Timeout time.Duration
	// MemoryMB is the declared peak memory of the handler.
	MemoryMB int
	// AllowNetwork marks handlers that open outbound connections.
	AllowNetwork bool
	// AllowFilesystem marks handlers that touch the filesystem.
	AllowFilesystem bool
}

type registration struct {
	handler  Handler
	manifest Manifest
}

// Registry maps node types to handlers. Registration is explicit; there is
// no discovery and no dynamic loading.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// Register binds a node type to a handler. Re-registering a type replaces
// the previous binding.
func (r *Registry) Register(nodeType string, h Handler, m Manifest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[nodeType] = registration{handler: h, manifest: m}
}

// Lookup returns the handler and manifest for a node type.
func (r *Registry) Lookup(nodeType string) (Handler, Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[nodeType]
	return reg.handler, reg.manifest, ok
}

// Types lists the registered node types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
