package runner

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"time"

	"github.com/orcaflow/orcaflow/internal/core"
	"github.com/orcaflow/orcaflow/internal/logger"
	"github.com/orcaflow/orcaflow/internal/logger/tag"
)

// Limits bounds every attempt the sandbox runs.
type Limits struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MaxOutputBytes int
}

// Sandbox resolves node types against a registry and runs handlers inside
// the resource envelope. It is stateless; duplicate suppression lives in
// the Service.
type Sandbox struct {
	registry *Registry
	limits   Limits
}

// NewSandbox creates a sandbox over the registry.
func NewSandbox(registry *Registry, limits Limits) *Sandbox {
	if limits.DefaultTimeout <= 0 {
		limits.DefaultTimeout = 30 * time.Second
	}
	if limits.MaxTimeout <= 0 {
		limits.MaxTimeout = 180 * time.Second
	}
	if limits.MaxOutputBytes <= 0 {
		limits.MaxOutputBytes = 1 << 20
	}
	return &Sandbox{registry: registry, limits: limits}
}

// Invoke runs one attempt and always returns a structured reply; handler
// panics and sandbox violations become Failed replies, never process
// crashes.
func (s *Sandbox) Invoke(ctx context.Context, req *core.ExecuteNode) *core.ExecuteNodeReply {
	reply := &core.ExecuteNodeReply{
		ExecutionID: req.ExecutionID,
		NodeID:      req.NodeID,
		Attempt:     req.Attempt,
	}

	handler, manifest, ok := s.registry.Lookup(req.Node.Type)
	if !ok {
		reply.Status = core.NodeFailed
		reply.Error = core.NewError(core.KindUnknownNodeType, "no handler registered for node type %q", req.Node.Type)
		return reply
	}

	timeout := s.timeoutFor(req, manifest)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := s.run(ctx, handler, &Request{
		ExecutionID: req.ExecutionID,
		NodeID:      req.NodeID,
		Attempt:     req.Attempt,
		Parameters:  req.Node.Data,
		Input:       req.Input,
		Metadata:    req.Metadata,
	})

	switch {
	case err == nil && ctx.Err() == context.DeadlineExceeded:
		// The handler returned but only after the budget elapsed; the
		// dispatcher already counted this attempt as timed out.
		reply.Status = core.NodeFailed
		reply.Error = core.NewError(core.KindResourceExceeded, "node %s exceeded its %s time budget", req.NodeID, timeout)
	case err != nil:
		reply.Status = core.NodeFailed
		reply.Error = core.AsError(err)
	case len(output) > s.limits.MaxOutputBytes:
		reply.Status = core.NodeFailed
		reply.Error = core.NewError(core.KindOutputTooLarge, "node %s output is %d bytes, limit %d", req.NodeID, len(output), s.limits.MaxOutputBytes)
	default:
		if output == nil {
			output = json.RawMessage(`{}`)
		}
		reply.Status = core.NodeCompleted
		reply.Output = output
	}
	return reply
}

// timeoutFor resolves the attempt budget: node override, then manifest,
// then the runner default; all clamped to the runner maximum.
func (s *Sandbox) timeoutFor(req *core.ExecuteNode, manifest Manifest) time.Duration {
	timeout := s.limits.DefaultTimeout
	if manifest.Timeout > 0 {
		timeout = manifest.Timeout
	}
	if req.Node.TimeoutSeconds > 0 {
		timeout = time.Duration(req.Node.TimeoutSeconds) * time.Second
	}
	if timeout > s.limits.MaxTimeout {
		timeout = s.limits.MaxTimeout
	}
	return timeout
}

// run executes the handler in its own goroutine so a deadline cannot be
// held hostage by a handler that ignores ctx, and so panics are contained.
func (s *Sandbox) run(ctx context.Context, handler Handler, req *Request) (json.RawMessage, error) {
	type result struct {
		output json.RawMessage
		err    error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error(ctx, "Node handler panicked",
					tag.Node(req.NodeID),
					tag.Attempt(req.Attempt),
					tag.Error(r))
				debug.PrintStack()
				done <- result{err: core.NewRetryable(core.KindRuntimeError, "handler panic: %v", r)}
			}
		}()
		output, err := handler.Execute(ctx, req)
		done <- result{output: output, err: err}
	}()

	select {
	case res := <-done:
		return res.output, res.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, core.NewError(core.KindResourceExceeded, "node %s exceeded its time budget", req.NodeID)
		}
		return nil, core.NewRetryable(core.KindCancellationRequested, "node %s canceled", req.NodeID)
	}
}
