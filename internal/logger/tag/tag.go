// Package tag provides standardized tag constructors for structured logging.
// Use these instead of raw strings so keys stay consistent across services.
package tag

import (
	"log/slog"
	"time"
)

// Error creates a tag for error objects.
func Error(err any) slog.Attr {
	return slog.Any("err", err)
}

// Workflow creates a tag for workflow ids.
func Workflow(id string) slog.Attr {
	return slog.String("workflow", id)
}

// Execution creates a tag for execution ids.
func Execution(id string) slog.Attr {
	return slog.String("execution", id)
}

// Node creates a tag for node ids.
func Node(id string) slog.Attr {
	return slog.String("node", id)
}

// NodeType creates a tag for node type identifiers.
func NodeType(t string) slog.Attr {
	return slog.String("node-type", t)
}

// Attempt creates a tag for attempt numbers.
func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}

// Tenant creates a tag for tenant ids.
func Tenant(id string) slog.Attr {
	return slog.String("tenant", id)
}

// Queue creates a tag for transport queue names.
func Queue(name string) slog.Attr {
	return slog.String("queue", name)
}

// CorrelationID creates a tag for message correlation ids.
func CorrelationID(id string) slog.Attr {
	return slog.String("correlation-id", id)
}

// Status creates a tag for status values.
func Status(s string) slog.Attr {
	return slog.String("status", s)
}

// Deliveries creates a tag for broker delivery counts.
func Deliveries(n int) slog.Attr {
	return slog.Int("deliveries", n)
}

// Duration creates a tag for elapsed durations.
func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

// Worker creates a tag for engine/runner instance ids.
func Worker(id string) slog.Attr {
	return slog.String("worker-id", id)
}
