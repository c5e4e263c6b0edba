package orchestrator

import (
	"context"
	"fmt"
	"time"
)

// Backend is the capability set every orchestrator implementation
// (Kubernetes, Docker, Portainer) must satisfy. The reconciler depends
// only on this interface; no per-backend state leaks into it.
type Backend interface {
	// List returns only the workloads carrying this agent's manager_id label.
	List(ctx context.Context) ([]Workload, error)
	// Deploy creates a workload from spec (and starts it, unless
	// spec.RequestedStatus is RequestedStopping).
	Deploy(ctx context.Context, spec Spec) (Workload, error)
	Remove(ctx context.Context, w Workload) error
	Start(ctx context.Context, w Workload) error
	Stop(ctx context.Context, w Workload) error
	// LogsOf returns lines emitted since the given timestamp.
	LogsOf(ctx context.Context, w Workload, since time.Time) ([]LogLine, error)
	// Type identifies the backend ("kubernetes", "docker", "portainer").
	Type() string
	// Close releases any held resources (client connections, etc).
	Close() error
}

// Error wraps a backend operation failure. Transient marks failures worth
// retrying on the next tick. The reconciler logs an Error of either kind and
// tries again on the next tick; only an ImagePullError advances a
// connector's failure counter.
type Error struct {
	Op          string
	ConnectorID string
	Transient   bool
	Cause       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("orchestrator: %s(%s): %v", e.Op, e.ConnectorID, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// ImagePullError is a distinguished Error cause: pull failures are counted
// per connector and, after 5 consecutive occurrences, park the connector.
type ImagePullError struct {
	ImageRef string
	Cause    error
}

func (e *ImagePullError) Error() string {
	return fmt.Sprintf("orchestrator: failed to pull image %q: %v", e.ImageRef, e.Cause)
}

func (e *ImagePullError) Unwrap() error {
	return e.Cause
}

// ErrWorkloadNotFound is returned by backends when a lookup by name finds
// nothing — not itself fatal, callers treat it as "not yet deployed".
var ErrWorkloadNotFound = fmt.Errorf("orchestrator: workload not found")
