package orchestrator

import (
	"context"
	"fmt"
	"sync"
)

// Creator builds a Backend from raw, daemon-type-specific configuration.
// Each backend package registers its Creator from an init() function so
// that importing the package (even only for its side effect) wires it
// into the agent without the orchestrator package needing to know the
// concrete backend types.
type Creator func(ctx context.Context, configData map[string]any) (Backend, error)

var (
	mu       sync.RWMutex
	creators = make(map[string]Creator)
)

// Register associates a daemon type name (e.g. "docker") with a Creator.
// Called from the backend package's init().
func Register(daemonType string, creator Creator) {
	mu.Lock()
	defer mu.Unlock()
	creators[daemonType] = creator
}

// Create builds the Backend registered for daemonType.
func Create(ctx context.Context, daemonType string, configData map[string]any) (Backend, error) {
	mu.RLock()
	creator, ok := creators[daemonType]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("orchestrator: no backend registered for daemon type %q", daemonType)
	}
	return creator(ctx, configData)
}
