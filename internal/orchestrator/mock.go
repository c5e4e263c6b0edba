package orchestrator

import (
	"context"
	"time"
)

// MockBackend is a function-field test double, mirroring the pattern used
// throughout this codebase for mocking capability-set interfaces: each
// method delegates to an overridable func field, falling back to a no-op
// default when unset.
type MockBackend struct {
	ListFunc   func(ctx context.Context) ([]Workload, error)
	DeployFunc func(ctx context.Context, spec Spec) (Workload, error)
	RemoveFunc func(ctx context.Context, w Workload) error
	StartFunc  func(ctx context.Context, w Workload) error
	StopFunc   func(ctx context.Context, w Workload) error
	LogsOfFunc func(ctx context.Context, w Workload, since time.Time) ([]LogLine, error)
	TypeFunc   func() string
	CloseFunc  func() error
}

var _ Backend = (*MockBackend)(nil)

func (m *MockBackend) List(ctx context.Context) ([]Workload, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx)
	}
	return nil, nil
}

func (m *MockBackend) Deploy(ctx context.Context, spec Spec) (Workload, error) {
	if m.DeployFunc != nil {
		return m.DeployFunc(ctx, spec)
	}
	return Workload{}, nil
}

func (m *MockBackend) Remove(ctx context.Context, w Workload) error {
	if m.RemoveFunc != nil {
		return m.RemoveFunc(ctx, w)
	}
	return nil
}

func (m *MockBackend) Start(ctx context.Context, w Workload) error {
	if m.StartFunc != nil {
		return m.StartFunc(ctx, w)
	}
	return nil
}

func (m *MockBackend) Stop(ctx context.Context, w Workload) error {
	if m.StopFunc != nil {
		return m.StopFunc(ctx, w)
	}
	return nil
}

func (m *MockBackend) LogsOf(ctx context.Context, w Workload, since time.Time) ([]LogLine, error) {
	if m.LogsOfFunc != nil {
		return m.LogsOfFunc(ctx, w, since)
	}
	return nil, nil
}

func (m *MockBackend) Type() string {
	if m.TypeFunc != nil {
		return m.TypeFunc()
	}
	return "mock"
}

func (m *MockBackend) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}
