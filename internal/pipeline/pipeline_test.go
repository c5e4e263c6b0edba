package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filigran/xtm-composer/internal/orchestrator"
	"github.com/filigran/xtm-composer/internal/platform"
)

type fakeBackend struct {
	mu    sync.Mutex
	lines map[string][]orchestrator.LogLine
}

func (b *fakeBackend) LogsOf(ctx context.Context, w orchestrator.Workload, since time.Time) ([]orchestrator.LogLine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []orchestrator.LogLine
	for _, l := range b.lines[w.ConnectorID()] {
		if l.Timestamp.After(since) {
			out = append(out, l)
		}
	}
	return out, nil
}

type fakeReporter struct {
	mu     sync.Mutex
	logs   map[string][]string
	health map[string]platform.HealthReport
}

func newFakeReporter() *fakeReporter {
	return &fakeReporter{logs: make(map[string][]string), health: make(map[string]platform.HealthReport)}
}

func (r *fakeReporter) ReportLogs(ctx context.Context, connectorID string, lines []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs[connectorID] = append(r.logs[connectorID], lines...)
	return nil
}

func (r *fakeReporter) ReportHealth(ctx context.Context, connectorID string, report platform.HealthReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health[connectorID] = report
	return nil
}

func workload(connectorID string, restartCount int) orchestrator.Workload {
	return orchestrator.Workload{
		Name:         "xtm-aaaaaaaa-" + connectorID,
		Labels:       orchestrator.Labels("manager-1", connectorID, "hash-1"),
		Status:       orchestrator.StatusRunning,
		RestartCount: restartCount,
	}
}

func TestCollect_AdvancesCursorAndBatches(t *testing.T) {
	base := time.Now().Add(-time.Hour)
	backend := &fakeBackend{lines: map[string][]orchestrator.LogLine{
		"conn-1": {
			{Timestamp: base.Add(1 * time.Second), Text: "line 1"},
			{Timestamp: base.Add(2 * time.Second), Text: "line 2"},
			{Timestamp: base.Add(3 * time.Second), Text: "line 3"},
		},
	}}
	reporter := newFakeReporter()
	collector := New(backend, reporter, 2)

	err := collector.Collect(context.Background(), []orchestrator.Workload{workload("conn-1", 0)})
	require.NoError(t, err)

	assert.Equal(t, []string{"line 1", "line 2", "line 3"}, reporter.logs["conn-1"])

	// Second pass should see nothing new, since the cursor advanced past
	// every line already reported.
	err = collector.Collect(context.Background(), []orchestrator.Workload{workload("conn-1", 0)})
	require.NoError(t, err)
	assert.Equal(t, []string{"line 1", "line 2", "line 3"}, reporter.logs["conn-1"])
}

func TestCollect_SkipsNonRunningWorkloads(t *testing.T) {
	backend := &fakeBackend{lines: map[string][]orchestrator.LogLine{}}
	reporter := newFakeReporter()
	collector := New(backend, reporter, 10)

	stopped := workload("conn-2", 0)
	stopped.Status = orchestrator.StatusStopped

	err := collector.Collect(context.Background(), []orchestrator.Workload{stopped})
	require.NoError(t, err)

	_, reported := reporter.health["conn-2"]
	assert.False(t, reported)
}

func TestCollect_ForwardsResourceUsageToHealthReport(t *testing.T) {
	backend := &fakeBackend{lines: map[string][]orchestrator.LogLine{}}
	reporter := newFakeReporter()
	collector := New(backend, reporter, 10)

	w := workload("conn-3", 0)
	cpu, mem := int64(250), int64(134217728)
	w.CPUMilliCores = &cpu
	w.MemoryBytes = &mem

	err := collector.Collect(context.Background(), []orchestrator.Workload{w})
	require.NoError(t, err)

	report := reporter.health["conn-3"]
	require.NotNil(t, report.CPUMilliCores)
	require.NotNil(t, report.MemoryBytes)
	assert.Equal(t, cpu, *report.CPUMilliCores)
	assert.Equal(t, mem, *report.MemoryBytes)
}

func TestObserveRestartCount_FlagsAfterThreeRestartsInWindow(t *testing.T) {
	cur := &connectorCursor{lastRestartSeen: -1}

	assert.False(t, cur.observeRestartCount(0)) // baseline
	assert.False(t, cur.observeRestartCount(1))
	assert.False(t, cur.observeRestartCount(2))
	assert.True(t, cur.observeRestartCount(3))
}

func TestObserveRestartCount_StaysQuietWithoutRestarts(t *testing.T) {
	cur := &connectorCursor{lastRestartSeen: -1}

	assert.False(t, cur.observeRestartCount(0))
	assert.False(t, cur.observeRestartCount(0))
	assert.False(t, cur.observeRestartCount(0))
}
