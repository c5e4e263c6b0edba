// Package pipeline streams connector logs and health reports back to the
// platform. It owns its own cursor and reboot-loop state, independent of
// the reconciler's deploy/park bookkeeping, and fans out across connectors
// with bounded concurrency.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/filigran/xtm-composer/internal/logger"
	"github.com/filigran/xtm-composer/internal/orchestrator"
	"github.com/filigran/xtm-composer/internal/platform"
)

// maxConcurrentCollectors bounds how many connectors are polled for logs
// and health at once in a single Collect call.
const maxConcurrentCollectors = 8

// rebootLoopWindow is the trailing window restart counts are checked against.
const rebootLoopWindow = 3 * time.Minute

// rebootLoopCooldown is how long the reboot-loop flag stays set after the
// last qualifying burst of restarts, absent further restarts.
const rebootLoopCooldown = 10 * time.Minute

// rebootLoopThreshold is the minimum number of restarts inside
// rebootLoopWindow that marks a connector as reboot-looping.
const rebootLoopThreshold = 3

// Backend is the subset of orchestrator.Backend the pipeline depends on.
type Backend interface {
	LogsOf(ctx context.Context, w orchestrator.Workload, since time.Time) ([]orchestrator.LogLine, error)
}

// Reporter is the subset of platform.Client the pipeline depends on.
type Reporter interface {
	ReportLogs(ctx context.Context, connectorID string, lines []string) error
	ReportHealth(ctx context.Context, connectorID string, report platform.HealthReport) error
}

type connectorCursor struct {
	lastLineTime time.Time

	mu              sync.Mutex
	lastRestartSeen int
	samples         []time.Time
	flaggedUntil    time.Time
}

// Collector streams logs and derives health reports for running workloads.
type Collector struct {
	backend   Backend
	reporter  Reporter
	batchSize int

	mu      sync.Mutex
	cursors map[string]*connectorCursor
}

// New builds a Collector. batchSize bounds how many log lines are sent to
// the platform per ReportLogs call.
func New(backend Backend, reporter Reporter, batchSize int) *Collector {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Collector{
		backend:   backend,
		reporter:  reporter,
		batchSize: batchSize,
		cursors:   make(map[string]*connectorCursor),
	}
}

// Collect polls logs and health for every running workload, bounded to
// maxConcurrentCollectors in flight. A single connector's error never
// aborts the others.
func (c *Collector) Collect(ctx context.Context, workloads []orchestrator.Workload) error {
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentCollectors)

	for _, w := range workloads {
		if w.Status != orchestrator.StatusRunning {
			continue
		}
		w := w
		group.Go(func() error {
			c.collectOne(gctx, w)
			return nil
		})
	}

	return group.Wait()
}

// Forget drops cursor/reboot-loop state for a connector that no longer
// exists, so a later connector reusing the same id starts clean.
func (c *Collector) Forget(connectorID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cursors, connectorID)
}

func (c *Collector) collectOne(ctx context.Context, w orchestrator.Workload) {
	connectorID := w.ConnectorID()
	cursor := c.cursorFor(connectorID)

	lines, err := c.backend.LogsOf(ctx, w, cursor.lastLineTime)
	if err == nil && len(lines) > 0 {
		cursor.lastLineTime = lines[len(lines)-1].Timestamp
		c.reportLogBatches(ctx, connectorID, lines)
	}

	inLoop := cursor.observeRestartCount(w.RestartCount)

	var startedAt *string
	if w.StartedAt != nil {
		s := w.StartedAt.Format(time.RFC3339)
		startedAt = &s
	}

	err = c.reporter.ReportHealth(ctx, connectorID, platform.HealthReport{
		RestartCount:   w.RestartCount,
		StartedAt:      startedAt,
		IsInRebootLoop: inLoop,
		CPUMilliCores:  w.CPUMilliCores,
		MemoryBytes:    w.MemoryBytes,
	})
	var mismatch *platform.ProtocolMismatch
	if errors.As(err, &mismatch) {
		logger.GetLogger(ctx).Warn("platform does not support health reporting; skipping it from now on", zap.Error(err))
	}
}

func (c *Collector) reportLogBatches(ctx context.Context, connectorID string, lines []orchestrator.LogLine) {
	for start := 0; start < len(lines); start += c.batchSize {
		end := start + c.batchSize
		if end > len(lines) {
			end = len(lines)
		}
		batch := make([]string, 0, end-start)
		for _, l := range lines[start:end] {
			batch = append(batch, l.Text)
		}
		var mismatch *platform.ProtocolMismatch
		if err := c.reporter.ReportLogs(ctx, connectorID, batch); errors.As(err, &mismatch) {
			logger.GetLogger(ctx).Warn("platform does not support log reporting; skipping it from now on", zap.Error(err))
		}
	}
}

func (c *Collector) cursorFor(connectorID string) *connectorCursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.cursors[connectorID]
	if !ok {
		cur = &connectorCursor{lastRestartSeen: -1}
		c.cursors[connectorID] = cur
	}
	return cur
}

// observeRestartCount records a restart-count sample and reports whether
// the connector is currently considered in a reboot loop.
func (c *connectorCursor) observeRestartCount(restartCount int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	if c.lastRestartSeen >= 0 && restartCount > c.lastRestartSeen {
		delta := restartCount - c.lastRestartSeen
		for i := 0; i < delta; i++ {
			c.samples = append(c.samples, now)
		}
	}
	c.lastRestartSeen = restartCount

	cutoff := now.Add(-rebootLoopWindow)
	fresh := c.samples[:0]
	for _, s := range c.samples {
		if s.After(cutoff) {
			fresh = append(fresh, s)
		}
	}
	c.samples = fresh

	if len(c.samples) >= rebootLoopThreshold {
		c.flaggedUntil = now.Add(rebootLoopCooldown)
	}

	return now.Before(c.flaggedUntil)
}
