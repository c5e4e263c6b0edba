// Package reconciler implements the periodic diff-and-act control loop:
// on each tick it lists declared connectors from the platform, lists
// observed workloads from the orchestrator backend, computes per-connector
// actions, and executes them with per-connector error isolation.
package reconciler

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/filigran/xtm-composer/internal/crypto"
	"github.com/filigran/xtm-composer/internal/logger"
	"github.com/filigran/xtm-composer/internal/orchestrator"
	"github.com/filigran/xtm-composer/internal/pipeline"
	"github.com/filigran/xtm-composer/internal/platform"
)

// maxConsecutiveImagePullFailures is how many consecutive image-pull
// failures a connector can have before the agent parks it (requests it be
// stopped). Other deploy errors do not count toward it.
const maxConsecutiveImagePullFailures = 5

// PlatformClient is the subset of platform.Client the reconciler depends on.
type PlatformClient interface {
	ListConnectors(ctx context.Context, managerID string) ([]platform.ManagedConnector, error)
	SetCurrentStatus(ctx context.Context, connectorID string, status platform.CurrentStatus) error
	SetRequestedStatus(ctx context.Context, connectorID string, status platform.RequestedStatus) error
	DeleteConnector(ctx context.Context, connectorID string) error
	ReportLogs(ctx context.Context, connectorID string, lines []string) error
	ReportHealth(ctx context.Context, connectorID string, report platform.HealthReport) error
}

// connectorState is the per-connector deploy bookkeeping the reconciler
// owns privately; it is the only mutable state this component holds (spec:
// no disk persistence, single-owner in-memory map). Log cursors and
// reboot-loop detection live in pipeline.Collector instead.
type connectorState struct {
	consecutivePullFailures int
}

// Reconciler owns the tick loop and the per-connector state map.
type Reconciler struct {
	managerID string
	platform  PlatformClient
	backend   orchestrator.Backend
	decryptor *crypto.Decryptor
	interval  time.Duration
	logs      *pipeline.Collector

	state map[string]*connectorState

	stop     chan struct{}
	stopOnce sync.Once
}

// New builds a Reconciler. decryptor may be nil; a connector with any
// configuration entry then fails to resolve its env with a DecryptError and
// is parked.
func New(managerID string, platformClient PlatformClient, backend orchestrator.Backend, decryptor *crypto.Decryptor, interval time.Duration, logBatchSize int) *Reconciler {
	return &Reconciler{
		managerID: managerID,
		platform:  platformClient,
		backend:   backend,
		decryptor: decryptor,
		interval:  interval,
		logs:      pipeline.New(backend, platformClient, logBatchSize),
		state:     make(map[string]*connectorState),
		stop:      make(chan struct{}),
	}
}

// Run blocks, ticking every interval until ctx is canceled or Stop is
// called. Unlike ctx cancellation, Stop lets a Tick already in flight run
// to completion before Run returns — the caller enforces its own grace
// period around that by racing the Run goroutine against a timer.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Stop tells Run to stop scheduling new ticks once any in-flight one
// returns. Safe to call more than once and from any goroutine.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Tick runs one reconciliation pass. Errors from individual connectors are
// logged and isolated; they never abort the tick.
func (r *Reconciler) Tick(ctx context.Context) {
	log := logger.WithComponent(ctx, "reconciler")

	declared, err := r.platform.ListConnectors(ctx, r.managerID)
	if err != nil {
		if platErr, ok := err.(*platform.Error); ok && platErr.Transient {
			logger.GetLogger(log).Warn("skipping tick: platform unreachable", zap.Error(err))
			return
		}
		logger.GetLogger(log).Error("listing declared connectors failed", zap.Error(err))
		return
	}

	observed, err := r.backend.List(ctx)
	if err != nil {
		logger.GetLogger(log).Error("listing observed workloads failed", zap.Error(err))
		return
	}

	declaredByID := make(map[string]platform.ManagedConnector, len(declared))
	for _, c := range declared {
		if c.ManagerID != r.managerID {
			continue // ownership invariant
		}
		declaredByID[c.ID] = c
	}

	observedByID := make(map[string]orchestrator.Workload, len(observed))
	for _, w := range observed {
		if w.Labels[orchestrator.LabelManagerID] != r.managerID {
			continue // ownership invariant
		}
		observedByID[w.ConnectorID()] = w
	}

	ids := unionIDs(declaredByID, observedByID)

	var errs *multierror.Error
	for _, id := range ids {
		conn, isDeclared := declaredByID[id]
		workload, isObserved := observedByID[id]
		if err := r.reconcileOne(ctx, id, conn, isDeclared, workload, isObserved); err != nil {
			errs = multierror.Append(errs, err)
			logger.GetLogger(log).Error("reconciling connector failed", zap.String("connector_id", id), zap.Error(err))
		}
	}
	if errs.ErrorOrNil() != nil {
		logger.GetLogger(log).Debug("tick completed with isolated errors", zap.Int("failed_connectors", len(errs.Errors)))
	}

	running := make([]orchestrator.Workload, 0, len(observedByID))
	for _, w := range observedByID {
		running = append(running, w)
	}
	if err := r.logs.Collect(ctx, running); err != nil {
		logger.GetLogger(log).Warn("log/health collection failed", zap.Error(err))
	}
}

func unionIDs(declared map[string]platform.ManagedConnector, observed map[string]orchestrator.Workload) []string {
	set := make(map[string]struct{}, len(declared)+len(observed))
	for id := range declared {
		set[id] = struct{}{}
	}
	for id := range observed {
		set[id] = struct{}{}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Reconciler) reconcileOne(ctx context.Context, id string, conn platform.ManagedConnector, isDeclared bool, workload orchestrator.Workload, isObserved bool) error {
	switch {
	case !isDeclared && isObserved:
		if err := r.backend.Remove(ctx, workload); err != nil {
			return err
		}
		delete(r.state, id)
		r.logs.Forget(id)
		return nil

	case !isDeclared && !isObserved:
		return nil

	case isDeclared && !isObserved:
		return r.deployConnector(ctx, conn)

	default: // declared && observed
		hashMatch := workload.ContractHash() == conn.ContractHash
		// Backends record the image reference as resolved by
		// orchestrator.ResolveImage, which may carry a registry prefix the
		// declared image does not.
		imageMatch := workload.Image == conn.ContractImage || strings.HasSuffix(workload.Image, "/"+conn.ContractImage)
		if !hashMatch || !imageMatch {
			if err := r.backend.Stop(ctx, workload); err != nil {
				return err
			}
			if err := r.backend.Remove(ctx, workload); err != nil {
				return err
			}
			return r.deployConnector(ctx, conn)
		}

		switch {
		case workload.Status != orchestrator.StatusRunning && conn.RequestedStatus == platform.RequestedStarting:
			if err := r.backend.Start(ctx, workload); err != nil {
				return err
			}
			return r.platform.SetCurrentStatus(ctx, id, platform.CurrentStarted)
		case workload.Status == orchestrator.StatusRunning && conn.RequestedStatus == platform.RequestedStopping:
			if err := r.backend.Stop(ctx, workload); err != nil {
				return err
			}
			return r.platform.SetCurrentStatus(ctx, id, platform.CurrentStopped)
		default:
			return nil // no-op
		}
	}
}

func (r *Reconciler) deployConnector(ctx context.Context, conn platform.ManagedConnector) error {
	st := r.stateFor(conn.ID)

	env, err := r.resolveEnv(conn)
	if err != nil {
		// A DecryptError cannot resolve itself on retry (the ciphertext or
		// key won't change), so it parks immediately rather than waiting
		// for maxConsecutiveImagePullFailures like a transient pull error.
		_ = r.platform.SetRequestedStatus(ctx, conn.ID, platform.RequestedStopping)
		_ = r.platform.ReportLogs(ctx, conn.ID, []string{"connector parked: " + err.Error()})
		return err
	}

	name := orchestrator.WorkloadName(r.managerID, conn.ID)
	spec := orchestrator.Spec{
		ConnectorID:     conn.ID,
		Name:            name,
		ImageRef:        conn.ContractImage,
		Env:             env,
		ContractHash:    conn.ContractHash,
		RequestedStatus: orchestrator.RequestedStatus(conn.RequestedStatus),
	}

	_, err = r.backend.Deploy(ctx, spec)
	if err != nil {
		if _, isPullErr := err.(*orchestrator.ImagePullError); isPullErr {
			return r.parkConnector(ctx, conn.ID, err)
		}
		return err
	}

	st.consecutivePullFailures = 0

	if conn.RequestedStatus == platform.RequestedStarting {
		return r.platform.SetCurrentStatus(ctx, conn.ID, platform.CurrentStarted)
	}
	return r.platform.SetCurrentStatus(ctx, conn.ID, platform.CurrentStopped)
}

func (r *Reconciler) parkConnector(ctx context.Context, connectorID string, cause error) error {
	st := r.stateFor(connectorID)
	st.consecutivePullFailures++
	if st.consecutivePullFailures >= maxConsecutiveImagePullFailures {
		_ = r.platform.SetRequestedStatus(ctx, connectorID, platform.RequestedStopping)
		_ = r.platform.ReportLogs(ctx, connectorID, []string{"connector parked after repeated deploy failures: " + cause.Error()})
	}
	return cause
}

func (r *Reconciler) resolveEnv(conn platform.ManagedConnector) ([]orchestrator.EnvVar, error) {
	env := make([]orchestrator.EnvVar, 0, len(conn.ContractConfig)+1)
	if conn.ConnectorUserID != "" {
		env = append(env, orchestrator.EnvVar{Key: "CONNECTOR_USER_ID", Value: conn.ConnectorUserID})
	}
	for _, entry := range conn.ContractConfig {
		if r.decryptor == nil {
			return nil, &crypto.DecryptError{Key: entry.Key, Reason: "no decryptor configured"}
		}
		value, err := r.decryptor.Decrypt(entry.Key, entry.ValueCiphertext)
		if err != nil {
			return nil, err
		}
		env = append(env, orchestrator.EnvVar{Key: entry.Key, Value: value})
	}
	return env, nil
}

func (r *Reconciler) stateFor(connectorID string) *connectorState {
	st, ok := r.state[connectorID]
	if !ok {
		st = &connectorState{}
		r.state[connectorID] = st
	}
	return st
}
