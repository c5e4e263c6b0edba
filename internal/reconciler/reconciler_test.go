package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filigran/xtm-composer/internal/orchestrator"
	"github.com/filigran/xtm-composer/internal/platform"
)

const testManagerID = "11111111-1111-1111-1111-111111111111"

type fakePlatform struct {
	connectors []platform.ManagedConnector
	listErr    error

	currentStatus   map[string]platform.CurrentStatus
	requestedStatus map[string]platform.RequestedStatus
	deleted         []string
	loggedLines     map[string][]string
	health          map[string]platform.HealthReport
}

func newFakePlatform(connectors ...platform.ManagedConnector) *fakePlatform {
	return &fakePlatform{
		connectors:      connectors,
		currentStatus:   make(map[string]platform.CurrentStatus),
		requestedStatus: make(map[string]platform.RequestedStatus),
		loggedLines:     make(map[string][]string),
		health:          make(map[string]platform.HealthReport),
	}
}

func (f *fakePlatform) ListConnectors(ctx context.Context, managerID string) ([]platform.ManagedConnector, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.connectors, nil
}

func (f *fakePlatform) SetCurrentStatus(ctx context.Context, connectorID string, status platform.CurrentStatus) error {
	f.currentStatus[connectorID] = status
	return nil
}

func (f *fakePlatform) SetRequestedStatus(ctx context.Context, connectorID string, status platform.RequestedStatus) error {
	f.requestedStatus[connectorID] = status
	return nil
}

func (f *fakePlatform) DeleteConnector(ctx context.Context, connectorID string) error {
	f.deleted = append(f.deleted, connectorID)
	return nil
}

func (f *fakePlatform) ReportLogs(ctx context.Context, connectorID string, lines []string) error {
	f.loggedLines[connectorID] = append(f.loggedLines[connectorID], lines...)
	return nil
}

func (f *fakePlatform) ReportHealth(ctx context.Context, connectorID string, report platform.HealthReport) error {
	f.health[connectorID] = report
	return nil
}

func connector(id string) platform.ManagedConnector {
	return platform.ManagedConnector{
		ID:              id,
		Name:            "connector-" + id,
		ManagerID:       testManagerID,
		ContractImage:   "connector-misp:5.0.0",
		ContractHash:    "hash-v1",
		RequestedStatus: platform.RequestedStarting,
		CurrentStatus:   platform.CurrentStopped,
	}
}

func TestTick_ColdDeploy(t *testing.T) {
	conn := connector("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa")
	plat := newFakePlatform(conn)

	deployed := false
	backend := &orchestrator.MockBackend{
		DeployFunc: func(ctx context.Context, spec orchestrator.Spec) (orchestrator.Workload, error) {
			deployed = true
			assert.Equal(t, conn.ContractImage, spec.ImageRef)
			assert.Equal(t, conn.ContractHash, spec.ContractHash)
			return orchestrator.Workload{
				Name:   spec.Name,
				Labels: orchestrator.Labels(testManagerID, spec.ConnectorID, spec.ContractHash),
				Status: orchestrator.StatusRunning,
			}, nil
		},
	}

	r := New(testManagerID, plat, backend, nil, time.Minute, 50)
	r.Tick(context.Background())

	assert.True(t, deployed)
	assert.Equal(t, platform.CurrentStarted, plat.currentStatus[conn.ID])
}

func TestTick_InPlaceUpdateOnHashMismatch(t *testing.T) {
	conn := connector("bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb")
	conn.ContractHash = "hash-v2"
	plat := newFakePlatform(conn)

	existing := orchestrator.Workload{
		Name:   orchestrator.WorkloadName(testManagerID, conn.ID),
		Labels: orchestrator.Labels(testManagerID, conn.ID, "hash-v1"),
		Image:  conn.ContractImage, // image unchanged; hash alone must still trigger redeploy
		Status: orchestrator.StatusRunning,
	}

	var stopped, removed, deployed bool
	backend := &orchestrator.MockBackend{
		ListFunc: func(ctx context.Context) ([]orchestrator.Workload, error) {
			return []orchestrator.Workload{existing}, nil
		},
		StopFunc: func(ctx context.Context, w orchestrator.Workload) error {
			stopped = true
			return nil
		},
		RemoveFunc: func(ctx context.Context, w orchestrator.Workload) error {
			removed = true
			return nil
		},
		DeployFunc: func(ctx context.Context, spec orchestrator.Spec) (orchestrator.Workload, error) {
			deployed = true
			assert.Equal(t, "hash-v2", spec.ContractHash)
			return orchestrator.Workload{
				Name:   spec.Name,
				Labels: orchestrator.Labels(testManagerID, spec.ConnectorID, spec.ContractHash),
				Status: orchestrator.StatusRunning,
			}, nil
		},
	}

	r := New(testManagerID, plat, backend, nil, time.Minute, 50)
	r.Tick(context.Background())

	assert.True(t, stopped)
	assert.True(t, removed)
	assert.True(t, deployed)
}

func TestTick_RedeploysOnImageMismatchDespiteHashMatch(t *testing.T) {
	conn := connector("bbbbbbbb-1111-1111-1111-bbbbbbbbbbbb")
	plat := newFakePlatform(conn)

	existing := orchestrator.Workload{
		Name:   orchestrator.WorkloadName(testManagerID, conn.ID),
		Labels: orchestrator.Labels(testManagerID, conn.ID, conn.ContractHash),
		Image:  "connector-misp:4.9.0", // stale image, same contract_hash
		Status: orchestrator.StatusRunning,
	}

	var stopped, removed, deployed bool
	backend := &orchestrator.MockBackend{
		ListFunc: func(ctx context.Context) ([]orchestrator.Workload, error) {
			return []orchestrator.Workload{existing}, nil
		},
		StopFunc: func(ctx context.Context, w orchestrator.Workload) error {
			stopped = true
			return nil
		},
		RemoveFunc: func(ctx context.Context, w orchestrator.Workload) error {
			removed = true
			return nil
		},
		DeployFunc: func(ctx context.Context, spec orchestrator.Spec) (orchestrator.Workload, error) {
			deployed = true
			return orchestrator.Workload{
				Name:   spec.Name,
				Labels: orchestrator.Labels(testManagerID, spec.ConnectorID, spec.ContractHash),
				Image:  spec.ImageRef,
				Status: orchestrator.StatusRunning,
			}, nil
		},
	}

	r := New(testManagerID, plat, backend, nil, time.Minute, 50)
	r.Tick(context.Background())

	assert.True(t, stopped, "stale image must trigger redeploy even though contract_hash matches")
	assert.True(t, removed)
	assert.True(t, deployed)
}

func TestTick_NoOpWhenHashAndImageMatch(t *testing.T) {
	conn := connector("bbbbbbbb-2222-2222-2222-bbbbbbbbbbbb")
	plat := newFakePlatform(conn)

	existing := orchestrator.Workload{
		Name:   orchestrator.WorkloadName(testManagerID, conn.ID),
		Labels: orchestrator.Labels(testManagerID, conn.ID, conn.ContractHash),
		Image:  conn.ContractImage,
		Status: orchestrator.StatusRunning,
	}

	backend := &orchestrator.MockBackend{
		ListFunc: func(ctx context.Context) ([]orchestrator.Workload, error) {
			return []orchestrator.Workload{existing}, nil
		},
		StopFunc: func(ctx context.Context, w orchestrator.Workload) error {
			t.Fatal("Stop must not be called when hash and image both match")
			return nil
		},
		RemoveFunc: func(ctx context.Context, w orchestrator.Workload) error {
			t.Fatal("Remove must not be called when hash and image both match")
			return nil
		},
		DeployFunc: func(ctx context.Context, spec orchestrator.Spec) (orchestrator.Workload, error) {
			t.Fatal("Deploy must not be called when hash and image both match")
			return orchestrator.Workload{}, nil
		},
	}

	r := New(testManagerID, plat, backend, nil, time.Minute, 50)
	r.Tick(context.Background())
}

func TestTick_OrphanRemoval(t *testing.T) {
	plat := newFakePlatform() // no declared connectors

	connectorID := "cccccccc-cccc-cccc-cccc-cccccccccccc"
	orphan := orchestrator.Workload{
		Name:   orchestrator.WorkloadName(testManagerID, connectorID),
		Labels: orchestrator.Labels(testManagerID, connectorID, "hash-v1"),
		Status: orchestrator.StatusRunning,
	}

	removed := false
	backend := &orchestrator.MockBackend{
		ListFunc: func(ctx context.Context) ([]orchestrator.Workload, error) {
			return []orchestrator.Workload{orphan}, nil
		},
		RemoveFunc: func(ctx context.Context, w orchestrator.Workload) error {
			removed = true
			assert.Equal(t, orphan.Name, w.Name)
			return nil
		},
	}

	r := New(testManagerID, plat, backend, nil, time.Minute, 50)
	r.Tick(context.Background())

	assert.True(t, removed)
}

func TestTick_GracefulDegradeOnTransientPlatformError(t *testing.T) {
	plat := newFakePlatform()
	plat.listErr = &platform.Error{Op: "managedConnectors", Transient: true, Message: "platform unreachable"}

	backendCalled := false
	backend := &orchestrator.MockBackend{
		ListFunc: func(ctx context.Context) ([]orchestrator.Workload, error) {
			backendCalled = true
			return nil, nil
		},
	}

	r := New(testManagerID, plat, backend, nil, time.Minute, 50)
	require.NotPanics(t, func() { r.Tick(context.Background()) })

	assert.False(t, backendCalled, "backend should not be consulted when the platform listing fails transiently")
}

func TestDeployConnector_ParksAfterRepeatedImagePullFailures(t *testing.T) {
	conn := connector("dddddddd-dddd-dddd-dddd-dddddddddddd")
	plat := newFakePlatform(conn)

	attempts := 0
	backend := &orchestrator.MockBackend{
		DeployFunc: func(ctx context.Context, spec orchestrator.Spec) (orchestrator.Workload, error) {
			attempts++
			return orchestrator.Workload{}, &orchestrator.ImagePullError{ImageRef: spec.ImageRef, Cause: assert.AnError}
		},
	}

	r := New(testManagerID, plat, backend, nil, time.Minute, 50)
	ctx := context.Background()

	for i := 0; i < maxConsecutiveImagePullFailures; i++ {
		r.Tick(ctx)
	}

	assert.Equal(t, maxConsecutiveImagePullFailures, attempts)
	assert.Equal(t, platform.RequestedStopping, plat.requestedStatus[conn.ID])
}

func TestDeployConnector_ParksImmediatelyOnDecryptError(t *testing.T) {
	conn := connector("ffffffff-ffff-ffff-ffff-ffffffffffff")
	conn.ContractConfig = []platform.ConfigEntry{{Key: "API_TOKEN", ValueCiphertext: "not-valid-base64!!"}}
	plat := newFakePlatform(conn)

	deployed := false
	backend := &orchestrator.MockBackend{
		DeployFunc: func(ctx context.Context, spec orchestrator.Spec) (orchestrator.Workload, error) {
			deployed = true
			return orchestrator.Workload{}, nil
		},
	}

	// No decryptor configured, so resolveEnv fails on the first ciphertext.
	r := New(testManagerID, plat, backend, nil, time.Minute, 50)
	r.Tick(context.Background())

	assert.False(t, deployed, "a connector with undecryptable config should never reach Deploy")
	assert.Equal(t, platform.RequestedStopping, plat.requestedStatus[conn.ID])
	assert.NotEmpty(t, plat.loggedLines[conn.ID])
}

func TestCollect_FlagsRebootLoop(t *testing.T) {
	conn := connector("eeeeeeee-eeee-eeee-eeee-eeeeeeeeeeee")
	plat := newFakePlatform(conn)

	restartCount := 0
	workload := func() orchestrator.Workload {
		return orchestrator.Workload{
			Name:         orchestrator.WorkloadName(testManagerID, conn.ID),
			Labels:       orchestrator.Labels(testManagerID, conn.ID, conn.ContractHash),
			Image:        conn.ContractImage,
			Status:       orchestrator.StatusRunning,
			RestartCount: restartCount,
		}
	}

	backend := &orchestrator.MockBackend{
		ListFunc: func(ctx context.Context) ([]orchestrator.Workload, error) {
			return []orchestrator.Workload{workload()}, nil
		},
	}

	r := New(testManagerID, plat, backend, nil, time.Minute, 50)
	ctx := context.Background()

	// The first tick only establishes the restart-count baseline; three
	// more restarts inside the detection window are needed to trip the flag.
	for i := 0; i < 4; i++ {
		restartCount++
		r.Tick(ctx)
	}

	assert.True(t, plat.health[conn.ID].IsInRebootLoop)
}
