// Package orchestrator defines the capability set every backend
// (Kubernetes, Docker, Portainer) implements, plus the naming, labeling
// and image-resolution rules shared across all three.
package orchestrator

import "time"

// WorkloadStatus mirrors the observed lifecycle state of a workload.
type WorkloadStatus string

const (
	StatusRunning WorkloadStatus = "running"
	StatusStopped WorkloadStatus = "stopped"
	StatusPending WorkloadStatus = "pending"
	StatusFailed  WorkloadStatus = "failed"
	StatusUnknown WorkloadStatus = "unknown"
)

// RequestedStatus is what the spec (and platform) calls starting/stopping.
type RequestedStatus string

const (
	RequestedStarting RequestedStatus = "starting"
	RequestedStopping RequestedStatus = "stopping"
)

// EnvVar is one environment variable injected into a workload.
type EnvVar struct {
	Key   string
	Value string
}

// Spec describes the workload a connector wants deployed.
type Spec struct {
	ConnectorID     string
	Name            string
	ImageRef        string
	Env             []EnvVar
	ContractHash    string
	RequestedStatus RequestedStatus
}

// Workload is the orchestrator-level observation of a running or stopped
// connector: a Deployment in Kubernetes, a container in Docker/Portainer.
type Workload struct {
	Name         string
	Labels       map[string]string
	Image        string
	Status       WorkloadStatus
	RestartCount int
	StartedAt    *time.Time

	// CPUMilliCores and MemoryBytes are best-effort resource-usage samples.
	// Only the Kubernetes backend populates them (via the metrics API), and
	// only when a metrics-server is actually reachable; nil otherwise.
	CPUMilliCores *int64
	MemoryBytes   *int64
}

// ConnectorID returns the labels.filigran.io/connector_id value, or "" if absent.
func (w Workload) ConnectorID() string {
	return w.Labels[LabelConnectorID]
}

// ContractHash returns the labels.filigran.io/contract_hash value, or "" if absent.
func (w Workload) ContractHash() string {
	return w.Labels[LabelContractHash]
}

// LogLine is one line of output from a workload, in Backend.LogsOf.
type LogLine struct {
	Timestamp time.Time
	Text      string
}
