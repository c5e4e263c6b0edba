// Package docker implements the orchestrator.Backend capability set
// against a Docker Engine daemon reached over a UNIX or TCP socket.
package docker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/filigran/xtm-composer/internal/orchestrator"
)

const (
	labelManaged = "filigran.io/managed"

	defaultNetwork     = "xtm-composer"
	defaultStopTimeout = 30 * time.Second

	// defaultOpTimeout bounds every Docker daemon call except image pulls,
	// so a hung daemon fails one tick instead of blocking the reconciler
	// indefinitely.
	defaultOpTimeout = 30 * time.Second
	// imagePullTimeout gives a slow registry room to finish a large layer
	// pull without tying up defaultOpTimeout's much tighter budget.
	imagePullTimeout = 5 * time.Minute
)

// Config configures the Docker backend.
type Config struct {
	Socket    string
	Network   string
	ManagerID string
	Registry  *orchestrator.RegistryConfig
	TLS       *TLSConfig
	// HTTPClient, if set, overrides the HTTP client used to reach Socket.
	// Used by the Portainer backend to proxy every Docker call through
	// Portainer's endpoint-scoped API with its own auth header.
	HTTPClient *http.Client
}

// TLSConfig configures client TLS for a TCP docker socket.
type TLSConfig struct {
	CertPath string
	KeyPath  string
	CAPath   string
}

// Backend implements orchestrator.Backend against a Docker daemon.
type Backend struct {
	client *client.Client
	config Config
}

var _ orchestrator.Backend = (*Backend)(nil)

// New connects to the configured Docker daemon and verifies reachability.
func New(ctx context.Context, config Config) (*Backend, error) {
	if config.Socket == "" {
		return nil, fmt.Errorf("docker: socket is required")
	}

	opts := []client.Opt{
		client.WithHost(config.Socket),
		client.WithAPIVersionNegotiation(),
	}

	switch {
	case config.HTTPClient != nil:
		opts = append(opts, client.WithHTTPClient(config.HTTPClient))
	case config.TLS != nil:
		tlsConfig, err := loadTLSConfig(config.Socket, config.TLS)
		if err != nil {
			return nil, fmt.Errorf("docker: loading TLS config: %w", err)
		}
		opts = append(opts, client.WithHTTPClient(&http.Client{Transport: &http.Transport{TLSClientConfig: tlsConfig}}))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker: creating client: %w", err)
	}

	b := &Backend{client: cli, config: config}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, &orchestrator.Error{Op: "HealthCheck", Transient: true, Cause: err}
	}
	return b, nil
}

func (b *Backend) Type() string { return "docker" }

func (b *Backend) Close() error {
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

// Deploy pulls the image, creates the container with the spec's labels
// and env, and starts it unless the connector is requested stopped.
func (b *Backend) Deploy(ctx context.Context, spec orchestrator.Spec) (orchestrator.Workload, error) {
	imageRef := orchestrator.ResolveImage(spec.ImageRef, b.config.Registry)

	// pullImage gets its own, longer-lived deadline off the incoming ctx —
	// a large image can legitimately take longer than defaultOpTimeout,
	// the budget used for every other call below.
	pullCtx, cancelPull := context.WithTimeout(ctx, imagePullTimeout)
	err := b.pullImage(pullCtx, imageRef)
	cancelPull()
	if err != nil {
		return orchestrator.Workload{}, &orchestrator.ImagePullError{ImageRef: imageRef, Cause: err}
	}

	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	if err := b.ensureNetwork(ctx); err != nil {
		return orchestrator.Workload{}, &orchestrator.Error{Op: "Deploy", ConnectorID: spec.ConnectorID, Transient: true, Cause: err}
	}

	name := spec.Name
	labels := b.labelsFor(spec)

	env := make([]string, 0, len(spec.Env))
	for _, e := range spec.Env {
		env = append(env, e.Key+"="+e.Value)
	}

	containerConfig := &container.Config{
		Image:  imageRef,
		Env:    env,
		Labels: labels,
	}
	hostConfig := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
	}
	networkConfig := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			b.networkName(): {},
		},
	}

	resp, err := b.client.ContainerCreate(ctx, containerConfig, hostConfig, networkConfig, nil, name)
	if err != nil {
		return orchestrator.Workload{}, &orchestrator.Error{Op: "Deploy", ConnectorID: spec.ConnectorID, Transient: true, Cause: err}
	}

	if spec.RequestedStatus != orchestrator.RequestedStopping {
		if err := b.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
			_ = b.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
			return orchestrator.Workload{}, &orchestrator.Error{Op: "Deploy", ConnectorID: spec.ConnectorID, Transient: true, Cause: err}
		}
	}

	return b.describe(ctx, resp.ID, labels)
}

func (b *Backend) Remove(ctx context.Context, w orchestrator.Workload) error {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	id, err := b.findContainer(ctx, w.Name)
	if err != nil {
		if err == orchestrator.ErrWorkloadNotFound {
			return nil
		}
		return &orchestrator.Error{Op: "Remove", ConnectorID: w.ConnectorID(), Transient: true, Cause: err}
	}
	if err := b.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return &orchestrator.Error{Op: "Remove", ConnectorID: w.ConnectorID(), Transient: true, Cause: err}
	}
	return nil
}

func (b *Backend) Start(ctx context.Context, w orchestrator.Workload) error {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	id, err := b.findContainer(ctx, w.Name)
	if err != nil {
		return &orchestrator.Error{Op: "Start", ConnectorID: w.ConnectorID(), Transient: false, Cause: err}
	}
	if err := b.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return &orchestrator.Error{Op: "Start", ConnectorID: w.ConnectorID(), Transient: true, Cause: err}
	}
	return nil
}

func (b *Backend) Stop(ctx context.Context, w orchestrator.Workload) error {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	id, err := b.findContainer(ctx, w.Name)
	if err != nil {
		return &orchestrator.Error{Op: "Stop", ConnectorID: w.ConnectorID(), Transient: false, Cause: err}
	}
	timeout := int(defaultStopTimeout.Seconds())
	if err := b.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return &orchestrator.Error{Op: "Stop", ConnectorID: w.ConnectorID(), Transient: true, Cause: err}
	}
	return nil
}

// LogsOf streams and demultiplexes container logs (stdout and stderr)
// emitted since the given timestamp, merged in timestamp order.
func (b *Backend) LogsOf(ctx context.Context, w orchestrator.Workload, since time.Time) ([]orchestrator.LogLine, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	id, err := b.findContainer(ctx, w.Name)
	if err != nil {
		if err == orchestrator.ErrWorkloadNotFound {
			return nil, nil
		}
		return nil, &orchestrator.Error{Op: "LogsOf", ConnectorID: w.ConnectorID(), Transient: true, Cause: err}
	}

	logOpts := container.LogsOptions{ShowStdout: true, ShowStderr: true, Timestamps: true}
	if !since.IsZero() {
		logOpts.Since = since.Format(time.RFC3339Nano)
	}

	stream, err := b.client.ContainerLogs(ctx, id, logOpts)
	if err != nil {
		return nil, &orchestrator.Error{Op: "LogsOf", ConnectorID: w.ConnectorID(), Transient: true, Cause: err}
	}
	defer stream.Close()

	var stdout, stderr strings.Builder
	if _, err := stdcopy.StdCopy(&stdout, &stderr, stream); err != nil {
		return nil, &orchestrator.Error{Op: "LogsOf", ConnectorID: w.ConnectorID(), Transient: true, Cause: err}
	}

	lines := append(parseTimestampedLines(stdout.String()), parseTimestampedLines(stderr.String())...)
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].Timestamp.Before(lines[j].Timestamp) })
	return lines, nil
}

// List returns every container labeled as managed by this agent.
func (b *Backend) List(ctx context.Context) ([]orchestrator.Workload, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelManaged+"=true")
	filterArgs.Add("label", orchestrator.LabelManagerID+"="+b.config.ManagerID)

	containers, err := b.client.ContainerList(ctx, container.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		return nil, &orchestrator.Error{Op: "List", Transient: true, Cause: err}
	}

	workloads := make([]orchestrator.Workload, 0, len(containers))
	for _, c := range containers {
		w, err := b.describe(ctx, c.ID, c.Labels)
		if err != nil {
			// Inspect can race with a container being removed concurrently;
			// fall back to the summary fields rather than dropping the row.
			w = orchestrator.Workload{
				Name:   strings.TrimPrefix(firstName(c.Names), "/"),
				Labels: c.Labels,
				Image:  c.Image,
				Status: mapDockerState(c.State),
			}
		}
		workloads = append(workloads, w)
	}
	return workloads, nil
}

func (b *Backend) describe(ctx context.Context, containerID string, labels map[string]string) (orchestrator.Workload, error) {
	inspect, err := b.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return orchestrator.Workload{}, &orchestrator.Error{Op: "Deploy", Transient: true, Cause: err}
	}

	w := orchestrator.Workload{
		Name:         strings.TrimPrefix(inspect.Name, "/"),
		Labels:       labels,
		Image:        inspect.Config.Image,
		Status:       mapDockerState(inspect.State.Status),
		RestartCount: inspect.RestartCount,
	}
	if inspect.State.StartedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
			w.StartedAt = &t
		}
	}
	return w, nil
}

func (b *Backend) findContainer(ctx context.Context, name string) (string, error) {
	if inspect, err := b.client.ContainerInspect(ctx, name); err == nil {
		return inspect.ID, nil
	}

	filterArgs := filters.NewArgs()
	filterArgs.Add("name", name)
	containers, err := b.client.ContainerList(ctx, container.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		return "", err
	}
	if len(containers) == 0 {
		return "", orchestrator.ErrWorkloadNotFound
	}
	return containers[0].ID, nil
}

func (b *Backend) labelsFor(spec orchestrator.Spec) map[string]string {
	return map[string]string{
		labelManaged:                   "true",
		orchestrator.LabelManagerID:    b.config.ManagerID,
		orchestrator.LabelConnectorID:  spec.ConnectorID,
		orchestrator.LabelContractHash: spec.ContractHash,
	}
}

func (b *Backend) ensureNetwork(ctx context.Context) error {
	name := b.networkName()
	networks, err := b.client.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return err
	}
	for _, n := range networks {
		if n.Name == name {
			return nil
		}
	}
	_, err = b.client.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{labelManaged: "true"},
	})
	return err
}

func (b *Backend) networkName() string {
	if b.config.Network != "" {
		return b.config.Network
	}
	return defaultNetwork
}

func (b *Backend) pullImage(ctx context.Context, imageRef string) error {
	var authStr string
	if b.config.Registry != nil && b.config.Registry.Username != "" {
		authConfig := registry.AuthConfig{
			Username:      b.config.Registry.Username,
			Password:      b.config.Registry.Password,
			ServerAddress: b.config.Registry.URL,
		}
		authJSON, err := json.Marshal(authConfig)
		if err != nil {
			return err
		}
		authStr = base64.URLEncoding.EncodeToString(authJSON)
	}

	out, err := b.client.ImagePull(ctx, imageRef, image.PullOptions{RegistryAuth: authStr})
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(io.Discard, out)
	return err
}

func mapDockerState(state string) orchestrator.WorkloadStatus {
	switch state {
	case "running":
		return orchestrator.StatusRunning
	case "created", "restarting":
		return orchestrator.StatusPending
	case "exited", "dead", "paused":
		return orchestrator.StatusStopped
	default:
		return orchestrator.StatusUnknown
	}
}

func firstName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

func loadTLSConfig(host string, tlsCfg *TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(tlsCfg.CertPath, tlsCfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading client certificate: %w", err)
	}

	caCert, err := os.ReadFile(tlsCfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("appending CA certificate")
	}

	config := &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool}

	serverName := strings.TrimPrefix(host, "tcp://")
	if idx := strings.Index(serverName, ":"); idx > 0 {
		serverName = serverName[:idx]
	}
	config.ServerName = serverName

	return config, nil
}

func parseTimestampedLines(blob string) []orchestrator.LogLine {
	if blob == "" {
		return nil
	}
	rawLines := strings.Split(strings.TrimRight(blob, "\n"), "\n")
	lines := make([]orchestrator.LogLine, 0, len(rawLines))
	for _, raw := range rawLines {
		if raw == "" {
			continue
		}
		parts := strings.SplitN(raw, " ", 2)
		if len(parts) != 2 {
			lines = append(lines, orchestrator.LogLine{Text: raw})
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, parts[0])
		if err != nil {
			lines = append(lines, orchestrator.LogLine{Text: raw})
			continue
		}
		lines = append(lines, orchestrator.LogLine{Timestamp: ts, Text: parts[1]})
	}
	return lines
}
