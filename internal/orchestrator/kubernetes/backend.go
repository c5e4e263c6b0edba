// Package kubernetes implements the orchestrator.Backend capability set
// against a Kubernetes cluster: one Deployment per connector, scaled
// between 0 and 1 replicas to reflect the requested lifecycle status.
package kubernetes

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	metricsclientset "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/filigran/xtm-composer/internal/orchestrator"
)

// Config configures the Kubernetes backend.
type Config struct {
	Namespace      string
	KubeconfigPath string
	InCluster      bool
	ManagerID      string
	Registry       *orchestrator.RegistryConfig
}

// defaultOpTimeout bounds every call to the Kubernetes API server, so an
// unreachable or stalled apiserver fails one tick instead of blocking the
// reconciler indefinitely. Kubernetes itself (not this agent) is
// responsible for pulling images, so there is no separate pull deadline
// here the way there is in the Docker backend.
const defaultOpTimeout = 30 * time.Second

// Backend implements orchestrator.Backend against a Kubernetes cluster.
type Backend struct {
	config    Config
	clientset kubernetes.Interface

	// metricsClientset is nil when the cluster has no metrics-server, or
	// building the client failed; resource-usage enrichment is then skipped.
	metricsClientset metricsclientset.Interface
}

var _ orchestrator.Backend = (*Backend)(nil)

// New builds a REST config (in-cluster service account, or an explicit
// kubeconfig file) and a clientset, then verifies the namespace is
// reachable.
func New(ctx context.Context, config Config) (*Backend, error) {
	if config.Namespace == "" {
		return nil, fmt.Errorf("kubernetes: namespace is required")
	}

	restConfig, err := buildRestConfig(config)
	if err != nil {
		return nil, fmt.Errorf("kubernetes: building rest config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("kubernetes: building clientset: %w", err)
	}

	b := &Backend{config: config, clientset: clientset}

	if _, err := clientset.CoreV1().Namespaces().Get(ctx, config.Namespace, metav1.GetOptions{}); err != nil {
		return nil, &orchestrator.Error{Op: "HealthCheck", Transient: true, Cause: err}
	}

	if metricsClient, err := metricsclientset.NewForConfig(restConfig); err == nil {
		b.metricsClientset = metricsClient
	}

	return b, nil
}

func buildRestConfig(config Config) (*rest.Config, error) {
	if config.InCluster || config.KubeconfigPath == "" {
		return rest.InClusterConfig()
	}
	return clientcmd.BuildConfigFromFlags("", config.KubeconfigPath)
}

func (b *Backend) Type() string { return "kubernetes" }

func (b *Backend) Close() error { return nil }

// Deploy creates (or, on reuse of an existing name, updates) a single
// Deployment for the connector, with replicas reflecting requested status.
func (b *Backend) Deploy(ctx context.Context, spec orchestrator.Spec) (orchestrator.Workload, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	imageRef := orchestrator.ResolveImage(spec.ImageRef, b.config.Registry)
	labels := labelsFor(b.config.ManagerID, spec)

	replicas := int32(1)
	if spec.RequestedStatus == orchestrator.RequestedStopping {
		replicas = 0
	}

	env := make([]corev1.EnvVar, 0, len(spec.Env))
	for _, e := range spec.Env {
		env = append(env, corev1.EnvVar{Name: e.Key, Value: e.Value})
	}

	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: spec.Name, Namespace: b.config.Namespace, Labels: labels},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{orchestrator.LabelConnectorID: spec.ConnectorID}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyAlways,
					Containers: []corev1.Container{
						{
							Name:  "connector",
							Image: imageRef,
							Env:   env,
						},
					},
				},
			},
		},
	}

	deployments := b.clientset.AppsV1().Deployments(b.config.Namespace)

	created, err := deployments.Create(ctx, deployment, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		created, err = deployments.Update(ctx, deployment, metav1.UpdateOptions{})
	}
	if err != nil {
		return orchestrator.Workload{}, &orchestrator.Error{Op: "Deploy", ConnectorID: spec.ConnectorID, Transient: true, Cause: err}
	}

	return describeDeployment(created), nil
}

func (b *Backend) Remove(ctx context.Context, w orchestrator.Workload) error {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	policy := metav1.DeletePropagationForeground
	err := b.clientset.AppsV1().Deployments(b.config.Namespace).Delete(ctx, w.Name, metav1.DeleteOptions{PropagationPolicy: &policy})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return &orchestrator.Error{Op: "Remove", ConnectorID: w.ConnectorID(), Transient: true, Cause: err}
	}
	return nil
}

func (b *Backend) Start(ctx context.Context, w orchestrator.Workload) error {
	return b.scale(ctx, w, 1)
}

func (b *Backend) Stop(ctx context.Context, w orchestrator.Workload) error {
	return b.scale(ctx, w, 0)
}

func (b *Backend) scale(ctx context.Context, w orchestrator.Workload, replicas int32) error {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	deployments := b.clientset.AppsV1().Deployments(b.config.Namespace)
	current, err := deployments.Get(ctx, w.Name, metav1.GetOptions{})
	if err != nil {
		return &orchestrator.Error{Op: "scale", ConnectorID: w.ConnectorID(), Transient: false, Cause: err}
	}
	current.Spec.Replicas = &replicas
	if _, err := deployments.Update(ctx, current, metav1.UpdateOptions{}); err != nil {
		return &orchestrator.Error{Op: "scale", ConnectorID: w.ConnectorID(), Transient: true, Cause: err}
	}
	return nil
}

// LogsOf streams logs from the single pod backing the Deployment.
func (b *Backend) LogsOf(ctx context.Context, w orchestrator.Workload, since time.Time) ([]orchestrator.LogLine, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	pods, err := b.clientset.CoreV1().Pods(b.config.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: orchestrator.LabelConnectorID + "=" + w.ConnectorID(),
	})
	if err != nil {
		return nil, &orchestrator.Error{Op: "LogsOf", ConnectorID: w.ConnectorID(), Transient: true, Cause: err}
	}
	if len(pods.Items) == 0 {
		return nil, nil
	}

	opts := &corev1.PodLogOptions{Timestamps: true}
	if !since.IsZero() {
		t := metav1.NewTime(since)
		opts.SinceTime = &t
	}

	req := b.clientset.CoreV1().Pods(b.config.Namespace).GetLogs(pods.Items[0].Name, opts)
	stream, err := req.Stream(ctx)
	if err != nil {
		return nil, &orchestrator.Error{Op: "LogsOf", ConnectorID: w.ConnectorID(), Transient: true, Cause: err}
	}
	defer stream.Close()

	return readTimestampedLines(stream), nil
}

// List returns every Deployment labeled as belonging to this agent.
func (b *Backend) List(ctx context.Context) ([]orchestrator.Workload, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	deployments, err := b.clientset.AppsV1().Deployments(b.config.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: orchestrator.LabelManagerID + "=" + b.config.ManagerID,
	})
	if err != nil {
		return nil, &orchestrator.Error{Op: "List", Transient: true, Cause: err}
	}

	workloads := make([]orchestrator.Workload, 0, len(deployments.Items))
	for i := range deployments.Items {
		w := describeDeployment(&deployments.Items[i])
		b.enrichFromPod(ctx, &w)
		workloads = append(workloads, w)
	}
	return workloads, nil
}

// enrichFromPod fills in restart count, start time, and (if a
// metrics-server is reachable) CPU/memory usage from the connector's pod.
// Best-effort: any lookup failure leaves the fields at their zero value.
func (b *Backend) enrichFromPod(ctx context.Context, w *orchestrator.Workload) {
	pods, err := b.clientset.CoreV1().Pods(b.config.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: orchestrator.LabelConnectorID + "=" + w.ConnectorID(),
	})
	if err != nil || len(pods.Items) == 0 {
		return
	}
	pod := pods.Items[0]

	for _, cs := range pod.Status.ContainerStatuses {
		w.RestartCount += int(cs.RestartCount)
		if cs.State.Running != nil && w.StartedAt == nil {
			t := cs.State.Running.StartedAt.Time
			w.StartedAt = &t
		}
	}

	if b.metricsClientset == nil {
		return
	}
	podMetrics, err := b.metricsClientset.MetricsV1beta1().PodMetricses(b.config.Namespace).Get(ctx, pod.Name, metav1.GetOptions{})
	if err != nil {
		return
	}
	var cpuMilli, memBytes int64
	for _, c := range podMetrics.Containers {
		cpuMilli += c.Usage.Cpu().MilliValue()
		memBytes += c.Usage.Memory().Value()
	}
	w.CPUMilliCores = &cpuMilli
	w.MemoryBytes = &memBytes
}

func describeDeployment(d *appsv1.Deployment) orchestrator.Workload {
	w := orchestrator.Workload{
		Name:   d.Name,
		Labels: d.Labels,
		Image:  imageOf(d),
		Status: statusOf(d),
	}
	return w
}

func imageOf(d *appsv1.Deployment) string {
	if len(d.Spec.Template.Spec.Containers) == 0 {
		return ""
	}
	return d.Spec.Template.Spec.Containers[0].Image
}

func statusOf(d *appsv1.Deployment) orchestrator.WorkloadStatus {
	desired := int32(1)
	if d.Spec.Replicas != nil {
		desired = *d.Spec.Replicas
	}
	if desired == 0 {
		return orchestrator.StatusStopped
	}
	if d.Status.ReadyReplicas >= desired {
		return orchestrator.StatusRunning
	}
	if d.Status.UnavailableReplicas > 0 {
		return orchestrator.StatusFailed
	}
	return orchestrator.StatusPending
}

func labelsFor(managerID string, spec orchestrator.Spec) map[string]string {
	return orchestrator.Labels(managerID, spec.ConnectorID, spec.ContractHash)
}

func readTimestampedLines(stream io.Reader) []orchestrator.LogLine {
	buf, _ := io.ReadAll(stream)
	return parseTimestampedLines(string(buf))
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
