// Package config loads the agent's layered configuration: compiled-in
// defaults, an optional YAML file, then environment variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DaemonType selects which orchestrator backend the agent drives.
type DaemonType string

const (
	DaemonKubernetes DaemonType = "kubernetes"
	DaemonDocker     DaemonType = "docker"
	DaemonPortainer  DaemonType = "portainer"
)

// Config is the fully-resolved configuration for one agent process.
type Config struct {
	Manager ManagerConfig `yaml:"manager"`
	OpenCTI OpenCTIConfig `yaml:"opencti"`
	Logger  LoggerConfig  `yaml:"logger"`
}

type ManagerConfig struct {
	ID                string        `yaml:"id"`
	Name              string        `yaml:"name"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	LogBatchSize      int           `yaml:"log_batch_size"`
	KeyDir            string        `yaml:"key_dir"`
}

type OpenCTIConfig struct {
	URL    string       `yaml:"url"`
	Token  string       `yaml:"token"`
	Daemon DaemonConfig `yaml:"daemon"`
}

type DaemonConfig struct {
	Type       DaemonType       `yaml:"type"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
	Docker     DockerConfig     `yaml:"docker"`
	Portainer  PortainerConfig  `yaml:"portainer"`
}

type KubernetesConfig struct {
	Namespace      string `yaml:"namespace"`
	KubeconfigPath string `yaml:"kubeconfig_path"`
	InCluster      bool   `yaml:"in_cluster"`
}

type DockerConfig struct {
	Socket   string         `yaml:"socket"`
	Registry RegistryConfig `yaml:"registry"`
}

type PortainerConfig struct {
	URL        string `yaml:"url"`
	APIKey     string `yaml:"api_key"`
	EndpointID string `yaml:"endpoint_id"`
}

type RegistryConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Insecure bool   `yaml:"insecure"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
}

// Error is a fatal configuration error (spec: ConfigError).
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s", e.Reason)
}

func defaults() Config {
	return Config{
		Manager: ManagerConfig{
			Name:              "xtm-composer",
			HeartbeatInterval: 60 * time.Second,
			ReconcileInterval: 30 * time.Second,
			LogBatchSize:      100,
			KeyDir:            "/etc/xtm-composer",
		},
		Logger: LoggerConfig{Level: "info"},
	}
}

// Load builds the configuration: defaults, then an optional YAML file at
// path (skipped if path is empty or the file does not exist), then
// environment variable overrides. A ".env" file in the working directory
// is loaded first (best-effort) so local development can set variables
// without exporting them.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, &Error{Reason: fmt.Sprintf("reading config file %s: %v", path, err)}
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, &Error{Reason: fmt.Sprintf("parsing config file %s: %v", path, err)}
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	set := func(dst *string, env string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	setDur := func(dst *time.Duration, env string) {
		if v := os.Getenv(env); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	set(&cfg.Manager.ID, "COMPOSER_MANAGER_ID")
	set(&cfg.Manager.Name, "COMPOSER_MANAGER_NAME")
	set(&cfg.Manager.KeyDir, "COMPOSER_KEY_DIR")
	setDur(&cfg.Manager.HeartbeatInterval, "COMPOSER_HEARTBEAT_INTERVAL")
	setDur(&cfg.Manager.ReconcileInterval, "COMPOSER_RECONCILE_INTERVAL")

	set(&cfg.OpenCTI.URL, "OPENCTI_URL")
	set(&cfg.OpenCTI.Token, "OPENCTI_TOKEN")

	if v := os.Getenv("OPENCTI_DAEMON_TYPE"); v != "" {
		cfg.OpenCTI.Daemon.Type = DaemonType(v)
	}
	set(&cfg.OpenCTI.Daemon.Kubernetes.Namespace, "OPENCTI_DAEMON_KUBERNETES_NAMESPACE")
	set(&cfg.OpenCTI.Daemon.Kubernetes.KubeconfigPath, "OPENCTI_DAEMON_KUBERNETES_KUBECONFIG_PATH")
	set(&cfg.OpenCTI.Daemon.Docker.Socket, "OPENCTI_DAEMON_DOCKER_SOCKET")
	set(&cfg.OpenCTI.Daemon.Docker.Registry.URL, "OPENCTI_DAEMON_DOCKER_REGISTRY_URL")
	set(&cfg.OpenCTI.Daemon.Docker.Registry.Username, "OPENCTI_DAEMON_DOCKER_REGISTRY_USERNAME")
	set(&cfg.OpenCTI.Daemon.Docker.Registry.Password, "OPENCTI_DAEMON_DOCKER_REGISTRY_PASSWORD")
	set(&cfg.OpenCTI.Daemon.Portainer.URL, "OPENCTI_DAEMON_PORTAINER_URL")
	set(&cfg.OpenCTI.Daemon.Portainer.APIKey, "OPENCTI_DAEMON_PORTAINER_API_KEY")
	set(&cfg.OpenCTI.Daemon.Portainer.EndpointID, "OPENCTI_DAEMON_PORTAINER_ENDPOINT_ID")

	set(&cfg.Logger.Level, "COMPOSER_LOG_LEVEL")
}

func validate(cfg *Config) error {
	if cfg.OpenCTI.URL == "" {
		return &Error{Reason: "opencti.url is required"}
	}
	if cfg.OpenCTI.Token == "" {
		return &Error{Reason: "opencti.token is required"}
	}
	switch cfg.OpenCTI.Daemon.Type {
	case DaemonKubernetes:
		if cfg.OpenCTI.Daemon.Kubernetes.Namespace == "" {
			return &Error{Reason: "opencti.daemon.kubernetes.namespace is required"}
		}
	case DaemonDocker:
		if cfg.OpenCTI.Daemon.Docker.Socket == "" {
			return &Error{Reason: "opencti.daemon.docker.socket is required"}
		}
	case DaemonPortainer:
		if cfg.OpenCTI.Daemon.Portainer.URL == "" || cfg.OpenCTI.Daemon.Portainer.APIKey == "" {
			return &Error{Reason: "opencti.daemon.portainer.url and api_key are required"}
		}
	default:
		return &Error{Reason: fmt.Sprintf("opencti.daemon.type must be one of kubernetes, docker, portainer (got %q)", cfg.OpenCTI.Daemon.Type)}
	}
	if cfg.Manager.LogBatchSize <= 0 {
		return &Error{Reason: "manager.log_batch_size must be positive"}
	}
	return nil
}
