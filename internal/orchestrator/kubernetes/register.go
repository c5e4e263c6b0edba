package kubernetes

import (
	"context"
	"fmt"

	"github.com/filigran/xtm-composer/internal/orchestrator"
)

func init() {
	orchestrator.Register("kubernetes", func(ctx context.Context, configData map[string]any) (orchestrator.Backend, error) {
		cfg, err := parseConfig(configData)
		if err != nil {
			return nil, err
		}
		return New(ctx, cfg)
	})
}

func parseConfig(data map[string]any) (Config, error) {
	namespace, _ := data["namespace"].(string)
	if namespace == "" {
		return Config{}, fmt.Errorf("kubernetes: configuration key %q is required", "namespace")
	}
	managerID, _ := data["manager_id"].(string)
	kubeconfigPath, _ := data["kubeconfig_path"].(string)
	inCluster, _ := data["in_cluster"].(bool)

	cfg := Config{
		Namespace:      namespace,
		ManagerID:      managerID,
		KubeconfigPath: kubeconfigPath,
		InCluster:      inCluster,
	}

	if registryData, ok := data["registry"].(map[string]any); ok {
		reg := &orchestrator.RegistryConfig{}
		reg.URL, _ = registryData["url"].(string)
		reg.Username, _ = registryData["username"].(string)
		reg.Password, _ = registryData["password"].(string)
		reg.Insecure, _ = registryData["insecure"].(bool)
		cfg.Registry = reg
	}

	return cfg, nil
}
