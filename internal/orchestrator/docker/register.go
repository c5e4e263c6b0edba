package docker

import (
	"context"
	"fmt"

	"github.com/filigran/xtm-composer/internal/orchestrator"
)

func init() {
	orchestrator.Register("docker", func(ctx context.Context, configData map[string]any) (orchestrator.Backend, error) {
		cfg, err := parseConfig(configData)
		if err != nil {
			return nil, err
		}
		return New(ctx, cfg)
	})
}

func parseConfig(data map[string]any) (Config, error) {
	socket, _ := data["socket"].(string)
	if socket == "" {
		return Config{}, fmt.Errorf("docker: configuration key %q is required", "socket")
	}
	managerID, _ := data["manager_id"].(string)

	cfg := Config{Socket: socket, ManagerID: managerID}

	if network, ok := data["network"].(string); ok {
		cfg.Network = network
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
