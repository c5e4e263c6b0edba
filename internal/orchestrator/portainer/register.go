package portainer

import (
	"context"
	"fmt"

	"github.com/filigran/xtm-composer/internal/orchestrator"
)

func init() {
	orchestrator.Register("portainer", func(ctx context.Context, configData map[string]any) (orchestrator.Backend, error) {
		cfg, err := parseConfig(configData)
		if err != nil {
			return nil, err
		}
		return New(ctx, cfg)
	})
}

func parseConfig(data map[string]any) (Config, error) {
	url, _ := data["url"].(string)
	apiKey, _ := data["api_key"].(string)
	endpointID, _ := data["endpoint_id"].(string)
	if url == "" || apiKey == "" || endpointID == "" {
		return Config{}, fmt.Errorf("portainer: url, api_key and endpoint_id are required")
	}
	managerID, _ := data["manager_id"].(string)

	cfg := Config{URL: url, APIKey: apiKey, EndpointID: endpointID, ManagerID: managerID}

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
