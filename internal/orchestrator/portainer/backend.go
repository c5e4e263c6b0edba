// Package portainer implements the orchestrator.Backend capability set by
// reusing the Docker backend's container/image logic against an
// *http.Client whose transport rewrites every request through Portainer's
// endpoint-scoped Docker proxy and injects the X-API-Key header, instead
// of duplicating the Docker wire calls.
package portainer

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/filigran/xtm-composer/internal/orchestrator"
	"github.com/filigran/xtm-composer/internal/orchestrator/docker"
)

// Config configures the Portainer backend.
type Config struct {
	URL        string
	APIKey     string
	EndpointID string
	Network    string
	ManagerID  string
	Registry   *orchestrator.RegistryConfig
}

// Backend proxies the Docker backend's calls through Portainer.
type Backend struct {
	*docker.Backend
}

var _ orchestrator.Backend = (*Backend)(nil)

// New builds a Docker backend whose requests are transparently proxied
// through {url}/api/endpoints/{endpoint_id}/docker/... with X-API-Key auth.
func New(ctx context.Context, config Config) (*Backend, error) {
	if config.URL == "" || config.APIKey == "" || config.EndpointID == "" {
		return nil, fmt.Errorf("portainer: url, api_key and endpoint_id are required")
	}

	transport := &proxyTransport{
		baseURL:    strings.TrimSuffix(config.URL, "/"),
		endpointID: config.EndpointID,
		apiKey:     config.APIKey,
		underlying: http.DefaultTransport,
	}

	dockerBackend, err := docker.New(ctx, docker.Config{
		Socket:     "http://portainer-proxy",
		Network:    config.Network,
		ManagerID:  config.ManagerID,
		Registry:   config.Registry,
		HTTPClient: &http.Client{Transport: transport},
	})
	if err != nil {
		return nil, err
	}

	return &Backend{Backend: dockerBackend}, nil
}

// Type overrides the embedded Docker backend's "docker" to report the
// orchestrator type this agent was actually configured to drive.
func (b *Backend) Type() string { return "portainer" }

// proxyTransport rewrites outbound requests to the Docker client's fake
// host ("http://portainer-proxy") into Portainer's proxied Docker API.
type proxyTransport struct {
	baseURL    string
	endpointID string
	apiKey     string
	underlying http.RoundTripper
}

func (t *proxyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	proxied := req.Clone(req.Context())

	target := t.baseURL + "/api/endpoints/" + t.endpointID + "/docker" + req.URL.Path
	newURL, err := req.URL.Parse(target)
	if err != nil {
		return nil, err
	}
	newURL.RawQuery = req.URL.RawQuery
	proxied.URL = newURL
	proxied.Host = newURL.Host
	proxied.Header.Set("X-API-Key", t.apiKey)

	return t.underlying.RoundTrip(proxied)
}
