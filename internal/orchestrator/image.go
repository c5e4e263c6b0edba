package orchestrator

import "strings"

// RegistryConfig configures the registry this agent prepends to bare
// image references before pulling. Same shape for every backend.
type RegistryConfig struct {
	URL      string
	Username string
	Password string
	Insecure bool
}

// ResolveImage prepends registry.URL to ref when ref carries no registry
// component of its own, and passes fully-qualified references through
// unchanged. A registry component is present when the path segment before
// the first "/" contains a "." (a hostname) or a ":" (a host:port), or is
// literally "localhost". A reference with no "/" at all (bare image name)
// never carries a registry component.
func ResolveImage(ref string, registry *RegistryConfig) string {
	if registry == nil || registry.URL == "" {
		return ref
	}

	firstSlash := strings.Index(ref, "/")
	if firstSlash == -1 {
		return registry.URL + "/" + ref
	}

	firstSegment := ref[:firstSlash]
	if strings.Contains(firstSegment, ".") || strings.Contains(firstSegment, ":") || firstSegment == "localhost" {
		return ref
	}

	return registry.URL + "/" + ref
}
