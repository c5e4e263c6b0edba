package platform

import "context"

// Register registers the manager with the platform, supplying its public
// key. Idempotent: calling it again with the same manager id and key is a
// no-op server-side. A ProtocolMismatch is returned to the caller like any
// other error; cmd/composer logs it as a warning and continues startup.
func (c *Client) Register(ctx context.Context, managerID, name, publicKeyPEM string) error {
	const query = `mutation Register($id: ID!, $name: String!, $publicKey: String!) {
		managerRegister(id: $id, name: $name, publicKey: $publicKey) { id }
	}`
	return c.do(ctx, "managerRegister", query, map[string]any{
		"id": managerID, "name": name, "publicKey": publicKeyPEM,
	}, nil)
}

// Ping is the heartbeat keepalive.
func (c *Client) Ping(ctx context.Context, managerID string) error {
	if c.IsUnsupported("managerPing") {
		return nil
	}
	const query = `mutation Ping($id: ID!) { managerPing(id: $id) }`
	return c.do(ctx, "managerPing", query, map[string]any{"id": managerID}, nil)
}

// ListConnectors returns the connectors declared for managerID. The
// platform is expected to filter server-side, but the agent re-filters
// defensively (ownership invariant).
func (c *Client) ListConnectors(ctx context.Context, managerID string) ([]ManagedConnector, error) {
	const query = `query ListConnectors($managerId: ID!) {
		managedConnectors(managerId: $managerId) {
			id name manager_id contract_image contract_hash
			contract_configuration { key value_ciphertext }
			requested_status current_status connector_user_id
		}
	}`

	var out struct {
		ManagedConnectors []ManagedConnector `json:"managedConnectors"`
	}
	if err := c.do(ctx, "managedConnectors", query, map[string]any{"managerId": managerID}, &out); err != nil {
		return nil, err
	}

	filtered := out.ManagedConnectors[:0]
	for _, conn := range out.ManagedConnectors {
		if conn.ManagerID == managerID {
			filtered = append(filtered, conn)
		}
	}
	return filtered, nil
}

// SetCurrentStatus reports the last-observed lifecycle status of a connector.
func (c *Client) SetCurrentStatus(ctx context.Context, connectorID string, status CurrentStatus) error {
	if c.IsUnsupported("setConnectorCurrentStatus") {
		return nil
	}
	const query = `mutation SetCurrentStatus($id: ID!, $status: String!) {
		setConnectorCurrentStatus(id: $id, status: $status)
	}`
	return c.do(ctx, "setConnectorCurrentStatus", query, map[string]any{"id": connectorID, "status": string(status)}, nil)
}

// SetRequestedStatus is used when the agent itself wants to cancel an
// impossible request (e.g. a permanently failing image pull).
func (c *Client) SetRequestedStatus(ctx context.Context, connectorID string, status RequestedStatus) error {
	if c.IsUnsupported("setConnectorRequestedStatus") {
		return nil
	}
	const query = `mutation SetRequestedStatus($id: ID!, $status: String!) {
		setConnectorRequestedStatus(id: $id, status: $status)
	}`
	return c.do(ctx, "setConnectorRequestedStatus", query, map[string]any{"id": connectorID, "status": string(status)}, nil)
}

// ReportLogs sends a batch of log lines for one connector. Always sent as
// a JSON array regardless of which wire shape older platform versions
// expect on read.
func (c *Client) ReportLogs(ctx context.Context, connectorID string, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	if c.IsUnsupported("reportConnectorLogs") {
		return nil
	}
	const query = `mutation ReportLogs($id: ID!, $lines: [String!]!) {
		reportConnectorLogs(id: $id, lines: $lines)
	}`
	return c.do(ctx, "reportConnectorLogs", query, map[string]any{"id": connectorID, "lines": lines}, nil)
}

// HealthReport is the payload of ReportHealth. CPUMilliCores and
// MemoryBytes are best-effort resource-usage samples, populated only when
// the backend can observe them (currently Kubernetes with a reachable
// metrics-server); nil on any other backend or when unavailable.
type HealthReport struct {
	RestartCount   int
	StartedAt      *string // RFC3339, nil if never started
	IsInRebootLoop bool
	CPUMilliCores  *int64
	MemoryBytes    *int64
}

// ReportHealth sends derived health information for one connector.
func (c *Client) ReportHealth(ctx context.Context, connectorID string, report HealthReport) error {
	if c.IsUnsupported("reportConnectorHealth") {
		return nil
	}
	const query = `mutation ReportHealth($id: ID!, $restartCount: Int!, $startedAt: String, $isInRebootLoop: Boolean!, $cpuMilliCores: Int, $memoryBytes: Int) {
		reportConnectorHealth(id: $id, restartCount: $restartCount, startedAt: $startedAt, isInRebootLoop: $isInRebootLoop, cpuMilliCores: $cpuMilliCores, memoryBytes: $memoryBytes)
	}`
	return c.do(ctx, "reportConnectorHealth", query, map[string]any{
		"id": connectorID, "restartCount": report.RestartCount,
		"startedAt": report.StartedAt, "isInRebootLoop": report.IsInRebootLoop,
		"cpuMilliCores": report.CPUMilliCores, "memoryBytes": report.MemoryBytes,
	}, nil)
}

// DeleteConnector removes a connector the platform no longer declares.
func (c *Client) DeleteConnector(ctx context.Context, connectorID string) error {
	if c.IsUnsupported("deleteConnector") {
		return nil
	}
	const query = `mutation DeleteConnector($id: ID!) { deleteConnector(id: $id) }`
	return c.do(ctx, "deleteConnector", query, map[string]any{"id": connectorID}, nil)
}
