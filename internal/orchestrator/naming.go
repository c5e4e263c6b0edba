package orchestrator

import "strings"

// Label keys applied to every workload this agent deploys.
const (
	LabelManagerID    = "filigran.io/manager_id"
	LabelConnectorID  = "filigran.io/connector_id"
	LabelContractHash = "filigran.io/contract_hash"
)

// WorkloadName returns the deterministic name for a connector's workload:
// "xtm-" + first 8 chars of the manager id + "-" + first 8 chars of the
// connector id, with dashes removed from each id before taking the 8 chars.
func WorkloadName(managerID, connectorID string) string {
	return "xtm-" + first8(managerID) + "-" + first8(connectorID)
}

func first8(s string) string {
	s = strings.ReplaceAll(s, "-", "")
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// Labels returns the full label set a workload for this connector must carry.
func Labels(managerID, connectorID, contractHash string) map[string]string {
	return map[string]string{
		LabelManagerID:    managerID,
		LabelConnectorID:  connectorID,
		LabelContractHash: contractHash,
	}
}
