package platform

import "time"

// RequestedStatus is the status the platform wants a connector to reach.
type RequestedStatus string

const (
	RequestedStarting RequestedStatus = "starting"
	RequestedStopping RequestedStatus = "stopping"
)

// CurrentStatus is the last status the platform was told the connector is in.
type CurrentStatus string

const (
	CurrentStarted CurrentStatus = "started"
	CurrentStopped CurrentStatus = "stopped"
)

// ConfigEntry is one ciphertext-valued configuration field.
type ConfigEntry struct {
	Key             string `json:"key"`
	ValueCiphertext string `json:"value_ciphertext"`
}

// ManagedConnector is the declared (desired) state of one connector, as
// reported by the platform.
type ManagedConnector struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	ManagerID       string          `json:"manager_id"`
	ContractImage   string          `json:"contract_image"`
	ContractHash    string          `json:"contract_hash"`
	ContractConfig  []ConfigEntry   `json:"contract_configuration"`
	RequestedStatus RequestedStatus `json:"requested_status"`
	CurrentStatus   CurrentStatus   `json:"current_status"`
	ConnectorUserID string          `json:"connector_user_id"`
}

// LogLine is one line reported back to the platform for a connector.
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Line      string    `json:"line"`
}
