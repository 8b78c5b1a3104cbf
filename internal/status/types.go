// Package status maintains and broadcasts the read-only sync status
// projection. The command store stays the sole source of truth; consumers
// only ever read from here.
package status

import "time"

// Phase is the coordinator's externally visible state.
type Phase string

const (
	// PhaseIdle means no drain session is running
	PhaseIdle Phase = "Idle"

	// PhaseDraining means a drain session is in progress
	PhaseDraining Phase = "Draining"

	// PhaseCooldown means the last session hit its failure cap and triggers
	// are ignored until the cooldown window passes
	PhaseCooldown Phase = "Cooldown"
)

// SyncStatus is a derived snapshot of queue and connection state. It is
// ephemeral and never persisted.
type SyncStatus struct {
	// IsConnected mirrors the connectivity monitor
	IsConnected bool `json:"is_connected"`

	// NetworkClass is the current network classification (none, unmetered,
	// metered)
	NetworkClass string `json:"network_class"`

	// IsMetered reports whether the current network is usage-billed
	IsMetered bool `json:"is_metered"`

	// Phase is the coordinator phase
	Phase Phase `json:"phase"`

	// IsSyncing reports whether a drain session is in progress
	IsSyncing bool `json:"is_syncing"`

	// PendingCount is the number of commands awaiting dispatch (pending,
	// executing or scheduled for retry)
	PendingCount int `json:"pending_count"`

	// DeadCount is the number of dead-lettered commands awaiting inspection
	DeadCount int `json:"dead_count"`

	// LastSyncAttempt is when the last drain session started
	LastSyncAttempt *time.Time `json:"last_sync_attempt,omitempty"`

	// LastError is the most recent dispatch failure detail, for diagnostics
	LastError string `json:"last_error,omitempty"`
}
