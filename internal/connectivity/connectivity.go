// Package connectivity defines the reachability contract consumed by the
// sync coordinator, plus an HTTP-probe based reference implementation.
package connectivity

import "context"

// NetworkClass classifies the current network.
type NetworkClass string

const (
	// ClassNone means no usable network
	ClassNone NetworkClass = "none"

	// ClassUnmetered means an unrestricted network (e.g. wifi)
	ClassUnmetered NetworkClass = "unmetered"

	// ClassMetered means a usage-billed network (e.g. cellular)
	ClassMetered NetworkClass = "metered"
)

// State is one observation of device reachability.
type State struct {
	Connected bool         `json:"connected"`
	Class     NetworkClass `json:"class"`
}

// Metered reports whether the current network is usage-billed.
func (s State) Metered() bool {
	return s.Connected && s.Class == ClassMetered
}

// Monitor exposes a continuous reachability signal. The coordinator acts on
// disconnected-to-connected transitions only.
type Monitor interface {
	// Current returns the latest observed state.
	Current() State

	// Subscribe returns a channel of state transitions. The channel is
	// closed when ctx is cancelled. Slow receivers may miss intermediate
	// transitions but always observe the latest.
	Subscribe(ctx context.Context) <-chan State
}
