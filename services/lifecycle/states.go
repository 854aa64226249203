package lifecycle

import "fmt"

// Kind enumerates the entity types tracked by the state machine.
type Kind string

const (
	KindHost       Kind = "host"
	KindDPU        Kind = "dpu"
	KindSwitch     Kind = "switch"
	KindPowerShelf Kind = "power_shelf"
)

// State is a lifecycle state of a managed entity.
type State string

const (
	StateDiscovered        State = "discovered"
	StatePaired            State = "paired"
	StateAttesting         State = "attesting"
	StateAttested          State = "attested"
	StateAttestationFailed State = "attestation_failed"
	StateProvisioning      State = "provisioning"
	StateReady             State = "ready"
	StateError             State = "error"
	StateDecommissioned    State = "decommissioned"
)

// transitions is the fixed table of legal state changes. Every non-terminal
// state may move to Error, and every state may move to Decommissioned; those
// edges are handled in legalTransition rather than listed per state.
var transitions = map[State][]State{
	StateDiscovered:        {StatePaired},
	StatePaired:            {StateAttesting},
	StateAttesting:         {StateAttested, StateAttestationFailed},
	StateAttested:          {StateProvisioning},
	StateProvisioning:      {StateReady},
	StateReady:             {StateProvisioning},
	StateAttestationFailed: {StateAttesting},
	StateError:             {StateAttesting, StateProvisioning},
}

// Terminal reports whether s permits no further transitions besides none.
func (s State) Terminal() bool { return s == StateDecommissioned }

func legalTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateDecommissioned {
		return true
	}
	if to == StateError {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidKind reports whether k is one of the supported entity kinds.
func ValidKind(k Kind) bool {
	switch k {
	case KindHost, KindDPU, KindSwitch, KindPowerShelf:
		return true
	default:
		return false
	}
}

// IllegalTransitionError reports a transition request that is not in the
// table. It signals a programming error in the caller and is never retried.
type IllegalTransitionError struct {
	EntityID string
	From     State
	To       State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s for entity %s", e.From, e.To, e.EntityID)
}
