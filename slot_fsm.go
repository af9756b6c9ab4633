package nowlink

import "github.com/pkg/errors"

// SlotState is the state of one link table slot. Slots run a small finite
// state machine with the following transitions:
// Empty       → Provisional
// Provisional → Confirmed
// Provisional → Empty
// Confirmed   → Empty
//
// The meaning of each state is described above the state's definition below.
type SlotState string

const (
	// SlotEmpty is the state of a slot that holds no peer.
	SlotEmpty SlotState = "empty"
	// SlotProvisional is the state of a slot reserved for a peer whose LOCATE
	// this node answered, but whose finalizing LINK has not arrived yet.
	SlotProvisional SlotState = "provisional"
	// SlotConfirmed is the state of a slot holding a peer with a known
	// hardware address.
	SlotConfirmed SlotState = "confirmed"
)

var validSlotTransitions = map[SlotState][]SlotState{
	SlotEmpty: {
		SlotProvisional,
	},
	SlotProvisional: {
		SlotConfirmed,
		SlotEmpty,
	},
	SlotConfirmed: {
		SlotEmpty,
	},
}

// engineState tracks the lifecycle of an Engine:
// New     → Running
// New     → Stopped
// Running → Stopped
// Stopped → Stopped
type engineState string

const (
	engineStateNew     engineState = "new"
	engineStateRunning engineState = "running"
	engineStateStopped engineState = "stopped"
)

var validEngineTransitions = map[engineState][]engineState{
	engineStateNew: {
		engineStateRunning,
		engineStateStopped,
	},
	engineStateRunning: {
		engineStateStopped,
	},
	engineStateStopped: {
		engineStateStopped,
	},
}

func canTransition[S ~string](valid map[S][]S, from, to S) error {
	for _, target := range valid[from] {
		if target == to {
			return nil
		}
	}
	return errors.Errorf("unable to transition from %s to %s", from, to)
}

func (s *SlotState) transitionTo(state SlotState) error {
	if err := canTransition(validSlotTransitions, *s, state); err != nil {
		return err
	}
	*s = state
	return nil
}

func (s *engineState) transitionTo(state engineState) error {
	if err := canTransition(validEngineTransitions, *s, state); err != nil {
		return err
	}
	*s = state
	return nil
}
