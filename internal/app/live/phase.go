package live

import (
	"context"

	"github.com/looplab/fsm"
)

// Phase is the transport-level lifecycle of one connection handle.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhaseConnected  Phase = "connected"
	PhaseFailed     Phase = "failed"
	PhaseClosed     Phase = "closed"
)

const (
	phaseEventConnected = "connected"
	phaseEventFail      = "fail"
	phaseEventClose     = "close"
)

/*
newPhaseFSM builds the per-handle connection machine.

	[connecting] → [connected] → [failed] → [closed]
	[connecting] → [failed]
	[connecting] → [closed]
	[connected]  → [closed]
*/
func newPhaseFSM(onEnter func(from, to Phase)) *fsm.FSM {
	return fsm.NewFSM(
		string(PhaseConnecting),
		fsm.Events{
			{Name: phaseEventConnected, Src: []string{string(PhaseConnecting)}, Dst: string(PhaseConnected)},
			{Name: phaseEventFail, Src: []string{string(PhaseConnecting), string(PhaseConnected)}, Dst: string(PhaseFailed)},
			{Name: phaseEventClose, Src: []string{string(PhaseConnecting), string(PhaseConnected), string(PhaseFailed)}, Dst: string(PhaseClosed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if onEnter != nil {
					onEnter(Phase(e.Src), Phase(e.Dst))
				}
			},
		},
	)
}

// firePhase applies event if it is valid in the current phase and reports
// whether the phase changed. Duplicate transport events are ignored this way.
func firePhase(f *fsm.FSM, event string) bool {
	if !f.Can(event) {
		return false
	}
	return f.Event(context.Background(), event) == nil
}
