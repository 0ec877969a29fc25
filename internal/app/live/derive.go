package live

import "github.com/dkeye/LiveAvatar/internal/domain"

// Derive computes the presentation state from the connection phase, the
// visual-track-attached condition and the external signals.
//
// External signals apply only once a video track is attached. Precedence
// is thinking > speaking > live. A failed phase is always error; phases
// without a handle yield the uninitialized zero value.
func Derive(phase Phase, videoAttached bool, sig domain.Signals) domain.PresentationState {
	switch phase {
	case PhaseFailed:
		return domain.StateError
	case PhaseConnecting, PhaseConnected:
	default:
		return ""
	}

	if !videoAttached {
		if phase == PhaseConnecting {
			return domain.StateConnecting
		}
		return domain.StateWaiting
	}

	switch {
	case sig.Status == domain.StatusThinking:
		return domain.StateThinking
	case sig.Speaking:
		return domain.StateSpeaking
	}
	return domain.StateLive
}
