package signal

import (
	"encoding/json"
	"fmt"
)

func (s *Session) handlePong() {
	s.logger.Debug().Msg("pong")
}

// handleError rejects a pending join; afterwards server errors are only
// logged.
func (s *Session) handleError(data []byte) {
	var p struct {
		Type  string `json:"type"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Error().Err(err).Msg("bad error payload")
		return
	}

	s.mu.Lock()
	joined := s.joined
	s.mu.Unlock()
	if joined {
		s.logger.Warn().Str("error", p.Error).Msg("server error")
		return
	}
	select {
	case s.joinDone <- fmt.Errorf("%w: %s", ErrJoinRejected, p.Error):
	default:
	}
}
