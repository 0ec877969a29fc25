package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

type typeOnly struct {
	Type string `json:"type"`
}

func (s *Session) writePump(c *wsSignalConn) {
	defer func() {
		_ = c.conn.Close()
	}()
	for data := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			s.logger.Error().Err(err).Msg("writePump set deadline")
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.logger.Error().Err(err).Msg("writePump write error")
			return
		}
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (s *Session) readPump(c *wsSignalConn) {
	defer c.Close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !s.isClosed() {
				s.logger.Error().Err(err).Msg("readPump read error")
			}
			s.lose(fmt.Errorf("%w: %v", ErrSignalLost, err))
			return
		}
		s.handleSignal(data)
	}
}

func (s *Session) keepalive(ctx context.Context, c *wsSignalConn) {
	if s.opts.PingPeriod <= 0 {
		return
	}
	t := time.NewTicker(s.opts.PingPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.sendJSON(c, typeOnly{Type: "ping"}); errors.Is(err, ErrClosed) {
				return
			}
		}
	}
}

func (s *Session) handleSignal(data []byte) {
	var env typeOnly
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Error().Err(err).Msg("bad json")
		return
	}

	switch env.Type {
	case "joined":
		s.handleJoined(data)
	case "error":
		s.handleError(data)
	case "answer":
		s.handleAnswer(data)
	case "offer":
		s.handleOffer(data)
	case "candidate":
		s.handleCandidate(data)
	case "participant_joined":
		s.handleParticipantJoined(data)
	case "participant_left":
		s.handleParticipantLeft(data)
	case "track_published":
		s.handleTrackPublished(data)
	case "track_unpublished":
		s.handleTrackUnpublished(data)
	case "pong":
		s.handlePong()
	default:
		s.logger.Warn().Str("type", env.Type).Msg("unknown signal")
	}
}

func (s *Session) sendJSON(c *wsSignalConn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		s.logger.Error().Err(err).Msg("sendJSON marshal")
		return err
	}
	return c.TrySend(b)
}
