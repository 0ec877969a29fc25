package signal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dkeye/LiveAvatar/internal/adapters/rtc"
	"github.com/pion/webrtc/v4"
)

type sdpPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type candidatePayload struct {
	Type          string  `json:"type"`
	Candidate     string  `json:"candidate"`
	SDPMid        string  `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// negotiate offers a receive-only peer connection and waits for it to
// connect.
func (s *Session) negotiate(ctx context.Context, ws *wsSignalConn) error {
	media, err := rtc.NewWebRTCConnection(s.opts.API, s.opts.RTC, s.sid)
	if err != nil {
		return fmt.Errorf("webrtc new pc: %w", err)
	}
	media.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		s.sendCandidate(ws, ci)
	})
	media.OnTrack(s.handleTrack)
	media.OnStateChange(s.handlePeerState)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		media.Close()
		return ErrClosed
	}
	s.media = media
	s.mu.Unlock()

	if err := media.Start(s.ctx); err != nil {
		return fmt.Errorf("webrtc start: %w", err)
	}
	offer, err := media.CreateAndSetOffer()
	if err != nil {
		return fmt.Errorf("webrtc offer: %w", err)
	}
	if err := s.sendJSON(ws, sdpPayload{Type: "offer", SDP: offer.SDP}); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}

	s.mu.Lock()
	s.offerSent = true
	queued := s.localPending
	s.localPending = nil
	s.mu.Unlock()
	for _, ci := range queued {
		s.sendCandidate(ws, ci)
	}

	if err := s.wait(ctx, s.answerDone); err != nil {
		return err
	}
	return s.wait(ctx, s.peerDone)
}

// sendCandidate trickles a local candidate. Candidates gathered before the
// offer went out are held back so the server never sees them first.
func (s *Session) sendCandidate(c *wsSignalConn, ci webrtc.ICECandidateInit) {
	s.mu.Lock()
	if !s.offerSent {
		s.localPending = append(s.localPending, ci)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	resp := candidatePayload{
		Type:          "candidate",
		Candidate:     ci.Candidate,
		SDPMLineIndex: ci.SDPMLineIndex,
	}
	if ci.SDPMid != nil {
		resp.SDPMid = *ci.SDPMid
	}
	_ = s.sendJSON(c, resp)
}

func (s *Session) handleAnswer(data []byte) {
	var p sdpPayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Error().Err(err).Msg("bad answer payload")
		return
	}
	media := s.currentMedia()
	if media == nil {
		s.logger.Warn().Msg("answer: no media connection")
		return
	}

	err := media.ApplyAnswer(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  p.SDP,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("webrtc apply answer")
		err = fmt.Errorf("apply answer: %w", err)
	} else {
		s.flushRemoteCandidates(media)
	}
	select {
	case s.answerDone <- err:
	default:
	}
}

// handleOffer answers a renegotiation started by the server, e.g. after a
// new track was published.
func (s *Session) handleOffer(data []byte) {
	var p sdpPayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Error().Err(err).Msg("bad offer payload")
		return
	}
	s.mu.Lock()
	media, ws := s.media, s.ws
	s.mu.Unlock()
	if media == nil || ws == nil {
		s.logger.Warn().Msg("offer: no media connection")
		return
	}

	answer, err := media.ApplyOfferAndCreateAnswer(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  p.SDP,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("webrtc apply offer")
		return
	}
	s.flushRemoteCandidates(media)
	_ = s.sendJSON(ws, sdpPayload{Type: "answer", SDP: answer.SDP})
}

// handleCandidate adds a remote candidate, or queues it until a remote
// description is applied.
func (s *Session) handleCandidate(data []byte) {
	var p candidatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Error().Err(err).Msg("bad candidate payload")
		return
	}
	cand := webrtc.ICECandidateInit{
		Candidate:     p.Candidate,
		SDPMLineIndex: p.SDPMLineIndex,
	}
	if p.SDPMid != "" {
		cand.SDPMid = &p.SDPMid
	}

	s.mu.Lock()
	media := s.media
	if media == nil || !s.remoteSet {
		s.pending = append(s.pending, cand)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := media.AddICECandidate(cand); err != nil {
		s.logger.Error().Err(err).Msg("add ice candidate")
	}
}

func (s *Session) flushRemoteCandidates(media *rtc.WebRTCConnection) {
	s.mu.Lock()
	s.remoteSet = true
	queued := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, cand := range queued {
		if err := media.AddICECandidate(cand); err != nil {
			s.logger.Error().Err(err).Msg("add ice candidate")
		}
	}
}

func (s *Session) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	s.bindTrack(rtc.NewRemoteTrack(track), track.StreamID())
}

func (s *Session) handlePeerState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		select {
		case s.peerDone <- nil:
		default:
		}
	case webrtc.PeerConnectionStateFailed:
		s.lose(ErrPeerFailed)
	case webrtc.PeerConnectionStateClosed:
		s.lose(fmt.Errorf("%w: peer connection", ErrClosed))
	}
}

func (s *Session) currentMedia() *rtc.WebRTCConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.media
}
