package signal

import (
	"cmp"
	"encoding/json"
	"slices"

	"github.com/dkeye/LiveAvatar/internal/core"
	"github.com/dkeye/LiveAvatar/internal/domain"
)

type trackInfo struct {
	SID     string `json:"sid"`
	TrackID string `json:"track_id"`
	Kind    string `json:"kind"`
}

type participantInfo struct {
	Identity string      `json:"identity"`
	Tracks   []trackInfo `json:"tracks,omitempty"`
}

type publication struct {
	sid     string
	trackID string
	kind    domain.TrackKind
	track   core.RemoteTrack
}

func (p *publication) snapshot() core.Publication {
	return core.Publication{
		SID:        p.sid,
		Kind:       p.kind,
		Subscribed: p.track != nil,
		Track:      p.track,
	}
}

type participant struct {
	identity string
	pubs     []*publication
}

func kindOf(s string) domain.TrackKind {
	if s == string(domain.TrackVideo) {
		return domain.TrackVideo
	}
	return domain.TrackAudio
}

func (s *Session) handleJoined(data []byte) {
	var p struct {
		Type         string            `json:"type"`
		Room         string            `json:"room"`
		Participants []participantInfo `json:"participants"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Error().Err(err).Msg("bad joined payload")
		select {
		case s.joinDone <- err:
		default:
		}
		return
	}

	s.mu.Lock()
	for _, info := range p.Participants {
		s.addParticipantLocked(info)
	}
	s.joined = true
	s.mu.Unlock()

	s.logger.Info().Str("room", p.Room).Int("participants", len(p.Participants)).Msg("joined")
	select {
	case s.joinDone <- nil:
	default:
	}
}

func (s *Session) handleParticipantJoined(data []byte) {
	var p struct {
		Type        string          `json:"type"`
		Participant participantInfo `json:"participant"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Error().Err(err).Msg("bad participant payload")
		return
	}
	s.mu.Lock()
	s.addParticipantLocked(p.Participant)
	s.mu.Unlock()
	s.logger.Info().Str("identity", p.Participant.Identity).Msg("participant joined")
}

func (s *Session) handleParticipantLeft(data []byte) {
	var p struct {
		Type     string `json:"type"`
		Identity string `json:"identity"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Error().Err(err).Msg("bad participant payload")
		return
	}

	s.mu.Lock()
	var gone []core.RemoteTrack
	if part, ok := s.roster[p.Identity]; ok {
		for _, pub := range part.pubs {
			if pub.track != nil {
				gone = append(gone, pub.track)
			}
		}
		delete(s.roster, p.Identity)
	}
	s.mu.Unlock()

	s.logger.Info().Str("identity", p.Identity).Int("tracks", len(gone)).Msg("participant left")
	for _, track := range gone {
		s.fireUnsubscribed(track)
	}
}

func (s *Session) handleTrackPublished(data []byte) {
	var p struct {
		Type     string    `json:"type"`
		Identity string    `json:"identity"`
		Track    trackInfo `json:"track"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Error().Err(err).Msg("bad track payload")
		return
	}
	s.mu.Lock()
	s.addPublicationLocked(s.participantLocked(p.Identity), p.Track)
	s.mu.Unlock()
	s.logger.Debug().Str("identity", p.Identity).Str("track_sid", p.Track.SID).Msg("track published")
}

func (s *Session) handleTrackUnpublished(data []byte) {
	var p struct {
		Type     string `json:"type"`
		Identity string `json:"identity"`
		SID      string `json:"sid"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Error().Err(err).Msg("bad track payload")
		return
	}

	s.mu.Lock()
	var gone core.RemoteTrack
	if part, ok := s.roster[p.Identity]; ok {
		part.pubs = slices.DeleteFunc(part.pubs, func(pub *publication) bool {
			if pub.sid != p.SID {
				return false
			}
			gone = pub.track
			return true
		})
	}
	s.mu.Unlock()

	s.logger.Debug().Str("identity", p.Identity).Str("track_sid", p.SID).Msg("track unpublished")
	if gone != nil {
		s.fireUnsubscribed(gone)
	}
}

// bindTrack marks the publication carrying track as subscribed. A track the
// server never announced gets a publication of its own.
func (s *Session) bindTrack(track core.RemoteTrack, identity string) {
	s.mu.Lock()
	pub := s.publicationByTrackLocked(track.ID())
	if pub == nil {
		pub = s.addPublicationLocked(s.participantLocked(identity), trackInfo{
			SID:     track.ID(),
			TrackID: track.ID(),
			Kind:    string(track.Kind()),
		})
	}
	pub.track = track
	snap := pub.snapshot()
	closed := s.closed
	s.mu.Unlock()

	if closed || s.onTrackSubscribed == nil {
		return
	}
	s.onTrackSubscribed(track, snap)
}

func (s *Session) fireUnsubscribed(track core.RemoteTrack) {
	if s.isClosed() || s.onTrackUnsubscribed == nil {
		return
	}
	s.onTrackUnsubscribed(track)
}

// Participants returns the roster ordered by identity.
func (s *Session) Participants() []core.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]core.Participant, 0, len(s.roster))
	for _, part := range s.roster {
		p := core.Participant{Identity: part.identity}
		for _, pub := range part.pubs {
			p.Publications = append(p.Publications, pub.snapshot())
		}
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b core.Participant) int {
		return cmp.Compare(a.Identity, b.Identity)
	})
	return out
}

func (s *Session) participantLocked(identity string) *participant {
	part, ok := s.roster[identity]
	if !ok {
		part = &participant{identity: identity}
		s.roster[identity] = part
	}
	return part
}

func (s *Session) addParticipantLocked(info participantInfo) {
	part := s.participantLocked(info.Identity)
	for _, t := range info.Tracks {
		s.addPublicationLocked(part, t)
	}
}

func (s *Session) addPublicationLocked(part *participant, info trackInfo) *publication {
	for _, pub := range part.pubs {
		if pub.sid == info.SID {
			return pub
		}
	}
	trackID := info.TrackID
	if trackID == "" {
		trackID = info.SID
	}
	pub := &publication{
		sid:     info.SID,
		trackID: trackID,
		kind:    kindOf(info.Kind),
	}
	part.pubs = append(part.pubs, pub)
	return pub
}

func (s *Session) publicationByTrackLocked(trackID string) *publication {
	for _, part := range s.roster {
		for _, pub := range part.pubs {
			if pub.trackID == trackID {
				return pub
			}
		}
	}
	return nil
}
