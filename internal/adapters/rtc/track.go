package rtc

import (
	"github.com/dkeye/LiveAvatar/internal/core"
	"github.com/dkeye/LiveAvatar/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// RemoteTrack adapts a pion remote track to core.RemoteTrack.
type RemoteTrack struct {
	track *webrtc.TrackRemote
}

var _ core.RemoteTrack = (*RemoteTrack)(nil)

func NewRemoteTrack(track *webrtc.TrackRemote) *RemoteTrack {
	return &RemoteTrack{track: track}
}

func (t *RemoteTrack) ID() string { return t.track.ID() }

func (t *RemoteTrack) Kind() domain.TrackKind { return KindOf(t.track.Kind()) }

func (t *RemoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := t.track.ReadRTP()
	return pkt, err
}

// MimeType is the negotiated codec of the track.
func (t *RemoteTrack) MimeType() string { return t.track.Codec().MimeType }

func KindOf(k webrtc.RTPCodecType) domain.TrackKind {
	if k == webrtc.RTPCodecTypeVideo {
		return domain.TrackVideo
	}
	return domain.TrackAudio
}
