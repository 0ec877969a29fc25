package core

import (
	"github.com/dkeye/LiveAvatar/internal/domain"
	"github.com/pion/rtp"
)

// RemoteTrack is an independent audio or video stream published by a
// remote participant and subscribed by the local session.
type RemoteTrack interface {
	ID() string
	Kind() domain.TrackKind
	// ReadRTP blocks until the next packet arrives or the track ends.
	ReadRTP() (*rtp.Packet, error)
}

// MediaSink consumes RTP packets of an attached track.
type MediaSink interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

// SinkFactory creates a dedicated sink for a track.
type SinkFactory func(track RemoteTrack) (MediaSink, error)
