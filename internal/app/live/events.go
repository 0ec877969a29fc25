package live

import "github.com/dkeye/LiveAvatar/internal/core"

type eventKind int

const (
	eventConnectDone eventKind = iota
	eventConnected
	eventDisconnected
	eventTrackSubscribed
	eventTrackUnsubscribed
)

func (k eventKind) String() string {
	switch k {
	case eventConnectDone:
		return "connect_done"
	case eventConnected:
		return "connected"
	case eventDisconnected:
		return "disconnected"
	case eventTrackSubscribed:
		return "track_subscribed"
	case eventTrackUnsubscribed:
		return "track_unsubscribed"
	}
	return "unknown"
}

// event is one transport occurrence queued for the handle loop.
type event struct {
	kind  eventKind
	track core.RemoteTrack
	err   error
}
