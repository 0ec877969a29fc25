package core

import (
	"context"

	"github.com/dkeye/LiveAvatar/internal/domain"
)

// Publication describes a track announced by a remote participant.
// Track is nil until the local session is subscribed to it.
type Publication struct {
	SID        string
	Kind       domain.TrackKind
	Subscribed bool
	Track      RemoteTrack
}

type Participant struct {
	Identity     string
	Publications []Publication
}

// Session is one connection to the remote signaling/media server.
// Handlers must be registered before Connect. A Session is used for a
// single connection and is not reusable after Disconnect.
type Session interface {
	// Connect blocks until the session is established, ctx is done or
	// the server rejects the attempt.
	Connect(ctx context.Context, endpoint, credential string) error
	// Disconnect releases every transport resource. Idempotent.
	Disconnect()
	// Participants is a snapshot of the remote roster. Valid once the
	// connected handler has fired.
	Participants() []Participant

	OnConnected(func())
	OnDisconnected(func(error))
	OnTrackSubscribed(func(RemoteTrack, Publication))
	OnTrackUnsubscribed(func(RemoteTrack))
}

// SessionFactory returns a fresh Session for every connection attempt.
type SessionFactory func() Session
