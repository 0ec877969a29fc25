package media

import (
	"context"
	"sync"

	"github.com/dkeye/LiveAvatar/internal/core"
	"github.com/dkeye/LiveAvatar/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type attachment struct {
	kind domain.TrackKind
	pump *Pump
}

// Attachments is the set of remote tracks currently bound to local sinks.
type Attachments struct {
	ctx    context.Context
	logger zerolog.Logger

	mu     sync.RWMutex
	tracks map[string]*attachment
}

// NewAttachments binds the lifetime of every pump to ctx.
func NewAttachments(ctx context.Context) *Attachments {
	return &Attachments{
		ctx:    ctx,
		logger: log.With().Str("module", "media").Logger(),
		tracks: make(map[string]*attachment),
	}
}

// Attach starts forwarding track to out. It reports false when the track is
// already attached.
func (a *Attachments) Attach(track core.RemoteTrack, out *Output) bool {
	logger := a.logger.With().
		Str("track_id", track.ID()).
		Str("kind", string(track.Kind())).
		Logger()

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.tracks[track.ID()]; ok {
		return false
	}
	p := NewPump(track, out)
	a.tracks[track.ID()] = &attachment{kind: track.Kind(), pump: p}
	p.start(a.ctx, &logger)
	logger.Info().Msg("track attached")
	return true
}

// Detach stops forwarding for the track with the given id.
func (a *Attachments) Detach(trackID string) bool {
	a.mu.Lock()
	at, ok := a.tracks[trackID]
	if ok {
		delete(a.tracks, trackID)
	}
	a.mu.Unlock()
	if !ok {
		return false
	}
	logger := a.logger.With().Str("track_id", trackID).Logger()
	at.pump.stop(&logger)
	logger.Info().Msg("track detached")
	return true
}

// SetMuted marks every output of the given kind muted or unmuted.
func (a *Attachments) SetMuted(kind domain.TrackKind, muted bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, at := range a.tracks {
		if at.kind != kind {
			continue
		}
		if muted {
			at.pump.Out.MarkMuted()
		} else {
			at.pump.Out.MarkOk()
		}
	}
}

func (a *Attachments) Has(trackID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.tracks[trackID]
	return ok
}

// Count returns the number of attached tracks of the given kind.
func (a *Attachments) Count(kind domain.TrackKind) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n := 0
	for _, at := range a.tracks {
		if at.kind == kind {
			n++
		}
	}
	return n
}

func (a *Attachments) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.tracks)
}

// ReleaseAll detaches every track. No attachment survives the call.
func (a *Attachments) ReleaseAll() {
	a.mu.Lock()
	tracks := a.tracks
	a.tracks = make(map[string]*attachment)
	a.mu.Unlock()

	for id, at := range tracks {
		logger := a.logger.With().Str("track_id", id).Logger()
		at.pump.stop(&logger)
	}
	if len(tracks) > 0 {
		a.logger.Info().Int("released", len(tracks)).Msg("attachments released")
	}
}
