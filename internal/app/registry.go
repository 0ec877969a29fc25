package app

import (
	"context"
	"sync"

	"github.com/dkeye/LiveAvatar/internal/core"
	"github.com/dkeye/LiveAvatar/internal/domain"
	"github.com/rs/zerolog/log"
)

type viewerEntry struct {
	Viewer *domain.Viewer
	Conn   core.SignalConnection
	Cancel context.CancelFunc
}

// Registry tracks the viewers currently attached to the state stream.
// A viewer has at most one connection; binding again replaces it.
type Registry struct {
	mu      sync.RWMutex
	viewers map[domain.ViewerID]*viewerEntry
}

func NewRegistry() *Registry {
	return &Registry{
		viewers: make(map[domain.ViewerID]*viewerEntry),
	}
}

// Bind attaches conn to v and returns the connection it replaced and that
// connection's cancel func, both nil for a new viewer.
func (r *Registry) Bind(v *domain.Viewer, conn core.SignalConnection, cancel context.CancelFunc) (core.SignalConnection, context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.viewers[v.ID]
	r.viewers[v.ID] = &viewerEntry{Viewer: v, Conn: conn, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("viewer", string(v.ID)).Str("name", v.Name).Msg("bound viewer")
	if prev == nil {
		return nil, nil
	}
	return prev.Conn, prev.Cancel
}

// Unbind removes the viewer only while conn is still its current
// connection, so a late close of a replaced socket keeps the new one.
func (r *Registry) Unbind(id domain.ViewerID, conn core.SignalConnection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.viewers[id]
	if !ok || e.Conn != conn {
		return false
	}
	delete(r.viewers, id)
	log.Info().Str("module", "app.registry").Str("viewer", string(id)).Msg("unbind viewer")
	return true
}

func (r *Registry) Get(id domain.ViewerID) (*domain.Viewer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.viewers[id]; ok {
		return e.Viewer, true
	}
	return nil, false
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.viewers)
}

type regSnap struct {
	Viewer *domain.Viewer
	Conn   core.SignalConnection
}

func (r *Registry) Viewers() []regSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]regSnap, 0, len(r.viewers))
	for _, e := range r.viewers {
		out = append(out, regSnap{Viewer: e.Viewer, Conn: e.Conn})
	}
	return out
}

// Cancel stops the pumps of conn while it is still the viewer's current
// connection. The entry stays registered.
func (r *Registry) Cancel(id domain.ViewerID, conn core.SignalConnection) bool {
	r.mu.RLock()
	e, ok := r.viewers[id]
	r.mu.RUnlock()
	if !ok || e.Conn != conn {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("viewer", string(id)).Msg("canceled viewer")
	return true
}
