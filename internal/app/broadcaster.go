package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/dkeye/LiveAvatar/internal/app/live"
	"github.com/dkeye/LiveAvatar/internal/core"
	"github.com/dkeye/LiveAvatar/internal/domain"
	"github.com/dkeye/LiveAvatar/internal/observability"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

type stateFrame struct {
	Type string `json:"type"`
	live.Snapshot
}

// Broadcaster fans controller snapshots out to every registered viewer.
type Broadcaster struct {
	Registry *Registry
	Policy   Policy

	metrics *observability.Metrics
	logger  zerolog.Logger

	// mu orders Join against Publish so a new viewer never ends on an
	// older frame than the others. Only non-blocking sends run under it.
	mu   sync.Mutex
	last core.Frame
}

func NewBroadcaster(reg *Registry, policy Policy, m *observability.Metrics) *Broadcaster {
	if policy == nil {
		policy = SimplePolicy{}
	}
	return &Broadcaster{
		Registry: reg,
		Policy:   policy,
		metrics:  m,
		logger:   log.With().Str("module", "app.broadcast").Logger(),
	}
}

func encode(snap live.Snapshot) (core.Frame, error) {
	return json.Marshal(stateFrame{Type: "state", Snapshot: snap})
}

// Join registers a viewer and sends it the latest snapshot right away.
// An older connection of the same viewer is cancelled.
func (b *Broadcaster) Join(v *domain.Viewer, conn core.SignalConnection, cancel context.CancelFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if prevConn, prevCancel := b.Registry.Bind(v, conn, cancel); prevConn != nil {
		if prevCancel != nil {
			prevCancel()
		}
		prevConn.Close()
	} else if b.metrics != nil {
		b.metrics.Viewers.Inc()
	}

	if b.last != nil {
		b.deliver(v, conn, b.last)
	}
}

// Leave drops conn if it is still the viewer's current connection.
func (b *Broadcaster) Leave(id domain.ViewerID, conn core.SignalConnection) {
	if b.Registry.Unbind(id, conn) && b.metrics != nil {
		b.metrics.Viewers.Dec()
	}
	conn.Close()
}

// Publish is registered as a controller watcher. It never blocks.
func (b *Broadcaster) Publish(snap live.Snapshot) {
	frame, err := encode(snap)
	if err != nil {
		b.logger.Error().Err(err).Msg("encode snapshot")
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = frame

	for _, rs := range b.Registry.Viewers() {
		b.deliver(rs.Viewer, rs.Conn, frame)
	}
}

func (b *Broadcaster) deliver(v *domain.Viewer, conn core.SignalConnection, frame core.Frame) {
	err := conn.TrySend(frame)
	if err == nil {
		return
	}
	if !errors.Is(err, ErrBackpressure) {
		b.logger.Debug().Err(err).Str("viewer", string(v.ID)).Msg("send to closed viewer")
		return
	}

	switch b.Policy.OnBackPressure(v) {
	case KickViewer:
		b.logger.Warn().Str("viewer", string(v.ID)).Msg("viewer too slow, kicking")
		b.Registry.Cancel(v.ID, conn)
		b.Leave(v.ID, conn)
		if b.metrics != nil {
			b.metrics.ViewerDrops.Inc()
		}
	case DropFrame:
		b.logger.Debug().Str("viewer", string(v.ID)).Msg("viewer slow, frame dropped")
	}
}
