// Package live owns the lifecycle of the avatar media session and derives
// the presentation state shown to viewers.
package live

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/LiveAvatar/internal/app/media"
	"github.com/dkeye/LiveAvatar/internal/core"
	"github.com/dkeye/LiveAvatar/internal/domain"
	"github.com/dkeye/LiveAvatar/internal/observability"
	"github.com/looplab/fsm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const eventQueueSize = 64

type Options struct {
	// Sessions creates a transport session for every connection attempt.
	Sessions core.SessionFactory
	// Surface receives the attached video track. Video is not attached when nil.
	Surface core.MediaSink
	// AudioSinks creates one sink per attached audio track. Audio is not
	// attached when nil.
	AudioSinks core.SinkFactory
	Metrics    *observability.Metrics
}

// Snapshot is the read-only view consumed by the presentation layer.
type Snapshot struct {
	State        domain.PresentationState `json:"state"`
	VideoVisible bool                     `json:"video_visible"`
	Muted        bool                     `json:"muted"`
	RespondingTo string                   `json:"responding_to,omitempty"`
	Tracks       int                      `json:"tracks"`
}

// handle is one live connection. It is owned by exactly one Controller and
// never reused after close.
type handle struct {
	gen     uint64
	desc    domain.Descriptor
	session core.Session
	phase   *fsm.FSM
	tracks  *media.Attachments
	events  chan event
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time
	once    sync.Once
}

// post enqueues ev for the handle loop. Events posted after close are dropped.
func (h *handle) post(ev event) {
	select {
	case h.events <- ev:
	case <-h.ctx.Done():
	}
}

// Controller manages one media session at a time and produces a single
// coherent presentation state.
type Controller struct {
	opts    Options
	metrics *observability.Metrics
	logger  zerolog.Logger

	applyMu sync.Mutex

	mu       sync.Mutex
	gen      uint64
	handle   *handle
	desc     domain.Descriptor
	signals  domain.Signals
	state    domain.PresentationState
	muted    bool
	last     Snapshot
	watchers []func(Snapshot)
}

func NewController(opts Options) *Controller {
	m := opts.Metrics
	if m == nil {
		m = observability.NewMetrics("avatar", prometheus.NewRegistry())
	}
	return &Controller{
		opts:    opts,
		metrics: m,
		logger:  log.With().Str("module", "live").Logger(),
		signals: domain.Signals{Status: domain.StatusIdle},
	}
}

// OnChange registers fn to be called with every new snapshot. Callbacks run
// under the controller lock, in order; they must not block or call back
// into the Controller.
func (c *Controller) OnChange(fn func(Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) State() domain.PresentationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Establish starts a new connection for d. An incomplete descriptor is a
// valid "not configured" input: nothing happens. A live handle is torn down
// first. The state is connecting when Establish returns.
func (c *Controller) Establish(d domain.Descriptor) {
	if !d.Complete() {
		c.logger.Debug().Msg("descriptor incomplete, not connecting")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &handle{
		desc:    d,
		session: c.opts.Sessions(),
		tracks:  media.NewAttachments(ctx),
		events:  make(chan event, eventQueueSize),
		ctx:     ctx,
		cancel:  cancel,
		started: time.Now(),
	}
	h.phase = newPhaseFSM(func(from, to Phase) {
		c.metrics.PhaseTransitions.WithLabelValues(string(from), string(to)).Inc()
	})
	h.session.OnConnected(func() { h.post(event{kind: eventConnected}) })
	h.session.OnDisconnected(func(err error) { h.post(event{kind: eventDisconnected, err: err}) })
	h.session.OnTrackSubscribed(func(t core.RemoteTrack, _ core.Publication) {
		h.post(event{kind: eventTrackSubscribed, track: t})
	})
	h.session.OnTrackUnsubscribed(func(t core.RemoteTrack) {
		h.post(event{kind: eventTrackUnsubscribed, track: t})
	})

	c.mu.Lock()
	old := c.handle
	c.gen++
	h.gen = c.gen
	c.handle = h
	c.desc = d
	c.deriveLocked()
	c.mu.Unlock()

	if old != nil {
		c.closeHandle(old, "replaced")
	}

	c.metrics.ActiveSessions.Inc()
	c.metrics.ConnectAttempts.Inc()
	c.logger.Info().Str("endpoint", d.Endpoint).Uint64("gen", h.gen).Msg("connecting")

	go c.run(h)
	go func() {
		err := h.session.Connect(h.ctx, d.Endpoint, d.Credential)
		h.post(event{kind: eventConnectDone, err: err})
	}()
}

// Teardown disconnects the live handle and releases every attachment.
// The generation is bumped before anything else so that no pending connect
// result or queued event can mutate state afterwards. Repeated calls are
// no-ops. The presentation state is left as it was. The descriptor is
// forgotten, so a later Apply of the same descriptor connects again.
func (c *Controller) Teardown() {
	c.mu.Lock()
	c.desc = domain.Descriptor{}
	h := c.handle
	if h != nil {
		c.handle = nil
		c.gen++
	}
	c.mu.Unlock()

	if h == nil {
		return
	}
	c.closeHandle(h, "teardown")
}

// ToggleLocalMute flips the local mute flag. Only local audio outputs are
// affected; the remote session is untouched.
func (c *Controller) ToggleLocalMute() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = !c.muted
	if c.handle != nil {
		c.handle.tracks.SetMuted(domain.TrackAudio, c.muted)
	}
	c.logger.Info().Bool("muted", c.muted).Msg("local mute toggled")
	c.publishLocked()
	return c.muted
}

// SetSignals updates the externally owned speaking/status signals.
func (c *Controller) SetSignals(s domain.Signals) {
	if s.Status == "" {
		s.Status = domain.StatusIdle
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signals = s
	if c.handle != nil {
		c.deriveLocked()
		return
	}
	c.publishLocked()
}

// Apply reconciles a full configuration. A changed endpoint or credential
// tears the session down and, when complete, establishes a new one. An
// unchanged descriptor never reconnects, including after an error.
func (c *Controller) Apply(cfg domain.Config) {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	c.mu.Lock()
	changed := c.desc != cfg.Descriptor
	c.mu.Unlock()

	if changed {
		c.Teardown()
		c.mu.Lock()
		c.desc = cfg.Descriptor
		c.mu.Unlock()
		c.Establish(cfg.Descriptor)
	}
	c.SetSignals(cfg.Signals)
}

func (c *Controller) closeHandle(h *handle, reason string) {
	h.once.Do(func() {
		h.cancel()
		h.session.Disconnect()
		h.tracks.ReleaseAll()
		firePhase(h.phase, phaseEventClose)

		c.metrics.ActiveSessions.Dec()
		c.metrics.AttachedTracks.WithLabelValues(string(domain.TrackVideo)).Set(0)
		c.metrics.AttachedTracks.WithLabelValues(string(domain.TrackAudio)).Set(0)
		c.logger.Info().Uint64("gen", h.gen).Str("reason", reason).Msg("session closed")
	})
}

func (c *Controller) run(h *handle) {
	for {
		select {
		case <-h.ctx.Done():
			return
		case ev := <-h.events:
			if failed := c.process(h, ev); failed {
				c.closeHandle(h, "failed")
				return
			}
		}
	}
}

// process applies one transport event. It reports true when the handle
// failed and must be closed.
func (c *Controller) process(h *handle, ev event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle != h || h.gen != c.gen {
		c.metrics.StaleEvents.Inc()
		c.logger.Debug().Str("event", ev.kind.String()).Uint64("gen", h.gen).Msg("stale event discarded")
		return false
	}

	failed := false
	switch ev.kind {
	case eventConnectDone:
		if ev.err == nil {
			return false
		}
		c.logger.Error().Err(ev.err).Str("endpoint", h.desc.Endpoint).Msg("connect failed")
		c.metrics.ConnectFailures.Inc()
		failed = firePhase(h.phase, phaseEventFail)
	case eventConnected:
		if !firePhase(h.phase, phaseEventConnected) {
			return false
		}
		c.metrics.ObserveConnectLatency(time.Since(h.started))
		c.logger.Info().Uint64("gen", h.gen).Msg("connected")
		c.reconcileLocked(h)
	case eventDisconnected:
		if !firePhase(h.phase, phaseEventFail) {
			return false
		}
		c.metrics.Disconnects.Inc()
		c.logger.Warn().Err(ev.err).Uint64("gen", h.gen).Msg("transport disconnected")
		failed = true
	case eventTrackSubscribed:
		c.attachLocked(h, ev.track)
	case eventTrackUnsubscribed:
		c.detachLocked(h, ev.track)
	}

	c.deriveLocked()
	if failed {
		c.handle = nil
		c.gen++
	}
	return failed
}

// reconcileLocked attaches tracks that were already subscribed before the
// connected event, so a late joiner reaches live without waiting for new
// subscription events.
func (c *Controller) reconcileLocked(h *handle) {
	for _, p := range h.session.Participants() {
		for _, pub := range p.Publications {
			if pub.Subscribed && pub.Track != nil {
				c.attachLocked(h, pub.Track)
			}
		}
	}
}

func (c *Controller) attachLocked(h *handle, track core.RemoteTrack) {
	if track == nil || h.tracks.Has(track.ID()) {
		return
	}

	var out *media.Output
	switch track.Kind() {
	case domain.TrackVideo:
		if c.opts.Surface == nil {
			return
		}
		out = media.NewOutput(c.opts.Surface, false)
	case domain.TrackAudio:
		if c.opts.AudioSinks == nil {
			return
		}
		sink, err := c.opts.AudioSinks(track)
		if err != nil {
			c.logger.Error().Err(err).Str("track_id", track.ID()).Msg("audio sink")
			return
		}
		out = media.NewOutput(sink, true)
		if c.muted {
			out.MarkMuted()
		}
	default:
		return
	}

	if h.tracks.Attach(track, out) {
		c.updateTrackGaugesLocked(h)
	}
}

func (c *Controller) detachLocked(h *handle, track core.RemoteTrack) {
	if track == nil {
		return
	}
	if h.tracks.Detach(track.ID()) {
		c.updateTrackGaugesLocked(h)
	}
}

func (c *Controller) updateTrackGaugesLocked(h *handle) {
	for _, kind := range []domain.TrackKind{domain.TrackVideo, domain.TrackAudio} {
		c.metrics.AttachedTracks.WithLabelValues(string(kind)).Set(float64(h.tracks.Count(kind)))
	}
}

func (c *Controller) deriveLocked() {
	h := c.handle
	next := Derive(Phase(h.phase.Current()), h.tracks.Count(domain.TrackVideo) > 0, c.signals)
	if next != c.state {
		c.logger.Info().Str("from", string(c.state)).Str("to", string(next)).Msg("state changed")
		c.state = next
		c.metrics.StateChanges.WithLabelValues(string(next)).Inc()
	}
	c.publishLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		State:        c.state,
		VideoVisible: c.state.VideoVisible(),
		Muted:        c.muted,
	}
	if c.state == domain.StateSpeaking {
		s.RespondingTo = c.signals.RespondingTo
	}
	if c.handle != nil {
		s.Tracks = c.handle.tracks.Len()
	}
	return s
}

func (c *Controller) publishLocked() {
	s := c.snapshotLocked()
	if s == c.last {
		return
	}
	c.last = s
	for _, w := range slices.Clone(c.watchers) {
		w(s)
	}
}
