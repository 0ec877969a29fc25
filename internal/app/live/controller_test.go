package live

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/LiveAvatar/internal/core"
	"github.com/dkeye/LiveAvatar/internal/domain"
	"github.com/dkeye/LiveAvatar/internal/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

var validDescriptor = domain.Descriptor{Endpoint: "wss://media.example/rtc", Credential: "token-1"}

type harness struct {
	ctl     *Controller
	factory *fakeFactory
	surface *fakeSink
	metrics *observability.Metrics

	mu         sync.Mutex
	audioSinks []*fakeSink
	states     []domain.PresentationState
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		factory: &fakeFactory{},
		surface: &fakeSink{},
		metrics: observability.NewMetrics("test", prometheus.NewRegistry()),
	}
	h.ctl = NewController(Options{
		Sessions: h.factory.New,
		Surface:  h.surface,
		AudioSinks: func(core.RemoteTrack) (core.MediaSink, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			s := &fakeSink{}
			h.audioSinks = append(h.audioSinks, s)
			return s, nil
		},
		Metrics: h.metrics,
	})
	h.ctl.OnChange(func(s Snapshot) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if n := len(h.states); n == 0 || h.states[n-1] != s.State {
			h.states = append(h.states, s.State)
		}
	})
	t.Cleanup(func() {
		h.ctl.Teardown()
		h.factory.mu.Lock()
		defer h.factory.mu.Unlock()
		for _, s := range h.factory.sessions {
			select {
			case s.release <- nil:
			default:
			}
		}
	})
	return h
}

func (h *harness) waitState(t *testing.T, want domain.PresentationState) {
	t.Helper()
	require.Eventually(t, func() bool { return h.ctl.State() == want }, waitFor, tick,
		"state %q, want %q", h.ctl.State(), want)
}

func (h *harness) history() []domain.PresentationState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.PresentationState(nil), h.states...)
}

func (h *harness) sinks() []*fakeSink {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*fakeSink(nil), h.audioSinks...)
}

func TestEstablishIncompleteDescriptorIsInert(t *testing.T) {
	for _, d := range []domain.Descriptor{
		{},
		{Endpoint: "wss://media.example/rtc"},
		{Credential: "token-1"},
	} {
		h := newHarness(t)
		h.ctl.Establish(d)

		assert.Equal(t, 0, h.factory.count(), "no session for %+v", d)
		assert.Equal(t, domain.PresentationState(""), h.ctl.State())
		assert.Empty(t, h.history())
	}
}

func TestEstablishIsConnectingOnReturn(t *testing.T) {
	h := newHarness(t)
	h.ctl.Establish(validDescriptor)

	assert.Equal(t, domain.StateConnecting, h.ctl.State())
	require.Equal(t, 1, h.factory.count())
	require.Eventually(t, func() bool {
		s := h.factory.last()
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.connectCalls == 1 && s.endpoint == validDescriptor.Endpoint && s.credential == validDescriptor.Credential
	}, waitFor, tick)
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t)
	h.ctl.Establish(validDescriptor)
	s := h.factory.last()

	s.connected()
	h.waitState(t, domain.StateWaiting)

	video := newFakeTrack("v1", domain.TrackVideo)
	defer video.end()
	s.subscribe(video)
	h.waitState(t, domain.StateLive)

	s.release <- nil
	assert.Equal(t, []domain.PresentationState{
		domain.StateConnecting,
		domain.StateWaiting,
		domain.StateLive,
	}, h.history())

	snap := h.ctl.Snapshot()
	assert.True(t, snap.VideoVisible)
	assert.Equal(t, 1, snap.Tracks)
	require.Eventually(t, func() bool { return video.reads.Load() > 0 }, waitFor, tick)
}

func TestLateJoinerReconciliation(t *testing.T) {
	h := newHarness(t)
	h.ctl.Establish(validDescriptor)
	s := h.factory.last()

	video := newFakeTrack("v1", domain.TrackVideo)
	audio := newFakeTrack("a1", domain.TrackAudio)
	defer video.end()
	defer audio.end()
	s.mu.Lock()
	s.participants = []core.Participant{{
		Identity: "avatar",
		Publications: []core.Publication{
			{SID: "p1", Kind: domain.TrackVideo, Subscribed: true, Track: video},
			{SID: "p2", Kind: domain.TrackAudio, Subscribed: true, Track: audio},
			{SID: "p3", Kind: domain.TrackVideo, Subscribed: false},
		},
	}}
	s.mu.Unlock()

	s.connected()
	h.waitState(t, domain.StateLive)

	// reconciliation runs inside the connected event: waiting is never published
	assert.Equal(t, []domain.PresentationState{domain.StateConnecting, domain.StateLive}, h.history())
	assert.Equal(t, 2, h.ctl.Snapshot().Tracks)
	assert.Len(t, h.sinks(), 1)
}

func TestSubscribedBeforeConnectedIsNotAttachedTwice(t *testing.T) {
	h := newHarness(t)
	h.ctl.Establish(validDescriptor)
	s := h.factory.last()

	audio := newFakeTrack("a1", domain.TrackAudio)
	defer audio.end()
	s.subscribe(audio)
	s.mu.Lock()
	s.participants = []core.Participant{{Identity: "avatar", Publications: []core.Publication{
		{SID: "p1", Kind: domain.TrackAudio, Subscribed: true, Track: audio},
	}}}
	s.mu.Unlock()
	s.connected()

	h.waitState(t, domain.StateWaiting)
	assert.Len(t, h.sinks(), 1)
	assert.Equal(t, 1, h.ctl.Snapshot().Tracks)
}

func TestThinkingOverridesSpeaking(t *testing.T) {
	h := newHarness(t)
	h.ctl.Establish(validDescriptor)
	s := h.factory.last()
	video := newFakeTrack("v1", domain.TrackVideo)
	defer video.end()
	s.connected()
	s.subscribe(video)
	h.waitState(t, domain.StateLive)

	h.ctl.SetSignals(domain.Signals{Speaking: true, Status: domain.StatusResponding})
	assert.Equal(t, domain.StateSpeaking, h.ctl.State())

	h.ctl.SetSignals(domain.Signals{Speaking: true, Status: domain.StatusThinking})
	assert.Equal(t, domain.StateThinking, h.ctl.State())

	h.ctl.SetSignals(domain.Signals{})
	assert.Equal(t, domain.StateLive, h.ctl.State())
}

func TestSignalsIgnoredBeforeLive(t *testing.T) {
	h := newHarness(t)
	h.ctl.SetSignals(domain.Signals{Speaking: true, Status: domain.StatusThinking})
	assert.Equal(t, domain.PresentationState(""), h.ctl.State())

	h.ctl.Establish(validDescriptor)
	assert.Equal(t, domain.StateConnecting, h.ctl.State())

	h.factory.last().connected()
	h.waitState(t, domain.StateWaiting)
	h.ctl.SetSignals(domain.Signals{Speaking: true})
	assert.Equal(t, domain.StateWaiting, h.ctl.State())
}

func TestRespondingToOnlyWhileSpeaking(t *testing.T) {
	h := newHarness(t)
	h.ctl.Establish(validDescriptor)
	s := h.factory.last()
	video := newFakeTrack("v1", domain.TrackVideo)
	defer video.end()
	s.connected()
	s.subscribe(video)
	h.waitState(t, domain.StateLive)

	h.ctl.SetSignals(domain.Signals{Status: domain.StatusResponding, RespondingTo: "alice"})
	assert.Empty(t, h.ctl.Snapshot().RespondingTo)

	h.ctl.SetSignals(domain.Signals{Speaking: true, Status: domain.StatusResponding, RespondingTo: "alice"})
	assert.Equal(t, "alice", h.ctl.Snapshot().RespondingTo)

	h.ctl.SetSignals(domain.Signals{Speaking: true, Status: domain.StatusThinking, RespondingTo: "alice"})
	assert.Empty(t, h.ctl.Snapshot().RespondingTo)
}

func TestConnectFailure(t *testing.T) {
	h := newHarness(t)
	h.ctl.Establish(validDescriptor)
	s := h.factory.last()

	s.release <- errors.New("connection refused")
	h.waitState(t, domain.StateError)
	require.Eventually(t, func() bool { return s.disconnectCount() == 1 }, waitFor, tick)

	video := newFakeTrack("v1", domain.TrackVideo)
	defer video.end()
	s.subscribe(video)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, domain.StateError, h.ctl.State())
	assert.Equal(t, int32(0), video.reads.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ConnectFailures))

	// error is terminal: teardown does not disconnect again, no retry happens
	h.ctl.Teardown()
	assert.Equal(t, 1, s.disconnectCount())
	assert.Equal(t, 1, h.factory.count())
}

func TestUnexpectedDisconnectDoesNotReconnect(t *testing.T) {
	h := newHarness(t)
	h.ctl.Establish(validDescriptor)
	s := h.factory.last()
	audio := newFakeTrack("a1", domain.TrackAudio)
	defer audio.end()
	s.connected()
	s.subscribe(audio)
	require.Eventually(t, func() bool { return len(h.sinks()) == 1 }, waitFor, tick)

	s.disconnected(errors.New("peer gone"))
	h.waitState(t, domain.StateError)

	require.Eventually(t, func() bool { return h.sinks()[0].isClosed() }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.factory.count())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Disconnects))
}

func TestTeardownDuringConnect(t *testing.T) {
	h := newHarness(t)
	h.ctl.Establish(validDescriptor)
	s := h.factory.last()

	h.ctl.Teardown()
	assert.Equal(t, 1, s.disconnectCount())

	video := newFakeTrack("v1", domain.TrackVideo)
	defer video.end()
	s.release <- nil
	s.connected()
	s.subscribe(video)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, domain.StateConnecting, h.ctl.State())
	assert.Equal(t, int32(0), video.reads.Load())
	assert.Equal(t, []domain.PresentationState{domain.StateConnecting}, h.history())
}

func TestTeardownDuringConnectWithFailure(t *testing.T) {
	h := newHarness(t)
	h.ctl.Establish(validDescriptor)
	s := h.factory.last()

	h.ctl.Teardown()
	s.release <- errors.New("late failure")
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, domain.StateConnecting, h.ctl.State())
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.ConnectFailures))
}

func TestTeardownIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.ctl.Establish(validDescriptor)
	s := h.factory.last()
	s.connected()
	h.waitState(t, domain.StateWaiting)

	h.ctl.Teardown()
	once := h.ctl.Snapshot()
	h.ctl.Teardown()

	assert.Equal(t, once, h.ctl.Snapshot())
	assert.Equal(t, 1, s.disconnectCount())
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.ActiveSessions))
}

func TestTeardownReleasesAudioSinks(t *testing.T) {
	h := newHarness(t)
	h.ctl.Establish(validDescriptor)
	s := h.factory.last()
	a1 := newFakeTrack("a1", domain.TrackAudio)
	a2 := newFakeTrack("a2", domain.TrackAudio)
	defer a1.end()
	defer a2.end()
	s.connected()
	s.subscribe(a1)
	s.subscribe(a2)
	require.Eventually(t, func() bool { return len(h.sinks()) == 2 }, waitFor, tick)

	h.ctl.Teardown()

	for _, sink := range h.sinks() {
		assert.True(t, sink.isClosed())
	}
	assert.False(t, h.surface.isClosed(), "surface outlives the handle")
}

func TestDetachVideoReturnsToWaiting(t *testing.T) {
	h := newHarness(t)
	h.ctl.Establish(validDescriptor)
	s := h.factory.last()
	video := newFakeTrack("v1", domain.TrackVideo)
	defer video.end()
	s.connected()
	s.subscribe(video)
	h.waitState(t, domain.StateLive)

	s.unsubscribe(video)
	h.waitState(t, domain.StateWaiting)
	assert.Equal(t, 0, h.ctl.Snapshot().Tracks)
}

func TestNoConnectTimeout(t *testing.T) {
	h := newHarness(t)
	h.ctl.Establish(validDescriptor)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, domain.StateConnecting, h.ctl.State())
	assert.Equal(t, 1, h.factory.count())
}

func TestToggleLocalMute(t *testing.T) {
	h := newHarness(t)
	assert.True(t, h.ctl.ToggleLocalMute())
	assert.True(t, h.ctl.Snapshot().Muted)

	h.ctl.Establish(validDescriptor)
	s := h.factory.last()
	audio := newFakeTrack("a1", domain.TrackAudio)
	defer audio.end()
	s.connected()
	s.subscribe(audio)
	require.Eventually(t, func() bool { return len(h.sinks()) == 1 }, waitFor, tick)

	assert.False(t, h.ctl.ToggleLocalMute())
	assert.False(t, h.ctl.Snapshot().Muted)
	assert.Equal(t, 0, s.disconnectCount())
	assert.Equal(t, domain.StateWaiting, h.ctl.State())
}

func TestEstablishReplacesLiveHandle(t *testing.T) {
	h := newHarness(t)
	h.ctl.Establish(validDescriptor)
	first := h.factory.last()
	first.connected()
	h.waitState(t, domain.StateWaiting)

	h.ctl.Establish(domain.Descriptor{Endpoint: "wss://other.example/rtc", Credential: "token-2"})
	assert.Equal(t, domain.StateConnecting, h.ctl.State())
	assert.Equal(t, 1, first.disconnectCount())

	// events from the replaced handle are discarded
	first.disconnected(errors.New("closed"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, domain.StateConnecting, h.ctl.State())
}

func TestApplyReconnectsOnlyOnDescriptorChange(t *testing.T) {
	h := newHarness(t)
	h.ctl.Apply(domain.Config{})
	assert.Equal(t, 0, h.factory.count())

	h.ctl.Apply(domain.Config{Descriptor: validDescriptor})
	require.Equal(t, 1, h.factory.count())
	first := h.factory.last()

	h.ctl.Apply(domain.Config{Descriptor: validDescriptor, Signals: domain.Signals{Speaking: true}})
	assert.Equal(t, 1, h.factory.count())

	first.release <- errors.New("refused")
	h.waitState(t, domain.StateError)
	h.ctl.Apply(domain.Config{Descriptor: validDescriptor})
	assert.Equal(t, 1, h.factory.count(), "identical descriptor does not retry")

	rotated := validDescriptor
	rotated.Credential = "token-2"
	h.ctl.Apply(domain.Config{Descriptor: rotated})
	assert.Equal(t, 2, h.factory.count())
	assert.Equal(t, domain.StateConnecting, h.ctl.State())

	h.ctl.Apply(domain.Config{})
	assert.Equal(t, 1, h.factory.last().disconnectCount())
	assert.Equal(t, 2, h.factory.count())
}

func TestApplyAfterTeardownReconnects(t *testing.T) {
	h := newHarness(t)
	h.ctl.Apply(domain.Config{Descriptor: validDescriptor})
	require.Equal(t, 1, h.factory.count())
	first := h.factory.last()

	h.ctl.Teardown()
	assert.Equal(t, 1, first.disconnectCount())

	h.ctl.Apply(domain.Config{Descriptor: validDescriptor})
	assert.Equal(t, 2, h.factory.count())
	assert.Equal(t, domain.StateConnecting, h.ctl.State())
}

func TestStaleEventIsCounted(t *testing.T) {
	h := newHarness(t)
	h.ctl.Establish(validDescriptor)

	h.ctl.mu.Lock()
	stale := h.ctl.handle
	h.ctl.mu.Unlock()
	h.ctl.Teardown()

	assert.False(t, h.ctl.process(stale, event{kind: eventConnected}))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.StaleEvents))
	assert.Equal(t, domain.StateConnecting, h.ctl.State())
}
