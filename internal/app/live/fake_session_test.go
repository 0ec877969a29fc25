package live

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/dkeye/LiveAvatar/internal/core"
	"github.com/dkeye/LiveAvatar/internal/domain"
	"github.com/pion/rtp"
)

// fakeSession is an in-memory transport. Connect blocks until the test
// resolves it through release, ignoring ctx like a late-resolving promise.
type fakeSession struct {
	release chan error

	mu             sync.Mutex
	connectCalls   int
	disconnects    int
	endpoint       string
	credential     string
	participants   []core.Participant
	onConnected    func()
	onDisconnected func(error)
	onSubscribed   func(core.RemoteTrack, core.Publication)
	onUnsubscribed func(core.RemoteTrack)
}

func newFakeSession() *fakeSession {
	return &fakeSession{release: make(chan error, 1)}
}

func (s *fakeSession) Connect(_ context.Context, endpoint, credential string) error {
	s.mu.Lock()
	s.connectCalls++
	s.endpoint = endpoint
	s.credential = credential
	s.mu.Unlock()
	return <-s.release
}

func (s *fakeSession) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
}

func (s *fakeSession) Participants() []core.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Participant(nil), s.participants...)
}

func (s *fakeSession) OnConnected(fn func())                                         { s.onConnected = fn }
func (s *fakeSession) OnDisconnected(fn func(error))                                 { s.onDisconnected = fn }
func (s *fakeSession) OnTrackSubscribed(fn func(core.RemoteTrack, core.Publication)) { s.onSubscribed = fn }
func (s *fakeSession) OnTrackUnsubscribed(fn func(core.RemoteTrack))                 { s.onUnsubscribed = fn }

func (s *fakeSession) connected()             { s.onConnected() }
func (s *fakeSession) disconnected(err error) { s.onDisconnected(err) }
func (s *fakeSession) subscribe(t *fakeTrack) {
	s.onSubscribed(t, core.Publication{SID: "pub-" + t.id, Kind: t.kind, Subscribed: true, Track: t})
}
func (s *fakeSession) unsubscribe(t *fakeTrack) { s.onUnsubscribed(t) }

func (s *fakeSession) disconnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnects
}

type fakeFactory struct {
	mu       sync.Mutex
	sessions []*fakeSession
}

func (f *fakeFactory) New() core.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := newFakeSession()
	f.sessions = append(f.sessions, s)
	return s
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeFactory) last() *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[len(f.sessions)-1]
}

// fakeTrack never produces packets; reads records whether a pump started.
type fakeTrack struct {
	id    string
	kind  domain.TrackKind
	reads atomic.Int32
	done  chan struct{}
}

func newFakeTrack(id string, kind domain.TrackKind) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, done: make(chan struct{})}
}

func (t *fakeTrack) ID() string             { return t.id }
func (t *fakeTrack) Kind() domain.TrackKind { return t.kind }
func (t *fakeTrack) ReadRTP() (*rtp.Packet, error) {
	t.reads.Add(1)
	<-t.done
	return nil, io.EOF
}
func (t *fakeTrack) end() { close(t.done) }

type fakeSink struct {
	mu     sync.Mutex
	closed bool
}

func (s *fakeSink) WriteRTP(*rtp.Packet) error { return nil }
func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
func (s *fakeSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
