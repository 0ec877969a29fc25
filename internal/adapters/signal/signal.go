package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dkeye/LiveAvatar/internal/adapters/rtc"
	"github.com/dkeye/LiveAvatar/internal/core"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure        = errors.New("backpressure")
	ErrClosed              = errors.New("connection closed")
	ErrJoinRejected        = errors.New("join rejected")
	ErrSignalLost          = errors.New("signaling connection lost")
	ErrPeerFailed          = errors.New("peer connection failed")
	ErrUnsupportedEndpoint = errors.New("unsupported endpoint scheme")
)

// Options configure every Session created by Factory.
type Options struct {
	// API overrides the pion defaults, e.g. a custom SettingEngine.
	API    *webrtc.API
	RTC    webrtc.Configuration
	Dialer *websocket.Dialer
	// Label is announced to the room on join.
	Label      string
	ReadLimit  int64
	PingPeriod time.Duration
	SendBuffer int
}

// Session is a viewer connection to a signaling server: a websocket carrying
// JSON envelopes plus a receive-only peer connection for the media.
type Session struct {
	opts   Options
	sid    string
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	ws           *wsSignalConn
	media        *rtc.WebRTCConnection
	roster       map[string]*participant
	pending      []webrtc.ICECandidateInit
	localPending []webrtc.ICECandidateInit
	remoteSet    bool
	offerSent    bool
	joined       bool
	connected    bool
	closed       bool

	joinDone   chan error
	answerDone chan error
	peerDone   chan error

	lost     chan struct{}
	lostErr  error
	lostOnce sync.Once

	closeOnce sync.Once

	onConnected         func()
	onDisconnected      func(error)
	onTrackSubscribed   func(core.RemoteTrack, core.Publication)
	onTrackUnsubscribed func(core.RemoteTrack)
}

var _ core.Session = (*Session)(nil)

func NewSession(opts Options) *Session {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 32
	}
	sid := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		opts:       opts,
		sid:        sid,
		logger:     log.With().Str("module", "signal").Str("sid", sid).Logger(),
		ctx:        ctx,
		cancel:     cancel,
		roster:     make(map[string]*participant),
		joinDone:   make(chan error, 1),
		answerDone: make(chan error, 1),
		peerDone:   make(chan error, 1),
		lost:       make(chan struct{}),
	}
}

// Factory returns a SessionFactory producing sessions with opts.
func Factory(opts Options) core.SessionFactory {
	return func() core.Session {
		return NewSession(opts)
	}
}

func (s *Session) OnConnected(fn func()) {
	s.onConnected = fn
}

func (s *Session) OnDisconnected(fn func(error)) {
	s.onDisconnected = fn
}

func (s *Session) OnTrackSubscribed(fn func(core.RemoteTrack, core.Publication)) {
	s.onTrackSubscribed = fn
}

func (s *Session) OnTrackUnsubscribed(fn func(core.RemoteTrack)) {
	s.onTrackUnsubscribed = fn
}

// Connect dials the signaling server, joins the room and negotiates the
// peer connection. It returns once the peer connection is connected, after
// the connected handler has run.
func (s *Session) Connect(ctx context.Context, endpoint, credential string) error {
	target, err := dialURL(endpoint, credential)
	if err != nil {
		return err
	}
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+credential)

	conn, resp, err := s.opts.Dialer.DialContext(ctx, target, hdr)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: %s", ErrJoinRejected, resp.Status)
		}
		return fmt.Errorf("dial signal: %w", err)
	}
	if s.opts.ReadLimit > 0 {
		conn.SetReadLimit(s.opts.ReadLimit)
	}

	ws := &wsSignalConn{
		conn: conn,
		send: make(chan core.Frame, s.opts.SendBuffer),
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	s.ws = ws
	s.mu.Unlock()
	s.logger.Info().Str("endpoint", endpoint).Msg("signal connected")

	go s.writePump(ws)
	go s.readPump(ws)
	go s.keepalive(s.ctx, ws)

	if err := s.join(ctx, ws); err != nil {
		s.Disconnect()
		return err
	}
	if err := s.negotiate(ctx, ws); err != nil {
		s.Disconnect()
		return err
	}

	s.mu.Lock()
	select {
	case <-s.lost:
		s.mu.Unlock()
		s.Disconnect()
		return s.lostErr
	default:
	}
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.connected = true
	s.mu.Unlock()

	s.logger.Info().Msg("session connected")
	if s.onConnected != nil {
		s.onConnected()
	}
	return nil
}

// Disconnect leaves the room and releases the websocket and the peer
// connection. Handlers do not fire afterwards.
func (s *Session) Disconnect() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		ws, media := s.ws, s.media
		s.mu.Unlock()

		if ws != nil {
			_ = s.sendJSON(ws, typeOnly{Type: "leave"})
			ws.Close()
		}
		s.cancel()
		if media != nil {
			media.Close()
		}
		s.logger.Info().Msg("session disconnected")
	})
}

func (s *Session) join(ctx context.Context, ws *wsSignalConn) error {
	req := struct {
		Type string `json:"type"`
		SID  string `json:"sid"`
		Name string `json:"name,omitempty"`
	}{
		Type: "join",
		SID:  s.sid,
		Name: s.opts.Label,
	}
	if err := s.sendJSON(ws, req); err != nil {
		return fmt.Errorf("send join: %w", err)
	}
	return s.wait(ctx, s.joinDone)
}

// wait blocks for one step of the handshake.
func (s *Session) wait(ctx context.Context, step <-chan error) error {
	select {
	case err := <-step:
		return err
	case <-s.lost:
		return s.lostErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lose records the first transport failure. Once the session is connected
// the disconnected handler fires for it, unless Disconnect came first.
func (s *Session) lose(err error) {
	s.lostOnce.Do(func() {
		s.lostErr = err
		close(s.lost)

		s.mu.Lock()
		fire := s.connected && !s.closed
		s.mu.Unlock()
		if !fire {
			return
		}
		s.logger.Warn().Err(err).Msg("session lost")
		if s.onDisconnected != nil {
			s.onDisconnected(err)
		}
	})
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func dialURL(endpoint, credential string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedEndpoint, u.Scheme)
	}
	q := u.Query()
	q.Set("access_token", credential)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type wsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

var _ core.SignalConnection = (*wsSignalConn)(nil)

func (c *wsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

// Close stops accepting frames. The write pump flushes what is queued and
// closes the socket.
func (c *wsSignalConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}
