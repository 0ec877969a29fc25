package sink

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog/log"
)

type rtpWriter interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

// Writer serializes writes and close of a container or socket shared
// between a pump and its owner.
type Writer struct {
	name   string
	mu     sync.Mutex
	w      rtpWriter
	closed bool
}

func (g *Writer) WriteRTP(pkt *rtp.Packet) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrSinkClosed
	}
	return g.w.WriteRTP(pkt)
}

func (g *Writer) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	err := g.w.Close()
	if err != nil {
		log.Error().Err(err).Str("module", "sink").Str("sink", g.name).Msg("close error")
	}
	return err
}

// NewIVF writes the video track into an IVF container.
func NewIVF(path string) (*Writer, error) {
	w, err := ivfwriter.New(path)
	if err != nil {
		return nil, fmt.Errorf("ivf %s: %w", path, err)
	}
	return &Writer{name: "ivf:" + path, w: w}, nil
}

// NewOgg writes an Opus track into an Ogg container.
func NewOgg(path string, sampleRate uint32, channels uint16) (*Writer, error) {
	w, err := oggwriter.New(path, sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("ogg %s: %w", path, err)
	}
	return &Writer{name: "ogg:" + path, w: w}, nil
}

type udpWriter struct {
	conn *net.UDPConn
}

func (u *udpWriter) WriteRTP(pkt *rtp.Packet) error {
	b, err := pkt.Marshal()
	if err != nil {
		return err
	}
	_, err = u.conn.Write(b)
	if errors.Is(err, syscall.ECONNREFUSED) {
		// nothing listens yet, the player may start later
		return nil
	}
	return err
}

func (u *udpWriter) Close() error {
	return u.conn.Close()
}

// NewUDP forwards every packet unchanged to addr, for players such as
// ffplay or gstreamer listening on an RTP port.
func NewUDP(addr string) (*Writer, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("udp %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("udp %s: %w", addr, err)
	}
	return &Writer{
		name: "udp:" + addr,
		w:    &udpWriter{conn: conn},
	}, nil
}

type discard struct{}

func (discard) WriteRTP(*rtp.Packet) error { return nil }
func (discard) Close() error               { return nil }

func Discard() *Writer {
	return &Writer{name: "discard", w: discard{}}
}
