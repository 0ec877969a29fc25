package media

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/LiveAvatar/internal/domain"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTrack struct {
	id      string
	kind    domain.TrackKind
	packets chan *rtp.Packet
}

func newFakeTrack(id string, kind domain.TrackKind) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, packets: make(chan *rtp.Packet, 16)}
}

func (t *fakeTrack) ID() string             { return t.id }
func (t *fakeTrack) Kind() domain.TrackKind { return t.kind }
func (t *fakeTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, ok := <-t.packets
	if !ok {
		return nil, io.EOF
	}
	return pkt, nil
}

type fakeSink struct {
	mu       sync.Mutex
	written  []uint16
	closed   bool
	writeErr error
}

func (s *fakeSink) WriteRTP(p *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.written = append(s.written, p.SequenceNumber)
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.written)
}

func (s *fakeSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func pkt(seq uint16) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{SequenceNumber: seq}}
}

func TestAttachForwardsPackets(t *testing.T) {
	a := NewAttachments(context.Background())
	track := newFakeTrack("v1", domain.TrackVideo)
	sink := &fakeSink{}

	require.True(t, a.Attach(track, NewOutput(sink, false)))
	require.False(t, a.Attach(track, NewOutput(sink, false)), "second attach of same track")

	track.packets <- pkt(1)
	track.packets <- pkt(2)
	require.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, a.Count(domain.TrackVideo))
	assert.Equal(t, 0, a.Count(domain.TrackAudio))
	assert.True(t, a.Has("v1"))
}

func TestMutedOutputDropsPackets(t *testing.T) {
	a := NewAttachments(context.Background())
	track := newFakeTrack("a1", domain.TrackAudio)
	sink := &fakeSink{}
	require.True(t, a.Attach(track, NewOutput(sink, true)))

	a.SetMuted(domain.TrackAudio, true)
	a.SetMuted(domain.TrackVideo, false) // other kind, no effect
	track.packets <- pkt(1)
	track.packets <- pkt(2)
	// once pkt(2) has been taken, pkt(1) went through the muted output
	require.Eventually(t, func() bool { return len(track.packets) == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, sink.count())

	a.SetMuted(domain.TrackAudio, false)
	track.packets <- pkt(3)
	require.Eventually(t, func() bool { return sink.count() >= 1 }, time.Second, 5*time.Millisecond)
}

func TestDetachClosesOnlyOwnedSinks(t *testing.T) {
	a := NewAttachments(context.Background())
	surface := &fakeSink{}
	audio := &fakeSink{}
	require.True(t, a.Attach(newFakeTrack("v1", domain.TrackVideo), NewOutput(surface, false)))
	require.True(t, a.Attach(newFakeTrack("a1", domain.TrackAudio), NewOutput(audio, true)))

	assert.True(t, a.Detach("v1"))
	assert.False(t, a.Detach("v1"))
	assert.False(t, surface.isClosed())

	assert.True(t, a.Detach("a1"))
	assert.True(t, audio.isClosed())
	assert.Equal(t, 0, a.Len())
}

func TestReleaseAllLeavesNothingAttached(t *testing.T) {
	a := NewAttachments(context.Background())
	sinks := []*fakeSink{{}, {}, {}}
	for i, id := range []string{"a1", "a2", "a3"} {
		require.True(t, a.Attach(newFakeTrack(id, domain.TrackAudio), NewOutput(sinks[i], true)))
	}

	a.ReleaseAll()
	a.ReleaseAll()

	assert.Equal(t, 0, a.Len())
	for _, s := range sinks {
		assert.True(t, s.isClosed())
	}
}

func TestWriteErrorMarksOutputDeleted(t *testing.T) {
	a := NewAttachments(context.Background())
	track := newFakeTrack("v1", domain.TrackVideo)
	out := NewOutput(&fakeSink{writeErr: errors.New("boom")}, false)
	require.True(t, a.Attach(track, out))

	track.packets <- pkt(1)
	require.Eventually(t, func() bool { return out.GetState() == OutputStateDelete }, time.Second, 5*time.Millisecond)

	// a deleted output is never revived by unmute
	out.MarkOk()
	assert.Equal(t, OutputStateDelete, out.GetState())
}
