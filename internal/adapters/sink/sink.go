package sink

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dkeye/LiveAvatar/internal/core"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnsupportedSink = errors.New("unsupported sink")
	ErrSinkClosed      = errors.New("sink closed")
)

const (
	defaultSampleRate = 48000
	defaultChannels   = 2
)

// Open creates a sink from a URL:
//
//	udp://host:port        RTP forwarded as is
//	ivf:///path/out.ivf    VP8/VP9/AV1 file
//	ogg:///path/out.ogg    Opus file, ?rate=48000&channels=2
//	discard:               drops everything
func Open(raw string) (core.MediaSink, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse sink %q: %w", raw, err)
	}

	var s core.MediaSink
	switch u.Scheme {
	case "", "discard":
		s = Discard()
	case "udp":
		s, err = NewUDP(u.Host)
	case "ivf":
		s, err = NewIVF(u.Path)
	case "ogg":
		rate, channels, perr := oggParams(u.Query())
		if perr != nil {
			return nil, perr
		}
		s, err = NewOgg(u.Path, rate, channels)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSink, u.Scheme)
	}
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "sink").Str("sink", raw).Msg("opened")
	return s, nil
}

// Factory opens one sink per track. File sinks get the track ID appended
// to the file name so tracks never share a file.
func Factory(raw string) core.SinkFactory {
	return func(track core.RemoteTrack) (core.MediaSink, error) {
		target, err := forTrack(raw, track.ID())
		if err != nil {
			return nil, err
		}
		return Open(target)
	}
}

func forTrack(raw, trackID string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse sink %q: %w", raw, err)
	}
	if u.Scheme != "ivf" && u.Scheme != "ogg" {
		return raw, nil
	}
	ext := filepath.Ext(u.Path)
	u.Path = strings.TrimSuffix(u.Path, ext) + "-" + safeName(trackID) + ext
	return u.String(), nil
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

func oggParams(q url.Values) (uint32, uint16, error) {
	rate, channels := uint64(defaultSampleRate), uint64(defaultChannels)
	var err error
	if v := q.Get("rate"); v != "" {
		if rate, err = strconv.ParseUint(v, 10, 32); err != nil {
			return 0, 0, fmt.Errorf("ogg rate: %w", err)
		}
	}
	if v := q.Get("channels"); v != "" {
		if channels, err = strconv.ParseUint(v, 10, 16); err != nil {
			return 0, 0, fmt.Errorf("ogg channels: %w", err)
		}
	}
	return uint32(rate), uint16(channels), nil
}
