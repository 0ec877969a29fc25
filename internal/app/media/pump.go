package media

import (
	"context"
	"sync"

	"github.com/dkeye/LiveAvatar/internal/core"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// Pump reads RTP packets from one remote track and forwards them to its output.
type Pump struct {
	Src core.RemoteTrack
	Out *Output

	cancel context.CancelFunc
	once   sync.Once
}

func NewPump(src core.RemoteTrack, out *Output) *Pump {
	return &Pump{Src: src, Out: out}
}

func (p *Pump) start(ctx context.Context, logger *zerolog.Logger) {
	ctx, p.cancel = context.WithCancel(ctx)
	go p.loop(ctx, logger)
}

func (p *Pump) loop(ctx context.Context, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("pump ctx done")
			return
		default:
		}
		pkt, err := p.Src.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("pump read RTP stopped")
			return
		}
		if !p.forward(pkt, logger) {
			return
		}
	}
}

// forward reports whether the pump should keep reading.
func (p *Pump) forward(pkt *rtp.Packet, logger *zerolog.Logger) bool {
	switch p.Out.GetState() {
	case OutputStateDelete:
		return false
	case OutputStateMuted:
		return true
	}
	if err := p.Out.Sink.WriteRTP(pkt); err != nil {
		logger.Error().Err(err).Msg("sink write RTP error, marking output as delete")
		p.Out.MarkDelete()
		return false
	}
	return true
}

// stop cancels the loop and closes an owned sink. The loop itself may stay
// blocked in ReadRTP until the track ends; it never writes again because
// the output is marked for delete first.
func (p *Pump) stop(logger *zerolog.Logger) {
	p.once.Do(func() {
		p.Out.MarkDelete()
		if p.cancel != nil {
			p.cancel()
		}
		if p.Out.owned {
			if err := p.Out.Sink.Close(); err != nil {
				logger.Error().Err(err).Msg("sink close error")
			}
		}
	})
}
