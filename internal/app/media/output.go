package media

import (
	"sync/atomic"

	"github.com/dkeye/LiveAvatar/internal/core"
)

type OutputState int32

const (
	OutputStateOk OutputState = iota
	OutputStateMuted
	OutputStateDelete
)

// Output represents a single destination of an attached track.
// Owned outputs have their sink closed when the attachment is released.
type Output struct {
	Sink  core.MediaSink
	owned bool
	state atomic.Int32 // Zero by default (OutputStateOk)
}

func NewOutput(sink core.MediaSink, owned bool) *Output {
	return &Output{Sink: sink, owned: owned}
}

func (o *Output) GetState() OutputState {
	return OutputState(o.state.Load())
}

func (o *Output) MarkOk() {
	o.state.CompareAndSwap(int32(OutputStateMuted), int32(OutputStateOk))
}

func (o *Output) MarkMuted() {
	o.state.CompareAndSwap(int32(OutputStateOk), int32(OutputStateMuted))
}

func (o *Output) MarkDelete() {
	o.state.Store(int32(OutputStateDelete))
}
