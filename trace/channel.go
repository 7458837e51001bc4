package trace

import (
	"sync/atomic"

	"github.com/relayforge/keygate"
)

// ChannelSink buffers traces on a channel for an external consumer such as
// a statistics or dashboard pipeline. Emit never blocks: when the buffer is
// full the trace is dropped and counted.
type ChannelSink struct {
	ch      chan keygate.Trace
	dropped atomic.Int64
}

var _ keygate.TraceSink = (*ChannelSink)(nil)

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer < 1 {
		buffer = 1
	}
	return &ChannelSink{ch: make(chan keygate.Trace, buffer)}
}

func (s *ChannelSink) Emit(t keygate.Trace) error {
	select {
	case s.ch <- t:
	default:
		s.dropped.Add(1)
	}
	return nil
}

// Traces returns the channel consumers read from.
func (s *ChannelSink) Traces() <-chan keygate.Trace { return s.ch }

// Dropped returns how many traces were discarded because the buffer was
// full.
func (s *ChannelSink) Dropped() int64 { return s.dropped.Load() }
