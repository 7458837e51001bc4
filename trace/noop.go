// Package trace provides TraceSink implementations for keygate.
package trace

import "github.com/relayforge/keygate"

// NoopSink discards all traces.
type NoopSink struct{}

var _ keygate.TraceSink = (*NoopSink)(nil)

func (*NoopSink) Emit(keygate.Trace) error { return nil }
