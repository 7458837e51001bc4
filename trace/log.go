package trace

import (
	"log/slog"

	"github.com/relayforge/keygate"
)

// LogSink logs every attempt trace using slog.
type LogSink struct {
	Logger *slog.Logger
}

var _ keygate.TraceSink = (*LogSink)(nil)

// NewLogSink creates a LogSink with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{Logger: logger}
}

func (s *LogSink) Emit(t keygate.Trace) error {
	if t.Success {
		s.Logger.Info("attempt",
			"trace_id", t.ID,
			"virtual_key", t.VirtualKeyID,
			"credential", t.CredentialID,
			"provider", t.Provider,
			"attempt", t.Attempt,
			"duration_ms", t.Duration.Milliseconds(),
			"prompt_tokens", t.Usage.PromptTokens,
			"completion_tokens", t.Usage.CompletionTokens,
			"cost", t.Cost,
		)
	} else {
		s.Logger.Warn("attempt_failed",
			"trace_id", t.ID,
			"virtual_key", t.VirtualKeyID,
			"credential", t.CredentialID,
			"provider", t.Provider,
			"attempt", t.Attempt,
			"duration_ms", t.Duration.Milliseconds(),
			"status", t.StatusCode,
			"error_kind", t.ErrorKind,
			"error", t.ErrorMessage,
		)
	}
	return nil
}
