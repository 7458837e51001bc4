package keygate

import (
	"context"
	"time"
)

// Metric identifies one accounted dimension of a counter key.
type Metric string

const (
	MetricRequestsPerMinute Metric = "rpm"
	MetricTokensPerMinute   Metric = "tpm"
	MetricRequestsPerDay    Metric = "rpd"
	MetricTokensPerDay      Metric = "tpd"
	MetricCostPerDay        Metric = "cpd"
)

// WindowKind is the reset cadence of a metric.
type WindowKind int

const (
	WindowMinute WindowKind = iota
	WindowDay
)

// Window returns the metric's reset cadence. Minute metrics reset at fixed
// minute boundaries; day metrics reset at midnight in the store's location.
func (m Metric) Window() WindowKind {
	switch m {
	case MetricRequestsPerMinute, MetricTokensPerMinute:
		return WindowMinute
	default:
		return WindowDay
	}
}

// Decision is the outcome of a TryConsume admission check.
type Decision struct {
	Allowed bool

	// Remaining is the headroom left in the window after this call;
	// -1 when the ceiling is unlimited.
	Remaining float64

	// RetryAfter is when the window resets. Set on rejection.
	RetryAfter time.Time
}

// LimitStore maintains consumption windows per (key, metric) pair.
//
// Ceilings are passed on every call rather than stored, so administrative
// edits take effect on the next request. A ceiling <= 0 means unlimited;
// usage is still counted.
//
// TryConsume is an atomic check-and-increment: under concurrent calls the
// sum of admitted amounts in one window never exceeds the ceiling.
// RecordUsage adds post-hoc consumption (actual tokens, cost) with no
// ceiling check; once it pushes a window over its ceiling, subsequent
// TryConsume calls reject until the window resets.
type LimitStore interface {
	TryConsume(ctx context.Context, key string, metric Metric, amount, ceiling float64) (Decision, error)
	RecordUsage(ctx context.Context, key string, metric Metric, amount float64) error
	Used(ctx context.Context, key string, metric Metric) (float64, error)
}

// CredentialKey namespaces a credential's counters.
func CredentialKey(id string) string { return "cred:" + id }

// VirtualKeyKey namespaces a virtual key's counters.
func VirtualKeyKey(id string) string { return "vk:" + id }
