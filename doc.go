// Package keygate routes proxied requests across pools of real upstream
// credentials on behalf of a single client-facing virtual key.
//
// For every inbound call the Gateway picks a healthy, rate-limit-compliant
// credential, forwards the request through a caller-supplied SendFunc,
// records the outcome, and fails over to another credential within the
// virtual key's retry and wall-clock budgets.
//
// The moving parts:
//
//   - LimitStore enforces per-credential and per-virtual-key ceilings
//     (requests/minute, tokens/minute, requests/day, tokens/day, cost/day)
//     with atomic check-and-increment windows. Backends live under limit/
//     (in-memory, Redis, PostgreSQL).
//   - HealthTracker keeps a per-credential state machine
//     (healthy / rate-limited / unhealthy / error) with timed recovery.
//   - Selector applies the virtual key's scheduling strategy
//     (round-robin, weighted, least-used) over the eligible pool.
//   - Gateway wraps one logical request: select, send, record, retry.
//   - TraceSink receives one immutable Trace per attempt; sinks live
//     under trace/.
//   - oauth.Manager owns PKCE authorization sessions and access/refresh
//     token lifecycle for OAuth-backed credentials.
package keygate
