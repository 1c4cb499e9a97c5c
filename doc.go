// Package authcore provides an authentication token and session security engine:
// device-bound JWT access and refresh tokens, sessions persisted to a durable
// relational store with a Redis read-through cache, per-principal session caps,
// anomaly detection, and a layered rate-limiting and brute-force escalation engine.
//
// The package is designed for concurrent server workloads: Engine methods are safe
// to call from multiple goroutines after initialization through [Builder.Build].
//
// # Architecture boundaries
//
// authcore is the public surface. It exposes [Engine], [Builder], [Config], and
// value types (PrincipalContext, RateDecision, etc.). Coordination detail lives in
// subpackages: token issuance/verification under token, session lifecycle under
// session, fixed-window limiting and escalation under internal/rate, durable
// persistence under store/postgres, and outbound notification under notify.
//
// # What this package must NOT do
//
//   - Expose Redis clients, pgx pools, or encoding details in its public API.
//   - Perform I/O outside of Engine methods (construction via Builder is
//     allocation-only until Build).
//   - Route HTTP, render email bodies, or implement OAuth/OIDC federation.
//
// # Consistency contract
//
// The durable store is the source of truth. Every write lands in the durable
// store before the cache; a cache outage degrades to durable-only reads at higher
// latency and never serves a revoked session from a stale cache entry.
package authcore
