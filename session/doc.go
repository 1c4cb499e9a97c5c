// Package session implements the session lifecycle: creation under a
// per-principal cap, validation with device binding and anomaly checks,
// revocation, and a background sweep of expired records.
//
// Persistence is layered. A durable store (see [DurableStore]) is the source
// of truth; Redis acts as a read-through cache. Every write lands in the
// durable store before the cache, so a cache outage degrades to slower reads
// and never resurrects a revoked session.
package session
