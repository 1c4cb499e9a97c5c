// Package rate provides the Redis-backed rate limiting and escalation
// primitives behind the engine's abuse controls.
//
// # Window semantics
//
// Fixed-window counters: INCR + conditional EXPIRE on first hit. A counter
// that exceeds its policy budget inside the window is a violation; violations
// feed the [Escalator], which tracks per-address violation history and walks
// the ladder from proportional delays through temporary and permanent blocks.
//
// # What this package must NOT do
//
//   - Decide which operations map to which policy names (callers do).
//   - Be imported outside this module.
package rate
