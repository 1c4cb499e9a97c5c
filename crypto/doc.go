// Package crypto provides the primitive security operations used across the
// engine: adaptive password hashing behind a strength policy, timing-hardened
// verification, device fingerprinting, opaque challenge tokens, and temporary
// password generation.
//
// Nothing in this package performs I/O or touches a store; it is pure
// computation over the inputs it is given.
package crypto
