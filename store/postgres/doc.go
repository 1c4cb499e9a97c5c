// Package postgres implements the engine's durable stores on a pgx
// connection pool: sessions, reset and verification challenges, and the
// append-only violation audit trail.
//
// Every method takes a context and runs under a per-call timeout; pool
// exhaustion and transport failures surface as wrapped store-unavailable
// errors rather than raw driver errors.
package postgres
