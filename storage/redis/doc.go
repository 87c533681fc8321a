// Package redis provides a Redis-backed implementation of the storage
// interfaces for deployments where multiple replicas share state.
//
// Records are stored as JSON values keyed by the SHA-256 hash of the token
// or code value, with TTLs derived from record expiry. The security-critical
// consume and rotate operations run as Lua scripts so they are atomic across
// replicas: exactly one caller wins the consume even when two instances race
// on the same code or refresh token.
//
// Secondary index sets (per token family and per user+client pair) support
// the revocation cascades without scanning the keyspace.
package redis
