// Package memory provides an in-memory implementation of the storage
// interfaces for development and testing.
//
// Token and code records are keyed by the SHA-256 hash of their value, so a
// heap dump or debug snapshot of the store never yields usable credentials.
// A background sweep removes expired records; revoked refresh tokens are
// retained for a window after revocation so reuse of a revoked family can
// still be detected and audited.
//
// All operations are guarded by a single mutex, which makes the atomic
// consume and rotate operations trivially race-free within one process. Use
// storage/redis when multiple replicas share state.
package memory
