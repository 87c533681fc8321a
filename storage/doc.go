// Package storage defines the persistence interfaces for the authorization
// server core: registered clients, authorization codes, and issued tokens.
//
// The three interfaces split along grant lifecycle lines:
//   - ClientStore: registered OAuth clients and secret verification
//   - CodeStore: single-use authorization codes with atomic consumption
//   - TokenStore: access and refresh tokens, token families, and revocation
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/redis: Redis-backed distributed storage for production
//
// The atomic operations (AtomicConsumeAuthorizationCode,
// AtomicRotateRefreshToken) are the security-critical surface: they must be
// race-free even across replicas, because reuse detection depends on exactly
// one caller winning the consume.
package storage
