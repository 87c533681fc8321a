// Package security provides the security primitives shared by the server and
// storage packages: audit logging with hashed PII, token digests for storage
// keys and log output, clock-skew tolerant expiry checks, and rate limiting
// for grant and registration abuse.
package security
