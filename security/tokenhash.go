package security

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/giantswarm/oauth-core/internal/util"
)

// HashToken returns the hex-encoded SHA-256 digest of a token value.
// Storage backends key token records by this hash so that a dump of the
// store never yields usable credentials.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// TokenDigest returns a short digest of a token value, safe to put in logs
// and audit events. It is a prefix of the SHA-256 hash, long enough to
// correlate events and far too short to invert.
func TokenDigest(token string) string {
	return util.SafeTruncate(HashToken(token), tokenDigestLength)
}

// tokenDigestLength is the number of hex characters kept in a log digest:
// 64 bits, enough to correlate and far too short to invert.
const tokenDigestLength = 16
