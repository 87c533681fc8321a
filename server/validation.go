package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	oauth "github.com/giantswarm/oauth-core"
	"github.com/giantswarm/oauth-core/storage"
)

// s256ChallengeLength is the length of a base64url-encoded SHA-256 digest
const s256ChallengeLength = 43

// validateCodeVerifier checks the RFC 7636 constraints on a code_verifier:
// 43-128 characters from the unreserved set.
func validateCodeVerifier(verifier string) error {
	if len(verifier) < oauth.MinCodeVerifierLength || len(verifier) > oauth.MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be between %d and %d characters",
			oauth.MinCodeVerifierLength, oauth.MaxCodeVerifierLength)
	}
	for _, c := range verifier {
		if !isUnreservedChar(c) {
			return fmt.Errorf("code_verifier contains invalid character")
		}
	}
	return nil
}

// isUnreservedChar reports whether c is in the RFC 7636 unreserved set:
// ALPHA / DIGIT / "-" / "." / "_" / "~"
func isUnreservedChar(c rune) bool {
	switch {
	case c >= 'A' && c <= 'Z':
		return true
	case c >= 'a' && c <= 'z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '-' || c == '.' || c == '_' || c == '~':
		return true
	}
	return false
}

// validateCodeChallenge checks a code_challenge and method at authorization
// time, before the verifier exists.
func validateCodeChallenge(challenge, method string, allowPlain bool) error {
	switch method {
	case oauth.PKCEMethodS256:
		if len(challenge) != s256ChallengeLength {
			return fmt.Errorf("S256 code_challenge must be %d characters", s256ChallengeLength)
		}
		for _, c := range challenge {
			if !isUnreservedChar(c) {
				return fmt.Errorf("code_challenge contains invalid character")
			}
		}
		return nil
	case oauth.PKCEMethodPlain:
		if !allowPlain {
			return fmt.Errorf("code_challenge_method 'plain' is not allowed")
		}
		return validateCodeVerifier(challenge)
	default:
		return fmt.Errorf("unsupported code_challenge_method %q", method)
	}
}

// verifyPKCE checks a code_verifier against the challenge stored with the
// authorization code. Comparisons are constant-time.
func verifyPKCE(challenge, method, verifier string, allowPlain bool) error {
	if err := validateCodeVerifier(verifier); err != nil {
		return err
	}

	switch method {
	case oauth.PKCEMethodS256:
		hash := sha256.Sum256([]byte(verifier))
		computed := base64.RawURLEncoding.EncodeToString(hash[:])
		if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
			return fmt.Errorf("code_verifier does not match code_challenge")
		}
		return nil
	case oauth.PKCEMethodPlain:
		if !allowPlain {
			return fmt.Errorf("code_challenge_method 'plain' is not allowed")
		}
		if subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) != 1 {
			return fmt.Errorf("code_verifier does not match code_challenge")
		}
		return nil
	default:
		return fmt.Errorf("unsupported code_challenge_method %q", method)
	}
}

// redirectURIRegistered reports whether uri exactly matches one of the
// client's registered redirect URIs. No normalization, no prefix matching;
// OAuth 2.1 requires exact string comparison.
func redirectURIRegistered(client *storage.Client, uri string) bool {
	for _, registered := range client.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// validateRedirectURI checks that a redirect URI offered at registration
// time is absolute, has no fragment, and uses an acceptable scheme. Plain
// http is only allowed for loopback addresses.
func validateRedirectURI(uri string) error {
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("redirect URI is not a valid URL: %w", err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("redirect URI must be absolute")
	}
	if u.Fragment != "" {
		return fmt.Errorf("redirect URI must not contain a fragment")
	}
	if u.Scheme == "http" && !isLoopbackHost(u.Hostname()) {
		return fmt.Errorf("http redirect URIs are only allowed for loopback addresses")
	}
	return nil
}

func isLoopbackHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// parseScope splits a space-separated scope string into individual scopes.
func parseScope(scope string) []string {
	return strings.Fields(scope)
}

// joinScope joins scopes back into the space-separated wire form.
func joinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// scopeSubset reports whether every requested scope appears in allowed.
// An empty request is trivially a subset.
func scopeSubset(requested, allowed []string) bool {
	for _, r := range requested {
		if !containsScope(allowed, r) {
			return false
		}
	}
	return true
}

// intersectScope returns the requested scopes that appear in allowed,
// preserving request order.
func intersectScope(requested, allowed []string) []string {
	var out []string
	for _, r := range requested {
		if containsScope(allowed, r) {
			out = append(out, r)
		}
	}
	return out
}

func containsScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}
