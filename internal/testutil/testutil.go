package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth-core/storage"
)

// TestClientSecret is the plaintext secret of the confidential test client.
const TestClientSecret = "secret"

// GenerateRandomString generates a random base64url-encoded string of the
// given length.
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid PKCE challenge and verifier pair.
// Returns (challenge, verifier) where challenge is the S256 hash of the
// verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(50)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return challenge, verifier
}

// GenerateTestClient creates a confidential test client whose secret is
// TestClientSecret. The hash is computed at min cost to keep tests fast.
func GenerateTestClient() *storage.Client {
	hash, err := bcrypt.GenerateFromPassword([]byte(TestClientSecret), bcrypt.MinCost)
	if err != nil {
		panic(fmt.Sprintf("failed to hash test client secret: %v", err))
	}
	return &storage.Client{
		ClientID:                "test-client-id",
		ClientSecretHash:        string(hash),
		ClientType:              "confidential",
		RedirectURIs:            []string{"https://example.com/callback"},
		TokenEndpointAuthMethod: "client_secret_basic",
		GrantTypes:              []string{"authorization_code", "refresh_token", "client_credentials"},
		ResponseTypes:           []string{"code"},
		ClientName:              "Test Client",
		Scopes:                  []string{"read", "write"},
		CreatedAt:               time.Now(),
	}
}

// GenerateTestPublicClient creates a public test client with no secret.
func GenerateTestPublicClient() *storage.Client {
	return &storage.Client{
		ClientID:                "test-public-client",
		ClientType:              "public",
		RedirectURIs:            []string{"https://example.com/callback"},
		TokenEndpointAuthMethod: "none",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		ClientName:              "Test Public Client",
		Scopes:                  []string{"read"},
		CreatedAt:               time.Now(),
	}
}

// GenerateTestAuthorizationCode creates an unused test authorization code
// bound to the confidential test client.
func GenerateTestAuthorizationCode() *storage.AuthorizationCode {
	challenge, _ := GeneratePKCEPair()
	return &storage.AuthorizationCode{
		Code:                GenerateRandomString(43),
		ClientID:            "test-client-id",
		UserID:              "test-user-123",
		RedirectURI:         "https://example.com/callback",
		Scope:               "read write",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		CreatedAt:           time.Now(),
		ExpiresAt:           time.Now().Add(10 * time.Minute),
		Used:                false,
	}
}
