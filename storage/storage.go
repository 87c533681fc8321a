package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by store implementations. Callers distinguish
// outcomes with errors.Is; implementations may wrap these with detail.
var (
	// ErrClientNotFound indicates the client ID is not registered
	ErrClientNotFound = errors.New("client not found")

	// ErrInvalidClientSecret indicates the presented secret does not match
	ErrInvalidClientSecret = errors.New("invalid client secret")

	// ErrRegistrationQuotaExceeded indicates a registrar hit its client quota
	ErrRegistrationQuotaExceeded = errors.New("client registration quota exceeded")

	// ErrCodeNotFound indicates the authorization code is unknown or expired.
	// Expired and unknown codes are deliberately indistinguishable.
	ErrCodeNotFound = errors.New("authorization code not found")

	// ErrCodeUsed indicates the authorization code was already consumed.
	// AtomicConsumeAuthorizationCode returns the consumed record alongside
	// this error so the caller can revoke everything minted from it.
	ErrCodeUsed = errors.New("authorization code already used")

	// ErrTokenNotFound indicates the access token is unknown
	ErrTokenNotFound = errors.New("token not found")

	// ErrRefreshTokenNotFound indicates the refresh token is unknown
	ErrRefreshTokenNotFound = errors.New("refresh token not found")

	// ErrRefreshTokenRotated indicates the refresh token was already rotated.
	// AtomicRotateRefreshToken returns the record alongside this error so the
	// caller can revoke the token family.
	ErrRefreshTokenRotated = errors.New("refresh token already rotated")

	// ErrRefreshTokenRevoked indicates the refresh token's family was revoked
	ErrRefreshTokenRevoked = errors.New("refresh token revoked")

	// ErrExpired indicates the record exists but its lifetime has elapsed
	ErrExpired = errors.New("expired")
)

// ClientStore defines the interface for managing OAuth client registrations.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient saves a registered client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// DeleteClient removes a registered client
	DeleteClient(ctx context.Context, clientID string) error

	// ValidateClientSecret validates a client's secret in constant time.
	// Implementations must take comparable time for unknown client IDs and
	// wrong secrets so the two cases cannot be distinguished by timing.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)

	// CheckRegistrarQuota checks whether a registrar may register another
	// client. Returns ErrRegistrationQuotaExceeded when the limit is reached.
	CheckRegistrarQuota(ctx context.Context, registeredBy string, maxClients int) error
}

// CodeStore defines the interface for managing authorization codes.
// All methods accept context.Context for tracing and cancellation.
type CodeStore interface {
	// SaveAuthorizationCode saves an issued authorization code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode retrieves an authorization code without consuming it
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// AtomicConsumeAuthorizationCode atomically checks that a code is unused
	// and marks it used. Exactly one concurrent caller receives the record
	// with a nil error. Returns:
	//   - (record, nil) on the single successful consume
	//   - (record, ErrCodeUsed) when the code was already consumed; the
	//     record lets the caller revoke tokens minted from the first use
	//   - (nil, ErrCodeNotFound) when the code is unknown or expired
	// SECURITY: this operation MUST be atomic to prevent concurrent code
	// exchange attacks.
	AtomicConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes an authorization code
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// TokenStore defines the interface for storing and retrieving issued tokens.
// All methods accept context.Context for tracing and cancellation.
type TokenStore interface {
	// SaveAccessToken saves an issued access token
	SaveAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken retrieves an access token by its value
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)

	// RevokeAccessToken marks an access token revoked. Unknown tokens are
	// not an error (RFC 7009 semantics).
	RevokeAccessToken(ctx context.Context, token string) error

	// SaveRefreshToken saves an issued refresh token
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken retrieves a refresh token by its value
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// AtomicRotateRefreshToken atomically marks a refresh token rotated.
	// Exactly one concurrent caller receives the record with a nil error.
	// Returns:
	//   - (record, nil) on the single successful rotation
	//   - (record, ErrRefreshTokenRotated) when already rotated (reuse); the
	//     record carries the family ID so the caller can revoke the family
	//   - (record, ErrRefreshTokenRevoked) when the family was revoked
	//   - (nil, ErrRefreshTokenNotFound) when unknown or expired
	// SECURITY: this operation MUST be atomic to prevent concurrent refresh
	// attacks.
	AtomicRotateRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// RevokeTokenFamily revokes every access and refresh token in a family.
	// Returns the number of tokens revoked.
	RevokeTokenFamily(ctx context.Context, familyID string) (int, error)

	// RevokeAllForUserClient revokes every access and refresh token issued
	// to a user+client pair. Called when authorization code reuse is
	// detected. Returns the number of tokens revoked.
	RevokeAllForUserClient(ctx context.Context, userID, clientID string) (int, error)
}

// Store combines the three storage interfaces. Backends implement Store;
// the server accepts the narrow interfaces so tests can substitute pieces.
type Store interface {
	ClientStore
	CodeStore
	TokenStore
}

// Client represents a registered OAuth client.
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash; empty for public clients
	ClientType              string // "public" or "confidential"
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	ResponseTypes           []string
	ClientName              string
	Scopes                  []string
	AutoApprove             bool   // skip the consent step for trusted clients
	Disabled                bool   // administratively disabled
	RegistrationTokenHash   string // bcrypt hash of the registration access token
	RegisteredBy            string // registrar identity, for quota accounting
	CreatedAt               time.Time
}

// AllowsGrantType reports whether the client is registered for the grant type.
func (c *Client) AllowsGrantType(grantType string) bool {
	for _, gt := range c.GrantTypes {
		if gt == grantType {
			return true
		}
	}
	return false
}

// IsPublic reports whether the client is a public client (no secret).
func (c *Client) IsPublic() bool {
	return c.ClientType == "public"
}

// AuthorizationCode represents an issued authorization code.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	UserID              string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
	UsedAt              time.Time
}

// AccessToken represents an issued access token.
type AccessToken struct {
	ID        string // unique token identifier (jti)
	Token     string // opaque token value
	ClientID  string
	UserID    string // empty for client-credentials tokens
	Scope     string
	FamilyID  string // refresh token family this token belongs to, if any
	IssuedAt  time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// RefreshToken represents an issued refresh token. Rotation replaces the
// token with a successor in the same family at Generation+1; presenting a
// rotated token is reuse and revokes the whole family.
type RefreshToken struct {
	ID         string
	Token      string
	ClientID   string
	UserID     string
	Scope      string
	FamilyID   string
	Generation int
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Rotated    bool
	RotatedAt  time.Time
	Revoked    bool
	RevokedAt  time.Time
}
