package oauth

// Grant type identifiers (RFC 6749)
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeRefreshToken      = "refresh_token"
)

// Response type identifiers for the authorization endpoint
const (
	ResponseTypeCode = "code"
)

// Client type constants
const (
	// ClientTypeConfidential represents a client able to hold a secret
	ClientTypeConfidential = "confidential"

	// ClientTypePublic represents a client that cannot hold a secret
	// (browser, mobile, CLI) and must use PKCE instead
	ClientTypePublic = "public"
)

// Token endpoint authentication method constants (RFC 7591)
const (
	// TokenEndpointAuthMethodNone represents no authentication (public clients)
	TokenEndpointAuthMethodNone = "none"

	// TokenEndpointAuthMethodBasic represents HTTP Basic authentication
	TokenEndpointAuthMethodBasic = "client_secret_basic"

	// TokenEndpointAuthMethodPost represents POST form parameters
	TokenEndpointAuthMethodPost = "client_secret_post"
)

// PKCE constants (RFC 7636)
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"

	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
)

// Token type hints for introspection and revocation (RFC 7662, RFC 7009)
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// TokenTypeBearer is the only token type this server issues.
const TokenTypeBearer = "Bearer"
