package server

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	oauth "github.com/giantswarm/oauth-core"
	"github.com/giantswarm/oauth-core/instrumentation"
)

// TokenRequest carries the parameters of a token endpoint request. The
// transport layer fills it from the form body and the Authorization header;
// Basic credentials take precedence over body credentials when both are
// present.
type TokenRequest struct {
	GrantType string

	// Authorization-code grant parameters
	Code         string
	RedirectURI  string
	CodeVerifier string

	// Refresh-token grant parameters
	RefreshToken string

	// Requested scope (client_credentials, refresh_token)
	Scope string

	// Body credentials (client_secret_post)
	ClientID     string
	ClientSecret string

	// Basic credentials (client_secret_basic)
	BasicClientID     string
	BasicClientSecret string
	HasBasicAuth      bool
}

// grantKind is the closed set of grant types the token endpoint handles.
// Dispatching on grantKind instead of the raw string keeps the switch
// exhaustive: a new grant type does not compile until every switch names it.
type grantKind int

const (
	grantUnknown grantKind = iota
	grantAuthorizationCode
	grantClientCredentials
	grantRefreshToken
)

func grantKindOf(grantType string) grantKind {
	switch grantType {
	case oauth.GrantTypeAuthorizationCode:
		return grantAuthorizationCode
	case oauth.GrantTypeClientCredentials:
		return grantClientCredentials
	case oauth.GrantTypeRefreshToken:
		return grantRefreshToken
	default:
		return grantUnknown
	}
}

// Exchange processes a token endpoint request. Validation follows a fixed
// order so equivalent failures always produce the same error regardless of
// which parameters are present:
//
//  1. grant_type is known
//  2. the client is identified
//  3. the grant's required parameters are present
//  4. the client is authenticated and may use the grant
//  5. grant-specific rules (code redemption, PKCE, rotation, scope)
//
// Errors are *oauth.Error values ready for the wire.
func (s *Server) Exchange(ctx context.Context, req *TokenRequest) (*oauth.TokenResponse, error) {
	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "oauth.token_exchange")
		defer span.End()
		clientID, _ := identifyClient(req)
		instrumentation.AddGrantAttributes(span, clientID, req.GrantType, req.Scope)
	}

	resp, err := s.exchange(ctx, req)
	if err != nil {
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	return resp, err
}

func (s *Server) exchange(ctx context.Context, req *TokenRequest) (*oauth.TokenResponse, error) {
	// 1. Grant type
	if req.GrantType == "" {
		return nil, oauth.ErrInvalidRequest("grant_type is required")
	}
	kind := grantKindOf(req.GrantType)
	if kind == grantUnknown {
		return nil, oauth.ErrUnsupportedGrantType(fmt.Sprintf("unsupported grant_type %q", req.GrantType))
	}

	// 2. Client identification
	clientID, clientSecret := identifyClient(req)
	if clientID == "" {
		return nil, oauth.ErrInvalidRequest("client_id is required")
	}

	if s.RateLimiter != nil && !s.RateLimiter.Allow(clientID) {
		if m := s.metrics(); m != nil {
			m.RecordRateLimitExceeded(ctx, "token")
		}
		if s.Auditor != nil && s.allowSecurityEvent(clientID) {
			s.Auditor.LogRateLimitExceeded(clientID, "token")
		}
		return nil, oauth.NewError(oauth.ErrorCodeInvalidRequest, "rate limit exceeded", http.StatusTooManyRequests)
	}

	// 3. Parameter schema for the grant
	switch kind {
	case grantAuthorizationCode:
		if req.Code == "" {
			return nil, oauth.ErrInvalidRequest("code is required")
		}
	case grantRefreshToken:
		if req.RefreshToken == "" {
			return nil, oauth.ErrInvalidRequest("refresh_token is required")
		}
	case grantClientCredentials:
		// No extra parameters.
	case grantUnknown:
		// Unreachable, rejected above.
	}

	// 4. Client authentication
	client, oerr := s.authenticateClient(ctx, clientID, clientSecret)
	if oerr != nil {
		return nil, oerr
	}
	if !client.AllowsGrantType(req.GrantType) {
		return nil, oauth.ErrUnauthorizedClient(
			fmt.Sprintf("client is not authorized for grant_type %q", req.GrantType))
	}

	// 5. Grant-specific processing
	switch kind {
	case grantAuthorizationCode:
		return s.exchangeAuthorizationCode(ctx, client, req)
	case grantClientCredentials:
		return s.exchangeClientCredentials(ctx, client, req)
	case grantRefreshToken:
		return s.exchangeRefreshToken(ctx, client, req)
	case grantUnknown:
		// Unreachable, rejected above.
	}
	return nil, oauth.ErrServerError("unhandled grant type")
}

// identifyClient extracts the client credentials from a token request.
// Basic credentials override body credentials when both are present.
func identifyClient(req *TokenRequest) (clientID, clientSecret string) {
	if req.HasBasicAuth {
		return req.BasicClientID, req.BasicClientSecret
	}
	return req.ClientID, req.ClientSecret
}
