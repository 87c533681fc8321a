package server

import (
	"context"
	"errors"
	"time"

	oauth "github.com/giantswarm/oauth-core"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
)

// IntrospectionRequest carries an RFC 7662 introspection request. The caller
// authenticates with its client credentials.
type IntrospectionRequest struct {
	Token         string
	TokenTypeHint string
	ClientID      string
	ClientSecret  string
}

// Introspect reports the state of a token (RFC 7662). Only client
// authentication failures produce an error; every other condition, including
// unknown tokens, expired tokens, and tokens belonging to another client,
// returns {"active": false} so callers cannot probe the token space.
func (s *Server) Introspect(ctx context.Context, req *IntrospectionRequest) (*oauth.IntrospectionResponse, error) {
	client, oerr := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if oerr != nil {
		return nil, oerr
	}

	resp := s.introspectToken(ctx, client, req.Token, req.TokenTypeHint)

	if m := s.metrics(); m != nil {
		m.RecordIntrospection(ctx, client.ClientID, resp.Active)
	}
	return resp, nil
}

// introspectToken resolves the token in hint order. A wrong hint only costs
// an extra lookup; it never changes the result.
func (s *Server) introspectToken(ctx context.Context, client *storage.Client, token, hint string) *oauth.IntrospectionResponse {
	inactive := &oauth.IntrospectionResponse{Active: false}
	if token == "" {
		return inactive
	}

	if hint == oauth.TokenTypeHintRefreshToken {
		if resp := s.introspectRefreshToken(ctx, client, token); resp != nil {
			return resp
		}
		if resp := s.introspectAccessToken(ctx, client, token); resp != nil {
			return resp
		}
		return inactive
	}

	if resp := s.introspectAccessToken(ctx, client, token); resp != nil {
		return resp
	}
	if resp := s.introspectRefreshToken(ctx, client, token); resp != nil {
		return resp
	}
	return inactive
}

// introspectAccessToken returns the introspection response for an access
// token, or nil when the value is not a known access token.
func (s *Server) introspectAccessToken(ctx context.Context, client *storage.Client, token string) *oauth.IntrospectionResponse {
	record, err := s.tokenStore.GetAccessToken(ctx, token)
	if err != nil {
		if !errors.Is(err, storage.ErrTokenNotFound) {
			s.Logger.Error("Failed to look up access token for introspection", "error", err)
		}
		return nil
	}

	if record.Revoked || s.tokenExpired(record.ExpiresAt) || record.ClientID != client.ClientID {
		return &oauth.IntrospectionResponse{Active: false}
	}

	return &oauth.IntrospectionResponse{
		Active:    true,
		Scope:     record.Scope,
		ClientID:  record.ClientID,
		Username:  record.UserID,
		TokenType: oauth.TokenTypeBearer,
		Exp:       record.ExpiresAt.Unix(),
		Iat:       record.IssuedAt.Unix(),
		Sub:       record.UserID,
		Aud:       record.ClientID,
		Iss:       s.Config.Issuer,
		Jti:       record.ID,
	}
}

// introspectRefreshToken returns the introspection response for a refresh
// token, or nil when the value is not a known refresh token.
func (s *Server) introspectRefreshToken(ctx context.Context, client *storage.Client, token string) *oauth.IntrospectionResponse {
	record, err := s.tokenStore.GetRefreshToken(ctx, token)
	if err != nil {
		if !errors.Is(err, storage.ErrRefreshTokenNotFound) {
			s.Logger.Error("Failed to look up refresh token for introspection", "error", err)
		}
		return nil
	}

	if record.Rotated || record.Revoked || s.tokenExpired(record.ExpiresAt) || record.ClientID != client.ClientID {
		return &oauth.IntrospectionResponse{Active: false}
	}

	return &oauth.IntrospectionResponse{
		Active:   true,
		Scope:    record.Scope,
		ClientID: record.ClientID,
		Username: record.UserID,
		Exp:      record.ExpiresAt.Unix(),
		Iat:      record.IssuedAt.Unix(),
		Sub:      record.UserID,
		Aud:      record.ClientID,
		Iss:      s.Config.Issuer,
		Jti:      record.ID,
	}
}

func (s *Server) tokenExpired(expiresAt time.Time) bool {
	grace := time.Duration(s.Config.ClockSkewGracePeriod) * time.Second
	return security.IsTokenExpiredWithGracePeriod(expiresAt, grace)
}
