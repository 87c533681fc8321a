package server

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	oauth "github.com/giantswarm/oauth-core"
	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
)

// exchangeAuthorizationCode redeems an authorization code for tokens. The
// code is consumed atomically before any other check so a second redemption
// can never win a race; a reuse attempt revokes every token previously
// issued to the user and client pair.
func (s *Server) exchangeAuthorizationCode(ctx context.Context, client *storage.Client, req *TokenRequest) (*oauth.TokenResponse, error) {
	invalidCode := oauth.ErrInvalidGrant("invalid authorization code")

	code, err := s.codeStore.AtomicConsumeAuthorizationCode(ctx, req.Code)
	switch {
	case errors.Is(err, storage.ErrCodeUsed):
		revoked, revokeErr := s.tokenStore.RevokeAllForUserClient(ctx, code.UserID, code.ClientID)
		if revokeErr != nil {
			s.Logger.Error("Failed to revoke tokens after authorization code reuse",
				"client_id", code.ClientID, "error", revokeErr)
		}
		if m := s.metrics(); m != nil {
			m.RecordCodeReuseDetected(ctx)
		}
		if s.Auditor != nil && s.allowSecurityEvent(code.ClientID) {
			s.Auditor.LogCodeReuse(code.UserID, code.ClientID, security.TokenDigest(req.Code), revoked)
		}
		s.Logger.Warn("Authorization code reuse detected",
			"client_id", code.ClientID,
			"code_digest", security.TokenDigest(req.Code),
			"tokens_revoked", revoked)
		return nil, invalidCode

	case errors.Is(err, storage.ErrCodeNotFound):
		return nil, invalidCode

	case err != nil:
		s.Logger.Error("Failed to consume authorization code", "error", err)
		return nil, oauth.ErrServerError("failed to process authorization code")
	}

	// The code is consumed; remaining failures burn it, they do not refund it.
	if code.ClientID != client.ClientID {
		s.auditSuspicious(client.ClientID, "authorization code presented by wrong client")
		return nil, invalidCode
	}
	if code.RedirectURI != req.RedirectURI {
		if s.Auditor != nil && s.allowSecurityEvent(client.ClientID) {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventInvalidRedirect,
				UserID:   code.UserID,
				ClientID: client.ClientID,
			})
		}
		return nil, oauth.ErrInvalidGrant("redirect_uri does not match the authorization request")
	}

	if code.CodeChallenge != "" {
		if req.CodeVerifier == "" {
			return nil, oauth.ErrInvalidRequest("code_verifier is required")
		}
		if err := verifyPKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier, s.Config.AllowPKCEPlain); err != nil {
			if m := s.metrics(); m != nil {
				m.RecordPKCEValidationFailed(ctx, code.CodeChallengeMethod)
			}
			if s.Auditor != nil && s.allowSecurityEvent(client.ClientID) {
				s.Auditor.LogEvent(security.Event{
					Type:     security.EventPKCEValidationFailed,
					UserID:   code.UserID,
					ClientID: client.ClientID,
					Details: map[string]any{
						"method": code.CodeChallengeMethod,
					},
				})
			}
			return nil, oauth.ErrInvalidGrant("PKCE verification failed")
		}
		instrumentation.AddPKCEAttributes(trace.SpanFromContext(ctx), code.CodeChallengeMethod)
	} else if client.IsPublic() {
		// Public client codes are always issued with a challenge; a bare
		// code here means the stores disagree with the authorize path.
		s.auditSuspicious(client.ClientID, "public client code without PKCE challenge")
		return nil, invalidCode
	}

	var refresh *refreshSpec
	if client.AllowsGrantType(oauth.GrantTypeRefreshToken) {
		refresh = &refreshSpec{FamilyID: uuid.NewString(), Generation: 1}
	}

	resp, oerr := s.mintTokens(ctx, client, code.UserID, code.Scope, refresh)
	if oerr != nil {
		return nil, oerr
	}

	if m := s.metrics(); m != nil {
		m.RecordCodeExchange(ctx, client.ClientID, code.CodeChallengeMethod)
		m.RecordTokensIssued(ctx, client.ClientID, oauth.GrantTypeAuthorizationCode)
	}
	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(code.UserID, client.ClientID, oauth.GrantTypeAuthorizationCode, code.Scope)
	}
	return resp, nil
}

// exchangeClientCredentials issues an access token for the client itself.
// The granted scope is the intersection of the requested scope and the
// client's allowed scopes; no refresh token is issued.
func (s *Server) exchangeClientCredentials(ctx context.Context, client *storage.Client, req *TokenRequest) (*oauth.TokenResponse, error) {
	if client.IsPublic() {
		return nil, oauth.ErrUnauthorizedClient("public clients may not use the client_credentials grant")
	}

	requested := parseScope(req.Scope)
	granted := client.Scopes
	if len(requested) > 0 {
		granted = intersectScope(requested, client.Scopes)
		if len(granted) == 0 {
			if s.Auditor != nil && s.allowSecurityEvent(client.ClientID) {
				s.Auditor.LogScopeEscalation("", client.ClientID, req.Scope, joinScope(client.Scopes))
			}
			return nil, oauth.ErrInvalidScope("requested scope is not grantable")
		}
	}

	scope := joinScope(granted)
	resp, oerr := s.mintTokens(ctx, client, "", scope, nil)
	if oerr != nil {
		return nil, oerr
	}

	if m := s.metrics(); m != nil {
		m.RecordTokensIssued(ctx, client.ClientID, oauth.GrantTypeClientCredentials)
	}
	if s.Auditor != nil {
		s.Auditor.LogTokenIssued("", client.ClientID, oauth.GrantTypeClientCredentials, scope)
	}
	return resp, nil
}

// exchangeRefreshToken rotates a refresh token and issues a fresh token
// pair. The rotation is atomic: presenting an already-rotated token is
// reuse, and reuse revokes the whole token family.
func (s *Server) exchangeRefreshToken(ctx context.Context, client *storage.Client, req *TokenRequest) (*oauth.TokenResponse, error) {
	if !s.Config.AllowRefreshTokenRotation {
		return s.refreshWithoutRotation(ctx, client, req)
	}

	invalidToken := oauth.ErrInvalidGrant("invalid refresh token")

	record, err := s.tokenStore.AtomicRotateRefreshToken(ctx, req.RefreshToken)
	switch {
	case errors.Is(err, storage.ErrRefreshTokenRotated):
		revoked, revokeErr := s.tokenStore.RevokeTokenFamily(ctx, record.FamilyID)
		if revokeErr != nil {
			s.Logger.Error("Failed to revoke token family after refresh token reuse",
				"family_id", record.FamilyID, "error", revokeErr)
		}
		if m := s.metrics(); m != nil {
			m.RecordTokenReuseDetected(ctx)
		}
		if s.Auditor != nil && s.allowSecurityEvent(record.ClientID) {
			s.Auditor.LogRefreshTokenReuse(record.UserID, record.ClientID, record.FamilyID, revoked)
		}
		s.Logger.Warn("Refresh token reuse detected",
			"client_id", record.ClientID,
			"family_id", record.FamilyID,
			"generation", record.Generation,
			"tokens_revoked", revoked)
		return nil, invalidToken

	case errors.Is(err, storage.ErrRefreshTokenRevoked):
		if s.Auditor != nil && s.allowSecurityEvent(record.ClientID) {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventRevokedTokenFamilyReuseAttempt,
				UserID:   record.UserID,
				ClientID: record.ClientID,
				Details: map[string]any{
					"family_id": record.FamilyID,
				},
			})
		}
		return nil, invalidToken

	case errors.Is(err, storage.ErrRefreshTokenNotFound):
		return nil, invalidToken

	case err != nil:
		s.Logger.Error("Failed to rotate refresh token", "error", err)
		return nil, oauth.ErrServerError("failed to process refresh token")
	}

	if record.ClientID != client.ClientID {
		// The token rotated before the binding check, so the family is
		// burned either way; revoke it rather than leave the legitimate
		// client holding a rotated token.
		if _, revokeErr := s.tokenStore.RevokeTokenFamily(ctx, record.FamilyID); revokeErr != nil {
			s.Logger.Error("Failed to revoke token family", "family_id", record.FamilyID, "error", revokeErr)
		}
		s.auditSuspicious(client.ClientID, "refresh token presented by wrong client")
		return nil, invalidToken
	}

	scope, oerr := s.narrowRefreshScope(record, req.Scope, client.ClientID)
	if oerr != nil {
		return nil, oerr
	}

	refresh := &refreshSpec{FamilyID: record.FamilyID, Generation: record.Generation + 1}
	instrumentation.AddTokenFamilyAttributes(trace.SpanFromContext(ctx), refresh.FamilyID, refresh.Generation)
	resp, oerr := s.mintTokens(ctx, client, record.UserID, scope, refresh)
	if oerr != nil {
		return nil, oerr
	}

	if m := s.metrics(); m != nil {
		m.RecordTokenRefresh(ctx, client.ClientID)
		m.RecordTokensIssued(ctx, client.ClientID, oauth.GrantTypeRefreshToken)
	}
	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(record.UserID, client.ClientID, record.FamilyID, refresh.Generation)
	}
	return resp, nil
}

// refreshWithoutRotation services the refresh_token grant when rotation is
// disabled: the presented token stays valid and is returned unchanged.
func (s *Server) refreshWithoutRotation(ctx context.Context, client *storage.Client, req *TokenRequest) (*oauth.TokenResponse, error) {
	invalidToken := oauth.ErrInvalidGrant("invalid refresh token")

	record, err := s.tokenStore.GetRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrRefreshTokenNotFound) {
			return nil, invalidToken
		}
		s.Logger.Error("Failed to get refresh token", "error", err)
		return nil, oauth.ErrServerError("failed to process refresh token")
	}
	if record.Rotated || record.Revoked {
		return nil, invalidToken
	}
	grace := time.Duration(s.Config.ClockSkewGracePeriod) * time.Second
	if security.IsTokenExpiredWithGracePeriod(record.ExpiresAt, grace) {
		return nil, invalidToken
	}
	if record.ClientID != client.ClientID {
		s.auditSuspicious(client.ClientID, "refresh token presented by wrong client")
		return nil, invalidToken
	}

	scope, oerr := s.narrowRefreshScope(record, req.Scope, client.ClientID)
	if oerr != nil {
		return nil, oerr
	}

	accessToken, oerr := s.issueAccessToken(ctx, client, record.UserID, scope, record.FamilyID)
	if oerr != nil {
		return nil, oerr
	}

	if m := s.metrics(); m != nil {
		m.RecordTokensIssued(ctx, client.ClientID, oauth.GrantTypeRefreshToken)
	}
	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(record.UserID, client.ClientID, oauth.GrantTypeRefreshToken, scope)
	}

	return &oauth.TokenResponse{
		AccessToken:  accessToken,
		TokenType:    oauth.TokenTypeBearer,
		ExpiresIn:    s.Config.AccessTokenTTL,
		RefreshToken: req.RefreshToken,
		Scope:        scope,
	}, nil
}

// narrowRefreshScope resolves the scope of a refreshed token pair. The
// client may narrow the original grant but never widen it.
func (s *Server) narrowRefreshScope(record *storage.RefreshToken, requestedScope, clientID string) (string, *oauth.Error) {
	if requestedScope == "" {
		return record.Scope, nil
	}
	requested := parseScope(requestedScope)
	granted := parseScope(record.Scope)
	if !scopeSubset(requested, granted) {
		if s.Auditor != nil && s.allowSecurityEvent(clientID) {
			s.Auditor.LogScopeEscalation(record.UserID, clientID, requestedScope, record.Scope)
		}
		return "", oauth.ErrInvalidScope("requested scope exceeds the original grant")
	}
	return requestedScope, nil
}

// refreshSpec describes the refresh token to mint alongside an access token.
type refreshSpec struct {
	FamilyID   string
	Generation int
}

// mintTokens issues an access token, and a refresh token when refresh is
// non-nil, then assembles the token response.
func (s *Server) mintTokens(ctx context.Context, client *storage.Client, userID, scope string, refresh *refreshSpec) (*oauth.TokenResponse, *oauth.Error) {
	familyID := ""
	if refresh != nil {
		familyID = refresh.FamilyID
	}

	accessToken, oerr := s.issueAccessToken(ctx, client, userID, scope, familyID)
	if oerr != nil {
		return nil, oerr
	}

	resp := &oauth.TokenResponse{
		AccessToken: accessToken,
		TokenType:   oauth.TokenTypeBearer,
		ExpiresIn:   s.Config.AccessTokenTTL,
		Scope:       scope,
	}

	if refresh != nil {
		now := time.Now()
		refreshToken := generateRandomToken()
		record := &storage.RefreshToken{
			ID:         uuid.NewString(),
			Token:      refreshToken,
			ClientID:   client.ClientID,
			UserID:     userID,
			Scope:      scope,
			FamilyID:   refresh.FamilyID,
			Generation: refresh.Generation,
			IssuedAt:   now,
			ExpiresAt:  now.Add(time.Duration(s.Config.RefreshTokenTTL) * time.Second),
		}
		if err := s.tokenStore.SaveRefreshToken(ctx, record); err != nil {
			s.Logger.Error("Failed to save refresh token", "error", err)
			return nil, oauth.ErrServerError("failed to issue tokens")
		}
		resp.RefreshToken = refreshToken
	}

	return resp, nil
}

// issueAccessToken mints and stores a new access token, returning its value.
func (s *Server) issueAccessToken(ctx context.Context, client *storage.Client, userID, scope, familyID string) (string, *oauth.Error) {
	now := time.Now()
	token := generateRandomToken()
	record := &storage.AccessToken{
		ID:        uuid.NewString(),
		Token:     token,
		ClientID:  client.ClientID,
		UserID:    userID,
		Scope:     scope,
		FamilyID:  familyID,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Duration(s.Config.AccessTokenTTL) * time.Second),
	}
	if err := s.tokenStore.SaveAccessToken(ctx, record); err != nil {
		s.Logger.Error("Failed to save access token", "error", err)
		return "", oauth.ErrServerError("failed to issue tokens")
	}
	return token, nil
}

func (s *Server) auditSuspicious(clientID, reason string) {
	if s.Auditor != nil && s.allowSecurityEvent(clientID) {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventSuspiciousActivity,
			ClientID: clientID,
			Details: map[string]any{
				"reason": reason,
			},
		})
	}
	s.Logger.Warn("Suspicious activity", "client_id", clientID, "reason", reason)
}
