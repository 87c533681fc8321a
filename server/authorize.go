package server

import (
	"context"
	"net/url"
	"time"

	oauth "github.com/giantswarm/oauth-core"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
)

// AuthorizationRequest carries the parameters of an authorization endpoint
// request. UserID identifies the already-authenticated resource owner; user
// authentication itself is the caller's concern.
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	UserID              string
}

// AuthorizationResult is the outcome of an authorization request, to be
// delivered to the client via redirect. Either Code or Error is set; State
// always echoes the request.
type AuthorizationResult struct {
	RedirectURI      string
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// RedirectURL builds the redirect location carrying the result back to the
// client, merging the response parameters into the redirect URI's query.
func (r *AuthorizationResult) RedirectURL() (string, error) {
	u, err := url.Parse(r.RedirectURI)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if r.Error != "" {
		q.Set("error", r.Error)
		if r.ErrorDescription != "" {
			q.Set("error_description", r.ErrorDescription)
		}
	} else {
		q.Set("code", r.Code)
	}
	if r.State != "" {
		q.Set("state", r.State)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// PendingAuthorization is a validated authorization request awaiting the
// resource owner's consent decision. The caller renders a consent page from
// it and completes the flow with CompleteAuthorization.
type PendingAuthorization struct {
	Request    AuthorizationRequest
	ClientName string
	Scopes     []string

	client *storage.Client
}

// BeginAuthorization validates an authorization request. Requests from
// auto-approved clients skip consent and return a result directly;
// otherwise a PendingAuthorization is returned for the consent step.
//
// Errors before the redirect URI is validated are returned as *oauth.Error
// and must be rendered to the user, never redirected: redirecting to an
// unvalidated URI is an open redirector. Later failures come back as an
// AuthorizationResult carrying an error code, safe to redirect.
func (s *Server) BeginAuthorization(ctx context.Context, req *AuthorizationRequest) (*AuthorizationResult, *PendingAuthorization, error) {
	if req.ClientID == "" {
		return nil, nil, oauth.ErrInvalidRequest("client_id is required")
	}

	client, err := s.clientStore.GetClient(ctx, req.ClientID)
	if err != nil {
		return nil, nil, oauth.ErrInvalidClient("unknown client")
	}
	if client.Disabled {
		return nil, nil, oauth.ErrInvalidClient("unknown client")
	}

	redirectURI := req.RedirectURI
	if redirectURI == "" {
		// Only unambiguous when exactly one URI is registered.
		if len(client.RedirectURIs) != 1 {
			return nil, nil, oauth.ErrInvalidRedirectURI("redirect_uri is required")
		}
		redirectURI = client.RedirectURIs[0]
	} else if !redirectURIRegistered(client, redirectURI) {
		if s.Auditor != nil && s.allowSecurityEvent(client.ClientID) {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventInvalidRedirect,
				ClientID: client.ClientID,
			})
		}
		return nil, nil, oauth.ErrInvalidRedirectURI("redirect_uri is not registered for this client")
	}
	req.RedirectURI = redirectURI

	// The redirect URI is trusted from here on; remaining errors redirect.
	fail := func(code, description string) (*AuthorizationResult, *PendingAuthorization, error) {
		return &AuthorizationResult{
			RedirectURI:      redirectURI,
			State:            req.State,
			Error:            code,
			ErrorDescription: description,
		}, nil, nil
	}

	if s.RateLimiter != nil && !s.RateLimiter.Allow(client.ClientID) {
		if m := s.metrics(); m != nil {
			m.RecordRateLimitExceeded(ctx, "authorize")
		}
		if s.Auditor != nil && s.allowSecurityEvent(client.ClientID) {
			s.Auditor.LogRateLimitExceeded(client.ClientID, "authorize")
		}
		return fail(oauth.ErrorCodeInvalidRequest, "rate limit exceeded")
	}

	if req.ResponseType != oauth.ResponseTypeCode {
		return fail(oauth.ErrorCodeUnsupportedResponseType, "only the code response type is supported")
	}
	if !client.AllowsGrantType(oauth.GrantTypeAuthorizationCode) {
		return fail(oauth.ErrorCodeUnauthorizedClient, "client is not authorized for the authorization_code grant")
	}
	if req.UserID == "" {
		return fail(oauth.ErrorCodeInvalidRequest, "resource owner is not authenticated")
	}

	scopes := parseScope(req.Scope)
	if !scopeSubset(scopes, client.Scopes) {
		if s.Auditor != nil && s.allowSecurityEvent(client.ClientID) {
			s.Auditor.LogScopeEscalation(req.UserID, client.ClientID, req.Scope, joinScope(client.Scopes))
		}
		return fail(oauth.ErrorCodeInvalidScope, "requested scope exceeds the client's allowed scopes")
	}
	if len(s.Config.SupportedScopes) > 0 && !scopeSubset(scopes, s.Config.SupportedScopes) {
		return fail(oauth.ErrorCodeInvalidScope, "requested scope is not supported")
	}

	if req.CodeChallenge == "" {
		if s.Config.RequirePKCE || client.IsPublic() {
			if client.IsPublic() && s.Auditor != nil && s.allowSecurityEvent(client.ClientID) {
				s.Auditor.LogEvent(security.Event{
					Type:     security.EventPKCERequiredForPublicClient,
					UserID:   req.UserID,
					ClientID: client.ClientID,
				})
			}
			return fail(oauth.ErrorCodeInvalidRequest, "code_challenge is required")
		}
	} else {
		method := req.CodeChallengeMethod
		if method == "" {
			// RFC 7636 defaults an absent method to plain.
			method = oauth.PKCEMethodPlain
		}
		if err := validateCodeChallenge(req.CodeChallenge, method, s.Config.AllowPKCEPlain); err != nil {
			return fail(oauth.ErrorCodeInvalidRequest, err.Error())
		}
		req.CodeChallengeMethod = method
	}

	if client.AutoApprove {
		result, oerr := s.issueAuthorizationCode(ctx, client, req)
		if oerr != nil {
			return nil, nil, oerr
		}
		return result, nil, nil
	}

	return nil, &PendingAuthorization{
		Request:    *req,
		ClientName: client.ClientName,
		Scopes:     scopes,
		client:     client,
	}, nil
}

// CompleteAuthorization finishes a pending authorization with the resource
// owner's consent decision. Denial produces an access_denied result with the
// request's state preserved, so the client can correlate the response.
func (s *Server) CompleteAuthorization(ctx context.Context, pending *PendingAuthorization, approved bool) (*AuthorizationResult, error) {
	if pending == nil || pending.client == nil {
		return nil, oauth.ErrInvalidRequest("no pending authorization")
	}

	req := pending.Request
	if !approved {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventConsentDenied,
				UserID:   req.UserID,
				ClientID: req.ClientID,
				Details: map[string]any{
					"scope": req.Scope,
				},
			})
		}
		return &AuthorizationResult{
			RedirectURI:      req.RedirectURI,
			State:            req.State,
			Error:            oauth.ErrorCodeAccessDenied,
			ErrorDescription: "the resource owner denied the request",
		}, nil
	}

	result, oerr := s.issueAuthorizationCode(ctx, pending.client, &req)
	if oerr != nil {
		return nil, oerr
	}
	return result, nil
}

// issueAuthorizationCode mints and stores a single-use authorization code
// bound to the client, user, redirect URI, scope, and PKCE challenge.
func (s *Server) issueAuthorizationCode(ctx context.Context, client *storage.Client, req *AuthorizationRequest) (*AuthorizationResult, *oauth.Error) {
	now := time.Now()
	code := generateRandomToken()

	record := &storage.AuthorizationCode{
		Code:                code,
		ClientID:            client.ClientID,
		UserID:              req.UserID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(time.Duration(s.Config.AuthorizationCodeTTL) * time.Second),
	}
	if err := s.codeStore.SaveAuthorizationCode(ctx, record); err != nil {
		s.Logger.Error("Failed to save authorization code", "client_id", client.ClientID, "error", err)
		return nil, oauth.ErrServerError("failed to issue authorization code")
	}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventAuthorizationCodeIssued,
			UserID:   req.UserID,
			ClientID: client.ClientID,
			Details: map[string]any{
				"scope":       req.Scope,
				"pkce_method": req.CodeChallengeMethod,
			},
		})
	}

	return &AuthorizationResult{
		RedirectURI: req.RedirectURI,
		Code:        code,
		State:       req.State,
	}, nil
}
