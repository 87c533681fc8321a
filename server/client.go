package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	oauth "github.com/giantswarm/oauth-core"
	"github.com/giantswarm/oauth-core/internal/util"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
)

// authenticateClient authenticates a client for the token, introspection,
// and revocation endpoints. The failure reason is logged but never exposed:
// unknown clients, wrong secrets, and disabled clients all produce the same
// invalid_client error, and the secret check costs one bcrypt comparison in
// every case.
func (s *Server) authenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, *oauth.Error) {
	authErr := oauth.ErrInvalidClient("client authentication failed")

	if err := s.clientStore.ValidateClientSecret(ctx, clientID, clientSecret); err != nil {
		s.auditAuthFailure(clientID, "invalid credentials")
		return nil, authErr
	}

	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		s.auditAuthFailure(clientID, "client not found")
		return nil, authErr
	}
	if client.Disabled {
		s.auditAuthFailure(clientID, "client disabled")
		return nil, authErr
	}

	return client, nil
}

func (s *Server) auditAuthFailure(clientID, reason string) {
	if s.Auditor != nil && s.allowSecurityEvent(clientID) {
		s.Auditor.LogAuthFailure(clientID, reason)
	}
}

// RegistrationRequest carries a dynamic client registration request together
// with the caller's credentials.
type RegistrationRequest struct {
	// Metadata is the RFC 7591 client metadata document
	Metadata *oauth.ClientRegistrationRequest

	// InitialAccessToken authorizes the registration when public
	// registration is disabled
	InitialAccessToken string

	// RegisteredBy identifies the registrar for quota accounting and rate
	// limiting (an operator identity, API key ID, or similar)
	RegisteredBy string
}

// RegisterClient registers a new OAuth client (RFC 7591). Confidential
// clients receive a generated secret; clients registering with the "none"
// token endpoint auth method become public clients with no secret. Every
// client receives a registration access token for later self-management.
func (s *Server) RegisterClient(ctx context.Context, req *RegistrationRequest) (*oauth.ClientRegistrationResponse, error) {
	if req == nil || req.Metadata == nil {
		return nil, oauth.ErrInvalidRequest("registration metadata is required")
	}
	if req.RegisteredBy == "" {
		return nil, oauth.ErrInvalidRequest("registrar identity is required")
	}

	if !s.Config.AllowPublicClientRegistration {
		if s.Config.RegistrationAccessToken == "" {
			s.Logger.Error("Client registration rejected: no registration access token configured")
			return nil, oauth.ErrServerError("client registration is not configured")
		}
		if subtle.ConstantTimeCompare([]byte(req.InitialAccessToken), []byte(s.Config.RegistrationAccessToken)) != 1 {
			s.auditRegistrationRejected(req.RegisteredBy, "invalid initial access token")
			return nil, oauth.ErrInvalidClient("invalid initial access token")
		}
	}

	if s.RegistrationLimiter != nil && !s.RegistrationLimiter.Allow(req.RegisteredBy) {
		if m := s.metrics(); m != nil {
			m.RecordRateLimitExceeded(ctx, "registration")
		}
		s.auditRegistrationRejected(req.RegisteredBy, "rate limit exceeded")
		return nil, oauth.NewError(oauth.ErrorCodeInvalidRequest, "registration rate limit exceeded", http.StatusTooManyRequests)
	}

	if err := s.clientStore.CheckRegistrarQuota(ctx, req.RegisteredBy, s.Config.MaxClientsPerRegistrar); err != nil {
		if errors.Is(err, storage.ErrRegistrationQuotaExceeded) {
			s.auditRegistrationRejected(req.RegisteredBy, "quota exceeded")
			return nil, oauth.ErrInvalidRequest("client registration quota exceeded")
		}
		s.Logger.Error("Failed to check registrar quota", "error", err)
		return nil, oauth.ErrServerError("failed to register client")
	}

	meta, oerr := normalizeClientMetadata(req.Metadata)
	if oerr != nil {
		s.auditRegistrationRejected(req.RegisteredBy, oerr.Description)
		return nil, oerr
	}

	scopes := parseScope(meta.Scope)
	if len(s.Config.SupportedScopes) > 0 {
		if len(scopes) == 0 {
			scopes = s.Config.SupportedScopes
		} else {
			scopes = intersectScope(scopes, s.Config.SupportedScopes)
			if len(scopes) == 0 {
				s.auditRegistrationRejected(req.RegisteredBy, "no supported scopes requested")
				return nil, oauth.ErrInvalidClientMetadata("none of the requested scopes are supported")
			}
		}
	}

	clientID := uuid.NewString()
	now := time.Now()

	client := &storage.Client{
		ClientID:                clientID,
		ClientType:              oauth.ClientTypeConfidential,
		RedirectURIs:            meta.RedirectURIs,
		TokenEndpointAuthMethod: meta.TokenEndpointAuthMethod,
		GrantTypes:              meta.GrantTypes,
		ResponseTypes:           meta.ResponseTypes,
		ClientName:              meta.ClientName,
		Scopes:                  scopes,
		RegisteredBy:            req.RegisteredBy,
		CreatedAt:               now,
	}

	var clientSecret string
	if meta.TokenEndpointAuthMethod == oauth.TokenEndpointAuthMethodNone {
		client.ClientType = oauth.ClientTypePublic
	} else {
		clientSecret = generateRandomToken()
		hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
		if err != nil {
			s.Logger.Error("Failed to hash client secret", "error", err)
			return nil, oauth.ErrServerError("failed to register client")
		}
		client.ClientSecretHash = string(hash)
	}

	registrationToken := generateRandomToken()
	regHash, err := bcrypt.GenerateFromPassword([]byte(registrationToken), bcrypt.DefaultCost)
	if err != nil {
		s.Logger.Error("Failed to hash registration access token", "error", err)
		return nil, oauth.ErrServerError("failed to register client")
	}
	client.RegistrationTokenHash = string(regHash)

	if err := s.clientStore.SaveClient(ctx, client); err != nil {
		s.Logger.Error("Failed to save client", "error", err)
		return nil, oauth.ErrServerError("failed to register client")
	}

	if s.Auditor != nil {
		s.Auditor.LogClientRegistered(clientID, client.ClientType)
	}
	if m := s.metrics(); m != nil {
		m.RecordClientRegistration(ctx, client.ClientType)
	}
	s.Logger.Info("Client registered",
		"client_id", clientID,
		"client_type", client.ClientType,
		"client_name", client.ClientName)

	resp := &oauth.ClientRegistrationResponse{
		ClientID:                clientID,
		ClientSecret:            clientSecret,
		ClientIDIssuedAt:        now.Unix(),
		RegistrationAccessToken: registrationToken,
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		ClientName:              client.ClientName,
		Scope:                   joinScope(client.Scopes),
	}
	if s.Config.Issuer != "" {
		resp.RegistrationClientURI = util.NormalizeURL(s.Config.Issuer) + "/register/" + clientID
	}
	return resp, nil
}

// DeleteRegistration removes a dynamically registered client (RFC 7592).
// The caller must present the registration access token issued at
// registration time.
func (s *Server) DeleteRegistration(ctx context.Context, clientID, registrationToken string) error {
	client, oerr := s.authenticateRegistrationToken(ctx, clientID, registrationToken)
	if oerr != nil {
		return oerr
	}

	if err := s.clientStore.DeleteClient(ctx, client.ClientID); err != nil {
		s.Logger.Error("Failed to delete client", "client_id", clientID, "error", err)
		return oauth.ErrServerError("failed to delete client")
	}

	s.Logger.Info("Client registration deleted", "client_id", clientID)
	return nil
}

// GetRegistration returns the registered metadata for a client (RFC 7592).
func (s *Server) GetRegistration(ctx context.Context, clientID, registrationToken string) (*oauth.ClientRegistrationResponse, error) {
	client, oerr := s.authenticateRegistrationToken(ctx, clientID, registrationToken)
	if oerr != nil {
		return nil, oerr
	}

	resp := &oauth.ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		ClientName:              client.ClientName,
		Scope:                   joinScope(client.Scopes),
	}
	if s.Config.Issuer != "" {
		resp.RegistrationClientURI = util.NormalizeURL(s.Config.Issuer) + "/register/" + client.ClientID
	}
	return resp, nil
}

func (s *Server) authenticateRegistrationToken(ctx context.Context, clientID, registrationToken string) (*storage.Client, *oauth.Error) {
	authErr := oauth.ErrInvalidClient("invalid registration access token")

	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		s.auditAuthFailure(clientID, "client not found")
		return nil, authErr
	}
	if client.RegistrationTokenHash == "" {
		s.auditAuthFailure(clientID, "client has no registration access token")
		return nil, authErr
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.RegistrationTokenHash), []byte(registrationToken)); err != nil {
		s.auditAuthFailure(clientID, "invalid registration access token")
		return nil, authErr
	}
	return client, nil
}

func (s *Server) auditRegistrationRejected(registeredBy, reason string) {
	if s.Auditor != nil && s.allowSecurityEvent(registeredBy) {
		s.Auditor.LogEvent(security.Event{
			Type:   security.EventClientRegistrationRejected,
			UserID: registeredBy,
			Details: map[string]any{
				"reason": reason,
			},
		})
	}
}

// normalizeClientMetadata fills RFC 7591 defaults and validates the result.
func normalizeClientMetadata(meta *oauth.ClientRegistrationRequest) (*oauth.ClientRegistrationRequest, *oauth.Error) {
	out := *meta

	if len(out.GrantTypes) == 0 {
		out.GrantTypes = []string{oauth.GrantTypeAuthorizationCode, oauth.GrantTypeRefreshToken}
	}
	for _, gt := range out.GrantTypes {
		if grantKindOf(gt) == grantUnknown {
			return nil, oauth.ErrInvalidClientMetadata(fmt.Sprintf("unsupported grant type %q", gt))
		}
	}

	if out.TokenEndpointAuthMethod == "" {
		out.TokenEndpointAuthMethod = oauth.TokenEndpointAuthMethodBasic
	}
	switch out.TokenEndpointAuthMethod {
	case oauth.TokenEndpointAuthMethodNone, oauth.TokenEndpointAuthMethodBasic, oauth.TokenEndpointAuthMethodPost:
	default:
		return nil, oauth.ErrInvalidClientMetadata(
			fmt.Sprintf("unsupported token_endpoint_auth_method %q", out.TokenEndpointAuthMethod))
	}

	// Public clients cannot authenticate, so they cannot hold the
	// client_credentials grant.
	if out.TokenEndpointAuthMethod == oauth.TokenEndpointAuthMethodNone {
		for _, gt := range out.GrantTypes {
			if gt == oauth.GrantTypeClientCredentials {
				return nil, oauth.ErrInvalidClientMetadata("public clients may not use the client_credentials grant")
			}
		}
	}

	usesAuthorizationCode := false
	for _, gt := range out.GrantTypes {
		if gt == oauth.GrantTypeAuthorizationCode {
			usesAuthorizationCode = true
		}
	}

	if usesAuthorizationCode {
		if len(out.RedirectURIs) == 0 {
			return nil, oauth.ErrInvalidClientMetadata("redirect_uris is required for the authorization_code grant")
		}
		if len(out.ResponseTypes) == 0 {
			out.ResponseTypes = []string{oauth.ResponseTypeCode}
		}
		for _, rt := range out.ResponseTypes {
			if rt != oauth.ResponseTypeCode {
				return nil, oauth.ErrInvalidClientMetadata(fmt.Sprintf("unsupported response type %q", rt))
			}
		}
	}

	for _, uri := range out.RedirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			return nil, oauth.ErrInvalidClientMetadata(fmt.Sprintf("invalid redirect URI %q: %v", uri, err))
		}
	}

	return &out, nil
}
