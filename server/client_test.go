package server

import (
	"context"
	"testing"

	oauth "github.com/giantswarm/oauth-core"
	"github.com/giantswarm/oauth-core/security"
)

func registrationRequest() *RegistrationRequest {
	return &RegistrationRequest{
		Metadata: &oauth.ClientRegistrationRequest{
			RedirectURIs: []string{"https://app.example.com/callback"},
			ClientName:   "Example App",
			GrantTypes:   []string{oauth.GrantTypeAuthorizationCode, oauth.GrantTypeRefreshToken},
			Scope:        "read",
		},
		InitialAccessToken: testRegistrationToken,
		RegisteredBy:       "dev-team-1",
	}
}

func TestRegisterClient(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	resp, err := srv.RegisterClient(ctx, registrationRequest())
	if err != nil {
		t.Fatalf("RegisterClient failed: %v", err)
	}
	if resp.ClientID == "" {
		t.Error("Expected a client ID")
	}
	if resp.ClientSecret == "" {
		t.Error("Expected a client secret for a confidential client")
	}
	if resp.RegistrationAccessToken == "" {
		t.Error("Expected a registration access token")
	}
	if resp.RegistrationClientURI != "https://auth.example.com/register/"+resp.ClientID {
		t.Errorf("RegistrationClientURI = %q", resp.RegistrationClientURI)
	}
	if resp.TokenEndpointAuthMethod != oauth.TokenEndpointAuthMethodBasic {
		t.Errorf("TokenEndpointAuthMethod = %q, want default client_secret_basic", resp.TokenEndpointAuthMethod)
	}

	// The stored secret hash verifies against the returned secret.
	if err := store.ValidateClientSecret(ctx, resp.ClientID, resp.ClientSecret); err != nil {
		t.Errorf("ValidateClientSecret failed for the issued secret: %v", err)
	}

	// The registered client can run the client_credentials grant... only if
	// registered for it; this one is not.
	_, err = srv.Exchange(ctx, &TokenRequest{
		GrantType:    oauth.GrantTypeClientCredentials,
		ClientID:     resp.ClientID,
		ClientSecret: resp.ClientSecret,
	})
	assertOAuthError(t, err, oauth.ErrorCodeUnauthorizedClient)
}

func TestRegisterPublicClient(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	req := registrationRequest()
	req.Metadata.TokenEndpointAuthMethod = oauth.TokenEndpointAuthMethodNone

	resp, err := srv.RegisterClient(ctx, req)
	if err != nil {
		t.Fatalf("RegisterClient failed: %v", err)
	}
	if resp.ClientSecret != "" {
		t.Error("Public clients must not receive a secret")
	}

	client, err := store.GetClient(ctx, resp.ClientID)
	if err != nil {
		t.Fatalf("GetClient failed: %v", err)
	}
	if !client.IsPublic() {
		t.Error("Expected a public client")
	}
	if client.ClientSecretHash != "" {
		t.Error("Public client must not store a secret hash")
	}
}

func TestRegisterClientAuthorization(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(req *RegistrationRequest)
		wantCode string
	}{
		{
			name:     "wrong initial access token",
			mutate:   func(r *RegistrationRequest) { r.InitialAccessToken = "wrong" },
			wantCode: oauth.ErrorCodeInvalidClient,
		},
		{
			name:     "missing registrar identity",
			mutate:   func(r *RegistrationRequest) { r.RegisteredBy = "" },
			wantCode: oauth.ErrorCodeInvalidRequest,
		},
		{
			name:     "missing metadata",
			mutate:   func(r *RegistrationRequest) { r.Metadata = nil },
			wantCode: oauth.ErrorCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t)
			req := registrationRequest()
			tt.mutate(req)

			_, err := srv.RegisterClient(context.Background(), req)
			assertOAuthError(t, err, tt.wantCode)
		})
	}
}

func TestRegisterClientMetadataValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(meta *oauth.ClientRegistrationRequest)
	}{
		{
			name:   "unknown grant type",
			mutate: func(m *oauth.ClientRegistrationRequest) { m.GrantTypes = []string{"password"} },
		},
		{
			name:   "unknown auth method",
			mutate: func(m *oauth.ClientRegistrationRequest) { m.TokenEndpointAuthMethod = "private_key_jwt" },
		},
		{
			name:   "missing redirect URIs for authorization_code",
			mutate: func(m *oauth.ClientRegistrationRequest) { m.RedirectURIs = nil },
		},
		{
			name:   "relative redirect URI",
			mutate: func(m *oauth.ClientRegistrationRequest) { m.RedirectURIs = []string{"/callback"} },
		},
		{
			name:   "redirect URI with fragment",
			mutate: func(m *oauth.ClientRegistrationRequest) { m.RedirectURIs = []string{"https://a.example.com/cb#frag"} },
		},
		{
			name:   "plain http redirect URI",
			mutate: func(m *oauth.ClientRegistrationRequest) { m.RedirectURIs = []string{"http://a.example.com/cb"} },
		},
		{
			name:   "unsupported response type",
			mutate: func(m *oauth.ClientRegistrationRequest) { m.ResponseTypes = []string{"token"} },
		},
		{
			name: "public client with client_credentials",
			mutate: func(m *oauth.ClientRegistrationRequest) {
				m.TokenEndpointAuthMethod = oauth.TokenEndpointAuthMethodNone
				m.GrantTypes = []string{oauth.GrantTypeClientCredentials}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t)
			req := registrationRequest()
			tt.mutate(req.Metadata)

			_, err := srv.RegisterClient(context.Background(), req)
			assertOAuthError(t, err, oauth.ErrorCodeInvalidClientMetadata)
		})
	}
}

func TestRegisterClientLoopbackRedirectAllowed(t *testing.T) {
	srv, _ := newTestServer(t)

	req := registrationRequest()
	req.Metadata.RedirectURIs = []string{"http://127.0.0.1:8484/callback"}

	if _, err := srv.RegisterClient(context.Background(), req); err != nil {
		t.Errorf("Expected loopback http redirect to be allowed, got %v", err)
	}
}

func TestRegisterClientScopePolicy(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.Config.SupportedScopes = []string{"read", "write"}
	ctx := context.Background()

	// Requested scope is narrowed to the supported set.
	req := registrationRequest()
	req.Metadata.Scope = "read admin"
	resp, err := srv.RegisterClient(ctx, req)
	if err != nil {
		t.Fatalf("RegisterClient failed: %v", err)
	}
	if resp.Scope != "read" {
		t.Errorf("Scope = %q, want read", resp.Scope)
	}

	// Entirely unsupported scope is rejected.
	req = registrationRequest()
	req.Metadata.Scope = "admin"
	_, err = srv.RegisterClient(ctx, req)
	assertOAuthError(t, err, oauth.ErrorCodeInvalidClientMetadata)
}

func TestRegisterClientQuota(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.Config.MaxClientsPerRegistrar = 2
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := srv.RegisterClient(ctx, registrationRequest()); err != nil {
			t.Fatalf("Registration %d failed: %v", i, err)
		}
	}

	_, err := srv.RegisterClient(ctx, registrationRequest())
	assertOAuthError(t, err, oauth.ErrorCodeInvalidRequest)
}

func TestRegisterClientRateLimit(t *testing.T) {
	srv, _ := newTestServer(t)
	limiter := security.NewRegistrationRateLimiterWithConfig(2, 0, 0, testLogger())
	t.Cleanup(limiter.Stop)
	srv.SetRegistrationLimiter(limiter)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := srv.RegisterClient(ctx, registrationRequest()); err != nil {
			t.Fatalf("Registration %d failed: %v", i, err)
		}
	}

	_, err := srv.RegisterClient(ctx, registrationRequest())
	assertOAuthError(t, err, oauth.ErrorCodeInvalidRequest)
}

func TestRegistrationManagement(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	resp, err := srv.RegisterClient(ctx, registrationRequest())
	if err != nil {
		t.Fatalf("RegisterClient failed: %v", err)
	}

	// Reading requires the registration access token.
	if _, err := srv.GetRegistration(ctx, resp.ClientID, "wrong"); err == nil {
		t.Error("Expected GetRegistration to fail with a wrong token")
	}
	got, err := srv.GetRegistration(ctx, resp.ClientID, resp.RegistrationAccessToken)
	if err != nil {
		t.Fatalf("GetRegistration failed: %v", err)
	}
	if got.ClientName != "Example App" {
		t.Errorf("ClientName = %q", got.ClientName)
	}
	if got.ClientSecret != "" {
		t.Error("GetRegistration must not return the client secret")
	}

	// Deleting requires it too.
	err = srv.DeleteRegistration(ctx, resp.ClientID, "wrong")
	assertOAuthError(t, err, oauth.ErrorCodeInvalidClient)
	if err := srv.DeleteRegistration(ctx, resp.ClientID, resp.RegistrationAccessToken); err != nil {
		t.Fatalf("DeleteRegistration failed: %v", err)
	}
	if _, err := store.GetClient(ctx, resp.ClientID); err == nil {
		t.Error("Expected client to be deleted")
	}
}
