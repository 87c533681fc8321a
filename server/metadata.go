package server

import (
	oauth "github.com/giantswarm/oauth-core"
	"github.com/giantswarm/oauth-core/internal/util"
)

// Metadata builds the RFC 8414 authorization server metadata document from
// the server configuration. Endpoint paths follow the conventional layout
// under the issuer.
func (s *Server) Metadata() *oauth.AuthorizationServerMetadata {
	issuer := util.NormalizeURL(s.Config.Issuer)

	methods := []string{
		oauth.TokenEndpointAuthMethodBasic,
		oauth.TokenEndpointAuthMethodPost,
		oauth.TokenEndpointAuthMethodNone,
	}
	challengeMethods := []string{oauth.PKCEMethodS256}
	if s.Config.AllowPKCEPlain {
		challengeMethods = append(challengeMethods, oauth.PKCEMethodPlain)
	}

	return &oauth.AuthorizationServerMetadata{
		Issuer:                issuer,
		AuthorizationEndpoint: issuer + "/authorize",
		TokenEndpoint:         issuer + "/token",
		RegistrationEndpoint:  issuer + "/register",
		IntrospectionEndpoint: issuer + "/introspect",
		RevocationEndpoint:    issuer + "/revoke",
		ScopesSupported:       s.Config.SupportedScopes,
		ResponseTypesSupported: []string{
			oauth.ResponseTypeCode,
		},
		GrantTypesSupported: []string{
			oauth.GrantTypeAuthorizationCode,
			oauth.GrantTypeClientCredentials,
			oauth.GrantTypeRefreshToken,
		},
		TokenEndpointAuthMethodsSupported: methods,
		CodeChallengeMethodsSupported:     challengeMethods,
	}
}
