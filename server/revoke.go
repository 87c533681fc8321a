package server

import (
	"context"
	"errors"

	oauth "github.com/giantswarm/oauth-core"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
)

// RevocationRequest carries an RFC 7009 revocation request. The caller
// authenticates with its client credentials.
type RevocationRequest struct {
	Token         string
	TokenTypeHint string
	ClientID      string
	ClientSecret  string
}

// Revoke invalidates a token (RFC 7009). Revoking a refresh token revokes
// its whole family, access tokens included. Unknown tokens and tokens
// belonging to another client succeed silently; a client can learn nothing
// about tokens it does not own. Only client authentication failures and
// storage failures produce an error.
func (s *Server) Revoke(ctx context.Context, req *RevocationRequest) error {
	client, oerr := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if oerr != nil {
		return oerr
	}
	if req.Token == "" {
		return nil
	}

	if req.TokenTypeHint == oauth.TokenTypeHintRefreshToken {
		done, err := s.revokeRefreshToken(ctx, client, req.Token)
		if done || err != nil {
			return err
		}
		_, err = s.revokeAccessToken(ctx, client, req.Token)
		return err
	}

	done, err := s.revokeAccessToken(ctx, client, req.Token)
	if done || err != nil {
		return err
	}
	_, err = s.revokeRefreshToken(ctx, client, req.Token)
	return err
}

// revokeAccessToken revokes a single access token. Reports whether the value
// resolved to an access token owned by the caller.
func (s *Server) revokeAccessToken(ctx context.Context, client *storage.Client, token string) (bool, error) {
	record, err := s.tokenStore.GetAccessToken(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return false, nil
		}
		s.Logger.Error("Failed to look up access token for revocation", "error", err)
		return false, oauth.ErrServerError("failed to revoke token")
	}
	if record.ClientID != client.ClientID {
		s.auditSuspicious(client.ClientID, "revocation attempted for a foreign token")
		return true, nil
	}

	if err := s.tokenStore.RevokeAccessToken(ctx, token); err != nil {
		s.Logger.Error("Failed to revoke access token", "error", err)
		return false, oauth.ErrServerError("failed to revoke token")
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRevoked(record.UserID, client.ClientID, oauth.TokenTypeHintAccessToken)
	}
	if m := s.metrics(); m != nil {
		m.RecordTokenRevocation(ctx, client.ClientID, oauth.TokenTypeHintAccessToken)
	}
	return true, nil
}

// revokeRefreshToken revokes a refresh token and its whole family. Reports
// whether the value resolved to a refresh token owned by the caller.
func (s *Server) revokeRefreshToken(ctx context.Context, client *storage.Client, token string) (bool, error) {
	record, err := s.tokenStore.GetRefreshToken(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrRefreshTokenNotFound) {
			return false, nil
		}
		s.Logger.Error("Failed to look up refresh token for revocation", "error", err)
		return false, oauth.ErrServerError("failed to revoke token")
	}
	if record.ClientID != client.ClientID {
		s.auditSuspicious(client.ClientID, "revocation attempted for a foreign token")
		return true, nil
	}

	revoked, err := s.tokenStore.RevokeTokenFamily(ctx, record.FamilyID)
	if err != nil {
		s.Logger.Error("Failed to revoke token family", "family_id", record.FamilyID, "error", err)
		return false, oauth.ErrServerError("failed to revoke token")
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRevoked(record.UserID, client.ClientID, oauth.TokenTypeHintRefreshToken)
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventTokenFamilyRevoked,
			UserID:   record.UserID,
			ClientID: client.ClientID,
			Details: map[string]any{
				"family_id":      record.FamilyID,
				"tokens_revoked": revoked,
			},
		})
	}
	if m := s.metrics(); m != nil {
		m.RecordTokenRevocation(ctx, client.ClientID, oauth.TokenTypeHintRefreshToken)
	}
	s.Logger.Info("Token family revoked",
		"client_id", client.ClientID,
		"family_id", record.FamilyID,
		"tokens_revoked", revoked)
	return true, nil
}
