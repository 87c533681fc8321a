package redis

import (
	"encoding/json"
	"time"

	"github.com/giantswarm/oauth-core/storage"
)

// Wire records for Redis values. Timestamps are Unix seconds so the Lua
// scripts can set them with tonumber(ARGV); zero times round-trip as 0.

type clientRecord struct {
	ClientID                string   `json:"client_id"`
	ClientSecretHash        string   `json:"client_secret_hash,omitempty"`
	ClientType              string   `json:"client_type"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	Scopes                  []string `json:"scopes,omitempty"`
	AutoApprove             bool     `json:"auto_approve,omitempty"`
	Disabled                bool     `json:"disabled,omitempty"`
	RegistrationTokenHash   string   `json:"registration_token_hash,omitempty"`
	RegisteredBy            string   `json:"registered_by,omitempty"`
	CreatedAt               int64    `json:"created_at,omitempty"`
}

type codeRecord struct {
	Code                string `json:"code"`
	ClientID            string `json:"client_id"`
	UserID              string `json:"user_id"`
	RedirectURI         string `json:"redirect_uri,omitempty"`
	Scope               string `json:"scope,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	CreatedAt           int64  `json:"created_at,omitempty"`
	ExpiresAt           int64  `json:"expires_at,omitempty"`
	Used                bool   `json:"used"`
	UsedAt              int64  `json:"used_at,omitempty"`
}

type accessTokenRecord struct {
	ID        string `json:"id,omitempty"`
	Token     string `json:"token"`
	ClientID  string `json:"client_id"`
	UserID    string `json:"user_id,omitempty"`
	Scope     string `json:"scope,omitempty"`
	FamilyID  string `json:"family_id,omitempty"`
	IssuedAt  int64  `json:"issued_at,omitempty"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
	Revoked   bool   `json:"revoked"`
}

type refreshTokenRecord struct {
	ID         string `json:"id,omitempty"`
	Token      string `json:"token"`
	ClientID   string `json:"client_id"`
	UserID     string `json:"user_id,omitempty"`
	Scope      string `json:"scope,omitempty"`
	FamilyID   string `json:"family_id"`
	Generation int    `json:"generation"`
	IssuedAt   int64  `json:"issued_at,omitempty"`
	ExpiresAt  int64  `json:"expires_at,omitempty"`
	Rotated    bool   `json:"rotated"`
	RotatedAt  int64  `json:"rotated_at,omitempty"`
	Revoked    bool   `json:"revoked"`
	RevokedAt  int64  `json:"revoked_at,omitempty"`
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeFromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

func encodeClient(c *storage.Client) ([]byte, error) {
	return json.Marshal(&clientRecord{
		ClientID:                c.ClientID,
		ClientSecretHash:        c.ClientSecretHash,
		ClientType:              c.ClientType,
		RedirectURIs:            c.RedirectURIs,
		TokenEndpointAuthMethod: c.TokenEndpointAuthMethod,
		GrantTypes:              c.GrantTypes,
		ResponseTypes:           c.ResponseTypes,
		ClientName:              c.ClientName,
		Scopes:                  c.Scopes,
		AutoApprove:             c.AutoApprove,
		Disabled:                c.Disabled,
		RegistrationTokenHash:   c.RegistrationTokenHash,
		RegisteredBy:            c.RegisteredBy,
		CreatedAt:               unixOrZero(c.CreatedAt),
	})
}

func decodeClient(data []byte) (*storage.Client, error) {
	var r clientRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &storage.Client{
		ClientID:                r.ClientID,
		ClientSecretHash:        r.ClientSecretHash,
		ClientType:              r.ClientType,
		RedirectURIs:            r.RedirectURIs,
		TokenEndpointAuthMethod: r.TokenEndpointAuthMethod,
		GrantTypes:              r.GrantTypes,
		ResponseTypes:           r.ResponseTypes,
		ClientName:              r.ClientName,
		Scopes:                  r.Scopes,
		AutoApprove:             r.AutoApprove,
		Disabled:                r.Disabled,
		RegistrationTokenHash:   r.RegistrationTokenHash,
		RegisteredBy:            r.RegisteredBy,
		CreatedAt:               timeFromUnix(r.CreatedAt),
	}, nil
}

func encodeCode(c *storage.AuthorizationCode) ([]byte, error) {
	return json.Marshal(&codeRecord{
		Code:                c.Code,
		ClientID:            c.ClientID,
		UserID:              c.UserID,
		RedirectURI:         c.RedirectURI,
		Scope:               c.Scope,
		CodeChallenge:       c.CodeChallenge,
		CodeChallengeMethod: c.CodeChallengeMethod,
		CreatedAt:           unixOrZero(c.CreatedAt),
		ExpiresAt:           unixOrZero(c.ExpiresAt),
		Used:                c.Used,
		UsedAt:              unixOrZero(c.UsedAt),
	})
}

func decodeCode(data []byte) (*storage.AuthorizationCode, error) {
	var r codeRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &storage.AuthorizationCode{
		Code:                r.Code,
		ClientID:            r.ClientID,
		UserID:              r.UserID,
		RedirectURI:         r.RedirectURI,
		Scope:               r.Scope,
		CodeChallenge:       r.CodeChallenge,
		CodeChallengeMethod: r.CodeChallengeMethod,
		CreatedAt:           timeFromUnix(r.CreatedAt),
		ExpiresAt:           timeFromUnix(r.ExpiresAt),
		Used:                r.Used,
		UsedAt:              timeFromUnix(r.UsedAt),
	}, nil
}

func encodeAccessToken(t *storage.AccessToken) ([]byte, error) {
	return json.Marshal(&accessTokenRecord{
		ID:        t.ID,
		Token:     t.Token,
		ClientID:  t.ClientID,
		UserID:    t.UserID,
		Scope:     t.Scope,
		FamilyID:  t.FamilyID,
		IssuedAt:  unixOrZero(t.IssuedAt),
		ExpiresAt: unixOrZero(t.ExpiresAt),
		Revoked:   t.Revoked,
	})
}

func decodeAccessToken(data []byte) (*storage.AccessToken, error) {
	var r accessTokenRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &storage.AccessToken{
		ID:        r.ID,
		Token:     r.Token,
		ClientID:  r.ClientID,
		UserID:    r.UserID,
		Scope:     r.Scope,
		FamilyID:  r.FamilyID,
		IssuedAt:  timeFromUnix(r.IssuedAt),
		ExpiresAt: timeFromUnix(r.ExpiresAt),
		Revoked:   r.Revoked,
	}, nil
}

func encodeRefreshToken(t *storage.RefreshToken) ([]byte, error) {
	return json.Marshal(&refreshTokenRecord{
		ID:         t.ID,
		Token:      t.Token,
		ClientID:   t.ClientID,
		UserID:     t.UserID,
		Scope:      t.Scope,
		FamilyID:   t.FamilyID,
		Generation: t.Generation,
		IssuedAt:   unixOrZero(t.IssuedAt),
		ExpiresAt:  unixOrZero(t.ExpiresAt),
		Rotated:    t.Rotated,
		RotatedAt:  unixOrZero(t.RotatedAt),
		Revoked:    t.Revoked,
		RevokedAt:  unixOrZero(t.RevokedAt),
	})
}

func decodeRefreshToken(data []byte) (*storage.RefreshToken, error) {
	var r refreshTokenRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &storage.RefreshToken{
		ID:         r.ID,
		Token:      r.Token,
		ClientID:   r.ClientID,
		UserID:     r.UserID,
		Scope:      r.Scope,
		FamilyID:   r.FamilyID,
		Generation: r.Generation,
		IssuedAt:   timeFromUnix(r.IssuedAt),
		ExpiresAt:  timeFromUnix(r.ExpiresAt),
		Rotated:    r.Rotated,
		RotatedAt:  timeFromUnix(r.RotatedAt),
		Revoked:    r.Revoked,
		RevokedAt:  timeFromUnix(r.RevokedAt),
	}, nil
}
