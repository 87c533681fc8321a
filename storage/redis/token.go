package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/giantswarm/oauth-core/storage"
)

// rotateRefreshTokenScript atomically marks a refresh token rotated. The
// first caller gets "OK:<json>"; a rotated token yields "ROTATED:<json>"
// (reuse) and a revoked one "REVOKED:<json>", both carrying the record so
// the family cascade can run. TTLs are preserved so the rotation marker
// outlives the token exactly as long as the token itself would have.
var rotateRefreshTokenScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
    return 'NOT_FOUND'
end
local rec = cjson.decode(raw)
if rec.revoked then
    return 'REVOKED:' .. raw
end
if rec.rotated then
    return 'ROTATED:' .. raw
end
rec.rotated = true
rec.rotated_at = tonumber(ARGV[1])
local updated = cjson.encode(rec)
local ttl = redis.call('TTL', KEYS[1])
if ttl > 0 then
    redis.call('SET', KEYS[1], updated, 'EX', ttl)
else
    redis.call('SET', KEYS[1], updated)
end
return 'OK:' .. updated
`)

// revokeOneScript marks a single token record revoked, preserving its TTL.
// Returns 1 when a live record was revoked, 0 otherwise.
var revokeOneScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
    return 0
end
local rec = cjson.decode(raw)
if rec.revoked then
    return 0
end
rec.revoked = true
rec.revoked_at = tonumber(ARGV[1])
local updated = cjson.encode(rec)
local ttl = redis.call('TTL', KEYS[1])
if ttl > 0 then
    redis.call('SET', KEYS[1], updated, 'EX', ttl)
else
    redis.call('SET', KEYS[1], updated)
end
return 1
`)

// revokeSetScript revokes every token record referenced by an index set,
// pruning dangling members whose keys already expired. Returns the number
// of records revoked.
var revokeSetScript = redis.NewScript(`
local revoked = 0
local members = redis.call('SMEMBERS', KEYS[1])
for _, key in ipairs(members) do
    local raw = redis.call('GET', key)
    if raw then
        local rec = cjson.decode(raw)
        if not rec.revoked then
            rec.revoked = true
            rec.revoked_at = tonumber(ARGV[1])
            local updated = cjson.encode(rec)
            local ttl = redis.call('TTL', key)
            if ttl > 0 then
                redis.call('SET', key, updated, 'EX', ttl)
            else
                redis.call('SET', key, updated)
            end
            revoked = revoked + 1
        end
    else
        redis.call('SREM', KEYS[1], key)
    end
end
return revoked
`)

// SaveAccessToken saves an issued access token and indexes it for the
// revocation cascades.
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	start := time.Now()
	ctx, span := s.startOp(ctx, "save_access_token")

	if token == nil || token.Token == "" {
		s.recordOp(ctx, span, "save_access_token", "error", start)
		return fmt.Errorf("access token is required")
	}

	ttl := time.Until(token.ExpiresAt)
	if ttl <= 0 {
		s.recordOp(ctx, span, "save_access_token", "error", start)
		return fmt.Errorf("access token is already expired")
	}

	data, err := encodeAccessToken(token)
	if err != nil {
		s.recordOp(ctx, span, "save_access_token", "error", start)
		return fmt.Errorf("failed to encode access token: %w", err)
	}

	key := s.accessTokenKey(token.Token)
	indexTTL := ttl + s.revokedRetention

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, key, data, ttl)
	if token.FamilyID != "" {
		fam := s.familyKey(token.FamilyID)
		pipe.SAdd(ctx, fam, key)
		pipe.Expire(ctx, fam, indexTTL)
	}
	if token.UserID != "" {
		uc := s.userClientKey(token.UserID, token.ClientID)
		pipe.SAdd(ctx, uc, key)
		pipe.Expire(ctx, uc, indexTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.recordOp(ctx, span, "save_access_token", "error", start)
		return fmt.Errorf("failed to save access token: %w", err)
	}

	s.recordOp(ctx, span, "save_access_token", "success", start)
	return nil
}

// GetAccessToken retrieves an access token; expired tokens have lapsed TTLs
// and behave as unknown.
func (s *Store) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	start := time.Now()
	ctx, span := s.startOp(ctx, "get_access_token")

	data, err := s.rdb.Get(ctx, s.accessTokenKey(token)).Result()
	if err == redis.Nil {
		s.recordOp(ctx, span, "get_access_token", "not_found", start)
		return nil, storage.ErrTokenNotFound
	}
	if err != nil {
		s.recordOp(ctx, span, "get_access_token", "error", start)
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}

	record, err := decodeAccessToken([]byte(data))
	if err != nil {
		s.recordOp(ctx, span, "get_access_token", "error", start)
		return nil, fmt.Errorf("failed to decode access token: %w", err)
	}

	s.recordOp(ctx, span, "get_access_token", "success", start)
	return record, nil
}

// RevokeAccessToken marks an access token revoked. Unknown tokens are not an error.
func (s *Store) RevokeAccessToken(ctx context.Context, token string) error {
	start := time.Now()
	ctx, span := s.startOp(ctx, "revoke_access_token")

	err := revokeOneScript.Run(ctx, s.rdb,
		[]string{s.accessTokenKey(token)},
		time.Now().Unix(),
	).Err()
	if err != nil && err != redis.Nil {
		s.recordOp(ctx, span, "revoke_access_token", "error", start)
		return fmt.Errorf("failed to revoke access token: %w", err)
	}

	s.recordOp(ctx, span, "revoke_access_token", "success", start)
	return nil
}

// SaveRefreshToken saves an issued refresh token and indexes it for the
// revocation cascades. The TTL includes the revoked-retention window so a
// revoked or rotated record outlives its nominal expiry for classification.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	start := time.Now()
	ctx, span := s.startOp(ctx, "save_refresh_token")

	if token == nil || token.Token == "" {
		s.recordOp(ctx, span, "save_refresh_token", "error", start)
		return fmt.Errorf("refresh token is required")
	}
	if token.FamilyID == "" {
		s.recordOp(ctx, span, "save_refresh_token", "error", start)
		return fmt.Errorf("refresh token family ID is required")
	}

	ttl := time.Until(token.ExpiresAt)
	if ttl <= 0 {
		s.recordOp(ctx, span, "save_refresh_token", "error", start)
		return fmt.Errorf("refresh token is already expired")
	}

	data, err := encodeRefreshToken(token)
	if err != nil {
		s.recordOp(ctx, span, "save_refresh_token", "error", start)
		return fmt.Errorf("failed to encode refresh token: %w", err)
	}

	key := s.refreshTokenKey(token.Token)
	indexTTL := ttl + s.revokedRetention
	fam := s.familyKey(token.FamilyID)

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, key, data, ttl+s.revokedRetention)
	pipe.SAdd(ctx, fam, key)
	pipe.Expire(ctx, fam, indexTTL)
	if token.UserID != "" {
		uc := s.userClientKey(token.UserID, token.ClientID)
		pipe.SAdd(ctx, uc, key)
		pipe.Expire(ctx, uc, indexTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.recordOp(ctx, span, "save_refresh_token", "error", start)
		return fmt.Errorf("failed to save refresh token: %w", err)
	}

	s.recordOp(ctx, span, "save_refresh_token", "success", start)
	return nil
}

// GetRefreshToken retrieves a refresh token by its value
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	start := time.Now()
	ctx, span := s.startOp(ctx, "get_refresh_token")

	data, err := s.rdb.Get(ctx, s.refreshTokenKey(token)).Result()
	if err == redis.Nil {
		s.recordOp(ctx, span, "get_refresh_token", "not_found", start)
		return nil, storage.ErrRefreshTokenNotFound
	}
	if err != nil {
		s.recordOp(ctx, span, "get_refresh_token", "error", start)
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	record, err := decodeRefreshToken([]byte(data))
	if err != nil {
		s.recordOp(ctx, span, "get_refresh_token", "error", start)
		return nil, fmt.Errorf("failed to decode refresh token: %w", err)
	}

	// The key TTL includes the retention window; enforce nominal expiry here
	if !record.Revoked && !record.Rotated && record.ExpiresAt.Before(time.Now()) {
		s.recordOp(ctx, span, "get_refresh_token", "not_found", start)
		return nil, fmt.Errorf("%w: %w", storage.ErrRefreshTokenNotFound, storage.ErrExpired)
	}

	s.recordOp(ctx, span, "get_refresh_token", "success", start)
	return record, nil
}

// AtomicRotateRefreshToken atomically marks a refresh token rotated via a
// Lua script, so exactly one caller wins even across replicas.
func (s *Store) AtomicRotateRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	start := time.Now()
	ctx, span := s.startOp(ctx, "rotate_refresh_token")

	result, err := rotateRefreshTokenScript.Run(ctx, s.rdb,
		[]string{s.refreshTokenKey(token)},
		time.Now().Unix(),
	).Text()
	if err != nil {
		s.recordOp(ctx, span, "rotate_refresh_token", "error", start)
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		s.recordOp(ctx, span, "rotate_refresh_token", "not_found", start)
		return nil, storage.ErrRefreshTokenNotFound

	case strings.HasPrefix(result, "REVOKED:"):
		record, err := decodeRefreshToken([]byte(strings.TrimPrefix(result, "REVOKED:")))
		if err != nil {
			s.recordOp(ctx, span, "rotate_refresh_token", "error", start)
			return nil, fmt.Errorf("failed to decode revoked refresh token: %w", err)
		}
		s.recordOp(ctx, span, "rotate_refresh_token", "revoked", start)
		return record, storage.ErrRefreshTokenRevoked

	case strings.HasPrefix(result, "ROTATED:"):
		record, err := decodeRefreshToken([]byte(strings.TrimPrefix(result, "ROTATED:")))
		if err != nil {
			s.recordOp(ctx, span, "rotate_refresh_token", "error", start)
			return nil, fmt.Errorf("failed to decode rotated refresh token: %w", err)
		}
		s.recordOp(ctx, span, "rotate_refresh_token", "reuse", start)
		return record, storage.ErrRefreshTokenRotated

	case strings.HasPrefix(result, "OK:"):
		record, err := decodeRefreshToken([]byte(strings.TrimPrefix(result, "OK:")))
		if err != nil {
			s.recordOp(ctx, span, "rotate_refresh_token", "error", start)
			return nil, fmt.Errorf("failed to decode refresh token: %w", err)
		}
		if record.ExpiresAt.Before(time.Now()) {
			// Rotation won the race but the token had passed its nominal
			// expiry inside the retention window
			s.recordOp(ctx, span, "rotate_refresh_token", "expired", start)
			return nil, fmt.Errorf("%w: %w", storage.ErrRefreshTokenNotFound, storage.ErrExpired)
		}
		s.recordOp(ctx, span, "rotate_refresh_token", "success", start)
		return record, nil

	default:
		s.recordOp(ctx, span, "rotate_refresh_token", "error", start)
		return nil, fmt.Errorf("unexpected rotate script result: %s", result)
	}
}

// RevokeTokenFamily revokes every access and refresh token in a family
func (s *Store) RevokeTokenFamily(ctx context.Context, familyID string) (int, error) {
	if familyID == "" {
		return 0, fmt.Errorf("family ID is required")
	}

	start := time.Now()
	ctx, span := s.startOp(ctx, "revoke_token_family")

	revoked, err := revokeSetScript.Run(ctx, s.rdb,
		[]string{s.familyKey(familyID)},
		time.Now().Unix(),
	).Int()
	if err != nil {
		s.recordOp(ctx, span, "revoke_token_family", "error", start)
		return 0, fmt.Errorf("failed to revoke token family: %w", err)
	}

	s.logger.Debug("Revoked token family",
		"family_id", familyID,
		"tokens_revoked", revoked)

	s.recordOp(ctx, span, "revoke_token_family", "success", start)
	return revoked, nil
}

// RevokeAllForUserClient revokes every token issued to a user+client pair
func (s *Store) RevokeAllForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	start := time.Now()
	ctx, span := s.startOp(ctx, "revoke_all_for_user_client")

	revoked, err := revokeSetScript.Run(ctx, s.rdb,
		[]string{s.userClientKey(userID, clientID)},
		time.Now().Unix(),
	).Int()
	if err != nil {
		s.recordOp(ctx, span, "revoke_all_for_user_client", "error", start)
		return 0, fmt.Errorf("failed to revoke tokens for user and client: %w", err)
	}

	s.recordOp(ctx, span, "revoke_all_for_user_client", "success", start)
	return revoked, nil
}
