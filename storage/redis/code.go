package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/giantswarm/oauth-core/storage"
)

// consumeCodeScript atomically marks an authorization code used. The first
// caller gets "OK:<json>"; later callers get "ALREADY_USED:<json>" so the
// reuse cascade can identify the user and client; missing or expired keys
// yield "NOT_FOUND". The TTL is preserved so the reuse marker lives exactly
// as long as the code would have.
var consumeCodeScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
    return 'NOT_FOUND'
end
local rec = cjson.decode(raw)
if rec.used then
    return 'ALREADY_USED:' .. raw
end
rec.used = true
rec.used_at = tonumber(ARGV[1])
local updated = cjson.encode(rec)
local ttl = redis.call('TTL', KEYS[1])
if ttl > 0 then
    redis.call('SET', KEYS[1], updated, 'EX', ttl)
else
    redis.call('SET', KEYS[1], updated)
end
return 'OK:' .. updated
`)

// SaveAuthorizationCode saves an issued authorization code with a TTL
// matching its expiry.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	start := time.Now()
	ctx, span := s.startOp(ctx, "save_code")

	if code == nil || code.Code == "" {
		s.recordOp(ctx, span, "save_code", "error", start)
		return fmt.Errorf("authorization code is required")
	}

	ttl := time.Until(code.ExpiresAt)
	if ttl <= 0 {
		s.recordOp(ctx, span, "save_code", "error", start)
		return fmt.Errorf("authorization code is already expired")
	}

	data, err := encodeCode(code)
	if err != nil {
		s.recordOp(ctx, span, "save_code", "error", start)
		return fmt.Errorf("failed to encode authorization code: %w", err)
	}

	if err := s.rdb.Set(ctx, s.codeKey(code.Code), data, ttl).Err(); err != nil {
		s.recordOp(ctx, span, "save_code", "error", start)
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.recordOp(ctx, span, "save_code", "success", start)
	return nil
}

// GetAuthorizationCode retrieves an authorization code without consuming it
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	start := time.Now()
	ctx, span := s.startOp(ctx, "get_code")

	data, err := s.rdb.Get(ctx, s.codeKey(code)).Result()
	if err == redis.Nil {
		s.recordOp(ctx, span, "get_code", "not_found", start)
		return nil, storage.ErrCodeNotFound
	}
	if err != nil {
		s.recordOp(ctx, span, "get_code", "error", start)
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}

	record, err := decodeCode([]byte(data))
	if err != nil {
		s.recordOp(ctx, span, "get_code", "error", start)
		return nil, fmt.Errorf("failed to decode authorization code: %w", err)
	}

	s.recordOp(ctx, span, "get_code", "success", start)
	return record, nil
}

// AtomicConsumeAuthorizationCode atomically marks a code used via a Lua
// script, so exactly one caller wins even across replicas.
func (s *Store) AtomicConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	start := time.Now()
	ctx, span := s.startOp(ctx, "consume_code")

	result, err := consumeCodeScript.Run(ctx, s.rdb,
		[]string{s.codeKey(code)},
		time.Now().Unix(),
	).Text()
	if err != nil {
		s.recordOp(ctx, span, "consume_code", "error", start)
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		s.recordOp(ctx, span, "consume_code", "not_found", start)
		return nil, storage.ErrCodeNotFound

	case strings.HasPrefix(result, "ALREADY_USED:"):
		record, err := decodeCode([]byte(strings.TrimPrefix(result, "ALREADY_USED:")))
		if err != nil {
			s.recordOp(ctx, span, "consume_code", "error", start)
			return nil, fmt.Errorf("failed to decode reused authorization code: %w", err)
		}
		s.recordOp(ctx, span, "consume_code", "reuse", start)
		return record, storage.ErrCodeUsed

	case strings.HasPrefix(result, "OK:"):
		record, err := decodeCode([]byte(strings.TrimPrefix(result, "OK:")))
		if err != nil {
			s.recordOp(ctx, span, "consume_code", "error", start)
			return nil, fmt.Errorf("failed to decode authorization code: %w", err)
		}
		s.recordOp(ctx, span, "consume_code", "success", start)
		return record, nil

	default:
		s.recordOp(ctx, span, "consume_code", "error", start)
		return nil, fmt.Errorf("unexpected consume script result: %s", result)
	}
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	if err := s.rdb.Del(ctx, s.codeKey(code)).Err(); err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}
	return nil
}
