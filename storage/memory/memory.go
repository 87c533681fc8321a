package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
)

// Compile-time interface checks
var _ storage.Store = (*Store)(nil)

const (
	// DefaultCleanupInterval is how often the expiry sweep runs
	DefaultCleanupInterval = 5 * time.Minute

	// DefaultRevokedRetention is how long revoked refresh tokens are kept
	// after revocation. Retention lets reuse of a revoked family be detected
	// and audited instead of surfacing as an unknown token.
	DefaultRevokedRetention = 24 * time.Hour
)

// dummyBcryptHash is compared against when a client is unknown so that
// secret validation takes the same time for unknown clients and wrong
// secrets. It is the hash of an unguessable random value, never a real secret.
const dummyBcryptHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Store is an in-memory implementation of storage.Store. Token and code
// records are keyed by the SHA-256 hash of their value.
type Store struct {
	mu            sync.RWMutex
	clients       map[string]*storage.Client            // clientID -> client
	codes         map[string]*storage.AuthorizationCode // hash(code) -> code
	accessTokens  map[string]*storage.AccessToken       // hash(token) -> token
	refreshTokens map[string]*storage.RefreshToken      // hash(token) -> token

	logger           *slog.Logger
	inst             *instrumentation.Instrumentation
	tracer           trace.Tracer
	revokedRetention time.Duration

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// New creates a new in-memory store and starts its background expiry sweep.
// Call Stop when the store is no longer needed.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		clients:          make(map[string]*storage.Client),
		codes:            make(map[string]*storage.AuthorizationCode),
		accessTokens:     make(map[string]*storage.AccessToken),
		refreshTokens:    make(map[string]*storage.RefreshToken),
		logger:           logger,
		revokedRetention: DefaultRevokedRetention,
		cleanupInterval:  DefaultCleanupInterval,
		stopCleanup:      make(chan struct{}),
	}

	go s.cleanupLoop()

	return s
}

// SetInstrumentation wires OpenTelemetry instrumentation into the store and
// registers the storage size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.inst = inst
	if inst == nil {
		s.tracer = nil
		return
	}
	s.tracer = inst.Tracer("storage")
	if err := inst.RegisterStorageSizeCallbacks(
		func() int64 { s.mu.RLock(); defer s.mu.RUnlock(); return int64(len(s.clients)) },
		func() int64 { s.mu.RLock(); defer s.mu.RUnlock(); return int64(len(s.codes)) },
		func() int64 { s.mu.RLock(); defer s.mu.RUnlock(); return int64(len(s.accessTokens)) },
		func() int64 { s.mu.RLock(); defer s.mu.RUnlock(); return int64(len(s.refreshTokens)) },
	); err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

// Stop halts the background expiry sweep. Safe to call multiple times.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// startOp starts a span for a storage operation. The span is nil when no
// tracer is wired; recordOp and the span helpers tolerate that.
func (s *Store) startOp(ctx context.Context, op string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, nil
	}
	ctx, span := s.tracer.Start(ctx, "storage."+op)
	instrumentation.AddStorageAttributes(span, op, "memory")
	return ctx, span
}

// recordOp sets the span status, ends the span, and records the operation
// metric when instrumentation is set.
func (s *Store) recordOp(ctx context.Context, span trace.Span, op, result string, start time.Time) {
	if result == "success" {
		instrumentation.SetSpanSuccess(span)
	} else {
		instrumentation.SetSpanError(span, result)
	}
	if span != nil {
		span.End()
	}
	if s.inst == nil {
		return
	}
	s.inst.Metrics().RecordStorageOperation(ctx, op, result, float64(time.Since(start).Microseconds())/1000.0)
}

// --- ClientStore ---

// SaveClient saves a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	start := time.Now()
	ctx, span := s.startOp(ctx, "save_client")

	if client == nil || client.ClientID == "" {
		s.recordOp(ctx, span, "save_client", "error", start)
		return fmt.Errorf("client ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := *client
	s.clients[client.ClientID] = &c

	s.recordOp(ctx, span, "save_client", "success", start)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	start := time.Now()
	ctx, span := s.startOp(ctx, "get_client")

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		s.recordOp(ctx, span, "get_client", "not_found", start)
		return nil, storage.ErrClientNotFound
	}

	c := *client
	s.recordOp(ctx, span, "get_client", "success", start)
	return &c, nil
}

// DeleteClient removes a registered client
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	start := time.Now()
	ctx, span := s.startOp(ctx, "delete_client")

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.clients, clientID)
	s.recordOp(ctx, span, "delete_client", "success", start)
	return nil
}

// ValidateClientSecret validates a client's secret. Unknown clients and
// wrong secrets both cost one bcrypt comparison and return the same error.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	start := time.Now()
	ctx, span := s.startOp(ctx, "validate_client_secret")

	s.mu.RLock()
	client, ok := s.clients[clientID]
	var hash string
	if ok {
		hash = client.ClientSecretHash
	}
	s.mu.RUnlock()

	if !ok {
		// Burn a comparison so unknown clients take as long as wrong secrets
		_ = bcrypt.CompareHashAndPassword([]byte(dummyBcryptHash), []byte(clientSecret))
		s.recordOp(ctx, span, "validate_client_secret", "not_found", start)
		return storage.ErrInvalidClientSecret
	}

	if hash == "" {
		// Public client: no secret to validate
		if clientSecret == "" {
			s.recordOp(ctx, span, "validate_client_secret", "success", start)
			return nil
		}
		_ = bcrypt.CompareHashAndPassword([]byte(dummyBcryptHash), []byte(clientSecret))
		s.recordOp(ctx, span, "validate_client_secret", "failure", start)
		return storage.ErrInvalidClientSecret
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(clientSecret)); err != nil {
		s.recordOp(ctx, span, "validate_client_secret", "failure", start)
		return storage.ErrInvalidClientSecret
	}

	s.recordOp(ctx, span, "validate_client_secret", "success", start)
	return nil
}

// ListClients lists all registered clients
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		c := *client
		clients = append(clients, &c)
	}
	return clients, nil
}

// CheckRegistrarQuota checks whether a registrar may register another client
func (s *Store) CheckRegistrarQuota(ctx context.Context, registeredBy string, maxClients int) error {
	if maxClients <= 0 {
		return nil // unlimited
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, client := range s.clients {
		if client.RegisteredBy == registeredBy {
			count++
		}
	}

	if count >= maxClients {
		return fmt.Errorf("%w: %d clients registered by %s (limit %d)",
			storage.ErrRegistrationQuotaExceeded, count, security.TokenDigest(registeredBy), maxClients)
	}
	return nil
}

// --- CodeStore ---

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	start := time.Now()
	ctx, span := s.startOp(ctx, "save_code")

	if code == nil || code.Code == "" {
		s.recordOp(ctx, span, "save_code", "error", start)
		return fmt.Errorf("authorization code is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := *code
	s.codes[security.HashToken(code.Code)] = &c

	s.recordOp(ctx, span, "save_code", "success", start)
	return nil
}

// GetAuthorizationCode retrieves an authorization code without consuming it
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	start := time.Now()
	ctx, span := s.startOp(ctx, "get_code")

	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.codes[security.HashToken(code)]
	if !ok || time.Now().After(record.ExpiresAt) {
		s.recordOp(ctx, span, "get_code", "not_found", start)
		return nil, storage.ErrCodeNotFound
	}

	c := *record
	s.recordOp(ctx, span, "get_code", "success", start)
	return &c, nil
}

// AtomicConsumeAuthorizationCode atomically marks a code used. Exactly one
// concurrent caller wins; later callers get the record with ErrCodeUsed.
func (s *Store) AtomicConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	start := time.Now()
	ctx, span := s.startOp(ctx, "consume_code")

	s.mu.Lock()
	defer s.mu.Unlock()

	key := security.HashToken(code)
	record, ok := s.codes[key]
	if !ok {
		s.recordOp(ctx, span, "consume_code", "not_found", start)
		return nil, storage.ErrCodeNotFound
	}

	if time.Now().After(record.ExpiresAt) {
		delete(s.codes, key)
		s.recordOp(ctx, span, "consume_code", "expired", start)
		return nil, fmt.Errorf("%w: %w", storage.ErrCodeNotFound, storage.ErrExpired)
	}

	if record.Used {
		c := *record
		s.recordOp(ctx, span, "consume_code", "reuse", start)
		return &c, storage.ErrCodeUsed
	}

	record.Used = true
	record.UsedAt = time.Now()

	c := *record
	s.recordOp(ctx, span, "consume_code", "success", start)
	return &c, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.codes, security.HashToken(code))
	return nil
}

// --- TokenStore ---

// SaveAccessToken saves an issued access token
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	start := time.Now()
	ctx, span := s.startOp(ctx, "save_access_token")

	if token == nil || token.Token == "" {
		s.recordOp(ctx, span, "save_access_token", "error", start)
		return fmt.Errorf("access token is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := *token
	s.accessTokens[security.HashToken(token.Token)] = &t

	s.recordOp(ctx, span, "save_access_token", "success", start)
	return nil
}

// GetAccessToken retrieves an access token by its value. Tokens expired
// beyond the clock-skew grace period behave as unknown.
func (s *Store) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	start := time.Now()
	ctx, span := s.startOp(ctx, "get_access_token")

	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.accessTokens[security.HashToken(token)]
	if !ok || security.IsTokenExpired(record.ExpiresAt) {
		s.recordOp(ctx, span, "get_access_token", "not_found", start)
		return nil, storage.ErrTokenNotFound
	}

	t := *record
	s.recordOp(ctx, span, "get_access_token", "success", start)
	return &t, nil
}

// RevokeAccessToken marks an access token revoked. Unknown tokens are not an error.
func (s *Store) RevokeAccessToken(ctx context.Context, token string) error {
	start := time.Now()
	ctx, span := s.startOp(ctx, "revoke_access_token")

	s.mu.Lock()
	defer s.mu.Unlock()

	if record, ok := s.accessTokens[security.HashToken(token)]; ok {
		record.Revoked = true
	}

	s.recordOp(ctx, span, "revoke_access_token", "success", start)
	return nil
}

// SaveRefreshToken saves an issued refresh token
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	start := time.Now()
	ctx, span := s.startOp(ctx, "save_refresh_token")

	if token == nil || token.Token == "" {
		s.recordOp(ctx, span, "save_refresh_token", "error", start)
		return fmt.Errorf("refresh token is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := *token
	s.refreshTokens[security.HashToken(token.Token)] = &t

	s.recordOp(ctx, span, "save_refresh_token", "success", start)
	return nil
}

// GetRefreshToken retrieves a refresh token by its value
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	start := time.Now()
	ctx, span := s.startOp(ctx, "get_refresh_token")

	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.refreshTokens[security.HashToken(token)]
	if !ok || security.IsTokenExpired(record.ExpiresAt) {
		s.recordOp(ctx, span, "get_refresh_token", "not_found", start)
		return nil, storage.ErrRefreshTokenNotFound
	}

	t := *record
	s.recordOp(ctx, span, "get_refresh_token", "success", start)
	return &t, nil
}

// AtomicRotateRefreshToken atomically marks a refresh token rotated. Exactly
// one concurrent caller wins; later callers get the record with
// ErrRefreshTokenRotated so the family can be revoked.
func (s *Store) AtomicRotateRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	start := time.Now()
	ctx, span := s.startOp(ctx, "rotate_refresh_token")

	s.mu.Lock()
	defer s.mu.Unlock()

	key := security.HashToken(token)
	record, ok := s.refreshTokens[key]
	if !ok {
		s.recordOp(ctx, span, "rotate_refresh_token", "not_found", start)
		return nil, storage.ErrRefreshTokenNotFound
	}

	if security.IsTokenExpired(record.ExpiresAt) {
		delete(s.refreshTokens, key)
		s.recordOp(ctx, span, "rotate_refresh_token", "expired", start)
		return nil, fmt.Errorf("%w: %w", storage.ErrRefreshTokenNotFound, storage.ErrExpired)
	}

	if record.Revoked {
		t := *record
		s.recordOp(ctx, span, "rotate_refresh_token", "revoked", start)
		return &t, storage.ErrRefreshTokenRevoked
	}

	if record.Rotated {
		t := *record
		s.recordOp(ctx, span, "rotate_refresh_token", "reuse", start)
		return &t, storage.ErrRefreshTokenRotated
	}

	record.Rotated = true
	record.RotatedAt = time.Now()

	t := *record
	s.recordOp(ctx, span, "rotate_refresh_token", "success", start)
	return &t, nil
}

// RevokeTokenFamily revokes every access and refresh token in a family
func (s *Store) RevokeTokenFamily(ctx context.Context, familyID string) (int, error) {
	if familyID == "" {
		return 0, fmt.Errorf("family ID is required")
	}

	start := time.Now()
	ctx, span := s.startOp(ctx, "revoke_token_family")

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	revoked := 0

	for _, record := range s.accessTokens {
		if record.FamilyID == familyID && !record.Revoked {
			record.Revoked = true
			revoked++
		}
	}
	for _, record := range s.refreshTokens {
		if record.FamilyID == familyID && !record.Revoked {
			record.Revoked = true
			record.RevokedAt = now
			revoked++
		}
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

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	revoked := 0

	for _, record := range s.accessTokens {
		if record.UserID == userID && record.ClientID == clientID && !record.Revoked {
			record.Revoked = true
			revoked++
		}
	}
	for _, record := range s.refreshTokens {
		if record.UserID == userID && record.ClientID == clientID && !record.Revoked {
			record.Revoked = true
			record.RevokedAt = now
			revoked++
		}
	}

	s.logger.Debug("Revoked all tokens for user and client",
		"user_id_hash", security.TokenDigest(userID),
		"client_id", clientID,
		"tokens_revoked", revoked)

	s.recordOp(ctx, span, "revoke_all_for_user_client", "success", start)
	return revoked, nil
}

// --- Cleanup ---

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// Cleanup removes expired codes and tokens. Revoked refresh tokens are kept
// for the retention window so late reuse is still classified as reuse.
func (s *Store) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0

	for key, record := range s.codes {
		if now.After(record.ExpiresAt) {
			delete(s.codes, key)
			removed++
		}
	}

	for key, record := range s.accessTokens {
		if security.IsTokenExpired(record.ExpiresAt) {
			delete(s.accessTokens, key)
			removed++
		}
	}

	for key, record := range s.refreshTokens {
		switch {
		case record.Revoked && now.Sub(record.RevokedAt) > s.revokedRetention:
			delete(s.refreshTokens, key)
			removed++
		case !record.Revoked && security.IsTokenExpired(record.ExpiresAt):
			delete(s.refreshTokens, key)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("Storage cleanup completed",
			"removed", removed,
			"codes", len(s.codes),
			"access_tokens", len(s.accessTokens),
			"refresh_tokens", len(s.refreshTokens))
	}
}
