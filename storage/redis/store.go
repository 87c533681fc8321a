package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
)

// Compile-time interface checks
var _ storage.Store = (*Store)(nil)

const (
	// DefaultKeyPrefix namespaces all keys written by this store
	DefaultKeyPrefix = "oauth:"

	// DefaultRevokedRetention is how long revoked refresh tokens are kept
	// after revocation so late reuse is still classified as revoked.
	DefaultRevokedRetention = 24 * time.Hour
)

// dummyBcryptHash is compared against when a client is unknown so that
// secret validation takes the same time for unknown clients and wrong
// secrets.
const dummyBcryptHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Store is a Redis-backed implementation of storage.Store.
type Store struct {
	rdb              redis.UniversalClient
	logger           *slog.Logger
	inst             *instrumentation.Instrumentation
	tracer           trace.Tracer
	prefix           string
	revokedRetention time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix overrides the key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithRevokedRetention overrides how long revoked refresh tokens are kept.
func WithRevokedRetention(d time.Duration) Option {
	return func(s *Store) { s.revokedRetention = d }
}

// New creates a Redis-backed store on an existing client. The caller owns
// the client's lifecycle.
func New(rdb redis.UniversalClient, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		rdb:              rdb,
		logger:           logger,
		prefix:           DefaultKeyPrefix,
		revokedRetention: DefaultRevokedRetention,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetInstrumentation wires OpenTelemetry instrumentation into the store.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.inst = inst
	if inst == nil {
		s.tracer = nil
		return
	}
	s.tracer = inst.Tracer("storage")
}

// Ping verifies connectivity to the Redis backend.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// startOp starts a span for a storage operation. The span is nil when no
// tracer is wired; recordOp and the span helpers tolerate that.
func (s *Store) startOp(ctx context.Context, op string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, nil
	}
	ctx, span := s.tracer.Start(ctx, "storage."+op)
	instrumentation.AddStorageAttributes(span, op, "redis")
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

// Key builders. Codes and tokens are keyed by the SHA-256 hash of their
// value so the keyspace never contains usable credentials.

func (s *Store) clientKey(clientID string) string {
	return s.prefix + "client:" + clientID
}

func (s *Store) registrarKey(registeredBy string) string {
	return s.prefix + "registrar:" + security.HashToken(registeredBy)
}

func (s *Store) codeKey(code string) string {
	return s.prefix + "code:" + security.HashToken(code)
}

func (s *Store) accessTokenKey(token string) string {
	return s.prefix + "at:" + security.HashToken(token)
}

func (s *Store) refreshTokenKey(token string) string {
	return s.prefix + "rt:" + security.HashToken(token)
}

func (s *Store) familyKey(familyID string) string {
	return s.prefix + "family:" + familyID
}

func (s *Store) userClientKey(userID, clientID string) string {
	return s.prefix + "uc:" + security.HashToken(userID) + ":" + clientID
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

	data, err := encodeClient(client)
	if err != nil {
		s.recordOp(ctx, span, "save_client", "error", start)
		return fmt.Errorf("failed to encode client: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.clientKey(client.ClientID), data, 0)
	if client.RegisteredBy != "" {
		pipe.SAdd(ctx, s.registrarKey(client.RegisteredBy), client.ClientID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.recordOp(ctx, span, "save_client", "error", start)
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.recordOp(ctx, span, "save_client", "success", start)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	start := time.Now()
	ctx, span := s.startOp(ctx, "get_client")

	data, err := s.rdb.Get(ctx, s.clientKey(clientID)).Result()
	if err == redis.Nil {
		s.recordOp(ctx, span, "get_client", "not_found", start)
		return nil, storage.ErrClientNotFound
	}
	if err != nil {
		s.recordOp(ctx, span, "get_client", "error", start)
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	client, err := decodeClient([]byte(data))
	if err != nil {
		s.recordOp(ctx, span, "get_client", "error", start)
		return nil, fmt.Errorf("failed to decode client: %w", err)
	}

	s.recordOp(ctx, span, "get_client", "success", start)
	return client, nil
}

// DeleteClient removes a registered client
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	start := time.Now()
	ctx, span := s.startOp(ctx, "delete_client")

	client, err := s.GetClient(ctx, clientID)
	if err == storage.ErrClientNotFound {
		s.recordOp(ctx, span, "delete_client", "not_found", start)
		return nil
	}
	if err != nil {
		s.recordOp(ctx, span, "delete_client", "error", start)
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.clientKey(clientID))
	if client.RegisteredBy != "" {
		pipe.SRem(ctx, s.registrarKey(client.RegisteredBy), clientID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.recordOp(ctx, span, "delete_client", "error", start)
		return fmt.Errorf("failed to delete client: %w", err)
	}

	s.recordOp(ctx, span, "delete_client", "success", start)
	return nil
}

// ValidateClientSecret validates a client's secret. Unknown clients and
// wrong secrets both cost one bcrypt comparison and return the same error.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	start := time.Now()
	ctx, span := s.startOp(ctx, "validate_client_secret")

	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyBcryptHash), []byte(clientSecret))
		s.recordOp(ctx, span, "validate_client_secret", "not_found", start)
		return storage.ErrInvalidClientSecret
	}

	if client.ClientSecretHash == "" {
		if clientSecret == "" {
			s.recordOp(ctx, span, "validate_client_secret", "success", start)
			return nil
		}
		_ = bcrypt.CompareHashAndPassword([]byte(dummyBcryptHash), []byte(clientSecret))
		s.recordOp(ctx, span, "validate_client_secret", "failure", start)
		return storage.ErrInvalidClientSecret
	}

	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
		s.recordOp(ctx, span, "validate_client_secret", "failure", start)
		return storage.ErrInvalidClientSecret
	}

	s.recordOp(ctx, span, "validate_client_secret", "success", start)
	return nil
}

// ListClients lists all registered clients using SCAN to avoid blocking Redis
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	var clients []*storage.Client

	iter := s.rdb.Scan(ctx, 0, s.prefix+"client:*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.rdb.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue // deleted between SCAN and GET
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get client: %w", err)
		}
		client, err := decodeClient([]byte(data))
		if err != nil {
			s.logger.Warn("Skipping undecodable client record", "key", iter.Val(), "error", err)
			continue
		}
		clients = append(clients, client)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan clients: %w", err)
	}

	return clients, nil
}

// CheckRegistrarQuota checks whether a registrar may register another client
func (s *Store) CheckRegistrarQuota(ctx context.Context, registeredBy string, maxClients int) error {
	if maxClients <= 0 {
		return nil // unlimited
	}

	count, err := s.rdb.SCard(ctx, s.registrarKey(registeredBy)).Result()
	if err != nil {
		return fmt.Errorf("failed to count registrar clients: %w", err)
	}

	if count >= int64(maxClients) {
		return fmt.Errorf("%w: %d clients registered by %s (limit %d)",
			storage.ErrRegistrationQuotaExceeded, count, security.TokenDigest(registeredBy), maxClients)
	}
	return nil
}
