package server

import (
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
)

// Server implements the OAuth 2.1 authorization server logic
// (transport-agnostic). It coordinates the grant flows using the storage
// backends.
type Server struct {
	clientStore storage.ClientStore
	codeStore   storage.CodeStore
	tokenStore  storage.TokenStore

	Auditor                  *security.Auditor
	RateLimiter              *security.RateLimiter             // Per-client request rate limiter
	SecurityEventRateLimiter *security.RateLimiter             // Rate limiter for security event logging (DoS prevention)
	RegistrationLimiter      *security.RegistrationRateLimiter // Per-registrar registration rate limiter
	Logger                   *slog.Logger
	Config                   *Config

	inst   *instrumentation.Instrumentation
	tracer trace.Tracer
}

// New creates a new OAuth server
func New(
	clientStore storage.ClientStore,
	codeStore storage.CodeStore,
	tokenStore storage.TokenStore,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if codeStore == nil {
		return nil, fmt.Errorf("code store is required")
	}
	if tokenStore == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if config == nil {
		config = &Config{}
	}

	if logger == nil {
		logger = slog.Default()
	}

	// Apply secure defaults
	config = applySecureDefaults(config, logger)

	return &Server{
		clientStore: clientStore,
		codeStore:   codeStore,
		tokenStore:  tokenStore,
		Config:      config,
		Logger:      logger,
	}, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetRateLimiter sets the per-client rate limiter for the token and
// authorization endpoints
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetSecurityEventRateLimiter sets the rate limiter for security event logging
// This prevents DoS attacks via log flooding from repeated security events
func (s *Server) SetSecurityEventRateLimiter(rl *security.RateLimiter) {
	s.SecurityEventRateLimiter = rl
}

// SetRegistrationLimiter sets the rate limiter for dynamic client registration
func (s *Server) SetRegistrationLimiter(rl *security.RegistrationRateLimiter) {
	s.RegistrationLimiter = rl
}

// SetInstrumentation wires OpenTelemetry instrumentation into the server
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.inst = inst
	if inst == nil {
		s.tracer = nil
		return
	}
	s.tracer = inst.Tracer("server")
}

// metrics returns the metrics holder, or nil when instrumentation is not set.
// Callers must nil-check the result.
func (s *Server) metrics() *instrumentation.Metrics {
	if s.inst == nil {
		return nil
	}
	return s.inst.Metrics()
}

// allowSecurityEvent reports whether a security event for the identifier may
// be logged. Repeated attack traffic must not be able to flood the audit log.
func (s *Server) allowSecurityEvent(identifier string) bool {
	if s.SecurityEventRateLimiter == nil {
		return true
	}
	return s.SecurityEventRateLimiter.Allow(identifier)
}

// generateRandomToken generates a cryptographically secure random token.
// This is an alias for oauth2.GenerateVerifier() which produces a URL-safe,
// base64-encoded random string suitable for tokens, codes, secrets, etc.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
