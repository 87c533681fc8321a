package security

import (
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection. User
// identifiers are hashed before they reach the log stream; client IDs are
// public identifiers and logged as-is. Token values never appear in events,
// only their digests.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued logs when tokens are issued
func (a *Auditor) LogTokenIssued(userID, clientID, grantType, scope string) {
	a.LogEvent(Event{
		Type:     EventTokenIssued,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"grant_type": grantType,
			"scope":      scope,
		},
	})
}

// LogTokenRefreshed logs a successful refresh token rotation
func (a *Auditor) LogTokenRefreshed(userID, clientID, familyID string, generation int) {
	a.LogEvent(Event{
		Type:     EventTokenRefreshed,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"family_id":  familyID,
			"generation": generation,
		},
	})
}

// LogTokenRevoked logs when a token is revoked
func (a *Auditor) LogTokenRevoked(userID, clientID, tokenType string) {
	a.LogEvent(Event{
		Type:     EventTokenRevoked,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"token_type": tokenType,
		},
	})
}

// LogAuthFailure logs a client authentication failure
func (a *Auditor) LogAuthFailure(clientID, reason string) {
	a.LogEvent(Event{
		Type:     EventAuthFailure,
		ClientID: clientID,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogCodeReuse logs an authorization code reuse and the resulting cascade
func (a *Auditor) LogCodeReuse(userID, clientID, codeDigest string, tokensRevoked int) {
	a.LogEvent(Event{
		Type:     EventAuthorizationCodeReuseDetected,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"code_digest":    codeDigest,
			"tokens_revoked": tokensRevoked,
		},
	})
}

// LogRefreshTokenReuse logs a refresh token reuse and the family revocation
func (a *Auditor) LogRefreshTokenReuse(userID, clientID, familyID string, tokensRevoked int) {
	a.LogEvent(Event{
		Type:     EventRefreshTokenReuseDetected,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"family_id":      familyID,
			"tokens_revoked": tokensRevoked,
		},
	})
}

// LogScopeEscalation logs an attempt to obtain scopes beyond the grant
func (a *Auditor) LogScopeEscalation(userID, clientID, requested, allowed string) {
	a.LogEvent(Event{
		Type:     EventScopeEscalationAttempt,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"requested": requested,
			"allowed":   allowed,
		},
	})
}

// LogClientRegistered logs when a new client is registered
func (a *Auditor) LogClientRegistered(clientID, clientType string) {
	a.LogEvent(Event{
		Type:     EventClientRegistered,
		ClientID: clientID,
		Details: map[string]any{
			"client_type": clientType,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(clientID, operation string) {
	a.LogEvent(Event{
		Type:     EventRateLimitExceeded,
		ClientID: clientID,
		Details: map[string]any{
			"operation": operation,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	return TokenDigest(sensitive)
}
