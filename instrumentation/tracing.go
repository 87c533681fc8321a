package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys.
//
// SECURITY WARNING: Never log actual sensitive values (access tokens, refresh
// tokens, authorization codes, client secrets, code verifiers) in traces or
// metrics. Only log metadata such as token types, expiry times, family IDs,
// and validation results. Traces are persisted, replicated, and readable by
// wider audiences than the token stores themselves.
const (
	// OAuth flow attributes - metadata only
	AttrClientID        = "oauth.client_id"        // Client identifier (non-secret)
	AttrUserID          = "oauth.user_id"          // User identifier (non-secret)
	AttrScope           = "oauth.scope"            // Requested scopes
	AttrPKCEMethod      = "oauth.pkce.method"      // PKCE method used (S256, plain)
	AttrTokenFamilyID   = "oauth.token.family_id"  //nolint:gosec // Token family identifier for rotation tracking
	AttrTokenGeneration = "oauth.token.generation" //nolint:gosec // Token generation number
	AttrCodeReuse       = "oauth.code.reuse"       // Whether code reuse was detected (boolean)
	AttrTokenReuse      = "oauth.token.reuse"      //nolint:gosec // Whether token reuse was detected (boolean)
	AttrGrantType       = "oauth.grant_type"       // OAuth grant type
	AttrResponseType    = "oauth.response_type"    // OAuth response type
	AttrClientType      = "oauth.client_type"      // Client type (public/confidential)
	AttrTokenType       = "oauth.token_type"       //nolint:gosec // Token type (Bearer, etc.) - NOT the actual token
	AttrError           = "oauth.error"            // Error code

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	// Security attributes
	AttrRateLimiterType = "security.rate_limiter.type"
	AttrAuditEventType  = "security.audit.event_type"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddGrantAttributes adds common grant processing attributes to a span (nil-safe)
func AddGrantAttributes(span trace.Span, clientID, grantType, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if grantType != "" {
		SetSpanAttributes(span, attribute.String(AttrGrantType, grantType))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddPKCEAttributes adds PKCE-related attributes to a span (nil-safe)
func AddPKCEAttributes(span trace.Span, method string) {
	if method != "" {
		SetSpanAttributes(span, attribute.String(AttrPKCEMethod, method))
	}
}

// AddTokenFamilyAttributes adds token family tracking attributes to a span (nil-safe)
func AddTokenFamilyAttributes(span trace.Span, familyID string, generation int) {
	if familyID != "" {
		SetSpanAttributes(span,
			attribute.String(AttrTokenFamilyID, familyID),
			attribute.Int(AttrTokenGeneration, generation),
		)
	}
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}
