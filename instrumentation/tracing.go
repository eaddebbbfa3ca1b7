package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys.
//
// SECURITY WARNING: Never log actual sensitive values (access tokens,
// refresh tokens, authorization codes, launch tokens) in traces or
// metrics. Only log metadata such as token types, expiry times, and
// validation results. Patient identifiers are PHI and must be hashed
// before they reach any observability stream.
const (
	// Launch flow attributes - SAFE to use for metadata only
	AttrIssuer       = "smart.issuer"        // FHIR base URL (non-secret)
	AttrSessionHash  = "smart.session_hash"  // Hashed session identifier
	AttrScope        = "smart.scope"         // Requested or granted scopes
	AttrLaunchType   = "smart.launch_type"   // "ehr" or "standalone"
	AttrPhase        = "smart.phase"         // Session phase name
	AttrTokenRotated = "smart.token.rotated" //nolint:gosec // Whether the refresh token rotated (boolean)
	AttrTokenType    = "smart.token_type"    //nolint:gosec // Token type (Bearer, etc.) - NOT the actual token
	AttrExpiresIn    = "smart.expires_in"    // Token expiry duration
	AttrError        = "smart.error"         // Error code

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	// Provider attributes
	AttrProviderOperation = "provider.operation"
	AttrProviderStatus    = "provider.status"
	AttrProviderErrorType = "provider.error_type"

	// Security attributes
	AttrRateLimiterType     = "security.rate_limiter.type"
	AttrClientIP            = "security.client_ip"
	AttrAuditEventType      = "security.audit.event_type"
	AttrEncryptionOperation = "security.encryption.operation"

	// HTTP attributes (in addition to standard semantic conventions)
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe).
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe).
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe).
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe).
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddLaunchAttributes adds common launch flow attributes to a span
// (nil-safe). sessionHash must already be hashed by the caller.
func AddLaunchAttributes(span trace.Span, issuer, sessionHash, scope string) {
	if issuer != "" {
		SetSpanAttributes(span, attribute.String(AttrIssuer, issuer))
	}
	if sessionHash != "" {
		SetSpanAttributes(span, attribute.String(AttrSessionHash, sessionHash))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe).
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddProviderAttributes adds provider attributes to a span (nil-safe).
func AddProviderAttributes(span trace.Span, issuer, operation string) {
	SetSpanAttributes(span,
		attribute.String(AttrIssuer, issuer),
		attribute.String(AttrProviderOperation, operation),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe).
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

// AddSecurityAttributes adds security-related attributes to a span
// (nil-safe).
//
// PRIVACY NOTE: Client IP addresses may be PII. Check
// Instrumentation.ShouldLogClientIPs before calling.
func AddSecurityAttributes(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
