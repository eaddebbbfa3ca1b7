// Package security provides the security primitives the launch flow is
// built on: token encryption at rest, audit logging with hashed PII,
// per-identifier rate limiting, clock-skew tolerant expiry checks,
// client IP extraction behind proxies, request ID propagation, and
// bcrypt verification of the session binder's API token.
//
// Nothing in this package knows about SMART or FHIR; it is consumed by
// the flow, handler, and storage layers.
package security
