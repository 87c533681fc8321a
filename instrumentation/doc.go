// Package instrumentation provides OpenTelemetry metrics and tracing for the
// authorization server core.
//
// The package wraps meter and tracer providers behind a single
// Instrumentation type. When disabled, no-op providers are used so call
// sites never need nil checks and the overhead is negligible.
//
// Scopes are layer names ("server", "security", "storage"); instruments are
// grouped on the Metrics holder with Record* helpers for common patterns.
// Token values, secrets, and verifiers never appear in spans or metric
// attributes; only metadata such as client IDs, grant types, and family IDs.
package instrumentation
