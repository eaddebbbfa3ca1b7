// Package instrumentation provides OpenTelemetry (OTEL) instrumentation
// for the smart-launch library.
//
// It covers the layers of a launch deployment with metrics and traces:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "my-smart-app",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	flow.SetInstrumentation(inst)
//	store.SetInstrumentation(inst)
//
// # Available Metrics
//
// HTTP Layer:
//   - smart.http.requests.total{method, endpoint, status} - Total HTTP requests
//   - smart.http.request.duration{endpoint} - Request duration in milliseconds
//
// Launch Flows:
//   - smart.launch.started{issuer} - Authorization flows started
//   - smart.callback.processed{issuer, success} - Callbacks processed
//   - smart.code.exchanged{issuer} - Authorization codes exchanged
//   - smart.token.refreshed{issuer, rotated} - Tokens refreshed
//   - smart.token.revoked{issuer} - Tokens revoked
//
// Security:
//   - smart.rate_limit.exceeded{limiter_type} - Rate limit violations
//   - smart.state.replay_detected - State nonce replay attempts
//   - smart.scope.escalation_detected{issuer} - Scope escalation rejections
//   - smart.id_token.validation_failed{reason} - id_token validation failures
//
// Storage:
//   - storage.operation.total{operation, result} - Storage operations
//   - storage.operation.duration{operation} - Operation duration
//   - storage.sessions.count - Sessions with stored token sets (gauge)
//   - storage.flows.count - Pending authorization flows (gauge)
//
// Provider:
//   - provider.api.calls.total{issuer, operation, status} - EHR API calls
//   - provider.api.duration{issuer, operation} - EHR API call duration
//   - provider.api.errors.total{issuer, operation, error_type} - EHR API errors
//
// Instrumentation is disabled by default; when disabled, no-op
// providers keep the overhead at zero.
package instrumentation
