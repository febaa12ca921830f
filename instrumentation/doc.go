// Package instrumentation provides OpenTelemetry instrumentation for the
// authorization server.
//
// It exposes metrics (counters, histograms, gauges) and distributed tracing
// for the authorization flow, token issuance, key lifecycle, and storage
// layers. When instrumentation is not configured, all operations run against
// no-op providers with zero overhead.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "delegate",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
// # Available Metrics
//
// HTTP Layer:
//   - auth.http.requests.total{method, endpoint, status}
//   - auth.http.request.duration{endpoint}
//
// Flows:
//   - auth.authorization.requests{client_id, valid}
//   - auth.code.issued{client_id}
//   - auth.code.exchanged{client_id}
//   - auth.token.refreshed{client_id}
//   - auth.token.revoked{client_id}
//   - auth.token.verified{valid}
//   - auth.keys.rotations
//
// Security:
//   - auth.rate_limit.exceeded{limiter_type}
//   - auth.pkce.validation_failed{method}
//   - auth.code.reuse_detected
//   - auth.token.reuse_detected
//   - auth.audit.events.total{event_type}
//
// Storage:
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation}
//   - storage.codes.count, storage.refresh_tokens.count,
//     storage.families.count, storage.clients.count, storage.keys.count
//
// # Security Considerations
//
// Never record actual token values, authorization codes, client secrets, or
// PKCE verifiers in metrics or spans. Only metadata (token types, expiry
// times, validation results, family IDs) belongs in observability data.
// Traces and metrics are persisted and replicated well beyond the lifetime
// of the credentials they describe.
//
// # Thread Safety
//
// All instrumentation operations are safe for concurrent use.
package instrumentation
