// Package instrumentation provides OpenTelemetry metrics and tracing for the
// authorization server.
//
// All instruments are created up front through New; when instrumentation is
// disabled the package falls back to no-op providers so recording calls cost
// nothing. Helper functions on Metrics and the span helpers are nil-safe and
// may be called without checking whether instrumentation was configured.
//
// Never record credential material (tokens, codes, secrets, verifiers) as
// metric attributes or span attributes; record metadata such as client IDs,
// outcomes, and token kinds instead.
package instrumentation
