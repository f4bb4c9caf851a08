// Package observability builds the process logger and the Prometheus
// collectors used by the authentication services.
//
// Metrics methods are safe to call on a nil *Metrics so services can be
// constructed without instrumentation in tests.
package observability
