// Package observability wires OpenTelemetry metrics and tracing for taskmesh.
//
// Components record into a *Metrics value (router attempts, circuit opens,
// task outcomes, agent invocations) and open spans on an otel trace.Tracer.
// Setup installs a Prometheus backed meter provider, exposes the scrape
// handler, and exports spans over OTLP/gRPC when an endpoint is configured.
// Every Metrics method is safe on a nil receiver so observability stays optional.
package observability
