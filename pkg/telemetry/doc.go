// Package telemetry wires OpenTelemetry exporters, meters, and the Prometheus
// registry for the pipeline runner.
//
// It centralises trace provider setup, records node and run metrics on the
// global meter, and exposes a Prometheus recorder that the execution engine
// reports run lifecycle events to.
package telemetry
