// Package observability provides the OpenTelemetry metric instruments of the
// engine and an in-process exporter that renders them for the HTTP surface.
package observability
