// Copyright (C) 2026 Kodiak AI (maintainers@kodiakchat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for the orchestrator.
//
// # Description
//
// This package implements Prometheus metrics for monitoring streaming chat
// operations. Metrics include:
//   - Request counters (by endpoint, status, error type)
//   - Token usage (output tokens by model)
//   - Latency histograms (time to first token, total duration)
//   - Active stream gauges
//   - Background persistence failures
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "kodiak"

// Subsystem for streaming metrics
const streamingSubsystem = "streaming"

// StreamingMetrics holds all Prometheus metrics for streaming chat operations.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring streaming
// performance and resource usage. Initialize once at startup via
// InitMetrics().
//
// # Thread Safety
//
// All operations are thread-safe.
type StreamingMetrics struct {
	// RequestsTotal counts streaming requests by endpoint and status.
	// Labels: endpoint (sse_stream, ws_stream), status (success, error)
	RequestsTotal *prometheus.CounterVec

	// TokensTotal counts output token events by model.
	// Labels: model (composite "provider/model" registry key)
	TokensTotal *prometheus.CounterVec

	// TimeToFirstTokenSeconds measures latency to first token.
	// Labels: endpoint
	TimeToFirstTokenSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures total stream duration.
	// Labels: endpoint, status (success, error)
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently active streaming connections.
	// Labels: endpoint
	ActiveStreams *prometheus.GaugeVec

	// ErrorsTotal counts errors by type and endpoint.
	// Labels: endpoint, error_code (validation, provider_error, timeout, etc.)
	ErrorsTotal *prometheus.CounterVec

	// KeepAlivesTotal counts keepalive pings sent.
	// Labels: endpoint
	KeepAlivesTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts client disconnections during streaming.
	// Labels: endpoint
	ClientDisconnectsTotal *prometheus.CounterVec

	// PersistFailuresTotal counts background persistence failures. These
	// never surface to clients, so the counter is the primary signal that
	// turns are being lost.
	// Labels: op (append, create)
	PersistFailuresTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of StreamingMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *StreamingMetrics

var initOnce sync.Once

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics on the default registry.
// Safe to call more than once; only the first call registers.
//
// # Outputs
//
//   - *StreamingMetrics: The initialized metrics instance.
func InitMetrics() *StreamingMetrics {
	initOnce.Do(func() {
		DefaultMetrics = &StreamingMetrics{
			RequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: streamingSubsystem,
					Name:      "requests_total",
					Help:      "Total number of streaming requests by endpoint and status",
				},
				[]string{"endpoint", "status"},
			),

			TokensTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: streamingSubsystem,
					Name:      "tokens_total",
					Help:      "Total output token events by model",
				},
				[]string{"model"},
			),

			TimeToFirstTokenSeconds: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: metricsNamespace,
					Subsystem: streamingSubsystem,
					Name:      "time_to_first_token_seconds",
					Help:      "Time from request to first token in seconds",
					Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
				},
				[]string{"endpoint"},
			),

			StreamDurationSeconds: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: metricsNamespace,
					Subsystem: streamingSubsystem,
					Name:      "stream_duration_seconds",
					Help:      "Total stream duration in seconds",
					Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
				},
				[]string{"endpoint", "status"},
			),

			ActiveStreams: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: metricsNamespace,
					Subsystem: streamingSubsystem,
					Name:      "active_streams",
					Help:      "Number of currently active streaming connections",
				},
				[]string{"endpoint"},
			),

			ErrorsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: streamingSubsystem,
					Name:      "errors_total",
					Help:      "Total streaming errors by type and endpoint",
				},
				[]string{"endpoint", "error_code"},
			),

			KeepAlivesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: streamingSubsystem,
					Name:      "keepalives_total",
					Help:      "Total keepalive pings sent",
				},
				[]string{"endpoint"},
			),

			ClientDisconnectsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: streamingSubsystem,
					Name:      "client_disconnects_total",
					Help:      "Total client disconnections during streaming",
				},
				[]string{"endpoint"},
			),

			PersistFailuresTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: "persist",
					Name:      "failures_total",
					Help:      "Total background persistence failures by operation",
				},
				[]string{"op"},
			),
		}
	})
	return DefaultMetrics
}

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	// ErrorCodeValidation indicates request validation failure.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeNotFound indicates a missing or inaccessible session.
	ErrorCodeNotFound ErrorCode = "not_found"

	// ErrorCodeProvider indicates a model provider failure.
	ErrorCodeProvider ErrorCode = "provider_error"

	// ErrorCodeTimeout indicates operation timeout.
	ErrorCodeTimeout ErrorCode = "timeout"

	// ErrorCodeInternal indicates internal server error.
	ErrorCodeInternal ErrorCode = "internal"

	// ErrorCodeClientDisconnect indicates client disconnected.
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
)

// =============================================================================
// Endpoint Names
// =============================================================================

// Endpoint represents a streaming endpoint for metrics labeling.
type Endpoint string

const (
	// EndpointSSEStream is the HTTP SSE chat streaming endpoint.
	EndpointSSEStream Endpoint = "sse_stream"

	// EndpointWSStream is the WebSocket chat streaming endpoint.
	EndpointWSStream Endpoint = "ws_stream"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a completed streaming request.
func (m *StreamingMetrics) RecordRequest(endpoint Endpoint, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.RequestsTotal.WithLabelValues(string(endpoint), status).Inc()
}

// RecordError records a streaming error.
func (m *StreamingMetrics) RecordError(endpoint Endpoint, code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// RecordTokens records output token events for a model.
func (m *StreamingMetrics) RecordTokens(tokens int, model string) {
	m.TokensTotal.WithLabelValues(model).Add(float64(tokens))
}

// StreamStarted increments the active streams gauge.
func (m *StreamingMetrics) StreamStarted(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *StreamingMetrics) StreamEnded(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordTimeToFirstToken records the time to first token latency.
func (m *StreamingMetrics) RecordTimeToFirstToken(endpoint Endpoint, seconds float64) {
	m.TimeToFirstTokenSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordStreamDuration records the total stream duration.
func (m *StreamingMetrics) RecordStreamDuration(endpoint Endpoint, seconds float64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.StreamDurationSeconds.WithLabelValues(string(endpoint), status).Observe(seconds)
}

// RecordKeepAlive increments the keepalive counter.
func (m *StreamingMetrics) RecordKeepAlive(endpoint Endpoint) {
	m.KeepAlivesTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordClientDisconnect increments the client disconnect counter.
func (m *StreamingMetrics) RecordClientDisconnect(endpoint Endpoint) {
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordPersistFailure increments the persistence failure counter.
func (m *StreamingMetrics) RecordPersistFailure(op string) {
	m.PersistFailuresTotal.WithLabelValues(op).Inc()
}
