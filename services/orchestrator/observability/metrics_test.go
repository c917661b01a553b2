// Copyright (C) 2026 Kodiak AI (maintainers@kodiakchat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// ============================================================================
// Test Helper: Create isolated metrics for testing
// ============================================================================

// newTestMetrics creates a StreamingMetrics instance with a custom registry.
// This avoids conflicts with the global Prometheus registry and allows
// parallel testing.
func newTestMetrics(t *testing.T) *StreamingMetrics {
	t.Helper()

	reg := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: streamingSubsystem,
			Name:      "requests_total",
			Help:      "Total number of streaming requests by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)

	tokensTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: streamingSubsystem,
			Name:      "tokens_total",
			Help:      "Total output token events by model",
		},
		[]string{"model"},
	)

	timeToFirstTokenSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: streamingSubsystem,
			Name:      "time_to_first_token_seconds",
			Help:      "Time from request to first token in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
		[]string{"endpoint"},
	)

	streamDurationSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: streamingSubsystem,
			Name:      "stream_duration_seconds",
			Help:      "Total stream duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"endpoint", "status"},
	)

	activeStreams := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: streamingSubsystem,
			Name:      "active_streams",
			Help:      "Number of currently active streaming connections",
		},
		[]string{"endpoint"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: streamingSubsystem,
			Name:      "errors_total",
			Help:      "Total streaming errors by type and endpoint",
		},
		[]string{"endpoint", "error_code"},
	)

	keepAlivesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: streamingSubsystem,
			Name:      "keepalives_total",
			Help:      "Total keepalive pings sent",
		},
		[]string{"endpoint"},
	)

	clientDisconnectsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: streamingSubsystem,
			Name:      "client_disconnects_total",
			Help:      "Total client disconnections during streaming",
		},
		[]string{"endpoint"},
	)

	persistFailuresTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "persist",
			Name:      "failures_total",
			Help:      "Total background persistence failures by operation",
		},
		[]string{"op"},
	)

	// Register all metrics with the test registry
	reg.MustRegister(
		requestsTotal,
		tokensTotal,
		timeToFirstTokenSeconds,
		streamDurationSeconds,
		activeStreams,
		errorsTotal,
		keepAlivesTotal,
		clientDisconnectsTotal,
		persistFailuresTotal,
	)

	return &StreamingMetrics{
		RequestsTotal:           requestsTotal,
		TokensTotal:             tokensTotal,
		TimeToFirstTokenSeconds: timeToFirstTokenSeconds,
		StreamDurationSeconds:   streamDurationSeconds,
		ActiveStreams:           activeStreams,
		ErrorsTotal:             errorsTotal,
		KeepAlivesTotal:         keepAlivesTotal,
		ClientDisconnectsTotal:  clientDisconnectsTotal,
		PersistFailuresTotal:    persistFailuresTotal,
	}
}

// ============================================================================
// InitMetrics Tests
// ============================================================================

// Note: InitMetrics uses promauto which registers with the default Prometheus
// registry. This test must only run once per test binary execution since
// duplicate registration will panic.
var initMetricsTestOnce bool

func TestInitMetrics(t *testing.T) {
	if initMetricsTestOnce {
		t.Skip("InitMetrics can only be called once per test run (promauto restriction)")
	}
	initMetricsTestOnce = true

	result := InitMetrics()

	if result == nil {
		t.Fatal("InitMetrics() returned nil")
	}
	if DefaultMetrics == nil {
		t.Fatal("DefaultMetrics should be set after InitMetrics()")
	}
	if DefaultMetrics != result {
		t.Error("DefaultMetrics should equal the returned value")
	}

	if result.RequestsTotal == nil {
		t.Error("RequestsTotal should not be nil")
	}
	if result.TokensTotal == nil {
		t.Error("TokensTotal should not be nil")
	}
	if result.TimeToFirstTokenSeconds == nil {
		t.Error("TimeToFirstTokenSeconds should not be nil")
	}
	if result.StreamDurationSeconds == nil {
		t.Error("StreamDurationSeconds should not be nil")
	}
	if result.ActiveStreams == nil {
		t.Error("ActiveStreams should not be nil")
	}
	if result.ErrorsTotal == nil {
		t.Error("ErrorsTotal should not be nil")
	}
	if result.KeepAlivesTotal == nil {
		t.Error("KeepAlivesTotal should not be nil")
	}
	if result.ClientDisconnectsTotal == nil {
		t.Error("ClientDisconnectsTotal should not be nil")
	}
	if result.PersistFailuresTotal == nil {
		t.Error("PersistFailuresTotal should not be nil")
	}

	// Verify the singleton is usable
	result.RecordRequest(EndpointSSEStream, true)
	result.RecordError(EndpointWSStream, ErrorCodeTimeout)
	result.RecordTokens(100, "ollama/gpt-oss")
	result.StreamStarted(EndpointSSEStream)
	result.StreamEnded(EndpointSSEStream)
}

// ============================================================================
// Constants Tests
// ============================================================================

func TestConstants(t *testing.T) {
	if metricsNamespace != "kodiak" {
		t.Errorf("metricsNamespace = %q, want %q", metricsNamespace, "kodiak")
	}
	if streamingSubsystem != "streaming" {
		t.Errorf("streamingSubsystem = %q, want %q", streamingSubsystem, "streaming")
	}
}

func TestEndpointConstants(t *testing.T) {
	if EndpointSSEStream != "sse_stream" {
		t.Errorf("EndpointSSEStream = %q, want %q", EndpointSSEStream, "sse_stream")
	}
	if EndpointWSStream != "ws_stream" {
		t.Errorf("EndpointWSStream = %q, want %q", EndpointWSStream, "ws_stream")
	}
}

func TestErrorCodeConstants(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want string
	}{
		{ErrorCodeValidation, "validation"},
		{ErrorCodeNotFound, "not_found"},
		{ErrorCodeProvider, "provider_error"},
		{ErrorCodeTimeout, "timeout"},
		{ErrorCodeInternal, "internal"},
		{ErrorCodeClientDisconnect, "client_disconnect"},
	}

	for _, tt := range tests {
		if string(tt.code) != tt.want {
			t.Errorf("ErrorCode = %q, want %q", tt.code, tt.want)
		}
	}
}

// ============================================================================
// RecordRequest Tests
// ============================================================================

func TestStreamingMetrics_RecordRequest_Success(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRequest(EndpointSSEStream, true)

	val := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("sse_stream", "success"))
	if val != 1 {
		t.Errorf("RequestsTotal[sse_stream,success] = %f, want 1", val)
	}
}

func TestStreamingMetrics_RecordRequest_Error(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRequest(EndpointWSStream, false)

	val := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("ws_stream", "error"))
	if val != 1 {
		t.Errorf("RequestsTotal[ws_stream,error] = %f, want 1", val)
	}
}

func TestStreamingMetrics_RecordRequest_Multiple(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRequest(EndpointSSEStream, true)
	m.RecordRequest(EndpointSSEStream, true)
	m.RecordRequest(EndpointSSEStream, false)
	m.RecordRequest(EndpointWSStream, true)

	successVal := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("sse_stream", "success"))
	if successVal != 2 {
		t.Errorf("RequestsTotal[sse_stream,success] = %f, want 2", successVal)
	}

	errorVal := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("sse_stream", "error"))
	if errorVal != 1 {
		t.Errorf("RequestsTotal[sse_stream,error] = %f, want 1", errorVal)
	}

	wsVal := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("ws_stream", "success"))
	if wsVal != 1 {
		t.Errorf("RequestsTotal[ws_stream,success] = %f, want 1", wsVal)
	}
}

// ============================================================================
// RecordError Tests
// ============================================================================

func TestStreamingMetrics_RecordError(t *testing.T) {
	m := newTestMetrics(t)

	tests := []struct {
		endpoint Endpoint
		code     ErrorCode
	}{
		{EndpointSSEStream, ErrorCodeValidation},
		{EndpointSSEStream, ErrorCodeNotFound},
		{EndpointSSEStream, ErrorCodeProvider},
		{EndpointWSStream, ErrorCodeTimeout},
		{EndpointWSStream, ErrorCodeInternal},
		{EndpointSSEStream, ErrorCodeClientDisconnect},
	}

	for _, tt := range tests {
		m.RecordError(tt.endpoint, tt.code)

		val := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues(string(tt.endpoint), string(tt.code)))
		if val != 1 {
			t.Errorf("ErrorsTotal[%s,%s] = %f, want 1", tt.endpoint, tt.code, val)
		}
	}
}

// ============================================================================
// RecordTokens Tests
// ============================================================================

func TestStreamingMetrics_RecordTokens(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordTokens(100, "ollama/gpt-oss")
	m.RecordTokens(50, "ollama/gpt-oss")
	m.RecordTokens(25, "anthropic/claude-sonnet-4-5")

	ollamaVal := testutil.ToFloat64(m.TokensTotal.WithLabelValues("ollama/gpt-oss"))
	if ollamaVal != 150 {
		t.Errorf("TokensTotal[ollama/gpt-oss] = %f, want 150", ollamaVal)
	}

	anthropicVal := testutil.ToFloat64(m.TokensTotal.WithLabelValues("anthropic/claude-sonnet-4-5"))
	if anthropicVal != 25 {
		t.Errorf("TokensTotal[anthropic/claude-sonnet-4-5] = %f, want 25", anthropicVal)
	}
}

// ============================================================================
// StreamStarted/StreamEnded Tests
// ============================================================================

func TestStreamingMetrics_StreamLifecycle(t *testing.T) {
	m := newTestMetrics(t)

	m.StreamStarted(EndpointSSEStream)
	m.StreamStarted(EndpointSSEStream)
	m.StreamStarted(EndpointWSStream)

	val := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("sse_stream"))
	if val != 2 {
		t.Errorf("After 2 starts: ActiveStreams[sse_stream] = %f, want 2", val)
	}

	m.StreamEnded(EndpointSSEStream)
	m.StreamEnded(EndpointSSEStream)

	val = testutil.ToFloat64(m.ActiveStreams.WithLabelValues("sse_stream"))
	if val != 0 {
		t.Errorf("After all ends: ActiveStreams[sse_stream] = %f, want 0", val)
	}

	wsVal := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("ws_stream"))
	if wsVal != 1 {
		t.Errorf("ActiveStreams[ws_stream] = %f, want 1", wsVal)
	}
}

// ============================================================================
// Histogram Tests
// ============================================================================

func TestStreamingMetrics_RecordTimeToFirstToken(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordTimeToFirstToken(EndpointSSEStream, 0.5)

	count := testutil.CollectAndCount(m.TimeToFirstTokenSeconds)
	if count == 0 {
		t.Error("Expected at least one metric to be collected")
	}
}

func TestStreamingMetrics_RecordStreamDuration(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordStreamDuration(EndpointSSEStream, 10.5, true)
	m.RecordStreamDuration(EndpointWSStream, 5.0, false)

	count := testutil.CollectAndCount(m.StreamDurationSeconds)
	if count == 0 {
		t.Error("Expected at least one metric to be collected")
	}
}

// ============================================================================
// KeepAlive / Disconnect / Persist Failure Tests
// ============================================================================

func TestStreamingMetrics_RecordKeepAlive(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordKeepAlive(EndpointSSEStream)
	m.RecordKeepAlive(EndpointSSEStream)
	m.RecordKeepAlive(EndpointWSStream)

	sseVal := testutil.ToFloat64(m.KeepAlivesTotal.WithLabelValues("sse_stream"))
	if sseVal != 2 {
		t.Errorf("KeepAlivesTotal[sse_stream] = %f, want 2", sseVal)
	}

	wsVal := testutil.ToFloat64(m.KeepAlivesTotal.WithLabelValues("ws_stream"))
	if wsVal != 1 {
		t.Errorf("KeepAlivesTotal[ws_stream] = %f, want 1", wsVal)
	}
}

func TestStreamingMetrics_RecordClientDisconnect(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordClientDisconnect(EndpointWSStream)
	m.RecordClientDisconnect(EndpointWSStream)

	val := testutil.ToFloat64(m.ClientDisconnectsTotal.WithLabelValues("ws_stream"))
	if val != 2 {
		t.Errorf("ClientDisconnectsTotal[ws_stream] = %f, want 2", val)
	}
}

func TestStreamingMetrics_RecordPersistFailure(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordPersistFailure("append")
	m.RecordPersistFailure("append")
	m.RecordPersistFailure("create")

	appendVal := testutil.ToFloat64(m.PersistFailuresTotal.WithLabelValues("append"))
	if appendVal != 2 {
		t.Errorf("PersistFailuresTotal[append] = %f, want 2", appendVal)
	}

	createVal := testutil.ToFloat64(m.PersistFailuresTotal.WithLabelValues("create"))
	if createVal != 1 {
		t.Errorf("PersistFailuresTotal[create] = %f, want 1", createVal)
	}
}

// ============================================================================
// Integration / Scenario Tests
// ============================================================================

func TestStreamingMetrics_CompleteStreamScenario(t *testing.T) {
	m := newTestMetrics(t)

	m.StreamStarted(EndpointSSEStream)
	m.RecordTimeToFirstToken(EndpointSSEStream, 0.5)
	m.RecordKeepAlive(EndpointSSEStream)
	m.RecordKeepAlive(EndpointSSEStream)
	m.RecordTokens(200, "ollama/gpt-oss")
	m.RecordStreamDuration(EndpointSSEStream, 30.0, true)
	m.StreamEnded(EndpointSSEStream)
	m.RecordRequest(EndpointSSEStream, true)

	activeVal := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("sse_stream"))
	if activeVal != 0 {
		t.Errorf("ActiveStreams should be 0 after stream ended, got %f", activeVal)
	}

	requestsVal := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("sse_stream", "success"))
	if requestsVal != 1 {
		t.Errorf("RequestsTotal[success] should be 1, got %f", requestsVal)
	}

	keepAliveVal := testutil.ToFloat64(m.KeepAlivesTotal.WithLabelValues("sse_stream"))
	if keepAliveVal != 2 {
		t.Errorf("KeepAlivesTotal should be 2, got %f", keepAliveVal)
	}
}

func TestStreamingMetrics_FailedStreamScenario(t *testing.T) {
	m := newTestMetrics(t)

	m.StreamStarted(EndpointWSStream)
	m.RecordTimeToFirstToken(EndpointWSStream, 0.3)
	m.RecordError(EndpointWSStream, ErrorCodeProvider)
	m.RecordStreamDuration(EndpointWSStream, 5.0, false)
	m.StreamEnded(EndpointWSStream)
	m.RecordRequest(EndpointWSStream, false)

	activeVal := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("ws_stream"))
	if activeVal != 0 {
		t.Errorf("ActiveStreams should be 0 after stream ended, got %f", activeVal)
	}

	errorsVal := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("ws_stream", "provider_error"))
	if errorsVal != 1 {
		t.Errorf("ErrorsTotal[provider_error] should be 1, got %f", errorsVal)
	}
}

// ============================================================================
// Concurrent Safety Tests
// ============================================================================

func TestStreamingMetrics_ConcurrentSafety(t *testing.T) {
	m := newTestMetrics(t)

	done := make(chan bool, 80)

	for i := 0; i < 20; i++ {
		go func() {
			m.RecordRequest(EndpointSSEStream, true)
			done <- true
		}()
	}

	for i := 0; i < 20; i++ {
		go func() {
			m.RecordError(EndpointWSStream, ErrorCodeTimeout)
			done <- true
		}()
	}

	for i := 0; i < 20; i++ {
		go func() {
			m.RecordTokens(10, "ollama/gpt-oss")
			done <- true
		}()
	}

	for i := 0; i < 20; i++ {
		go func() {
			m.StreamStarted(EndpointSSEStream)
			m.StreamEnded(EndpointSSEStream)
			done <- true
		}()
	}

	for i := 0; i < 80; i++ {
		<-done
	}

	requestsVal := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("sse_stream", "success"))
	if requestsVal != 20 {
		t.Errorf("RequestsTotal[sse_stream,success] = %f, want 20", requestsVal)
	}

	errorsVal := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("ws_stream", "timeout"))
	if errorsVal != 20 {
		t.Errorf("ErrorsTotal[ws_stream,timeout] = %f, want 20", errorsVal)
	}
}
