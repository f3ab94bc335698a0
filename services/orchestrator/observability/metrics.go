// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for the relay.
//
// # Description
//
// Prometheus metrics for the chat relay:
//   - Request counters (by endpoint and outcome)
//   - Token usage (prompt/completion tokens by model)
//   - Latency histograms (time to first token, total duration)
//   - Active stream gauges
//   - Side-effect write outcomes (user log, assistant log, cache)
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every Record method is a no-op on a nil *RelayMetrics.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const (
	metricsNamespace = "chatrelay"
	streamSubsystem  = "stream"
	sinkSubsystem    = "sink"
)

// RelayMetrics holds all Prometheus metrics of the relay.
type RelayMetrics struct {
	// RequestsTotal counts chat requests by endpoint and outcome.
	// Labels: endpoint, status (success, error, rejected)
	RequestsTotal *prometheus.CounterVec

	// TokensTotal counts tokens reported by the provider.
	// Labels: direction (input, output), model
	TokensTotal *prometheus.CounterVec

	// TimeToFirstTokenSeconds measures latency to the first token.
	// Labels: endpoint
	TimeToFirstTokenSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures total stream duration.
	// Labels: endpoint, status (success, error)
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks streams currently open to clients.
	// Labels: endpoint
	ActiveStreams *prometheus.GaugeVec

	// ErrorsTotal counts failures by code.
	// Labels: endpoint, error_code
	ErrorsTotal *prometheus.CounterVec

	// KeepAlivesTotal counts keepalive pings sent on SSE streams.
	// Labels: endpoint
	KeepAlivesTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts clients that left mid-stream.
	// Labels: endpoint
	ClientDisconnectsTotal *prometheus.CounterVec

	// SideEffectWritesTotal counts log and cache writes.
	// Labels: write (user_log, assistant_log, cache), status (success, failure, disabled)
	SideEffectWritesTotal *prometheus.CounterVec

	// SideEffectDurationSeconds measures log and cache write latency.
	// Labels: write
	SideEffectDurationSeconds *prometheus.HistogramVec
}

// DefaultMetrics is the process-wide instance registered by InitMetrics.
var DefaultMetrics *RelayMetrics

var initOnce sync.Once

// InitMetrics registers the metrics with the default Prometheus registry.
// Later calls return the same instance.
func InitMetrics() *RelayMetrics {
	initOnce.Do(func() {
		DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return DefaultMetrics
}

// NewMetrics creates the relay metrics and registers them with reg.
//
// # Inputs
//
//   - reg: Target registry. Tests pass prometheus.NewRegistry().
//
// # Limitations
//
//   - Panics if the metrics are already registered with reg.
func NewMetrics(reg prometheus.Registerer) *RelayMetrics {
	factory := promauto.With(reg)

	return &RelayMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamSubsystem,
				Name:      "requests_total",
				Help:      "Total number of chat requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamSubsystem,
				Name:      "tokens_total",
				Help:      "Total tokens reported by the provider by direction and model",
			},
			[]string{"direction", "model"},
		),

		TimeToFirstTokenSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from request to first token in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),

		StreamDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamSubsystem,
				Name:      "duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "status"},
		),

		ActiveStreams: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: streamSubsystem,
				Name:      "active",
				Help:      "Number of streams currently open to clients",
			},
			[]string{"endpoint"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamSubsystem,
				Name:      "errors_total",
				Help:      "Total chat errors by code and endpoint",
			},
			[]string{"endpoint", "error_code"},
		),

		KeepAlivesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamSubsystem,
				Name:      "keepalives_total",
				Help:      "Total keepalive pings sent",
			},
			[]string{"endpoint"},
		),

		ClientDisconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"endpoint"},
		),

		SideEffectWritesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: sinkSubsystem,
				Name:      "writes_total",
				Help:      "Total chat log and cache writes by outcome",
			},
			[]string{"write", "status"},
		),

		SideEffectDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: sinkSubsystem,
				Name:      "write_duration_seconds",
				Help:      "Chat log and cache write latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"write"},
		),
	}
}

// =============================================================================
// Labels
// =============================================================================

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	// ErrorCodeUnauthorized indicates a request without credentials.
	ErrorCodeUnauthorized ErrorCode = "unauthorized"

	// ErrorCodeValidation indicates a malformed or empty conversation.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeLLMError indicates the provider failed before streaming.
	ErrorCodeLLMError ErrorCode = "llm_error"

	// ErrorCodeStreamError indicates the provider failed mid-stream.
	ErrorCodeStreamError ErrorCode = "stream_error"

	// ErrorCodeTimeout indicates the provider deadline expired.
	ErrorCodeTimeout ErrorCode = "timeout"

	// ErrorCodeClientDisconnect indicates the client went away.
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
)

// Endpoint labels the route that served a request.
type Endpoint string

const (
	// EndpointChat is the streamed chat relay.
	EndpointChat Endpoint = "chat"
)

// Write labels one side-effect write.
type Write string

const (
	WriteUserLog      Write = "user_log"
	WriteAssistantLog Write = "assistant_log"
	WriteCache        Write = "cache"
)

// WriteStatus is the outcome of one side-effect write.
type WriteStatus string

const (
	WriteSucceeded WriteStatus = "success"
	WriteFailed    WriteStatus = "failure"
	WriteDisabled  WriteStatus = "disabled"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a finished chat request. status is one of
// "success", "error" or "rejected".
func (m *RelayMetrics) RecordRequest(endpoint Endpoint, status string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(string(endpoint), status).Inc()
}

// RecordError records a chat error.
func (m *RelayMetrics) RecordError(endpoint Endpoint, code ErrorCode) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// RecordTokens records provider-reported token usage.
func (m *RelayMetrics) RecordTokens(inputTokens, outputTokens int, model string) {
	if m == nil {
		return
	}
	m.TokensTotal.WithLabelValues("input", model).Add(float64(inputTokens))
	m.TokensTotal.WithLabelValues("output", model).Add(float64(outputTokens))
}

// StreamStarted increments the active streams gauge.
func (m *RelayMetrics) StreamStarted(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *RelayMetrics) StreamEnded(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordTimeToFirstToken records the time to first token latency.
func (m *RelayMetrics) RecordTimeToFirstToken(endpoint Endpoint, seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstTokenSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordStreamDuration records the total stream duration.
func (m *RelayMetrics) RecordStreamDuration(endpoint Endpoint, seconds float64, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.StreamDurationSeconds.WithLabelValues(string(endpoint), status).Observe(seconds)
}

// RecordKeepAlive increments the keepalive counter.
func (m *RelayMetrics) RecordKeepAlive(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.KeepAlivesTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordClientDisconnect increments the client disconnect counter.
func (m *RelayMetrics) RecordClientDisconnect(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordSideEffect records the outcome and latency of one log or cache write.
func (m *RelayMetrics) RecordSideEffect(write Write, status WriteStatus, seconds float64) {
	if m == nil {
		return
	}
	m.SideEffectWritesTotal.WithLabelValues(string(write), string(status)).Inc()
	if status != WriteDisabled {
		m.SideEffectDurationSeconds.WithLabelValues(string(write)).Observe(seconds)
	}
}
