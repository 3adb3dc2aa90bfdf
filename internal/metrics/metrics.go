// Lenssync - Client Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenssync

// Package metrics holds the Prometheus instruments for the sync engine.
//
// All instruments register with the default registry through promauto and
// are served by the status server at /metrics. Components call the Record*
// helpers rather than touching the vectors directly.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Channel Metrics
	ChannelConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lenssync_channel_connected",
			Help: "1 while the sync channel has an open connection",
		},
	)

	ChannelOpens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lenssync_channel_opens_total",
			Help: "Connection attempts by outcome",
		},
		[]string{"result"}, // "success", "failure"
	)

	EnvelopesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lenssync_envelopes_sent_total",
			Help: "Envelopes written to the channel",
		},
		[]string{"name"},
	)

	EnvelopesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lenssync_envelopes_received_total",
			Help: "Well-formed envelopes read from the channel",
		},
		[]string{"name", "kind"},
	)

	EnvelopesMalformed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lenssync_envelopes_malformed_total",
			Help: "Inbound messages dropped because they could not be decoded",
		},
	)

	ResponsesUnmatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lenssync_responses_unmatched_total",
			Help: "Responses whose responseForId matched no pending request",
		},
		[]string{"name"},
	)

	TransportErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lenssync_transport_errors_total",
			Help: "Connection level failures",
		},
		[]string{"op"}, // "dial", "read", "write", "ping"
	)

	// Correlation Metrics
	RequestsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lenssync_requests_pending",
			Help: "Requests registered and still waiting for a response",
		},
	)

	RequestsTimedOut = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lenssync_requests_timed_out_total",
			Help: "Pending requests expired by the stale sweep",
		},
		[]string{"name"},
	)

	ResponseLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lenssync_response_latency_seconds",
			Help:    "Time from send to matched response",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"name"},
	)

	// Store Metrics
	StoreRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lenssync_store_requests_total",
			Help: "Requests issued by stores",
		},
		[]string{"store", "name"},
	)

	StoreSuperseded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lenssync_store_superseded_total",
			Help: "Requests issued while an earlier one from the same store was still waiting",
		},
		[]string{"store", "name"},
	)

	StoreResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lenssync_store_responses_total",
			Help: "Responses accepted by stores by outcome",
		},
		[]string{"store", "name", "outcome"}, // "ok", "error", "stale"
	)

	QueryRefetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lenssync_query_refetches_total",
			Help: "Query refetches by trigger",
		},
		[]string{"name", "reason"}, // "init", "args", "auth", "dependency", "manual"
	)

	QueryMerges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lenssync_query_merges_total",
			Help: "Mutation responses merged into a query projection without a round trip",
		},
		[]string{"name", "mutation"},
	)

	// Mirror Metrics
	MirrorOperations = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lenssync_mirror_operation_duration_seconds",
			Help:    "Durable mirror operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"op", "collection"},
	)

	MirrorErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lenssync_mirror_errors_total",
			Help: "Durable mirror operation failures",
		},
		[]string{"op", "collection"},
	)

	MirrorSchemaVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lenssync_mirror_schema_version",
			Help: "Migration version of the opened mirror",
		},
	)

	// Auth Metrics
	AuthTokenChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lenssync_auth_token_changes_total",
			Help: "Credential token updates by type",
		},
		[]string{"change"}, // "set", "clear"
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lenssync_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lenssync_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Status server metrics
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lenssync_api_requests_total",
			Help: "Status server requests by route and status code",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lenssync_api_request_duration_seconds",
			Help:    "Status server request latency",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"method", "route"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lenssync_api_active_requests",
			Help: "Status server requests in flight",
		},
	)
)

// RecordOpen records a connection attempt.
func RecordOpen(err error) {
	if err != nil {
		ChannelOpens.WithLabelValues("failure").Inc()
		TransportErrors.WithLabelValues("dial").Inc()
		return
	}
	ChannelOpens.WithLabelValues("success").Inc()
	ChannelConnected.Set(1)
}

// RecordClose records the loss of the open connection.
func RecordClose() {
	ChannelConnected.Set(0)
}

// RecordSend records an envelope written to the channel.
func RecordSend(name string) {
	EnvelopesSent.WithLabelValues(name).Inc()
}

// RecordReceive records a decoded inbound envelope.
func RecordReceive(name, kind string) {
	EnvelopesReceived.WithLabelValues(name, kind).Inc()
}

// RecordMalformed records an inbound message that failed to decode.
func RecordMalformed() {
	EnvelopesMalformed.Inc()
}

// RecordUnmatched records a response with no pending request.
func RecordUnmatched(name string) {
	ResponsesUnmatched.WithLabelValues(name).Inc()
}

// RecordMatched records a response that resolved a pending request.
func RecordMatched(name string, latency time.Duration) {
	ResponseLatency.WithLabelValues(name).Observe(latency.Seconds())
}

// RecordTransportError records a connection failure for op.
func RecordTransportError(op string) {
	TransportErrors.WithLabelValues(op).Inc()
}

// SetPending updates the pending request gauge.
func SetPending(n int) {
	RequestsPending.Set(float64(n))
}

// RecordTimeout records a pending request expired by the sweep.
func RecordTimeout(name string) {
	RequestsTimedOut.WithLabelValues(name).Inc()
}

// RecordStoreRequest records a request issued by a store. superseded is true
// when the store was already waiting on an earlier request.
func RecordStoreRequest(store, name string, superseded bool) {
	StoreRequests.WithLabelValues(store, name).Inc()
	if superseded {
		StoreSuperseded.WithLabelValues(store, name).Inc()
	}
}

// RecordStoreResponse records how a store handled a response addressed to it.
func RecordStoreResponse(store, name, outcome string) {
	StoreResponses.WithLabelValues(store, name, outcome).Inc()
}

// RecordRefetch records a query refetch and its trigger.
func RecordRefetch(name, reason string) {
	QueryRefetches.WithLabelValues(name, reason).Inc()
}

// RecordMerge records a partial merge of a mutation response into a query.
func RecordMerge(name, mutation string) {
	QueryMerges.WithLabelValues(name, mutation).Inc()
}

// RecordMirrorOp records a mirror operation duration and outcome.
func RecordMirrorOp(op, collection string, duration time.Duration, err error) {
	MirrorOperations.WithLabelValues(op, collection).Observe(duration.Seconds())
	if err != nil {
		MirrorErrors.WithLabelValues(op, collection).Inc()
	}
}

// RecordTokenChange records a credential update. An empty token is a clear.
func RecordTokenChange(token string) {
	if token == "" {
		AuthTokenChanges.WithLabelValues("clear").Inc()
		return
	}
	AuthTokenChanges.WithLabelValues("set").Inc()
}

// TrackActiveRequest adjusts the in-flight request gauge.
func TrackActiveRequest(start bool) {
	if start {
		APIActiveRequests.Inc()
		return
	}
	APIActiveRequests.Dec()
}

// RecordAPIRequest records a completed status server request. route is the
// matched route pattern, not the raw path.
func RecordAPIRequest(method, route, status string, duration time.Duration) {
	APIRequests.WithLabelValues(method, route, status).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
