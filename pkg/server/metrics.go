package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Connection metrics
	activeConnections prometheus.Gauge
	onlineUsers       prometheus.Gauge
	sessionsReplaced  prometheus.Counter

	// Broadcast metrics
	broadcastFanout   *prometheus.HistogramVec
	eventsBroadcast   *prometheus.CounterVec
	sendFailures      prometheus.Counter
	broadcastDuration *prometheus.HistogramVec

	// Frame metrics
	framesReceived    *prometheus.CounterVec // by frame type
	framesRateLimited prometheus.Counter

	// Auth metrics
	authFailures  *prometheus.CounterVec
	registrations *prometheus.CounterVec

	messageLogSize prometheus.Gauge
}

// NewMetrics creates the metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		activeConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_active_connections",
			Help: "Current number of open WebSocket connections",
		}),
		onlineUsers: f.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_online_users",
			Help: "Current number of authenticated users",
		}),
		sessionsReplaced: f.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_sessions_replaced_total",
			Help: "Connections closed because the same user connected again",
		}),
		broadcastFanout: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatrelay_broadcast_fanout",
			Help:    "Number of connections that received each broadcast event",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2000, 5000},
		}, []string{"type"}),
		eventsBroadcast: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_events_broadcast_total",
			Help: "Total number of events broadcast (unique events, not deliveries)",
		}, []string{"type"}),
		sendFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_send_failures_total",
			Help: "Frames that could not be queued for a connection",
		}),
		broadcastDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatrelay_broadcast_duration_seconds",
			Help:    "Time taken to queue an event for all connections",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		framesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_frames_received_total",
			Help: "Total number of frames received from clients by type",
		}, []string{"type"}),
		framesRateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_frames_rate_limited_total",
			Help: "Frames dropped because the connection exceeded its rate limit",
		}),
		authFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_auth_failures_total",
			Help: "Failed logins and WebSocket authentications by reason",
		}, []string{"reason"}),
		registrations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_registrations_total",
			Help: "Registration attempts by result",
		}, []string{"result"}),
		messageLogSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_message_log_size",
			Help: "Records currently held in the message log",
		}),
	}
}

// RecordActiveConnections updates the open connection count
func (m *Metrics) RecordActiveConnections(delta int) {
	if m == nil {
		return
	}
	m.activeConnections.Add(float64(delta))
}

// RecordOnlineUsers updates the authenticated user count
func (m *Metrics) RecordOnlineUsers(count int) {
	if m == nil {
		return
	}
	m.onlineUsers.Set(float64(count))
}

func (m *Metrics) RecordSessionReplaced() {
	if m == nil {
		return
	}
	m.sessionsReplaced.Inc()
}

// RecordBroadcast records one broadcast event, its fanout and how long it
// took to queue
func (m *Metrics) RecordBroadcast(eventType string, recipients int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.eventsBroadcast.WithLabelValues(eventType).Inc()
	m.broadcastFanout.WithLabelValues(eventType).Observe(float64(recipients))
	m.broadcastDuration.WithLabelValues(eventType).Observe(durationSeconds)
}

func (m *Metrics) RecordSendFailure() {
	if m == nil {
		return
	}
	m.sendFailures.Inc()
}

// RecordFrameReceived increments the frame counter for a type
func (m *Metrics) RecordFrameReceived(frameType string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(frameType).Inc()
}

func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.framesRateLimited.Inc()
}

// RecordAuthFailure counts a failed login or WebSocket auth. reason is one
// of the authReason* values.
func (m *Metrics) RecordAuthFailure(reason string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordRegistration(result string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordMessageLogSize(n int) {
	if m == nil {
		return
	}
	m.messageLogSize.Set(float64(n))
}

// Label values
const (
	authReasonUserNotFound  = "user_not_found"
	authReasonWrongPassword = "wrong_password"
	authReasonTokenExpired  = "token_expired"
	authReasonTokenInvalid  = "token_invalid"
	authReasonUnknownUser   = "token_unknown_user"

	registrationOK            = "ok"
	registrationUsernameTaken = "username_taken"
	registrationOriginTaken   = "origin_taken"
	registrationInvalid       = "invalid"
	registrationError         = "error"

	frameTypeMalformed = "malformed"
)
