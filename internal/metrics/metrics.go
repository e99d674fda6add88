package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gitlab.com/gomidi/midi/v2"

	"mtcsync/pkg/mtc"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Session metrics
	ActiveSessions    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsClosed    prometheus.Counter
	GeneratorsRunning prometheus.Gauge
	GenerationTime    prometheus.Histogram

	// Wire metrics
	MessagesSent      *prometheus.CounterVec
	SendErrors        *prometheus.CounterVec
	DeliveriesDropped *prometheus.CounterVec

	// Decoder metrics
	DecoderUpdates     *prometheus.CounterVec
	DecoderErrors      *prometheus.CounterVec
	DecoderRateChanges prometheus.Counter

	// Capture metrics
	SegmentsCreated prometheus.Counter
	SegmentSize     prometheus.Histogram
	SegmentsStored  prometheus.Gauge

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mtcsync_active_sessions",
			Help: "Number of open generator sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "mtcsync_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "mtcsync_sessions_closed_total",
			Help: "Total number of sessions closed",
		}),
		GeneratorsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mtcsync_generators_running",
			Help: "Number of generators currently emitting quarter-frames",
		}),
		GenerationTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mtcsync_generation_duration_seconds",
			Help:    "Length of generation runs from start to stop",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8), // 1s to ~4.5h
		}),

		// Wire metrics
		MessagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mtcsync_messages_sent_total",
				Help: "Total number of MIDI messages emitted by generators",
			},
			[]string{"type"}, // quarter_frame, full_frame, keep_alive
		),
		SendErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mtcsync_send_errors_total",
				Help: "Total number of messages rejected by an output port",
			},
			[]string{"port"},
		),
		DeliveriesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mtcsync_deliveries_dropped_total",
				Help: "Subscriber deliveries dropped because the subscriber was full",
			},
			[]string{"session"},
		),

		// Decoder metrics
		DecoderUpdates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mtcsync_decoder_updates_total",
				Help: "Positions reported by the input monitor",
			},
			[]string{"type"},
		),
		DecoderErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mtcsync_decoder_errors_total",
				Help: "MTC input rejected by the input monitor",
			},
			[]string{"reason"},
		),
		DecoderRateChanges: factory.NewCounter(prometheus.CounterOpts{
			Name: "mtcsync_decoder_rate_changes_total",
			Help: "Times the incoming MTC base rate was detected or changed",
		}),

		// Capture metrics
		SegmentsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "mtcsync_capture_segments_created_total",
			Help: "Total number of capture segments written",
		}),
		SegmentSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mtcsync_capture_segment_size_bytes",
			Help:    "Size of capture segments in bytes",
			Buckets: prometheus.ExponentialBuckets(256, 2, 10), // 256B to ~128KB
		}),
		SegmentsStored: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mtcsync_capture_segments_stored",
			Help: "Number of capture segments currently retained",
		}),

		// HTTP metrics
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mtcsync_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mtcsync_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	return m
}

// RecordSessionCreated records a session opening
func (m *Metrics) RecordSessionCreated() {
	m.ActiveSessions.Inc()
	m.SessionsCreated.Inc()
}

// RecordSessionClosed records a session closing
func (m *Metrics) RecordSessionClosed() {
	m.ActiveSessions.Dec()
	m.SessionsClosed.Inc()
}

// RecordGeneratorStart records a generator starting
func (m *Metrics) RecordGeneratorStart() {
	m.GeneratorsRunning.Inc()
}

// RecordGeneratorStop records a generator stopping after running for d
func (m *Metrics) RecordGeneratorStop(d time.Duration) {
	m.GeneratorsRunning.Dec()
	m.GenerationTime.Observe(d.Seconds())
}

// RecordMessage records a message emitted by a generator
func (m *Metrics) RecordMessage(msg midi.Message) {
	m.MessagesSent.WithLabelValues(messageType(msg)).Inc()
}

// RecordSendError records an output port failure
func (m *Metrics) RecordSendError(port string) {
	m.SendErrors.WithLabelValues(port).Inc()
}

// RecordDeliveryDropped records a subscriber delivery dropped on backpressure
func (m *Metrics) RecordDeliveryDropped(sessionID string) {
	m.DeliveriesDropped.WithLabelValues(sessionID).Inc()
}

// RecordDecoderUpdate records a position reported by the input monitor
func (m *Metrics) RecordDecoderUpdate(kind mtc.MessageType) {
	m.DecoderUpdates.WithLabelValues(kind.String()).Inc()
}

// RecordDecoderError records rejected MTC input
func (m *Metrics) RecordDecoderError(err error) {
	m.DecoderErrors.WithLabelValues(errorReason(err)).Inc()
}

// RecordDecoderRateChange records a detected rate change
func (m *Metrics) RecordDecoderRateChange() {
	m.DecoderRateChanges.Inc()
}

// RecordSegment records a capture segment written
func (m *Metrics) RecordSegment(sizeBytes int64) {
	m.SegmentsCreated.Inc()
	m.SegmentSize.Observe(float64(sizeBytes))
	m.SegmentsStored.Inc()
}

// RecordSegmentDeleted records a capture segment leaving the window
func (m *Metrics) RecordSegmentDeleted() {
	m.SegmentsStored.Dec()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path string, status int, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, path, m.statusCodeToString(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(durationSeconds)
}

// Middleware records every request handled by a gin router. The route
// template is used as the path label to keep cardinality bounded.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start).Seconds())
	}
}

// InstrumentSender wraps out so every message is counted. Failures are
// counted under port and passed through.
func (m *Metrics) InstrumentSender(port string, out mtc.Sender) mtc.Sender {
	return mtc.SenderFunc(func(msg midi.Message) error {
		m.RecordMessage(msg)
		if out == nil {
			return nil
		}
		if err := out.Send(msg); err != nil {
			m.RecordSendError(port)
			return err
		}
		return nil
	})
}

// statusCodeToString converts an HTTP status code to a string
func (m *Metrics) statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

func messageType(msg midi.Message) string {
	if len(msg) == 0 {
		return "other"
	}
	switch msg[0] {
	case mtc.StatusQuarterFrame:
		return "quarter_frame"
	case mtc.StatusSysExStart:
		return "full_frame"
	case mtc.StatusActiveSense:
		return "keep_alive"
	default:
		return "status_" + strconv.FormatUint(uint64(msg[0]), 16)
	}
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, mtc.ErrSequence):
		return "sequence"
	case errors.Is(err, mtc.ErrTruncated):
		return "truncated"
	case errors.Is(err, mtc.ErrInvalidComponent):
		return "invalid_component"
	case errors.Is(err, mtc.ErrNotMTC):
		return "not_mtc"
	default:
		return "other"
	}
}
