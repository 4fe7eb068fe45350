package monitoring

import (
	"sync"
	"time"

	"streamcast/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	mu   sync.Mutex
	live map[domain.StreamID]struct{}

	connectionsActive *prometheus.GaugeVec
	sessionsLive      prometheus.Gauge
	viewersPerStream  *prometheus.GaugeVec

	messagesRouted    *prometheus.CounterVec
	chatMessagesTotal prometheus.Counter
	backpressureDrops prometheus.Counter
	staleEvictions    prometheus.Counter

	routeDuration     prometheus.Histogram
	handshakeDuration prometheus.Histogram
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		live: make(map[domain.StreamID]struct{}),

		connectionsActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamcast_connections_active",
			Help: "Currently registered connections by role",
		}, []string{"role"}),

		sessionsLive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "streamcast_sessions_live",
			Help: "Stream sessions currently in the live state",
		}),

		viewersPerStream: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamcast_stream_viewers",
			Help: "Viewers currently paired per stream",
		}, []string{"stream_id"}),

		messagesRouted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "streamcast_messages_routed_total",
			Help: "Signaling envelopes routed by type",
		}, []string{"type"}),

		chatMessagesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "streamcast_chat_messages_total",
			Help: "Chat messages accepted and broadcast",
		}),

		backpressureDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "streamcast_backpressure_drops_total",
			Help: "Outbound messages dropped because a send queue was full",
		}),

		staleEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "streamcast_stale_evictions_total",
			Help: "Connections evicted by the liveness sweep",
		}),

		routeDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamcast_route_duration_seconds",
			Help:    "Time to route one inbound envelope",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),

		handshakeDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamcast_handshake_duration_seconds",
			Help:    "Time from socket upgrade to session join",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		}),
	}
}

func (p *PrometheusCollector) RecordConnectionOpened(role domain.Role) {
	p.connectionsActive.WithLabelValues(string(role)).Inc()
}

func (p *PrometheusCollector) RecordConnectionClosed(role domain.Role) {
	p.connectionsActive.WithLabelValues(string(role)).Dec()
}

// RecordSessionState keeps the live-sessions gauge and per-stream viewer
// gauge in step with coordinator transitions. The local live set makes
// the gauge immune to Ending/Idle transitions of sessions that never
// went live.
func (p *PrometheusCollector) RecordSessionState(streamID domain.StreamID, state domain.SessionState) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch state {
	case domain.SessionLive:
		if _, ok := p.live[streamID]; !ok {
			p.live[streamID] = struct{}{}
			p.sessionsLive.Inc()
		}
	case domain.SessionIdle:
		if _, ok := p.live[streamID]; ok {
			delete(p.live, streamID)
			p.sessionsLive.Dec()
		}
		p.viewersPerStream.DeleteLabelValues(string(streamID))
	}
}

func (p *PrometheusCollector) SetStreamViewers(streamID domain.StreamID, count int) {
	p.viewersPerStream.WithLabelValues(string(streamID)).Set(float64(count))
}

func (p *PrometheusCollector) RecordMessageRouted(t domain.MessageType) {
	p.messagesRouted.WithLabelValues(string(t)).Inc()
	if t == domain.TypeChatMessage {
		p.chatMessagesTotal.Inc()
	}
}

func (p *PrometheusCollector) RecordBackpressureDrop() {
	p.backpressureDrops.Inc()
}

func (p *PrometheusCollector) RecordStaleEvictions(count int) {
	p.staleEvictions.Add(float64(count))
}

func (p *PrometheusCollector) ObserveRouteDuration(d time.Duration) {
	p.routeDuration.Observe(d.Seconds())
}

func (p *PrometheusCollector) ObserveHandshakeDuration(d time.Duration) {
	p.handshakeDuration.Observe(d.Seconds())
}
