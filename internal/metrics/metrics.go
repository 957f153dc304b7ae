package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	reg = prometheus.NewRegistry()

	WSConnections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meet_ws_connections_total", Help: "Total WS connections accepted",
	})
	AuthRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meet_auth_rejected_total", Help: "Handshakes refused for bad/missing credentials",
	})
	RoomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meet_rooms_active", Help: "Rooms currently live in memory",
	})
	ParticipantsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meet_participants_active", Help: "Participants currently in rooms",
	})

	Events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meet_events_total", Help: "Inbound signaling events by type",
	}, []string{"type"})
	EventErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meet_event_errors_total", Help: "Events rejected, by error code",
	}, []string{"code"})
	Evictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meet_session_evictions_total", Help: "Forced session terminations by reason",
	}, []string{"reason"})

	MediaBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meet_media_relay_bytes_total", Help: "Opaque media fragment bytes relayed",
	})
	WSFrameSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meet_ws_frame_bytes",
		Help:    "WebSocket frame sizes",
		Buckets: []float64{64, 256, 1024, 4096, 16384, 65536, 262144, 1048576},
	}, []string{"dir"})
	WSRTTSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "meet_ws_rtt_seconds",
		Help:    "WebSocket RTT (derived from ping/pong timestamps)",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	PersistDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meet_persist_drops_total", Help: "Audit writes dropped on a full queue",
	})
	PersistErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meet_persist_errors_total", Help: "Audit writes that failed, by op",
	}, []string{"op"})
)

func init() {
	reg.MustRegister(
		WSConnections, AuthRejected, RoomsActive, ParticipantsActive,
		Events, EventErrors, Evictions,
		MediaBytes, WSFrameSize, WSRTTSeconds,
		PersistDrops, PersistErrors,
	)
}

func Handler() http.Handler { return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}) }

func SetRooms(n int)        { RoomsActive.Set(float64(n)) }
func SetParticipants(n int) { ParticipantsActive.Set(float64(n)) }
