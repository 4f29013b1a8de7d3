package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "aero_udp_ws_relay"

// Event names. Each is exported as aero_udp_ws_relay_events_total{event="..."}.
const (
	SessionsOpened      = "sessions_opened"
	SessionsClosed      = "sessions_closed"
	SessionIdleTimeouts = "session_idle_timeouts"
	SessionPanics       = "session_panics"
	TooManySessions     = "too_many_sessions"

	ControlMessagesIn           = "control_messages_in"
	ControlMessagesOut          = "control_messages_out"
	ControlMessagesDropped      = "control_messages_dropped_backpressure"
	ControlMessagesRateLimited  = "control_messages_rate_limited"
	ControlMessagesOversized    = "control_messages_oversized"
	ProtocolErrors              = "protocol_errors"
	ControlChannelWebSocket     = "control_channel_websocket"
	ControlChannelWebRTC        = "control_channel_webrtc"
	WebRTCOffers                = "webrtc_offers"
	WebRTCOfferErrors           = "webrtc_offer_errors"
	SendToClientRequests        = "send_to_client_requests"
	OriginRejected              = "origin_rejected"
	UDPBinds                    = "udp_binds"
	UDPBindErrors               = "udp_bind_errors"
	UDPDisconnects              = "udp_disconnects"
	UDPDatagramsOut             = "udp_datagrams_out"
	UDPDatagramsIn              = "udp_datagrams_in"
	UDPBytesOut                 = "udp_bytes_out"
	UDPBytesIn                  = "udp_bytes_in"
	UDPSendErrors               = "udp_send_errors"
	UDPDatagramsDroppedNotBound = "udp_datagrams_dropped_not_ready"
)

// Metrics is a concurrency-safe event counter registry backed by a private
// Prometheus registry.
//
// Counts are also kept in-process so tests and the status endpoints can read
// them without scraping.
type Metrics struct {
	registry *prometheus.Registry
	events   *prometheus.CounterVec

	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Relay event counters.",
	}, []string{"event"})
	reg.MustRegister(
		events,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Metrics{
		registry: reg,
		events:   events,
		m:        make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil || delta == 0 {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
	m.events.WithLabelValues(name).Add(float64(delta))
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

// RegisterGauge exports fn as aero_udp_ws_relay_<name>.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) error {
	if m == nil {
		return nil
	}
	return m.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
