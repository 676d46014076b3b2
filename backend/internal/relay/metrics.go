package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	sourceWS     = "ws"
	sourceGossip = "gossip"
)

// Metrics 是 relay 暴露给 /metrics 的指标
type Metrics struct {
	Messages    *prometheus.CounterVec
	Bytes       *prometheus.CounterVec
	Connections prometheus.Gauge
	Dropped     prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collabspace",
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Messages relayed, by the side they arrived on.",
		}, []string{"source"}),
		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collabspace",
			Subsystem: "relay",
			Name:      "bytes_total",
			Help:      "Payload bytes relayed, by the side they arrived on.",
		}, []string{"source"}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "collabspace",
			Subsystem: "relay",
			Name:      "ws_connections",
			Help:      "Open websocket connections.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collabspace",
			Subsystem: "relay",
			Name:      "dropped_frames_total",
			Help:      "Frames dropped because a connection's send queue was full.",
		}),
	}
}

func (m *Metrics) observe(source string, size int) {
	m.Messages.WithLabelValues(source).Inc()
	m.Bytes.WithLabelValues(source).Add(float64(size))
}

// Register 注册到 r；rooms 用于导出当前房间数
func (m *Metrics) Register(r prometheus.Registerer, rooms func() int) error {
	collectors := []prometheus.Collector{
		m.Messages, m.Bytes, m.Connections, m.Dropped,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "collabspace",
			Subsystem: "relay",
			Name:      "rooms",
			Help:      "Topics with at least one websocket subscriber or joined on gossip.",
		}, func() float64 { return float64(rooms()) }),
	}
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
