package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	wsConnections  prometheus.Gauge
	onlineUsers    prometheus.Gauge
	chatMessages   prometheus.Counter
	backupFailures prometheus.Counter
	wsCommands     *prometheus.CounterVec
}

// New registers the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "studysync_ws_connections",
			Help: "Open WebSocket connections",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "studysync_online_users",
			Help: "Users with a live presence",
		}),
		chatMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "studysync_chat_messages_total",
			Help: "Chat messages accepted",
		}),
		backupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "studysync_chat_backup_failures_total",
			Help: "Chat backup writes that failed",
		}),
		wsCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studysync_ws_commands_total",
			Help: "WebSocket commands handled, by type and outcome",
		}, []string{"type", "outcome"}),
	}

	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		m.wsConnections,
		m.onlineUsers,
		m.chatMessages,
		m.backupFailures,
		m.wsCommands,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) WSConnected()    { m.wsConnections.Inc() }
func (m *Metrics) WSDisconnected() { m.wsConnections.Dec() }

func (m *Metrics) SetOnlineUsers(n int) { m.onlineUsers.Set(float64(n)) }

func (m *Metrics) ChatMessageSent() { m.chatMessages.Inc() }
func (m *Metrics) BackupFailed()    { m.backupFailures.Inc() }

func (m *Metrics) WSCommand(msgType string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.wsCommands.WithLabelValues(msgType, outcome).Inc()
}
