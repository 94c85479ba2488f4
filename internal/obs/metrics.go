package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions            = promauto.NewGauge(prometheus.GaugeOpts{Name: "browser_proxy_active_sessions", Help: "Browser sessions currently registered"})
	ActiveConnections         = promauto.NewGauge(prometheus.GaugeOpts{Name: "browser_proxy_active_connections", Help: "Client connections currently bound to a database"})
	RelayedMessagesTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "browser_proxy_relayed_messages_total", Help: "Wire protocol messages relayed by direction"}, []string{"direction"})
	RelayedBytesTotal         = promauto.NewCounterVec(prometheus.CounterOpts{Name: "browser_proxy_relayed_bytes_total", Help: "Wire protocol payload bytes relayed by direction"}, []string{"direction"})
	AdmissionRejectedTotal    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "browser_proxy_admission_rejected_total", Help: "Client connections rejected at admission by reason"}, []string{"reason"})
	IdleTimeoutTotal          = promauto.NewCounter(prometheus.CounterOpts{Name: "browser_proxy_idle_timeout_total", Help: "Client connections closed by the idle timer"})
	ErrorsTotal               = promauto.NewCounterVec(prometheus.CounterOpts{Name: "browser_proxy_errors_total", Help: "Errors by type"}, []string{"type"})
	ConnectionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "browser_proxy_connection_duration_seconds", Help: "Client connection lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
