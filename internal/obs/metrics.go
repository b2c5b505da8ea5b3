package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions         = promauto.NewGauge(prometheus.GaugeOpts{Name: "ira_active_sessions", Help: "Browser tabs attached to the control channel"})
	PendingRequests        = promauto.NewGauge(prometheus.GaugeOpts{Name: "ira_pending_requests", Help: "RPC commands waiting for a browser result"})
	RPCTotal               = promauto.NewCounterVec(prometheus.CounterOpts{Name: "ira_rpc_total", Help: "RPC dispatches by outcome"}, []string{"outcome"})
	RPCDurationSeconds     = promauto.NewHistogram(prometheus.HistogramOpts{Name: "ira_rpc_duration_seconds", Help: "Time from dispatch to result", Buckets: prometheus.ExponentialBuckets(0.005, 2, 14)})
	ActiveTunnels          = promauto.NewGauge(prometheus.GaugeOpts{Name: "ira_active_tunnels", Help: "Open websocket tunnels"})
	TunnelEstablishedTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "ira_tunnel_established_total", Help: "Tunnels whose upstream leg connected"})
	TunnelDurationSeconds  = promauto.NewHistogram(prometheus.HistogramOpts{Name: "ira_tunnel_duration_seconds", Help: "Tunnel lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
	ProxyRequestsTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "ira_proxy_requests_total", Help: "Proxied HTTP requests by upstream status class"}, []string{"class"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "ira_errors_total", Help: "Errors by type"}, []string{"type"})
)
