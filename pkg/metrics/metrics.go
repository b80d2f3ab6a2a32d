package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Replication metrics
	IsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "parley_is_leader",
			Help: "Whether this node is the cluster leader (1 = leader, 0 = follower)",
		},
	)

	CurrentTerm = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "parley_term",
			Help: "Current election term",
		},
	)

	ElectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_elections_total",
			Help: "Total number of elections started by this node",
		},
	)

	PeersAlive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "parley_peers_alive",
			Help: "Number of peers currently considered alive",
		},
	)

	ReplicationAcks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_replication_acks_total",
			Help: "Total replication acknowledgments received from followers",
		},
	)

	ReplicationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_replication_failures_total",
			Help: "Total mutations that failed to reach quorum",
		},
	)

	// Chat metrics
	MessagesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_messages_sent_total",
			Help: "Total messages accepted and committed by this node",
		},
	)

	ActiveSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "parley_active_subscriptions",
			Help: "Number of open message stream subscriptions",
		},
	)

	// RPC metrics
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_rpc_requests_total",
			Help: "Total number of RPC requests by method and status",
		},
		[]string{"method", "status"},
	)
)

func init() {
	prometheus.MustRegister(IsLeader)
	prometheus.MustRegister(CurrentTerm)
	prometheus.MustRegister(ElectionsTotal)
	prometheus.MustRegister(PeersAlive)
	prometheus.MustRegister(ReplicationAcks)
	prometheus.MustRegister(ReplicationFailures)
	prometheus.MustRegister(MessagesSent)
	prometheus.MustRegister(ActiveSubscriptions)
	prometheus.MustRegister(RPCRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
