/*
Package metrics provides Prometheus metrics for Parley nodes.

All metrics are registered against the default registry at package init
and exposed through Handler(), which every node mounts at /metrics.

# Metric Categories

Election:
  - parley_is_leader: 1 while this node leads, 0 otherwise
  - parley_term: current election term
  - parley_elections_total: elections this node has started

Replication:
  - parley_peers_alive: peers answering heartbeats
  - parley_replication_acks_total: successful replication acks received
  - parley_replication_failures_total: mutations that missed quorum

Chat:
  - parley_messages_sent_total: messages committed by this node
  - parley_active_subscriptions: open message streams
  - parley_rpc_requests_total{method,status}: RPC traffic by outcome

# Usage

Instrument at the point the fact becomes true:

	metrics.IsLeader.Set(1)
	metrics.RPCRequestsTotal.WithLabelValues("SendMessage", "ok").Inc()

Expose on the node's router:

	r.Method(http.MethodGet, "/metrics", metrics.Handler())

# Conventions

  - Gauges describe current state, counters describe history
  - Labels stay low-cardinality; usernames never become labels
*/
package metrics
