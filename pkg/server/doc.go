/*
Package server hosts one Parley node's HTTP surface.

A single chi router carries everything the node speaks: the chat RPC
endpoints under /v1/chat, the intra-cluster replication endpoint at
/v1/replication, the websocket message stream, and the operational
endpoints /healthz, /metrics, and /v1/cluster/nodes.

# RPC Surface

Chat operations are POSTs of a wire.Envelope to /v1/chat/<op>. The
response is always HTTP 200 with a SUCCESS or ERROR envelope; the
envelope type and error code carry the outcome, not the status line.

Reads are served by any node. Mutations arriving at a follower are
forwarded to the leader transparently, so clients need not track
leadership for correctness, only for latency. If the leader cannot be
reached the follower reports NOT_LEADER and nudges the election timer,
since an unreachable leader is usually a dead one.

# Mutation Flow

The leader applies a mutation locally, replicates it, and only then
reports success. A replication round that misses quorum rolls the local
write back, so an error response means the mutation left no trace.
Account deletion is the exception: its cascade cannot be restored, so a
post-cascade replication failure is surfaced as REPLICATION_FAILURE and
logged for operator attention.

# Message Stream

GET /v1/chat/stream?username=u upgrades to a websocket. The handler
subscribes the connection to the delivery hub first, then replays the
undelivered backlog in send order, then forwards live traffic. The
overlap between backlog and live delivery makes the stream
at-least-once; receivers dedupe on message id.
*/
package server
