/*
Package replication implements Parley's leader election and mutation
replication.

The cluster runs a Raft-style election over HTTP but replicates state
without a log. The leader applies each mutation to its own store,
broadcasts the same mutation to every live peer, and commits only when
a majority acknowledges. A mutation that misses quorum is rolled back
locally and reported to the caller, so committed state never depends on
a minority.

# Roles

	FOLLOWER ──election timeout──► CANDIDATE ──majority votes──► LEADER
	    ▲                              │                            │
	    └───────heartbeat or higher term────────────────────────────┘

Followers expect a heartbeat every 100ms; missing them for a randomized
1-2s timeout starts an election. Candidates request votes from every
peer and win with a majority of the live set. A leader that loses
quorum on a heartbeat round steps down rather than serve a minority
partition.

# Vote Rules

A node grants a vote when it has not voted for anyone else this term
and the candidate's replication position is at least as current as its
own. Any message carrying a higher term demotes the receiver to
follower before processing; any message carrying a lower term is
rejected with the receiver's term so the sender can catch up.

# Quorum

Quorum is computed over the peers considered alive when the operation
starts, plus self: quorum(n) = n/2 + 1. Dead peers stop counting
against mutations, so a 5-node cluster that has lost two nodes still
commits with 2-of-3. A single-node cluster elects itself and commits
alone.

# Message Types

Election traffic: REQUEST_VOTE, VOTE_RESPONSE, HEARTBEAT.

Mutation traffic: REPLICATE_MESSAGE, REPLICATE_ACCOUNT,
REPLICATE_DELETE_MESSAGES, REPLICATE_DELETE_ACCOUNT,
REPLICATE_MARK_READ, each answered with a REPLICATION_RESPONSE.

Replicated messages carry the leader-assigned id so every replica's
store converges on identical rows. Replays are detected by id and
acknowledged without a second insert.

# Usage

	mgr := replication.NewManager(selfAddr, peers, st, replication.NewHTTPTransport())
	mgr.Start()
	defer mgr.Stop()

	if mgr.IsLeader() {
		err := mgr.ReplicateMessage(id, sender, recipient, content)
	}
*/
package replication
