package replication

import (
	"context"
	"math/rand"
	"time"

	"github.com/parleyhq/parley/pkg/metrics"
	"github.com/parleyhq/parley/pkg/wire"
)

// randomElectionTimeout samples a fresh timeout for each timer loop
// so candidates rarely collide
func randomElectionTimeout() time.Duration {
	spread := MaxElectionTimeout - MinElectionTimeout
	return MinElectionTimeout + time.Duration(rand.Int63n(int64(spread)))
}

func (m *Manager) electionLoop() {
	defer m.wg.Done()
	for {
		timeout := randomElectionTimeout()
		select {
		case <-m.stopCh:
			return
		case <-m.resetCh:
			continue
		case <-m.kickCh:
			// ForceElection: fall through to the checks right away.
		case <-time.After(timeout):
		}

		if m.Role() == RoleLeader || m.electionInProgress.Load() {
			continue
		}
		if time.Since(m.leaderContact()) < timeout {
			continue
		}
		m.runElection()
	}
}

func (m *Manager) runElection() {
	if !m.electionInProgress.CompareAndSwap(false, true) {
		return
	}
	defer m.electionInProgress.Store(false)

	m.setRole(RoleCandidate)
	term := m.bumpTerm()
	m.setVote(m.selfID)
	metrics.ElectionsTotal.Inc()

	// Quorum is computed over the alive set as it stands now; vote
	// requests still go to every peer, since a dead one may answer.
	needed := quorum(len(m.aliveAddrs()) + 1)
	peers := m.peerAddrs()

	m.logger.Info().
		Uint64("term", term).
		Int("needed", needed).
		Msg("election started")

	req := wire.NewReplicationMessage(wire.TypeRequestVote, term, m.selfID)
	req.VoteRequest = &wire.VoteRequest{
		LastLogTerm:  m.lastLogTerm.Load(),
		LastLogIndex: m.lastLogIndex.Load(),
	}

	type voteResult struct {
		granted bool
		term    uint64
	}
	results := make(chan voteResult, len(peers))
	for _, addr := range peers {
		go func(addr string) {
			ctx, cancel := context.WithTimeout(context.Background(), VoteTimeout)
			defer cancel()
			resp, err := m.transport.Send(ctx, addr, req)
			if err != nil || resp == nil {
				// Liveness bookkeeping happens on every RPC, so a
				// survivor's alive-set shrinks and its quorum with it.
				m.markAlive(addr, false)
				results <- voteResult{}
				return
			}
			m.markAlive(addr, true)
			granted := resp.VoteResponse != nil && resp.VoteResponse.VoteGranted
			results <- voteResult{granted: granted, term: resp.Term}
		}(addr)
	}

	votes := 1
	for range peers {
		r := <-results
		if r.term > term {
			m.logger.Info().Uint64("term", r.term).Msg("lost election to higher term")
			m.stepDown(r.term)
			return
		}
		if r.granted {
			votes++
		}
		if votes >= needed {
			break
		}
	}

	if votes < needed {
		// Stay candidate; the next timer expiry retries in a new term.
		m.logger.Info().
			Uint64("term", term).
			Int("votes", votes).
			Int("needed", needed).
			Msg("election failed")
		return
	}
	if m.Role() != RoleCandidate || m.Term() != term {
		// A heartbeat or higher term arrived while votes were in flight.
		return
	}

	m.logger.Info().Uint64("term", term).Int("votes", votes).Msg("election won")
	m.setRole(RoleLeader)
	m.setLeader(m.selfID)
	m.sendHeartbeats()
}
