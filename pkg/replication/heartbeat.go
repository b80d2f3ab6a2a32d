package replication

import (
	"context"
	"time"

	"github.com/parleyhq/parley/pkg/metrics"
	"github.com/parleyhq/parley/pkg/wire"
)

func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if m.IsLeader() {
				m.sendHeartbeats()
			}
		}
	}
}

// sendHeartbeats pushes one heartbeat round to every peer. The leader
// counts itself plus acknowledging followers against the quorum of the
// alive set at round start and steps down when it falls below it.
func (m *Manager) sendHeartbeats() {
	term := m.Term()
	needed := quorum(len(m.aliveAddrs()) + 1)
	peers := m.peerAddrs()

	hb := wire.NewReplicationMessage(wire.TypeHeartbeat, term, m.selfID)
	hb.Heartbeat = &wire.Heartbeat{CommitIndex: m.commitIndex.Load()}

	type hbResult struct {
		addr string
		ok   bool
		term uint64
	}
	results := make(chan hbResult, len(peers))
	for _, addr := range peers {
		go func(addr string) {
			ctx, cancel := context.WithTimeout(context.Background(), ReplicateTimeout)
			defer cancel()
			resp, err := m.transport.Send(ctx, addr, hb)
			if err != nil || resp == nil {
				results <- hbResult{addr: addr}
				return
			}
			ok := resp.Type == wire.TypeReplicationSuccess
			results <- hbResult{addr: addr, ok: ok, term: resp.Term}
		}(addr)
	}

	acks := 1
	for range peers {
		r := <-results
		if r.term > term {
			m.logger.Info().Uint64("term", r.term).Msg("follower has higher term, stepping down")
			m.stepDown(r.term)
			return
		}
		m.markAlive(r.addr, r.ok)
		if r.ok {
			acks++
		}
	}

	alive := len(m.aliveAddrs())
	metrics.PeersAlive.Set(float64(alive))
	m.hblog.Debug().
		Int("acks", acks).
		Int("needed", needed).
		Int("peers_alive", alive).
		Msg("heartbeat round")

	if acks < needed {
		m.logger.Warn().
			Int("acks", acks).
			Int("needed", needed).
			Msg("lost contact with majority, stepping down")
		m.setRole(RoleFollower)
		m.setLeader("")
		m.touchLeaderContact()
	}
}
