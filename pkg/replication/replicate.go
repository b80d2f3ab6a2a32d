package replication

import (
	"context"

	"github.com/parleyhq/parley/pkg/metrics"
	"github.com/parleyhq/parley/pkg/wire"
)

// ReplicateMessage pushes a committed-pending message write to the
// followers. The id was already assigned by the leader's local store.
func (m *Manager) ReplicateMessage(id int64, sender, recipient, content string) error {
	msg := wire.NewReplicationMessage(wire.TypeReplicateMessage, m.Term(), m.selfID)
	msg.Message = &wire.MessageReplication{
		MessageID: id,
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
	}
	return m.replicate(msg)
}

// ReplicateAccount pushes an account creation to the followers
func (m *Manager) ReplicateAccount(username string) error {
	msg := wire.NewReplicationMessage(wire.TypeReplicateAccount, m.Term(), m.selfID)
	msg.Account = &wire.AccountReplication{Username: username}
	return m.replicate(msg)
}

// ReplicateDeleteMessages pushes a message soft-delete to the followers
func (m *Manager) ReplicateDeleteMessages(username string, ids []int64) error {
	msg := wire.NewReplicationMessage(wire.TypeReplicateDeleteMsgs, m.Term(), m.selfID)
	msg.Deletion = &wire.DeletionPayload{Username: username, MessageIDs: ids}
	return m.replicate(msg)
}

// ReplicateDeleteAccount pushes an account deletion to the followers
func (m *Manager) ReplicateDeleteAccount(username string) error {
	msg := wire.NewReplicationMessage(wire.TypeReplicateDeleteAccount, m.Term(), m.selfID)
	msg.Deletion = &wire.DeletionPayload{Username: username}
	return m.replicate(msg)
}

// ReplicateMarkRead pushes a mark-read to the followers
func (m *Manager) ReplicateMarkRead(username string, ids []int64) error {
	msg := wire.NewReplicationMessage(wire.TypeReplicateMarkRead, m.Term(), m.selfID)
	msg.Deletion = &wire.DeletionPayload{Username: username, MessageIDs: ids}
	return m.replicate(msg)
}

// replicate broadcasts one mutation to the peers that were alive when
// the call started and commits iff a majority of that alive set (the
// leader included) acknowledged. The local write already happened;
// the caller rolls it back on ErrNoQuorum.
func (m *Manager) replicate(msg *wire.ReplicationMessage) error {
	alive := m.aliveAddrs()
	needed := quorum(len(alive) + 1)

	results := make(chan bool, len(alive))
	for _, addr := range alive {
		go func(addr string) {
			ctx, cancel := context.WithTimeout(context.Background(), ReplicateTimeout)
			defer cancel()
			resp, err := m.transport.Send(ctx, addr, msg)
			if err != nil || resp == nil {
				m.markAlive(addr, false)
				results <- false
				return
			}
			ok := resp.Type == wire.TypeReplicationSuccess ||
				(resp.Response != nil && resp.Response.Success)
			m.markAlive(addr, true)
			results <- ok
		}(addr)
	}

	acks := 1
	for range alive {
		if <-results {
			acks++
			metrics.ReplicationAcks.Inc()
		}
	}

	if acks < needed {
		metrics.ReplicationFailures.Inc()
		m.logger.Warn().
			Str("type", string(msg.Type)).
			Int("acks", acks).
			Int("needed", needed).
			Msg("replication failed")
		return ErrNoQuorum
	}

	m.lastLogIndex.Add(1)
	m.lastLogTerm.Store(m.Term())
	m.commitIndex.Store(m.lastLogIndex.Load())

	m.logger.Info().
		Str("type", string(msg.Type)).
		Int("acks", acks).
		Uint64("log_index", m.lastLogIndex.Load()).
		Msg("mutation committed")
	return nil
}
