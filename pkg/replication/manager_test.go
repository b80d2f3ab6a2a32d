package replication

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/pkg/log"
	"github.com/parleyhq/parley/pkg/store"
	"github.com/parleyhq/parley/pkg/wire"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// fakeTransport routes replication messages to a per-peer handler
type fakeTransport struct {
	mu       sync.Mutex
	handlers map[string]func(*wire.ReplicationMessage) (*wire.ReplicationMessage, error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers: make(map[string]func(*wire.ReplicationMessage) (*wire.ReplicationMessage, error)),
	}
}

func (t *fakeTransport) respond(addr string, fn func(*wire.ReplicationMessage) (*wire.ReplicationMessage, error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[addr] = fn
}

func (t *fakeTransport) Send(_ context.Context, addr string, msg *wire.ReplicationMessage) (*wire.ReplicationMessage, error) {
	t.mu.Lock()
	fn, ok := t.handlers[addr]
	t.mu.Unlock()
	if !ok {
		return nil, errors.New("peer unreachable")
	}
	return fn(msg)
}

func ackAll(mt wire.ReplicationType) func(*wire.ReplicationMessage) (*wire.ReplicationMessage, error) {
	return func(msg *wire.ReplicationMessage) (*wire.ReplicationMessage, error) {
		resp := wire.NewReplicationMessage(mt, msg.Term, "peer")
		resp.Response = &wire.ReplicationResponse{Success: true}
		return resp, nil
	}
}

func newTestManager(t *testing.T, selfID string, peers []string, tr Transport) *Manager {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "repl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewManager(selfID, peers, st, tr)
}

func TestVoteGrantedOncePerTerm(t *testing.T) {
	m := newTestManager(t, "node-a:9101", nil, newFakeTransport())

	req := wire.NewReplicationMessage(wire.TypeRequestVote, 1, "node-b:9101")
	req.VoteRequest = &wire.VoteRequest{}

	resp := m.HandleMessage(req)
	require.NotNil(t, resp.VoteResponse)
	assert.True(t, resp.VoteResponse.VoteGranted)
	assert.Equal(t, uint64(1), m.Term())

	// A competing candidate in the same term is refused.
	rival := wire.NewReplicationMessage(wire.TypeRequestVote, 1, "node-c:9101")
	rival.VoteRequest = &wire.VoteRequest{}
	resp = m.HandleMessage(rival)
	assert.False(t, resp.VoteResponse.VoteGranted)

	// The original candidate asking again still gets its vote.
	resp = m.HandleMessage(req)
	assert.True(t, resp.VoteResponse.VoteGranted)
}

func TestVoteRefusedForStaleLog(t *testing.T) {
	m := newTestManager(t, "node-a:9101", nil, newFakeTransport())
	m.lastLogTerm.Store(2)
	m.lastLogIndex.Store(5)

	tests := []struct {
		name    string
		req     wire.VoteRequest
		granted bool
	}{
		{"older term", wire.VoteRequest{LastLogTerm: 1, LastLogIndex: 9}, false},
		{"same term shorter log", wire.VoteRequest{LastLogTerm: 2, LastLogIndex: 4}, false},
		{"same term same log", wire.VoteRequest{LastLogTerm: 2, LastLogIndex: 5}, true},
		{"newer term", wire.VoteRequest{LastLogTerm: 3, LastLogIndex: 0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m.setVote("")
			req := wire.NewReplicationMessage(wire.TypeRequestVote, m.Term()+1, "node-b:9101")
			vr := tt.req
			req.VoteRequest = &vr
			resp := m.HandleMessage(req)
			assert.Equal(t, tt.granted, resp.VoteResponse.VoteGranted)
		})
	}
}

func TestLowerTermRejected(t *testing.T) {
	m := newTestManager(t, "node-a:9101", nil, newFakeTransport())
	m.stepDown(5)

	msg := wire.NewReplicationMessage(wire.TypeHeartbeat, 3, "node-b:9101")
	resp := m.HandleMessage(msg)
	assert.Equal(t, wire.TypeReplicationError, resp.Type)
	assert.Equal(t, uint64(5), resp.Term)
}

func TestHigherTermStepsDown(t *testing.T) {
	m := newTestManager(t, "node-a:9101", nil, newFakeTransport())
	m.setRole(RoleLeader)
	m.setVote(m.selfID)

	msg := wire.NewReplicationMessage(wire.TypeHeartbeat, 7, "node-b:9101")
	msg.Heartbeat = &wire.Heartbeat{}
	resp := m.HandleMessage(msg)

	assert.Equal(t, wire.TypeReplicationSuccess, resp.Type)
	assert.Equal(t, RoleFollower, m.Role())
	assert.Equal(t, uint64(7), m.Term())
	assert.Equal(t, "node-b:9101", m.Leader())
}

func TestHeartbeatDemotesSameTermCandidate(t *testing.T) {
	m := newTestManager(t, "node-a:9101", nil, newFakeTransport())
	m.bumpTerm()
	m.setRole(RoleCandidate)

	msg := wire.NewReplicationMessage(wire.TypeHeartbeat, 1, "node-b:9101")
	msg.Heartbeat = &wire.Heartbeat{CommitIndex: 3}
	resp := m.HandleMessage(msg)

	assert.Equal(t, wire.TypeReplicationSuccess, resp.Type)
	assert.Equal(t, RoleFollower, m.Role())
	assert.Equal(t, "node-b:9101", m.Leader())
	assert.Equal(t, uint64(3), m.commitIndex.Load())
}

func TestReplicatedMessageIdempotent(t *testing.T) {
	m := newTestManager(t, "node-a:9101", nil, newFakeTransport())

	msg := wire.NewReplicationMessage(wire.TypeReplicateMessage, 1, "node-b:9101")
	msg.Message = &wire.MessageReplication{
		MessageID: 7, Sender: "alice", Recipient: "bob", Content: "hi",
	}

	resp := m.HandleMessage(msg)
	require.NotNil(t, resp.Response)
	assert.True(t, resp.Response.Success)
	assert.Equal(t, int64(7), resp.Response.MessageID)

	// Redelivery of the same write is acked without a second row.
	resp = m.HandleMessage(msg)
	assert.True(t, resp.Response.Success)

	stored, err := m.store.MessageByID(7)
	require.NoError(t, err)
	assert.Equal(t, "hi", stored.Content)
	assert.False(t, stored.IsDelivered)

	// A different write colliding on the id is refused.
	clash := wire.NewReplicationMessage(wire.TypeReplicateMessage, 1, "node-b:9101")
	clash.Message = &wire.MessageReplication{
		MessageID: 7, Sender: "carol", Recipient: "dave", Content: "clash",
	}
	resp = m.HandleMessage(clash)
	assert.False(t, resp.Response.Success)
}

func TestReplicatedAccountAndDeletion(t *testing.T) {
	m := newTestManager(t, "node-a:9101", nil, newFakeTransport())

	acct := wire.NewReplicationMessage(wire.TypeReplicateAccount, 1, "node-b:9101")
	acct.Account = &wire.AccountReplication{Username: "alice"}
	resp := m.HandleMessage(acct)
	assert.Equal(t, wire.TypeReplicationSuccess, resp.Type)

	// Re-applying the account creation stays successful.
	resp = m.HandleMessage(acct)
	assert.Equal(t, wire.TypeReplicationSuccess, resp.Type)

	st := m.store.(*store.Store)
	ok, err := st.AccountExists("alice")
	require.NoError(t, err)
	assert.True(t, ok)

	del := wire.NewReplicationMessage(wire.TypeReplicateDeleteAccount, 1, "node-b:9101")
	del.Deletion = &wire.DeletionPayload{Username: "alice"}
	resp = m.HandleMessage(del)
	assert.Equal(t, wire.TypeReplicationSuccess, resp.Type)

	ok, err = st.AccountExists("alice")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReplicateReachesQuorum(t *testing.T) {
	tr := newFakeTransport()
	m := newTestManager(t, "node-a:9101", []string{"node-b:9101", "node-c:9101"}, tr)

	tr.respond("node-b:9101", ackAll(wire.TypeReplicationResponse))
	// node-c stays unreachable: 2 of 3 alive nodes still commit.

	err := m.ReplicateMessage(1, "alice", "bob", "hi")
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), m.lastLogIndex.Load())
	assert.Equal(t, uint64(1), m.commitIndex.Load())

	// node-c was marked dead by the failed call.
	assert.Equal(t, []string{"node-b:9101"}, m.aliveAddrs())
}

func TestReplicateFailsWithoutQuorum(t *testing.T) {
	tr := newFakeTransport()
	m := newTestManager(t, "node-a:9101", []string{"node-b:9101", "node-c:9101"}, tr)

	err := m.ReplicateMessage(1, "alice", "bob", "hi")
	assert.ErrorIs(t, err, ErrNoQuorum)
	assert.Equal(t, uint64(0), m.lastLogIndex.Load())
}

func TestQuorumExcludesDeadPeersAtCallStart(t *testing.T) {
	tr := newFakeTransport()
	m := newTestManager(t, "node-a:9101", []string{"node-b:9101", "node-c:9101"}, tr)

	// node-c is already known dead; the alive set is {a, b} and one
	// follower ack suffices.
	m.markAlive("node-c:9101", false)
	tr.respond("node-b:9101", ackAll(wire.TypeReplicationResponse))

	err := m.ReplicateMessage(1, "alice", "bob", "hi")
	assert.NoError(t, err)
}

func TestSingleNodeElectsItself(t *testing.T) {
	m := newTestManager(t, "node-a:9101", nil, newFakeTransport())
	m.Start()
	defer m.Stop()

	require.Eventually(t, m.IsLeader, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, "node-a:9101", m.Leader())
	assert.GreaterOrEqual(t, m.Term(), uint64(1))
}

func TestTwoNodesElectOneLeader(t *testing.T) {
	tr := newFakeTransport()
	a := newTestManager(t, "node-a:9101", []string{"node-b:9101"}, tr)
	b := newTestManager(t, "node-b:9101", []string{"node-a:9101"}, tr)
	tr.respond("node-a:9101", func(msg *wire.ReplicationMessage) (*wire.ReplicationMessage, error) {
		return a.HandleMessage(msg), nil
	})
	tr.respond("node-b:9101", func(msg *wire.ReplicationMessage) (*wire.ReplicationMessage, error) {
		return b.HandleMessage(msg), nil
	})

	a.Start()
	b.Start()
	defer a.Stop()
	defer b.Stop()

	require.Eventually(t, func() bool {
		return a.IsLeader() != b.IsLeader() && (a.IsLeader() || b.IsLeader())
	}, 10*time.Second, 50*time.Millisecond)

	// Both agree on who leads.
	require.Eventually(t, func() bool {
		return a.Leader() == b.Leader() && a.Leader() != ""
	}, 10*time.Second, 50*time.Millisecond)
}

func TestForceElection(t *testing.T) {
	m := newTestManager(t, "node-a:9101", nil, newFakeTransport())
	m.touchLeaderContact()
	m.ForceElection()
	assert.True(t, time.Since(m.leaderContact()) > MaxElectionTimeout)
}

func TestForceElectionFiresPromptly(t *testing.T) {
	m := newTestManager(t, "node-a:9101", nil, newFakeTransport())
	m.Start()
	defer m.Stop()

	// The natural timer cannot expire before MinElectionTimeout, so
	// leadership inside this window proves the forced wakeup.
	m.ForceElection()
	require.Eventually(t, m.IsLeader, MinElectionTimeout/2, 10*time.Millisecond)
}

func TestFailedVoteMarksPeerDead(t *testing.T) {
	tr := newFakeTransport()
	m := newTestManager(t, "node-a:9101", []string{"node-b:9101", "node-c:9101"}, tr)

	// Both peers are unreachable; the vote fan-out records that.
	m.runElection()
	assert.Empty(t, m.aliveAddrs())
}

func TestSurvivorElectsItselfAfterPeersDie(t *testing.T) {
	tr := newFakeTransport()
	m := newTestManager(t, "node-a:9101", []string{"node-b:9101", "node-c:9101"}, tr)
	m.Start()
	defer m.Stop()

	// The first election needs 2 of the stale alive-set and fails, but
	// it marks the dead peers dead; the retry's quorum is the survivor
	// alone.
	require.Eventually(t, m.IsLeader, 10*time.Second, 50*time.Millisecond)
	assert.Empty(t, m.aliveAddrs())
}

func TestQuorumMath(t *testing.T) {
	for n, want := range map[int]int{1: 1, 2: 2, 3: 2, 4: 3, 5: 3} {
		assert.Equal(t, want, quorum(n), fmt.Sprintf("n=%d", n))
	}
}

func TestNodesIncludesSelf(t *testing.T) {
	m := newTestManager(t, "node-a:9101", []string{"node-b:9101"}, newFakeTransport())
	nodes := m.Nodes()
	require.Len(t, nodes, 2)
	assert.Equal(t, "node-a:9101", nodes[0].Addr)
	assert.True(t, nodes[0].IsAlive)
}
