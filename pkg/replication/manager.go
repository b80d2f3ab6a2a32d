package replication

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/parleyhq/parley/pkg/log"
	"github.com/parleyhq/parley/pkg/metrics"
	"github.com/parleyhq/parley/pkg/store"
	"github.com/parleyhq/parley/pkg/types"
	"github.com/parleyhq/parley/pkg/wire"
)

// Role is this node's position in the election protocol
type Role string

const (
	RoleFollower  Role = "follower"
	RoleCandidate Role = "candidate"
	RoleLeader    Role = "leader"
)

// Protocol timing
const (
	HeartbeatInterval  = 100 * time.Millisecond
	MinElectionTimeout = 1 * time.Second
	MaxElectionTimeout = 2 * time.Second
	VoteTimeout        = 2 * time.Second
	ReplicateTimeout   = 1 * time.Second
)

// ErrNoQuorum is returned when a replicated mutation fails to gather
// acknowledgments from a majority of the alive set
var ErrNoQuorum = errors.New("replication did not reach quorum")

// Transport sends one replication message to a peer and returns its
// response
type Transport interface {
	Send(ctx context.Context, addr string, msg *wire.ReplicationMessage) (*wire.ReplicationMessage, error)
}

// Storage is the slice of the persistent store the manager needs to
// apply replicated mutations on followers
type Storage interface {
	AccountExists(username string) (bool, error)
	CreateAccount(username, password string) error
	StoreMessageWithID(id int64, sender, recipient, content string, delivered bool) error
	MessageByID(id int64) (*types.Message, error)
	DeleteMessages(owner string, ids []int64) ([]int64, error)
	DeleteAccount(username string) error
	MarkRead(owner string, ids []int64) ([]int64, error)
}

type replicaState struct {
	addr          string
	alive         bool
	lastHeartbeat time.Time
}

// Manager runs leader election and log-less primary-backup
// replication for one node. The persistent store itself plays the
// part of the replicated log: mutations are applied locally and
// broadcast, and a write only commits once a majority of the alive
// set acknowledged it.
//
// State is guarded by per-field mutexes. When more than one must be
// held, acquisition follows the fixed order role, term, vote, leader,
// replicas.
type Manager struct {
	selfID    string
	store     Storage
	transport Transport

	roleMu sync.Mutex
	role   Role

	termMu sync.Mutex
	term   uint64

	voteMu   sync.Mutex
	votedFor string

	leaderMu sync.Mutex
	leaderID string

	replicaMu sync.Mutex
	replicas  map[string]*replicaState

	lastLogIndex atomic.Uint64
	lastLogTerm  atomic.Uint64
	commitIndex  atomic.Uint64

	electionInProgress atomic.Bool
	lastLeaderContact  atomic.Int64 // unix nanos

	resetCh chan struct{}
	kickCh  chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup

	logger zerolog.Logger
	hblog  zerolog.Logger
}

// NewManager creates a manager for selfID (the node's host:port) with
// the given peer set
func NewManager(selfID string, peers []string, st Storage, tr Transport) *Manager {
	m := &Manager{
		selfID:    selfID,
		store:     st,
		transport: tr,
		role:      RoleFollower,
		replicas:  make(map[string]*replicaState),
		resetCh:   make(chan struct{}, 1),
		kickCh:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		logger:    log.WithComponent("replication").With().Str("node_id", selfID).Logger(),
	}
	m.hblog = m.logger.With().Str("subsystem", "heartbeat").Logger()
	for _, addr := range peers {
		m.replicas[addr] = &replicaState{addr: addr, alive: true}
	}
	return m
}

// Start launches the election timer and heartbeat loops
func (m *Manager) Start() {
	m.touchLeaderContact()
	m.wg.Add(2)
	go m.electionLoop()
	go m.heartbeatLoop()
	m.logger.Info().Int("peers", len(m.replicas)).Msg("replication manager started")
}

// Stop terminates the background loops
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// Role returns the node's current role
func (m *Manager) Role() Role {
	m.roleMu.Lock()
	defer m.roleMu.Unlock()
	return m.role
}

func (m *Manager) setRole(r Role) {
	m.roleMu.Lock()
	m.role = r
	m.roleMu.Unlock()
	if r == RoleLeader {
		metrics.IsLeader.Set(1)
	} else {
		metrics.IsLeader.Set(0)
	}
}

// IsLeader reports whether this node currently leads the cluster
func (m *Manager) IsLeader() bool {
	return m.Role() == RoleLeader
}

// Term returns the current election term
func (m *Manager) Term() uint64 {
	m.termMu.Lock()
	defer m.termMu.Unlock()
	return m.term
}

func (m *Manager) bumpTerm() uint64 {
	m.termMu.Lock()
	defer m.termMu.Unlock()
	m.term++
	metrics.CurrentTerm.Set(float64(m.term))
	return m.term
}

// Leader returns the address of the last known leader, or "" if none
func (m *Manager) Leader() string {
	m.leaderMu.Lock()
	defer m.leaderMu.Unlock()
	return m.leaderID
}

func (m *Manager) setLeader(addr string) {
	m.leaderMu.Lock()
	m.leaderID = addr
	m.leaderMu.Unlock()
}

func (m *Manager) setVote(candidate string) {
	m.voteMu.Lock()
	m.votedFor = candidate
	m.voteMu.Unlock()
}

// stepDown adopts a higher term and reverts to follower. Locks are
// taken one at a time in the canonical order.
func (m *Manager) stepDown(newTerm uint64) {
	m.setRole(RoleFollower)
	m.termMu.Lock()
	if newTerm > m.term {
		m.term = newTerm
		metrics.CurrentTerm.Set(float64(m.term))
	}
	m.termMu.Unlock()
	m.setVote("")
	m.electionInProgress.Store(false)
}

func (m *Manager) touchLeaderContact() {
	m.lastLeaderContact.Store(time.Now().UnixNano())
}

func (m *Manager) leaderContact() time.Time {
	return time.Unix(0, m.lastLeaderContact.Load())
}

// ForceElection zeroes the last leader contact and wakes the election
// timer so it fires immediately rather than waiting out the pending
// sample. Used when forwarding to the leader fails.
func (m *Manager) ForceElection() {
	m.lastLeaderContact.Store(0)
	select {
	case m.kickCh <- struct{}{}:
	default:
	}
}

func (m *Manager) resetElectionTimer() {
	select {
	case m.resetCh <- struct{}{}:
	default:
	}
}

func (m *Manager) markAlive(addr string, alive bool) {
	m.replicaMu.Lock()
	defer m.replicaMu.Unlock()
	r, ok := m.replicas[addr]
	if !ok {
		return
	}
	if alive && !r.alive {
		m.logger.Info().Str("peer", addr).Msg("peer is back")
	}
	if !alive && r.alive {
		m.logger.Warn().Str("peer", addr).Msg("peer is unreachable")
	}
	r.alive = alive
	if alive {
		r.lastHeartbeat = time.Now()
	}
}

// peerAddrs returns every configured peer, alive or not
func (m *Manager) peerAddrs() []string {
	m.replicaMu.Lock()
	defer m.replicaMu.Unlock()
	addrs := make([]string, 0, len(m.replicas))
	for addr := range m.replicas {
		addrs = append(addrs, addr)
	}
	return addrs
}

// aliveAddrs snapshots the peers currently considered alive
func (m *Manager) aliveAddrs() []string {
	m.replicaMu.Lock()
	defer m.replicaMu.Unlock()
	addrs := make([]string, 0, len(m.replicas))
	for addr, r := range m.replicas {
		if r.alive {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

// Nodes returns cluster membership as seen by this node, self first
func (m *Manager) Nodes() []types.NodeStatus {
	m.replicaMu.Lock()
	defer m.replicaMu.Unlock()
	nodes := []types.NodeStatus{{Addr: m.selfID, IsAlive: true, LastHeartbeat: time.Now()}}
	for _, r := range m.replicas {
		nodes = append(nodes, types.NodeStatus{
			Addr:          r.addr,
			IsAlive:       r.alive,
			LastHeartbeat: r.lastHeartbeat,
		})
	}
	return nodes
}

// quorum returns the majority threshold of a group of n nodes
func quorum(n int) int {
	return n/2 + 1
}

// candidateLogOK applies the up-to-date comparison to a vote request
func (m *Manager) candidateLogOK(req *wire.VoteRequest) bool {
	if req == nil {
		return false
	}
	if req.LastLogTerm != m.lastLogTerm.Load() {
		return req.LastLogTerm > m.lastLogTerm.Load()
	}
	return req.LastLogIndex >= m.lastLogIndex.Load()
}

// HandleMessage processes one incoming replication message and
// returns the response to send back
func (m *Manager) HandleMessage(msg *wire.ReplicationMessage) *wire.ReplicationMessage {
	if msg.Term > m.Term() {
		m.logger.Info().
			Uint64("term", msg.Term).
			Str("from", msg.ServerID).
			Msg("observed higher term, stepping down")
		m.stepDown(msg.Term)
	} else if msg.Term < m.Term() {
		resp := wire.NewReplicationMessage(wire.TypeReplicationError, m.Term(), m.selfID)
		resp.Response = &wire.ReplicationResponse{Success: false}
		return resp
	}

	switch msg.Type {
	case wire.TypeRequestVote:
		return m.handleVoteRequest(msg)
	case wire.TypeHeartbeat:
		return m.handleHeartbeat(msg)
	case wire.TypeReplicateMessage:
		return m.handleReplicateMessage(msg)
	case wire.TypeReplicateAccount:
		return m.handleReplicateAccount(msg)
	case wire.TypeReplicateDeleteMsgs, wire.TypeReplicateDeleteAccount, wire.TypeReplicateMarkRead:
		return m.handleDeletion(msg)
	default:
		m.logger.Warn().Str("type", string(msg.Type)).Msg("unknown replication message")
		return wire.NewReplicationMessage(wire.TypeReplicationError, m.Term(), m.selfID)
	}
}

func (m *Manager) handleVoteRequest(msg *wire.ReplicationMessage) *wire.ReplicationMessage {
	granted := false
	m.voteMu.Lock()
	if (m.votedFor == "" || m.votedFor == msg.ServerID) && m.candidateLogOK(msg.VoteRequest) {
		m.votedFor = msg.ServerID
		granted = true
	}
	m.voteMu.Unlock()

	if granted {
		m.resetElectionTimer()
		m.touchLeaderContact()
	}
	m.logger.Info().
		Str("candidate", msg.ServerID).
		Uint64("term", msg.Term).
		Bool("granted", granted).
		Msg("vote request")

	resp := wire.NewReplicationMessage(wire.TypeVoteResponse, m.Term(), m.selfID)
	resp.VoteResponse = &wire.VoteResponse{VoteGranted: granted}
	return resp
}

func (m *Manager) handleHeartbeat(msg *wire.ReplicationMessage) *wire.ReplicationMessage {
	// The timer reset happens before any role transition so a live
	// leader always suppresses elections.
	m.resetElectionTimer()
	m.touchLeaderContact()

	if m.Role() != RoleFollower {
		m.logger.Info().
			Str("leader", msg.ServerID).
			Uint64("term", msg.Term).
			Msg("heartbeat from current leader, reverting to follower")
		m.setRole(RoleFollower)
		m.setVote("")
		m.electionInProgress.Store(false)
	}
	m.setLeader(msg.ServerID)

	if hb := msg.Heartbeat; hb != nil && hb.CommitIndex > m.commitIndex.Load() {
		m.commitIndex.Store(hb.CommitIndex)
	}
	m.hblog.Debug().Str("leader", msg.ServerID).Uint64("term", msg.Term).Msg("heartbeat")

	return wire.NewReplicationMessage(wire.TypeReplicationSuccess, m.Term(), m.selfID)
}

func (m *Manager) handleReplicateMessage(msg *wire.ReplicationMessage) *wire.ReplicationMessage {
	rep := msg.Message
	if rep == nil {
		return wire.NewReplicationMessage(wire.TypeReplicationError, m.Term(), m.selfID)
	}

	resp := wire.NewReplicationMessage(wire.TypeReplicationResponse, m.Term(), m.selfID)
	resp.Response = &wire.ReplicationResponse{MessageID: rep.MessageID}

	// A redelivered write is acknowledged, not re-applied.
	if existing, err := m.store.MessageByID(rep.MessageID); err == nil {
		resp.Response.Success = existing.Sender == rep.Sender && existing.Recipient == rep.Recipient
		return resp
	}

	err := m.store.StoreMessageWithID(rep.MessageID, rep.Sender, rep.Recipient, rep.Content, false)
	if err != nil {
		m.logger.Error().Err(err).Int64("message_id", rep.MessageID).Msg("failed to apply replicated message")
		resp.Response.Success = false
		return resp
	}
	resp.Response.Success = true
	return resp
}

func (m *Manager) handleReplicateAccount(msg *wire.ReplicationMessage) *wire.ReplicationMessage {
	rep := msg.Account
	if rep == nil {
		return wire.NewReplicationMessage(wire.TypeReplicationError, m.Term(), m.selfID)
	}

	err := m.store.CreateAccount(rep.Username, "")
	if err != nil && !errors.Is(err, store.ErrExists) {
		m.logger.Error().Err(err).Str("username", rep.Username).Msg("failed to apply replicated account")
		return wire.NewReplicationMessage(wire.TypeReplicationError, m.Term(), m.selfID)
	}
	return wire.NewReplicationMessage(wire.TypeReplicationSuccess, m.Term(), m.selfID)
}

func (m *Manager) handleDeletion(msg *wire.ReplicationMessage) *wire.ReplicationMessage {
	del := msg.Deletion
	if del == nil {
		return wire.NewReplicationMessage(wire.TypeReplicationError, m.Term(), m.selfID)
	}

	var err error
	switch msg.Type {
	case wire.TypeReplicateDeleteMsgs:
		_, err = m.store.DeleteMessages(del.Username, del.MessageIDs)
	case wire.TypeReplicateDeleteAccount:
		err = m.store.DeleteAccount(del.Username)
	case wire.TypeReplicateMarkRead:
		_, err = m.store.MarkRead(del.Username, del.MessageIDs)
	}
	if err != nil {
		m.logger.Error().Err(err).
			Str("type", string(msg.Type)).
			Str("username", del.Username).
			Msg("failed to apply replicated deletion")
		return wire.NewReplicationMessage(wire.TypeReplicationError, m.Term(), m.selfID)
	}
	return wire.NewReplicationMessage(wire.TypeReplicationSuccess, m.Term(), m.selfID)
}
