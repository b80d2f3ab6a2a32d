package wire

import "github.com/parleyhq/parley/pkg/types"

// ReplicationType identifies an intra-cluster message
type ReplicationType string

const (
	TypeRequestVote            ReplicationType = "REQUEST_VOTE"
	TypeVoteResponse           ReplicationType = "VOTE_RESPONSE"
	TypeHeartbeat              ReplicationType = "HEARTBEAT"
	TypeReplicateMessage       ReplicationType = "REPLICATE_MESSAGE"
	TypeReplicateAccount       ReplicationType = "REPLICATE_ACCOUNT"
	TypeReplicateDeleteMsgs    ReplicationType = "REPLICATE_DELETE_MESSAGES"
	TypeReplicateDeleteAccount ReplicationType = "REPLICATE_DELETE_ACCOUNT"
	TypeReplicateMarkRead      ReplicationType = "REPLICATE_MARK_READ"
	TypeReplicationResponse    ReplicationType = "REPLICATION_RESPONSE"
	TypeReplicationSuccess     ReplicationType = "REPLICATION_SUCCESS"
	TypeReplicationError       ReplicationType = "REPLICATION_ERROR"
)

// ReplicationMessage is the frame exchanged between cluster nodes.
// Exactly one of the pointer fields is set, selected by Type. ServerID
// is the sender's host:port and doubles as its identity for elections.
type ReplicationMessage struct {
	Type      ReplicationType `json:"type"`
	Term      uint64          `json:"term"`
	ServerID  string          `json:"server_id"`
	Timestamp float64         `json:"timestamp"`

	VoteRequest  *VoteRequest         `json:"vote_request,omitempty"`
	VoteResponse *VoteResponse        `json:"vote_response,omitempty"`
	Heartbeat    *Heartbeat           `json:"heartbeat,omitempty"`
	Message      *MessageReplication  `json:"message_replication,omitempty"`
	Account      *AccountReplication  `json:"account_replication,omitempty"`
	Deletion     *DeletionPayload     `json:"deletion,omitempty"`
	Response     *ReplicationResponse `json:"replication_response,omitempty"`
}

// VoteRequest carries the candidate's log position for the
// up-to-date comparison
type VoteRequest struct {
	LastLogTerm  uint64 `json:"last_log_term"`
	LastLogIndex uint64 `json:"last_log_index"`
}

// VoteResponse is the answer to a REQUEST_VOTE
type VoteResponse struct {
	VoteGranted bool `json:"vote_granted"`
}

// Heartbeat is the leader's periodic liveness announcement
type Heartbeat struct {
	CommitIndex uint64 `json:"commit_index"`
}

// MessageReplication carries one message write to a follower. The id
// is assigned by the leader and must be stored verbatim.
type MessageReplication struct {
	MessageID int64  `json:"message_id"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
}

// AccountReplication carries one account creation to a follower
type AccountReplication struct {
	Username string `json:"username"`
}

// DeletionPayload carries message deletions, account deletions, and
// mark-read operations; MessageIDs is unused for account deletion
type DeletionPayload struct {
	Username   string  `json:"username"`
	MessageIDs []int64 `json:"message_ids,omitempty"`
}

// ReplicationResponse acknowledges a replicated write
type ReplicationResponse struct {
	Success   bool  `json:"success"`
	MessageID int64 `json:"message_id,omitempty"`
}

// NewReplicationMessage builds the common header
func NewReplicationMessage(t ReplicationType, term uint64, serverID string) *ReplicationMessage {
	return &ReplicationMessage{
		Type:      t,
		Term:      term,
		ServerID:  serverID,
		Timestamp: types.Now(),
	}
}
