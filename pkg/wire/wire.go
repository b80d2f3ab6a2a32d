package wire

import (
	"encoding/json"
	"fmt"

	"github.com/parleyhq/parley/pkg/types"
)

// MessageType identifies the operation an envelope carries
type MessageType string

const (
	TypeCreateAccount    MessageType = "CREATE_ACCOUNT"
	TypeLogin            MessageType = "LOGIN"
	TypeSendMessage      MessageType = "SEND_MESSAGE"
	TypeReadConversation MessageType = "READ_CONVERSATION"
	TypeListAccounts     MessageType = "LIST_ACCOUNTS"
	TypeListChatPartners MessageType = "LIST_CHAT_PARTNERS"
	TypeDeleteMessages   MessageType = "DELETE_MESSAGES"
	TypeDeleteAccount    MessageType = "DELETE_ACCOUNT"
	TypeMarkRead         MessageType = "MARK_READ"
	TypeGetLeader        MessageType = "GET_LEADER"
	TypeGetChatLimit     MessageType = "GET_CHAT_LIMIT"
	TypeSetChatLimit     MessageType = "SET_CHAT_LIMIT"
	TypeSuccess          MessageType = "SUCCESS"
	TypeError            MessageType = "ERROR"
)

// Error codes carried in ResultPayload.Code
const (
	CodeInvalidInput       = "INVALID_INPUT"
	CodeNotAuthorized      = "NOT_AUTHORIZED"
	CodeNotFound           = "NOT_FOUND"
	CodeNotLeader          = "NOT_LEADER"
	CodeReplicationFailure = "REPLICATION_FAILURE"
	CodeTransportFailure   = "TRANSPORT_FAILURE"
	CodeInternal           = "INTERNAL"
)

// Envelope is the frame every client RPC request and response travels in.
// Payload holds one of the typed payload structs below, selected by Type.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Sender    string          `json:"sender,omitempty"`
	Recipient string          `json:"recipient,omitempty"`
	Timestamp float64         `json:"timestamp"`
}

// NewEnvelope builds an envelope around a typed payload
func NewEnvelope(t MessageType, sender, recipient string, payload any) (Envelope, error) {
	env := Envelope{
		Type:      t,
		Sender:    sender,
		Recipient: recipient,
		Timestamp: types.Now(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("failed to encode payload: %w", err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Decode unmarshals the envelope payload into the given struct
func (e Envelope) Decode(into any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope has no payload")
	}
	if err := json.Unmarshal(e.Payload, into); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Success builds a SUCCESS response envelope
func Success(text string) Envelope {
	env, _ := NewEnvelope(TypeSuccess, "", "", ResultPayload{Text: text})
	return env
}

// Errorf builds an ERROR response envelope with a taxonomy code
func Errorf(code, format string, args ...any) Envelope {
	env, _ := NewEnvelope(TypeError, "", "", ResultPayload{
		Code: code,
		Text: fmt.Sprintf(format, args...),
	})
	return env
}

// CreateAccountPayload is the CREATE_ACCOUNT request payload
type CreateAccountPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginPayload is the LOGIN request payload
type LoginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// SendMessagePayload is the SEND_MESSAGE request payload; sender and
// recipient ride on the envelope
type SendMessagePayload struct {
	Text string `json:"text"`
}

// ReadConversationPayload is the READ_CONVERSATION request payload
type ReadConversationPayload struct {
	Partner string `json:"partner"`
	Offset  int    `json:"offset"`
	Limit   int    `json:"limit"`
}

// ListAccountsPayload is the LIST_ACCOUNTS request payload
type ListAccountsPayload struct {
	Pattern string `json:"pattern"`
	Page    int    `json:"page"`
}

// MessageIDsPayload carries the id list for DELETE_MESSAGES and
// MARK_READ; an empty list for MARK_READ means the whole inbox
type MessageIDsPayload struct {
	MessageIDs []int64 `json:"message_ids"`
}

// ChatLimitPayload is the GET/SET_CHAT_LIMIT payload
type ChatLimitPayload struct {
	Partner string `json:"partner"`
	Limit   int    `json:"limit,omitempty"`
}

// ResultPayload is the SUCCESS/ERROR response payload
type ResultPayload struct {
	Text string `json:"text"`
	Code string `json:"code,omitempty"`
}

// LeaderPayload is the GET_LEADER response payload; Leader is
// "host:port" or "Unknown"
type LeaderPayload struct {
	Leader string `json:"leader"`
}

// PartnersPayload is the LIST_CHAT_PARTNERS response payload
type PartnersPayload struct {
	ChatPartners []string       `json:"chat_partners"`
	UnreadMap    map[string]int `json:"unread_map"`
}

// DeliveredPayload is the body of a streamed SEND_MESSAGE frame
type DeliveredPayload struct {
	ID   int64  `json:"id"`
	Text string `json:"text"`
}

// ClusterNodesPayload is the GET /v1/cluster/nodes response body
type ClusterNodesPayload struct {
	Nodes []types.NodeStatus `json:"nodes"`
}
