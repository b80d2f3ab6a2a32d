package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/parleyhq/parley/pkg/metrics"
	"github.com/parleyhq/parley/pkg/store"
	"github.com/parleyhq/parley/pkg/wire"
)

// ListAccountsPerPage is the fixed page size of the account listing
const ListAccountsPerPage = 10

// forwardToLeader re-posts a mutation envelope to the current leader
// and relays its response. A failed forward zeroes the node's leader
// contact so a new election fires promptly.
func (s *Server) forwardToLeader(op string, env wire.Envelope) wire.Envelope {
	leader := s.repl.Leader()
	if leader == "" || leader == s.addr {
		return wire.Errorf(wire.CodeNotLeader, "no leader known, try again")
	}

	body, err := json.Marshal(env)
	if err != nil {
		return wire.Errorf(wire.CodeInternal, "failed to encode request")
	}

	resp, err := s.forward.Post("http://"+leader+"/v1/chat/"+op, "application/json", bytes.NewReader(body))
	if err != nil {
		s.logger.Warn().Err(err).Str("leader", leader).Str("op", op).Msg("failed to forward to leader")
		s.repl.ForceElection()
		return wire.Errorf(wire.CodeNotLeader, "leader unreachable, try again")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return wire.Errorf(wire.CodeTransportFailure, "leader returned status %d", resp.StatusCode)
	}

	var out wire.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return wire.Errorf(wire.CodeTransportFailure, "invalid response from leader")
	}
	return out
}

func (s *Server) handleCreateAccount(env wire.Envelope) wire.Envelope {
	var req wire.CreateAccountPayload
	if err := env.Decode(&req); err != nil || req.Username == "" {
		return wire.Errorf(wire.CodeInvalidInput, "username is required")
	}
	if !s.repl.IsLeader() {
		return s.forwardToLeader("create_account", env)
	}

	exists, err := s.store.AccountExists(req.Username)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to check account")
		return wire.Errorf(wire.CodeInternal, "internal error")
	}
	if exists {
		return wire.Errorf(wire.CodeInvalidInput, "Username already exists")
	}

	if err := s.store.CreateAccount(req.Username, req.Password); err != nil {
		if errors.Is(err, store.ErrExists) {
			return wire.Errorf(wire.CodeInvalidInput, "Username already exists")
		}
		s.logger.Error().Err(err).Msg("failed to create account")
		return wire.Errorf(wire.CodeInternal, "internal error")
	}

	if err := s.repl.ReplicateAccount(req.Username); err != nil {
		if rbErr := s.store.DeleteAccount(req.Username); rbErr != nil {
			s.logger.Error().Err(rbErr).Str("username", req.Username).Msg("rollback of account creation failed")
		}
		return wire.Errorf(wire.CodeReplicationFailure, "failed to replicate account creation")
	}

	s.logger.Info().Str("username", req.Username).Msg("account created")
	return wire.Success("Account created successfully")
}

func (s *Server) handleLogin(env wire.Envelope) wire.Envelope {
	var req wire.LoginPayload
	if err := env.Decode(&req); err != nil || req.Username == "" {
		return wire.Errorf(wire.CodeInvalidInput, "username is required")
	}

	exists, err := s.store.AccountExists(req.Username)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to check account")
		return wire.Errorf(wire.CodeInternal, "internal error")
	}
	if !exists {
		return wire.Errorf(wire.CodeNotFound,
			"User does not exist. Account will be created automatically. Please set a password.")
	}
	return wire.Success("Login successful")
}

func (s *Server) handleSendMessage(env wire.Envelope) wire.Envelope {
	var req wire.SendMessagePayload
	if err := env.Decode(&req); err != nil {
		return wire.Errorf(wire.CodeInvalidInput, "invalid payload")
	}
	if env.Sender == "" || env.Recipient == "" || req.Text == "" {
		return wire.Errorf(wire.CodeInvalidInput, "sender, recipient, and text are required")
	}

	exists, err := s.store.AccountExists(env.Recipient)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to check recipient")
		return wire.Errorf(wire.CodeInternal, "internal error")
	}
	if !exists {
		return wire.Errorf(wire.CodeNotFound, "Recipient does not exist")
	}

	if !s.repl.IsLeader() {
		return s.forwardToLeader("send_message", env)
	}

	id, err := s.store.StoreMessage(env.Sender, env.Recipient, req.Text, false)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to store message")
		return wire.Errorf(wire.CodeInternal, "internal error")
	}

	if err := s.repl.ReplicateMessage(id, env.Sender, env.Recipient, req.Text); err != nil {
		// The uncommitted write must not survive locally.
		if rbErr := s.store.DeleteMessageRow(id); rbErr != nil {
			s.logger.Error().Err(rbErr).Int64("message_id", id).Msg("rollback of message write failed")
		}
		return wire.Errorf(wire.CodeReplicationFailure, "failed to replicate message")
	}

	metrics.MessagesSent.Inc()
	if s.hub.Publish(toDelivery(id, env, req.Text)) > 0 {
		if err := s.store.MarkDelivered(id); err != nil {
			s.logger.Error().Err(err).Int64("message_id", id).Msg("failed to mark message delivered")
		}
	}

	s.logger.Info().
		Str("from", env.Sender).
		Str("to", env.Recipient).
		Int64("message_id", id).
		Msg("message sent")
	return wire.Success("Message sent")
}

func (s *Server) handleReadConversation(env wire.Envelope) wire.Envelope {
	var req wire.ReadConversationPayload
	if err := env.Decode(&req); err != nil || env.Sender == "" || req.Partner == "" {
		return wire.Errorf(wire.CodeInvalidInput, "sender and partner are required")
	}

	limit := req.Limit
	if limit <= 0 {
		var err error
		limit, err = s.store.ChatLimit(env.Sender, req.Partner)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to load chat limit")
			limit = store.DefaultChatLimit
		}
	}

	conv, err := s.store.MessagesBetween(env.Sender, req.Partner, req.Offset, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load conversation")
		return wire.Errorf(wire.CodeInternal, "internal error")
	}

	out, err := wire.NewEnvelope(wire.TypeReadConversation, "", env.Sender, conv)
	if err != nil {
		return wire.Errorf(wire.CodeInternal, "internal error")
	}
	return out
}

func (s *Server) handleListAccounts(env wire.Envelope) wire.Envelope {
	var req wire.ListAccountsPayload
	if err := env.Decode(&req); err != nil {
		return wire.Errorf(wire.CodeInvalidInput, "invalid payload")
	}
	if req.Page < 1 {
		req.Page = 1
	}

	page, err := s.store.ListAccounts(req.Pattern, req.Page, ListAccountsPerPage)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list accounts")
		return wire.Errorf(wire.CodeInternal, "internal error")
	}

	out, err := wire.NewEnvelope(wire.TypeListAccounts, "", env.Sender, page)
	if err != nil {
		return wire.Errorf(wire.CodeInternal, "internal error")
	}
	return out
}

func (s *Server) handleListChatPartners(env wire.Envelope) wire.Envelope {
	if env.Sender == "" {
		return wire.Errorf(wire.CodeInvalidInput, "sender is required")
	}

	partners, err := s.store.ChatPartners(env.Sender)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list chat partners")
		return wire.Errorf(wire.CodeInternal, "internal error")
	}

	unread := make(map[string]int, len(partners))
	for _, p := range partners {
		n, err := s.store.UnreadBetween(env.Sender, p)
		if err != nil {
			s.logger.Error().Err(err).Str("partner", p).Msg("failed to count unread")
			continue
		}
		unread[p] = n
	}

	out, err := wire.NewEnvelope(wire.TypeListChatPartners, "", env.Sender, wire.PartnersPayload{
		ChatPartners: partners,
		UnreadMap:    unread,
	})
	if err != nil {
		return wire.Errorf(wire.CodeInternal, "internal error")
	}
	return out
}

func (s *Server) handleDeleteMessages(env wire.Envelope) wire.Envelope {
	var req wire.MessageIDsPayload
	if err := env.Decode(&req); err != nil || env.Sender == "" {
		return wire.Errorf(wire.CodeInvalidInput, "sender and message ids are required")
	}
	if len(req.MessageIDs) == 0 {
		return wire.Errorf(wire.CodeInvalidInput, "message ids are required")
	}
	if !s.repl.IsLeader() {
		return s.forwardToLeader("delete_messages", env)
	}

	affected, err := s.store.DeleteMessages(env.Sender, req.MessageIDs)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to delete messages")
		return wire.Errorf(wire.CodeInternal, "internal error")
	}

	if err := s.repl.ReplicateDeleteMessages(env.Sender, req.MessageIDs); err != nil {
		if rbErr := s.store.UndeleteMessages(env.Sender, affected); rbErr != nil {
			s.logger.Error().Err(rbErr).Msg("rollback of message deletion failed")
		}
		return wire.Errorf(wire.CodeReplicationFailure, "failed to replicate deletion")
	}
	return wire.Success("Messages deleted")
}

func (s *Server) handleDeleteAccount(env wire.Envelope) wire.Envelope {
	if env.Sender == "" {
		return wire.Errorf(wire.CodeInvalidInput, "sender is required")
	}
	if !s.repl.IsLeader() {
		return s.forwardToLeader("delete_account", env)
	}

	if err := s.store.DeleteAccount(env.Sender); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return wire.Errorf(wire.CodeNotFound, "account does not exist")
		}
		s.logger.Error().Err(err).Msg("failed to delete account")
		return wire.Errorf(wire.CodeInternal, "internal error")
	}

	if err := s.repl.ReplicateDeleteAccount(env.Sender); err != nil {
		// The cascade cannot be restored; surface the divergence loudly.
		s.logger.Error().
			Str("username", env.Sender).
			Msg("account deletion committed locally but failed to replicate")
		return wire.Errorf(wire.CodeReplicationFailure, "failed to replicate account deletion")
	}

	s.logger.Info().Str("username", env.Sender).Msg("account deleted")
	return wire.Success("Account deleted")
}

func (s *Server) handleMarkRead(env wire.Envelope) wire.Envelope {
	var req wire.MessageIDsPayload
	if len(env.Payload) > 0 {
		if err := env.Decode(&req); err != nil {
			return wire.Errorf(wire.CodeInvalidInput, "invalid payload")
		}
	}
	if env.Sender == "" {
		return wire.Errorf(wire.CodeInvalidInput, "sender is required")
	}
	if !s.repl.IsLeader() {
		return s.forwardToLeader("mark_read", env)
	}

	affected, err := s.store.MarkRead(env.Sender, req.MessageIDs)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return wire.Errorf(wire.CodeNotFound, "no such messages")
		}
		s.logger.Error().Err(err).Msg("failed to mark messages read")
		return wire.Errorf(wire.CodeInternal, "internal error")
	}

	if err := s.repl.ReplicateMarkRead(env.Sender, req.MessageIDs); err != nil {
		if rbErr := s.store.UnmarkRead(env.Sender, affected); rbErr != nil {
			s.logger.Error().Err(rbErr).Msg("rollback of mark-read failed")
		}
		return wire.Errorf(wire.CodeReplicationFailure, "failed to replicate mark-read")
	}
	return wire.Success("Messages marked as read")
}

func (s *Server) handleGetLeader(env wire.Envelope) wire.Envelope {
	leader := s.repl.Leader()
	if leader == "" {
		leader = "Unknown"
	}
	out, err := wire.NewEnvelope(wire.TypeGetLeader, "", env.Sender, wire.LeaderPayload{Leader: leader})
	if err != nil {
		return wire.Errorf(wire.CodeInternal, "internal error")
	}
	return out
}

func (s *Server) handleGetChatLimit(env wire.Envelope) wire.Envelope {
	var req wire.ChatLimitPayload
	if err := env.Decode(&req); err != nil || env.Sender == "" || req.Partner == "" {
		return wire.Errorf(wire.CodeInvalidInput, "sender and partner are required")
	}

	limit, err := s.store.ChatLimit(env.Sender, req.Partner)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load chat limit")
		return wire.Errorf(wire.CodeInternal, "internal error")
	}

	out, err := wire.NewEnvelope(wire.TypeGetChatLimit, "", env.Sender, wire.ChatLimitPayload{
		Partner: req.Partner,
		Limit:   limit,
	})
	if err != nil {
		return wire.Errorf(wire.CodeInternal, "internal error")
	}
	return out
}

func (s *Server) handleSetChatLimit(env wire.Envelope) wire.Envelope {
	var req wire.ChatLimitPayload
	if err := env.Decode(&req); err != nil || env.Sender == "" || req.Partner == "" {
		return wire.Errorf(wire.CodeInvalidInput, "sender and partner are required")
	}
	if err := s.store.SetChatLimit(env.Sender, req.Partner, req.Limit); err != nil {
		return wire.Errorf(wire.CodeInvalidInput, "message limit must be positive")
	}
	return wire.Success("Chat limit updated")
}
