package server

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/pkg/delivery"
	"github.com/parleyhq/parley/pkg/types"
	"github.com/parleyhq/parley/pkg/wire"
)

func toDelivery(id int64, env wire.Envelope, text string) delivery.Message {
	return delivery.Message{
		ID:        id,
		Sender:    env.Sender,
		Recipient: env.Recipient,
		Content:   text,
		Timestamp: types.Now(),
	}
}

// handleStream upgrades GET /v1/chat/stream?username=u to a websocket
// and streams the user's messages: first the undelivered backlog in
// ascending timestamp order, then live traffic as it commits. Each
// frame is one SEND_MESSAGE envelope.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		http.Error(w, "username is required", http.StatusBadRequest)
		return
	}
	exists, err := s.store.AccountExists(username)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !exists {
		http.Error(w, "unknown user", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// Subscribe before draining so nothing committed mid-drain is
	// lost. Delivery is at-least-once; the client dedupes on id.
	sub := s.hub.Subscribe(username)
	defer sub.Close()

	logger := s.logger.With().Str("username", username).Logger()
	logger.Info().Msg("message stream opened")
	defer logger.Info().Msg("message stream closed")

	backlog, err := s.store.UndeliveredMessages(username)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load undelivered backlog")
		return
	}
	for _, m := range backlog {
		if err := writeFrame(conn, m.Sender, username, m.ID, m.Content, m.Timestamp); err != nil {
			return
		}
		if err := s.store.MarkDelivered(m.ID); err != nil {
			logger.Error().Err(err).Int64("message_id", m.ID).Msg("failed to mark message delivered")
		}
	}

	// The read pump only watches for the peer closing the socket.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				// Overflowed or closed elsewhere; the client reconnects
				// and the backlog drain replays what it missed.
				return
			}
			if err := writeFrame(conn, msg.Sender, username, msg.ID, msg.Content, msg.Timestamp); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func writeFrame(conn *websocket.Conn, sender, recipient string, id int64, text string, ts float64) error {
	env, err := wire.NewEnvelope(wire.TypeSendMessage, sender, recipient, wire.DeliveredPayload{
		ID:   id,
		Text: text,
	})
	if err != nil {
		return err
	}
	env.Timestamp = ts
	return conn.WriteJSON(env)
}
