package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/parleyhq/parley/pkg/delivery"
	"github.com/parleyhq/parley/pkg/log"
	"github.com/parleyhq/parley/pkg/metrics"
	"github.com/parleyhq/parley/pkg/replication"
	"github.com/parleyhq/parley/pkg/store"
	"github.com/parleyhq/parley/pkg/wire"
)

// ForwardTimeout bounds a mutation forwarded from a follower to the
// leader
const ForwardTimeout = 5 * time.Second

// Server hosts one node's client-facing RPC surface and the
// replication endpoint on a single HTTP listener
type Server struct {
	addr string

	store *store.Store
	repl  *replication.Manager
	hub   *delivery.Hub

	httpSrv  *http.Server
	forward  *http.Client
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewServer wires a server for the node listening on addr
func NewServer(addr string, st *store.Store, repl *replication.Manager, hub *delivery.Hub) *Server {
	s := &Server{
		addr:    addr,
		store:   st,
		repl:    repl,
		hub:     hub,
		forward: &http.Client{Timeout: ForwardTimeout},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: log.WithComponent("server").With().Str("node_id", addr).Logger(),
	}
	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: s.Routes(),
	}
	return s
}

// Routes builds the node's HTTP router
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Get("/v1/cluster/nodes", s.handleClusterNodes)
	r.Post("/v1/replication", s.handleReplication)
	r.Get("/v1/chat/stream", s.handleStream)

	r.Route("/v1/chat", func(r chi.Router) {
		r.Post("/create_account", s.rpc("CreateAccount", s.handleCreateAccount))
		r.Post("/login", s.rpc("Login", s.handleLogin))
		r.Post("/send_message", s.rpc("SendMessage", s.handleSendMessage))
		r.Post("/read_conversation", s.rpc("ReadConversation", s.handleReadConversation))
		r.Post("/list_accounts", s.rpc("ListAccounts", s.handleListAccounts))
		r.Post("/list_chat_partners", s.rpc("ListChatPartners", s.handleListChatPartners))
		r.Post("/delete_messages", s.rpc("DeleteMessages", s.handleDeleteMessages))
		r.Post("/delete_account", s.rpc("DeleteAccount", s.handleDeleteAccount))
		r.Post("/mark_read", s.rpc("MarkRead", s.handleMarkRead))
		r.Post("/get_leader", s.rpc("GetLeader", s.handleGetLeader))
		r.Post("/get_chat_limit", s.rpc("GetChatLimit", s.handleGetChatLimit))
		r.Post("/set_chat_limit", s.rpc("SetChatLimit", s.handleSetChatLimit))
	})

	return r
}

// Start blocks serving HTTP until Shutdown or a listener error
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.addr).Msg("chat server listening")
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains the HTTP listener
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// rpc wraps an envelope handler with decoding, response writing, and
// request accounting
func (s *Server) rpc(method string, fn func(env wire.Envelope) wire.Envelope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var env wire.Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			s.logger.Warn().Err(err).Str("method", method).Msg("invalid request body")
			metrics.RPCRequestsTotal.WithLabelValues(method, "error").Inc()
			writeEnvelope(w, s.logger, wire.Errorf(wire.CodeInvalidInput, "invalid request body"))
			return
		}

		out := fn(env)
		status := "ok"
		if out.Type == wire.TypeError {
			status = "error"
		}
		metrics.RPCRequestsTotal.WithLabelValues(method, status).Inc()
		writeEnvelope(w, s.logger, out)
	}
}

// writeEnvelope writes a response envelope; RPC-level failures still
// travel as 200s, the envelope type carries the outcome
func writeEnvelope(w http.ResponseWriter, logger zerolog.Logger, env wire.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		logger.Error().Err(err).Msg("failed to encode response")
	}
}

func writeJSON(w http.ResponseWriter, logger zerolog.Logger, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error().Err(err).Msg("failed to encode json response")
	}
}

// handleReplication is the intra-cluster endpoint peers POST
// ReplicationMessages to
func (s *Server) handleReplication(w http.ResponseWriter, r *http.Request) {
	var msg wire.ReplicationMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		s.logger.Warn().Err(err).Msg("invalid replication message")
		http.Error(w, "invalid replication message", http.StatusBadRequest)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, s.repl.HandleMessage(&msg))
}

func (s *Server) handleClusterNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, wire.ClusterNodesPayload{Nodes: s.repl.Nodes()})
}
