package raft

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

// Handler serves a node's raft RPC endpoints over HTTP. It is the
// receiving side of HTTPTransport.
type Handler struct {
	node   *Node
	router chi.Router
	logger *zap.Logger
}

// NewHandler returns a handler serving RPCs for the given node.
func NewHandler(node *Node) *Handler {
	h := &Handler{
		node:   node,
		logger: zap.NewNop(),
	}

	r := chi.NewRouter()
	r.Post("/raft/v1/vote", h.handleRequestVote)
	r.Post("/raft/v1/append", h.handleAppendEntries)
	r.Get("/raft/v1/ping", h.handlePing)
	h.router = r

	return h
}

// WithLogger sets the logger for the handler.
func (h *Handler) WithLogger(log *zap.Logger) {
	h.logger = log.With(zap.String("handler", "raft"))
}

// ServeHTTP handles all incoming HTTP requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) handleRequestVote(w http.ResponseWriter, r *http.Request) {
	var req RequestVoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.error(w, http.StatusBadRequest, "invalid request vote body")
		return
	}

	resp, err := h.node.HandleRequestVote(&req)
	if err != nil {
		h.rpcError(w, err)
		return
	}
	h.respond(w, resp)
}

func (h *Handler) handleAppendEntries(w http.ResponseWriter, r *http.Request) {
	var req AppendEntriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.error(w, http.StatusBadRequest, "invalid append entries body")
		return
	}

	resp, err := h.node.HandleAppendEntries(&req)
	if err != nil {
		h.rpcError(w, err)
		return
	}
	h.respond(w, resp)
}

func (h *Handler) handlePing(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) respond(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode rpc response", zap.Error(err))
	}
}

func (h *Handler) rpcError(w http.ResponseWriter, err error) {
	if err == ErrClosed {
		h.error(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	h.error(w, http.StatusInternalServerError, err.Error())
}

func (h *Handler) error(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("X-Raft-Error", msg)
	w.WriteHeader(code)
}
