package registry

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi"
	"go.uber.org/zap"

	"github.com/svcreg/svcreg"
)

// HTTPServer exposes the registry client surface over HTTP. Writes
// submitted to a follower answer 421 with a body naming the leader;
// the caller resubmits there.
type HTTPServer struct {
	registry *Registry
	router   chi.Router
	logger   *zap.Logger
}

// NewHTTPServer returns an HTTP server for the given registry.
func NewHTTPServer(registry *Registry) *HTTPServer {
	s := &HTTPServer{
		registry: registry,
		logger:   zap.NewNop(),
	}

	r := chi.NewRouter()
	r.Route("/api/v1/services", func(r chi.Router) {
		r.Post("/", s.handleRegister)
		r.Get("/", s.handleDiscover)
		r.Get("/{id}", s.handleGet)
		r.Delete("/{id}", s.handleDeregister)
	})
	s.router = r

	return s
}

// WithLogger sets the logger for the server.
func (s *HTTPServer) WithLogger(log *zap.Logger) {
	s.logger = log.With(zap.String("handler", "registry"))
}

// ServeHTTP handles all incoming HTTP requests.
func (s *HTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var entry svcreg.ServiceEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		s.error(w, http.StatusBadRequest, "invalid service entry body")
		return
	}

	result, err := s.registry.Register(r.Context(), entry)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if result.Redirected {
		s.respond(w, http.StatusMisdirectedRequest, result)
		return
	}
	s.respond(w, http.StatusCreated, result)
}

func (s *HTTPServer) handleDeregister(w http.ResponseWriter, r *http.Request) {
	result, err := s.registry.Deregister(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if result.Redirected {
		s.respond(w, http.StatusMisdirectedRequest, result)
		return
	}
	s.respond(w, http.StatusOK, result)
}

func (s *HTTPServer) handleDiscover(w http.ResponseWriter, r *http.Request) {
	// A consistent read drains the apply backlog first; combined with
	// addressing the leader it reflects every committed write.
	if r.URL.Query().Get("consistent") == "true" {
		if err := s.registry.Sync(r.Context()); err != nil {
			s.error(w, http.StatusServiceUnavailable, "sync deadline exceeded")
			return
		}
	}

	entries := s.registry.Discover(r.URL.Query().Get("name"))
	if entries == nil {
		entries = []svcreg.ServiceEntry{}
	}
	s.respond(w, http.StatusOK, entries)
}

func (s *HTTPServer) handleGet(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.registry.Entry(chi.URLParam(r, "id"))
	if !ok {
		s.error(w, http.StatusNotFound, "service not found")
		return
	}
	s.respond(w, http.StatusOK, entry)
}

// writeError maps registry write failures onto status codes. Quorum
// loss is reported as unavailability, never as success.
func (s *HTTPServer) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, svcreg.ErrNoLeader),
		errors.Is(err, svcreg.ErrNoQuorum),
		errors.Is(err, svcreg.ErrLeadershipLost):
		s.error(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, svcreg.ErrServiceNameRequired),
		errors.Is(err, svcreg.ErrServiceHostRequired),
		errors.Is(err, svcreg.ErrServiceIDRequired):
		s.error(w, http.StatusBadRequest, err.Error())
	default:
		s.error(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *HTTPServer) respond(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *HTTPServer) error(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(errorBody{Error: msg})
}
