// ABOUTME: HTTP server wiring: mux, discovery, health, and shared helpers
// ABOUTME: Domain errors map onto status codes in one place

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dubhe-im/dubhe/internal/approval"
	"github.com/dubhe-im/dubhe/internal/auth"
	"github.com/dubhe-im/dubhe/internal/delivery"
	"github.com/dubhe-im/dubhe/internal/identity"
	"github.com/dubhe-im/dubhe/internal/rooms"
	"github.com/dubhe-im/dubhe/internal/storage"
)

// Version reported by the discovery endpoint.
const Version = "0.3.0"

// Config holds the values the API advertises and checks.
type Config struct {
	// Homeserver is the Matrix homeserver URL advertised by discovery.
	Homeserver string
	// APIBase is the externally reachable API root. Omitted when empty.
	APIBase string
}

// ReadyFunc reports whether the hub's collaborators are reachable.
type ReadyFunc func(ctx context.Context) error

// Server carries the handlers' dependencies.
type Server struct {
	cfg       Config
	registry  *identity.Registry
	pipeline  *delivery.Pipeline
	approvals *approval.Coordinator
	verifier  auth.TokenVerifier
	ready     ReadyFunc
	logger    *slog.Logger
}

// NewServer creates the API server. verifier may be nil (admin surface
// closed); ready may be nil (always ready).
func NewServer(cfg Config, registry *identity.Registry, pipeline *delivery.Pipeline,
	approvals *approval.Coordinator, verifier auth.TokenVerifier, ready ReadyFunc) *Server {
	return &Server{
		cfg:       cfg,
		registry:  registry,
		pipeline:  pipeline,
		approvals: approvals,
		verifier:  verifier,
		ready:     ready,
		logger:    slog.Default().With("component", "httpapi"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /.well-known/dubhe-matrix", s.handleDiscovery)
	mux.HandleFunc("GET /api/v1/discovery", s.handleDiscovery)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	mux.HandleFunc("POST /api/v1/agent/send", s.handleSend)
	mux.HandleFunc("GET /api/v1/deliveries/{id}", s.handleDeliveryStatus)

	mux.HandleFunc("GET /api/v1/agents/{id}/relationships", s.handleAgentRelationships)
	mux.HandleFunc("GET /api/v1/agents/{id}/owner-history", s.handleOwnerHistory)
	mux.HandleFunc("GET /api/v1/relationships", s.handleListRelationships)

	mux.HandleFunc("POST /api/v1/approvals", s.handleCreateApproval)
	mux.HandleFunc("POST /api/v1/approvals/{id}/callback", s.handleApprovalCallback)
	mux.HandleFunc("GET /api/v1/approvals/{id}", s.handleGetApproval)

	// Registration and binding require the admin JWT.
	admin := http.NewServeMux()
	admin.HandleFunc("POST /api/v1/owners/register", s.handleRegisterOwner)
	admin.HandleFunc("POST /api/v1/agents/register", s.handleRegisterAgent)
	admin.HandleFunc("POST /api/v1/agents/{id}/bind", s.handleBind)
	admin.HandleFunc("POST /api/v1/agents/{id}/unbind", s.handleUnbind)
	admin.HandleFunc("POST /api/v1/agents/{id}/revoke", s.handleRevoke)
	admin.HandleFunc("POST /api/v1/agents/{id}/sub-agents", s.handleRegisterSubAgent)
	admin.HandleFunc("POST /api/v1/principals", s.handleMapPrincipal)
	guarded := auth.Middleware(s.verifier)(admin)
	for _, pattern := range []string{
		"POST /api/v1/owners/register",
		"POST /api/v1/agents/register",
		"POST /api/v1/agents/{id}/bind",
		"POST /api/v1/agents/{id}/unbind",
		"POST /api/v1/agents/{id}/revoke",
		"POST /api/v1/agents/{id}/sub-agents",
		"POST /api/v1/principals",
	} {
		mux.Handle(pattern, guarded)
	}

	return mux
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	payload := map[string]string{
		"matrix_homeserver": s.cfg.Homeserver,
		"version":           Version,
	}
	if s.cfg.APIBase != "" {
		payload["api_base"] = s.cfg.APIBase
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps the error taxonomy onto HTTP status codes.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, identity.ErrUnknownAgent),
		errors.Is(err, identity.ErrUnknownOwner),
		errors.Is(err, delivery.ErrUnknownDelivery),
		errors.Is(err, approval.ErrUnknownRequest),
		errors.Is(err, identity.ErrNoBinding):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, identity.ErrDuplicateAgent),
		errors.Is(err, identity.ErrIdentityConflict),
		errors.Is(err, identity.ErrCycleDetected),
		errors.Is(err, identity.ErrDuplicateSubAgent),
		errors.Is(err, identity.ErrSelfRelation),
		errors.Is(err, identity.ErrAgentRevoked),
		errors.Is(err, approval.ErrDuplicateRequest):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, rooms.ErrRoomProvisioningFailed),
		errors.Is(err, delivery.ErrDeliveryFailed):
		s.writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("unhandled error", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeBody parses a JSON request body into dst.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
