// ABOUTME: Identity endpoints: registration, binding, revocation, relationships
// ABOUTME: Mutating endpoints run behind the admin JWT middleware

package httpapi

import (
	"net/http"
	"strconv"

	"github.com/dubhe-im/dubhe/internal/auth"
)

// RegisterOwnerRequest is the JSON body for POST /api/v1/owners/register.
type RegisterOwnerRequest struct {
	OwnerID  string         `json:"owner_id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RegisterAgentRequest is the JSON body for POST /api/v1/agents/register.
type RegisterAgentRequest struct {
	AgentID  string         `json:"agent_id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// BindRequest is the JSON body for POST /api/v1/agents/{id}/bind.
type BindRequest struct {
	OwnerID string `json:"owner_id"`
}

// SubAgentRequest is the JSON body for POST /api/v1/agents/{id}/sub-agents.
type SubAgentRequest struct {
	ChildAgentID string `json:"child_agent_id"`
}

// PrincipalMapRequest is the JSON body for POST /api/v1/principals.
type PrincipalMapRequest struct {
	NativeRef  string `json:"native_ref"`
	ChannelRef string `json:"channel_ref"`
}

func (s *Server) handleRegisterOwner(w http.ResponseWriter, r *http.Request) {
	var req RegisterOwnerRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.OwnerID == "" {
		s.writeError(w, http.StatusBadRequest, "owner_id is required")
		return
	}

	owner, err := s.registry.RegisterOwner(r.Context(), req.OwnerID, req.Metadata)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	if op, ok := auth.OperatorFromContext(r.Context()); ok {
		s.logger.Info("owner registered via api", "owner_id", owner.OwnerID, "operator", op)
	}
	s.writeJSON(w, http.StatusOK, owner)
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		s.writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	agent, err := s.registry.RegisterAgent(r.Context(), req.AgentID, req.Metadata)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleBind(w http.ResponseWriter, r *http.Request) {
	var req BindRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.OwnerID == "" {
		s.writeError(w, http.StatusBadRequest, "owner_id is required")
		return
	}

	binding, err := s.registry.Bind(r.Context(), req.OwnerID, r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, binding)
}

func (s *Server) handleUnbind(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Unbind(r.Context(), r.PathValue("id")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "unbound"})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	agent, err := s.registry.Revoke(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleRegisterSubAgent(w http.ResponseWriter, r *http.Request) {
	var req SubAgentRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.ChildAgentID == "" {
		s.writeError(w, http.StatusBadRequest, "child_agent_id is required")
		return
	}

	parentID := r.PathValue("id")
	if err := s.registry.RegisterSubAgent(r.Context(), parentID, req.ChildAgentID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"parent_id": parentID,
		"child_id":  req.ChildAgentID,
	})
}

func (s *Server) handleMapPrincipal(w http.ResponseWriter, r *http.Request) {
	var req PrincipalMapRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.NativeRef == "" || req.ChannelRef == "" {
		s.writeError(w, http.StatusBadRequest, "native_ref and channel_ref are required")
		return
	}

	if err := s.registry.MapPrincipal(r.Context(), req.NativeRef, req.ChannelRef); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"native_ref":  req.NativeRef,
		"channel_ref": req.ChannelRef,
	})
}

func (s *Server) handleAgentRelationships(w http.ResponseWriter, r *http.Request) {
	rel, err := s.registry.Relationships(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rel)
}

func (s *Server) handleListRelationships(w http.ResponseWriter, r *http.Request) {
	views, err := s.registry.ListRelationships(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"relationships": views})
}

func (s *Server) handleOwnerHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	agentID := r.PathValue("id")
	if _, err := s.registry.GetAgent(r.Context(), agentID); err != nil {
		s.writeDomainError(w, err)
		return
	}

	history, err := s.registry.OwnerChangeHistory(r.Context(), agentID, limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"agent_id": agentID, "history": history})
}
