// ABOUTME: Approval endpoints: create, idempotent callback, result query
// ABOUTME: Repeated callbacks return the stored decision with a 200

package httpapi

import (
	"net/http"

	"github.com/dubhe-im/dubhe/internal/approval"
)

// CreateApprovalRequest is the JSON body for POST /api/v1/approvals.
type CreateApprovalRequest struct {
	RequestID string         `json:"request_id"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// ApprovalCallbackRequest is the JSON body for the IM platform's callback.
type ApprovalCallbackRequest struct {
	Approved   bool   `json:"approved"`
	ApproverID string `json:"approver_id"`
	Comment    string `json:"comment,omitempty"`
}

// ApprovalCallbackResponse reports the winning decision and whether this
// callback was a repeat.
type ApprovalCallbackResponse struct {
	Idempotent bool               `json:"idempotent"`
	Decision   *approval.Decision `json:"decision"`
}

func (s *Server) handleCreateApproval(w http.ResponseWriter, r *http.Request) {
	var req CreateApprovalRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.RequestID == "" {
		s.writeError(w, http.StatusBadRequest, "request_id is required")
		return
	}

	created, err := s.approvals.CreateRequest(r.Context(), req.RequestID, req.Payload)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleApprovalCallback(w http.ResponseWriter, r *http.Request) {
	var req ApprovalCallbackRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.ApproverID == "" {
		s.writeError(w, http.StatusBadRequest, "approver_id is required")
		return
	}

	decision, idempotent, err := s.approvals.Resolve(r.Context(), r.PathValue("id"),
		req.Approved, req.ApproverID, req.Comment)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ApprovalCallbackResponse{Idempotent: idempotent, Decision: decision})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	result, err := s.approvals.GetResult(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}
