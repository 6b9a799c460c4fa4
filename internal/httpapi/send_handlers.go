// ABOUTME: Message send endpoint and delivery status queries
// ABOUTME: Duplicate delivery ids return the stored status, never a resend

package httpapi

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/dubhe-im/dubhe/internal/translate"
)

// SendRequest is the JSON body for POST /api/v1/agent/send. A null or
// empty sender marks a hub-originated message. DeliveryID is optional;
// repeating one makes the send idempotent.
type SendRequest struct {
	DeliveryID      string                  `json:"delivery_id,omitempty"`
	SenderAgentID   string                  `json:"sender_agent_id,omitempty"`
	ReceiverAgentID string                  `json:"receiver_agent_id"`
	Content         translate.NativeMessage `json:"content"`
}

// SendResponse is the JSON response for POST /api/v1/agent/send.
type SendResponse struct {
	DeliveryID string `json:"delivery_id"`
	Status     string `json:"status"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.ReceiverAgentID == "" {
		s.writeError(w, http.StatusBadRequest, "receiver_agent_id is required")
		return
	}
	if req.DeliveryID == "" {
		req.DeliveryID = uuid.NewString()
	}

	status, err := s.pipeline.Send(r.Context(), req.DeliveryID, req.SenderAgentID, req.ReceiverAgentID, req.Content)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, SendResponse{DeliveryID: req.DeliveryID, Status: status})
}

func (s *Server) handleDeliveryStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.pipeline.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}
