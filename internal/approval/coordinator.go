// ABOUTME: ApprovalCoordinator: pending->resolved request state machine
// ABOUTME: First decision wins via PutIfAbsent; repeats are idempotent

package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dubhe-im/dubhe/internal/storage"
)

// Approval errors.
var (
	ErrUnknownRequest   = errors.New("unknown approval request")
	ErrDuplicateRequest = errors.New("approval request already exists with different payload")
)

// Request states.
const (
	StatusPending  = "pending"
	StatusResolved = "resolved"
)

// Storage buckets. Requests and decisions live in separate buckets so a
// decision can only attach to a known request.
const (
	bucketRequests  = "approval_requests"
	bucketDecisions = "approval_results"
)

// Request is a pending approval request.
type Request struct {
	RequestID string         `json:"request_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Decision is the immutable resolution of a request.
type Decision struct {
	RequestID  string    `json:"request_id"`
	Approved   bool      `json:"approved"`
	ApproverID string    `json:"approver_id"`
	Comment    string    `json:"comment,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Result is the queryable state of a request.
type Result struct {
	RequestID string    `json:"request_id"`
	Status    string    `json:"status"`
	Decision  *Decision `json:"decision,omitempty"`
}

// DecisionForwarder pushes a resolution to the policy service. Implemented
// by the audit client.
type DecisionForwarder interface {
	ForwardDecision(ctx context.Context, d Decision) error
}

// Coordinator manages approval request state.
type Coordinator struct {
	backend   storage.Backend
	forwarder DecisionForwarder
	logger    *slog.Logger
}

// NewCoordinator creates a coordinator. forwarder may be nil; resolutions
// are then not forwarded anywhere.
func NewCoordinator(backend storage.Backend, forwarder DecisionForwarder) *Coordinator {
	return &Coordinator{
		backend:   backend,
		forwarder: forwarder,
		logger:    slog.Default().With("component", "approval"),
	}
}

// CreateRequest registers an approval request. Repeating the call with an
// identical payload is a no-op; a different payload under the same id
// returns ErrDuplicateRequest.
func (c *Coordinator) CreateRequest(ctx context.Context, requestID string, payload map[string]any) (*Request, error) {
	if requestID == "" {
		return nil, fmt.Errorf("request id is required")
	}

	req := Request{
		RequestID: requestID,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	rec, err := storage.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("encoding approval request: %w", err)
	}

	stored, created, err := c.backend.PutIfAbsent(ctx, bucketRequests, requestID, rec)
	if err != nil {
		return nil, fmt.Errorf("storing approval request: %w", err)
	}

	var result Request
	if err := storage.Decode(stored, &result); err != nil {
		return nil, fmt.Errorf("decoding approval request: %w", err)
	}

	if !created && !payloadEqual(result.Payload, payload) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, requestID)
	}
	if created {
		c.logger.Info("approval request created", "request_id", requestID)
	}
	return &result, nil
}

// Resolve records a decision for a request. The first decision wins and is
// immutable; repeated callbacks return the stored decision without error.
// idempotent reports whether an earlier decision was returned.
func (c *Coordinator) Resolve(ctx context.Context, requestID string, approved bool, approverID, comment string) (*Decision, bool, error) {
	if _, err := c.backend.Get(ctx, bucketRequests, requestID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, false, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
		}
		return nil, false, fmt.Errorf("loading approval request: %w", err)
	}

	decision := Decision{
		RequestID:  requestID,
		Approved:   approved,
		ApproverID: approverID,
		Comment:    comment,
		ResolvedAt: time.Now().UTC(),
	}
	rec, err := storage.Encode(decision)
	if err != nil {
		return nil, false, fmt.Errorf("encoding decision: %w", err)
	}

	stored, created, err := c.backend.PutIfAbsent(ctx, bucketDecisions, requestID, rec)
	if err != nil {
		return nil, false, fmt.Errorf("storing decision: %w", err)
	}

	var winner Decision
	if err := storage.Decode(stored, &winner); err != nil {
		return nil, false, fmt.Errorf("decoding decision: %w", err)
	}

	if created {
		c.logger.Info("approval resolved",
			"request_id", requestID, "approved", winner.Approved, "approver_id", winner.ApproverID)
		c.forward(winner)
	} else {
		c.logger.Debug("repeated approval callback", "request_id", requestID)
	}
	return &winner, !created, nil
}

// GetResult returns the current state of a request without blocking.
func (c *Coordinator) GetResult(ctx context.Context, requestID string) (*Result, error) {
	if _, err := c.backend.Get(ctx, bucketRequests, requestID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
		}
		return nil, fmt.Errorf("loading approval request: %w", err)
	}

	rec, err := c.backend.Get(ctx, bucketDecisions, requestID)
	if errors.Is(err, storage.ErrNotFound) {
		return &Result{RequestID: requestID, Status: StatusPending}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading decision: %w", err)
	}

	var decision Decision
	if err := storage.Decode(rec, &decision); err != nil {
		return nil, fmt.Errorf("decoding decision: %w", err)
	}
	return &Result{RequestID: requestID, Status: StatusResolved, Decision: &decision}, nil
}

// forward pushes the winning decision to the policy service without
// blocking the callback response.
func (c *Coordinator) forward(d Decision) {
	if c.forwarder == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.forwarder.ForwardDecision(ctx, d); err != nil {
			c.logger.Warn("forwarding decision failed", "request_id", d.RequestID, "error", err)
		}
	}()
}

// payloadEqual compares payloads by canonical JSON encoding.
func payloadEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}
