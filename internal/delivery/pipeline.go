// ABOUTME: DeliveryPipeline: validate, resolve room, translate, send with retry
// ABOUTME: Dedup via PutIfAbsent delivery records; audit events fire-and-forget

package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dubhe-im/dubhe/internal/audit"
	"github.com/dubhe-im/dubhe/internal/identity"
	"github.com/dubhe-im/dubhe/internal/storage"
	"github.com/dubhe-im/dubhe/internal/translate"
)

// Delivery errors.
var (
	ErrDeliveryFailed  = errors.New("delivery failed")
	ErrUnknownDelivery = errors.New("unknown delivery")
)

// Delivery states. Status never moves backward.
const (
	StatusStarted   = "started"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// SystemSender is the audit sender marker for hub-originated messages.
const SystemSender = "system"

const bucketDeliveries = "deliveries"

// Record is the persisted state of one delivery.
type Record struct {
	DeliveryID string    `json:"delivery_id"`
	MessageID  string    `json:"message_id"`
	Sender     string    `json:"sender"`
	Receiver   string    `json:"receiver"`
	RoomID     string    `json:"room_id"`
	Status     string    `json:"status"`
	Attempts   int       `json:"attempts"`
	EventID    string    `json:"event_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// AgentSource validates receivers. Implemented by the identity registry.
type AgentSource interface {
	GetAgent(ctx context.Context, agentID string) (*identity.Agent, error)
}

// RoomEnsurer resolves the receiver's room. Implemented by the room manager.
type RoomEnsurer interface {
	EnsureRoomForAgent(ctx context.Context, agentID string) (string, error)
}

// Sender pushes a translated message into the channel. Implemented by the
// Matrix client.
type Sender interface {
	Send(ctx context.Context, roomID string, msg translate.ChannelMessage) (eventID string, err error)
}

// Auditor receives one event per delivery. Implemented by the audit client.
type Auditor interface {
	ReportMessage(ctx context.Context, ev audit.Event) error
}

// Pipeline executes deliveries.
type Pipeline struct {
	backend    storage.Backend
	agents     AgentSource
	rooms      RoomEnsurer
	translator *translate.Translator
	sender     Sender
	auditor    Auditor
	logger     *slog.Logger

	maxAttempts int
	retryBase   time.Duration
	sendTimeout time.Duration
}

// Options tunes the retry behavior. Zero values fall back to 4 attempts,
// 200ms base, 30s per-attempt timeout.
type Options struct {
	MaxAttempts int
	RetryBase   time.Duration
	SendTimeout time.Duration
}

// NewPipeline creates a delivery pipeline. auditor may be nil.
func NewPipeline(backend storage.Backend, agents AgentSource, rooms RoomEnsurer,
	translator *translate.Translator, sender Sender, auditor Auditor, opts Options) *Pipeline {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 4
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 200 * time.Millisecond
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	return &Pipeline{
		backend:     backend,
		agents:      agents,
		rooms:       rooms,
		translator:  translator,
		sender:      sender,
		auditor:     auditor,
		logger:      slog.Default().With("component", "delivery"),
		maxAttempts: opts.MaxAttempts,
		retryBase:   opts.RetryBase,
		sendTimeout: opts.SendTimeout,
	}
}

// Send delivers content to the receiver agent's room. sender may be empty
// for hub-originated messages. Returns the delivery status; a duplicate
// deliveryID returns the existing record's status without re-sending.
func (p *Pipeline) Send(ctx context.Context, deliveryID, sender, receiver string, content translate.NativeMessage) (string, error) {
	if deliveryID == "" {
		return "", fmt.Errorf("delivery id is required")
	}

	// Unknown receivers fail before any record is written.
	agent, err := p.agents.GetAgent(ctx, receiver)
	if err != nil {
		return "", err
	}
	if agent.Status == identity.AgentStatusRevoked {
		return "", fmt.Errorf("%w: %s", identity.ErrAgentRevoked, receiver)
	}

	roomID, err := p.rooms.EnsureRoomForAgent(ctx, receiver)
	if err != nil {
		return "", err
	}

	msg := p.translator.ToChannel(ctx, content)

	messageID := uuid.NewString()
	auditSender := sender
	if auditSender == "" {
		auditSender = SystemSender
	}
	if msg.Extension == nil {
		msg.Extension = make(map[string]any)
	}
	msg.Extension["message_id"] = messageID
	msg.Extension["sender"] = auditSender
	msg.Extension["receiver"] = receiver
	msg.Extension["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)

	now := time.Now().UTC()
	rec := Record{
		DeliveryID: deliveryID,
		MessageID:  messageID,
		Sender:     auditSender,
		Receiver:   receiver,
		RoomID:     roomID,
		Status:     StatusStarted,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	encoded, err := storage.Encode(rec)
	if err != nil {
		return "", fmt.Errorf("encoding delivery record: %w", err)
	}

	stored, created, err := p.backend.PutIfAbsent(ctx, bucketDeliveries, deliveryID, encoded)
	if err != nil {
		return "", fmt.Errorf("storing delivery record: %w", err)
	}
	if !created {
		var existing Record
		if err := storage.Decode(stored, &existing); err != nil {
			return "", fmt.Errorf("decoding delivery record: %w", err)
		}
		p.logger.Debug("duplicate delivery, returning existing status",
			"delivery_id", deliveryID, "status", existing.Status)
		return existing.Status, nil
	}

	return p.deliver(ctx, rec, msg)
}

// Status returns the record for a delivery id.
func (p *Pipeline) Status(ctx context.Context, deliveryID string) (*Record, error) {
	stored, err := p.backend.Get(ctx, bucketDeliveries, deliveryID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDelivery, deliveryID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading delivery record: %w", err)
	}
	var rec Record
	if err := storage.Decode(stored, &rec); err != nil {
		return nil, fmt.Errorf("decoding delivery record: %w", err)
	}
	return &rec, nil
}

// deliver runs the channel send with bounded exponential backoff and
// records the terminal status.
func (p *Pipeline) deliver(ctx context.Context, rec Record, msg translate.ChannelMessage) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		rec.Attempts = attempt

		sctx, cancel := context.WithTimeout(ctx, p.sendTimeout)
		eventID, err := p.sender.Send(sctx, rec.RoomID, msg)
		cancel()

		if err == nil {
			rec.Status = StatusCompleted
			rec.EventID = eventID
			rec.Error = ""
			p.finish(ctx, rec)
			return StatusCompleted, nil
		}

		lastErr = err
		p.logger.Warn("channel send failed",
			"delivery_id", rec.DeliveryID, "attempt", attempt, "max_attempts", p.maxAttempts, "error", err)

		if attempt == p.maxAttempts {
			break
		}
		backoff := p.retryBase * (1 << (attempt - 1))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			lastErr = ctx.Err()
		}
		if ctx.Err() != nil {
			break
		}
	}

	rec.Status = StatusFailed
	rec.Error = lastErr.Error()
	p.finish(ctx, rec)
	return StatusFailed, fmt.Errorf("%w: %v", ErrDeliveryFailed, lastErr)
}

// finish persists the terminal record and emits the audit event. The
// started record is only ever overwritten by its own delivering goroutine,
// so the status cannot move backward.
func (p *Pipeline) finish(ctx context.Context, rec Record) {
	rec.UpdatedAt = time.Now().UTC()

	encoded, err := storage.Encode(rec)
	if err != nil {
		p.logger.Error("encoding terminal delivery record", "delivery_id", rec.DeliveryID, "error", err)
		return
	}
	if err := p.backend.Put(ctx, bucketDeliveries, rec.DeliveryID, encoded); err != nil {
		p.logger.Error("storing terminal delivery record", "delivery_id", rec.DeliveryID, "error", err)
	}

	p.logger.Info("delivery finished",
		"delivery_id", rec.DeliveryID, "status", rec.Status, "attempts", rec.Attempts, "room_id", rec.RoomID)

	if p.auditor == nil {
		return
	}
	ev := audit.Event{
		MessageID: rec.MessageID,
		Sender:    rec.Sender,
		Receiver:  rec.Receiver,
		RoomID:    rec.RoomID,
		Status:    rec.Status,
		Timestamp: rec.UpdatedAt,
	}
	go func() {
		actx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.auditor.ReportMessage(actx, ev); err != nil {
			p.logger.Warn("audit report failed", "message_id", ev.MessageID, "error", err)
		}
	}()
}
