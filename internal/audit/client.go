// ABOUTME: HTTP client for the policy/audit service: messages, decisions, permissions
// ABOUTME: Empty endpoint URLs disable the corresponding report

package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dubhe-im/dubhe/internal/approval"
)

// Event is one auditable message delivery.
type Event struct {
	MessageID string    `json:"message_id"`
	Sender    string    `json:"sender"` // empty means the system marker
	Receiver  string    `json:"receiver"`
	RoomID    string    `json:"room_id,omitempty"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Config holds the three report endpoints. Empty URLs disable the report.
type Config struct {
	MessageURL        string
	DecisionURL       string
	PermissionInitURL string
}

// Client reports to the policy/audit service over HTTP.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates an audit client. httpClient may be nil; a 10s-timeout
// default is used.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		cfg:    cfg,
		http:   httpClient,
		logger: slog.Default().With("component", "audit"),
	}
}

// ReportMessage uploads one delivery audit event.
func (c *Client) ReportMessage(ctx context.Context, ev Event) error {
	if c.cfg.MessageURL == "" {
		c.logger.Debug("message audit endpoint not configured, skipping", "message_id", ev.MessageID)
		return nil
	}
	return c.post(ctx, c.cfg.MessageURL, ev)
}

// ForwardDecision pushes a resolved approval decision. Satisfies
// approval.DecisionForwarder.
func (c *Client) ForwardDecision(ctx context.Context, d approval.Decision) error {
	if c.cfg.DecisionURL == "" {
		c.logger.Debug("decision endpoint not configured, skipping", "request_id", d.RequestID)
		return nil
	}
	return c.post(ctx, c.cfg.DecisionURL, d)
}

// PermissionInit notifies the policy service that an agent completed
// registration, so default permissions can be issued. Satisfies
// identity.PermissionNotifier.
func (c *Client) PermissionInit(ctx context.Context, agentID string) error {
	if c.cfg.PermissionInitURL == "" {
		c.logger.Debug("permission init endpoint not configured, skipping", "agent_id", agentID)
		return nil
	}
	return c.post(ctx, c.cfg.PermissionInitURL, map[string]string{"agent_id": agentID})
}

func (c *Client) post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding audit payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building audit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("posting audit report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("audit service returned %d: %s", resp.StatusCode, detail)
	}
	return nil
}
