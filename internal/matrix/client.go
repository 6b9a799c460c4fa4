// ABOUTME: mautrix client wrapper: room creation and message sending
// ABOUTME: Bounded per-call timeouts; extension fields ride in the event content

package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/dubhe-im/dubhe/internal/translate"
)

// extensionKey is the event-content key carrying hub metadata (audit
// fields, mention refs) across the channel.
const extensionKey = "com.dubhe.extension"

// callTimeout bounds every Matrix API call.
const callTimeout = 30 * time.Second

// Client wraps a mautrix client.
type Client struct {
	client *mautrix.Client
	userID id.UserID
	logger *slog.Logger
}

// NewClient creates a Matrix client for the given homeserver credentials.
func NewClient(homeserver, userID, accessToken string) (*Client, error) {
	c, err := mautrix.NewClient(homeserver, id.UserID(userID), accessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	return &Client{
		client: c,
		userID: id.UserID(userID),
		logger: slog.Default().With("component", "matrix"),
	}, nil
}

// WhoAmI verifies the access token against the homeserver. Used by the
// readiness probe.
func (c *Client) WhoAmI(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	resp, err := c.client.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("matrix whoami: %w", err)
	}
	if resp.UserID != c.userID {
		return fmt.Errorf("matrix token belongs to %s, configured as %s", resp.UserID, c.userID)
	}
	return nil
}

// CreateRoom provisions a private room. Satisfies rooms.Provisioner.
func (c *Client) CreateRoom(ctx context.Context, name, topic string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	resp, err := c.client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Name:   name,
		Topic:  topic,
		Preset: "private_chat",
	})
	if err != nil {
		return "", fmt.Errorf("creating room: %w", err)
	}

	c.logger.Info("room created", "room_id", resp.RoomID.String(), "name", name)
	return resp.RoomID.String(), nil
}

// Send posts a channel message into a room and returns the event id.
// Satisfies delivery.Sender.
func (c *Client) Send(ctx context.Context, roomID string, msg translate.ChannelMessage) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	resp, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, buildContent(msg))
	if err != nil {
		return "", fmt.Errorf("sending message: %w", err)
	}
	return resp.EventID.String(), nil
}

// buildContent converts a channel message to raw event content. Extension
// fields travel under a namespaced key so ordinary clients ignore them.
func buildContent(msg translate.ChannelMessage) map[string]any {
	content := map[string]any{
		"msgtype": msg.MsgType,
		"body":    msg.Body,
	}
	if msg.FormattedBody != "" {
		content["format"] = "org.matrix.custom.html"
		content["formatted_body"] = msg.FormattedBody
	}
	if len(msg.Mentions) > 0 {
		ids := make([]string, len(msg.Mentions))
		copy(ids, msg.Mentions)
		content["m.mentions"] = map[string]any{"user_ids": ids}
	}
	if len(msg.Extension) > 0 {
		content[extensionKey] = msg.Extension
	}
	return content
}
