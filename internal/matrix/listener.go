// ABOUTME: Inbound Matrix sync listener: dedupe, translate, hand to handler
// ABOUTME: Goroutine per event; the sync loop itself never blocks on handlers

package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"

	"github.com/dubhe-im/dubhe/internal/dedupe"
	"github.com/dubhe-im/dubhe/internal/translate"
)

// InboundHandler receives translated inbound messages. roomID and sender
// are channel-side identifiers.
type InboundHandler func(ctx context.Context, roomID, sender string, msg translate.NativeMessage)

// Listener syncs inbound events from the homeserver.
type Listener struct {
	client     *Client
	translator *translate.Translator
	cache      *dedupe.Cache
	handler    InboundHandler
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewListener creates a listener. The dedupe cache is owned by the
// listener and closed when Run returns.
func NewListener(client *Client, translator *translate.Translator, handler InboundHandler) *Listener {
	return &Listener{
		client:     client,
		translator: translator,
		cache:      dedupe.New(10*time.Minute, 10000),
		handler:    handler,
		logger:     slog.Default().With("component", "matrix-listener"),
	}
}

// Run starts syncing and blocks until the context is cancelled or the sync
// loop fails.
func (l *Listener) Run(ctx context.Context) error {
	l.ctx, l.cancel = context.WithCancel(ctx)
	defer l.cancel()
	defer l.cache.Close()

	syncer, ok := l.client.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", l.client.client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, l.handleMessageEvent)

	l.logger.Info("matrix listener running", "user_id", l.client.userID.String())

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- l.client.client.SyncWithContext(l.ctx)
	}()

	select {
	case <-ctx.Done():
		l.logger.Info("shutting down matrix listener")
		return nil
	case err := <-syncErr:
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

// handleMessageEvent filters, dedupes, translates, and dispatches one event.
func (l *Listener) handleMessageEvent(ctx context.Context, evt *event.Event) {
	// Ignore our own messages.
	if evt.Sender == l.client.userID {
		return
	}

	// Sync replays events; the cache makes redelivery harmless.
	if l.cache.CheckAndMark(evt.ID.String()) {
		l.logger.Debug("duplicate event dropped", "event_id", evt.ID.String())
		return
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}

	msg := translate.ChannelMessage{
		MsgType:       string(content.MsgType),
		Body:          content.Body,
		FormattedBody: content.FormattedBody,
	}
	if raw, ok := evt.Content.Raw[extensionKey].(map[string]any); ok {
		msg.Extension = raw
	}

	native := l.translator.ToNative(ctx, msg)

	l.logger.Info("inbound message",
		"room_id", evt.RoomID.String(), "sender", evt.Sender.String(), "event_id", evt.ID.String())

	if l.handler == nil {
		return
	}
	// Process off the sync goroutine.
	go l.handler(l.ctx, evt.RoomID.String(), evt.Sender.String(), native)
}
