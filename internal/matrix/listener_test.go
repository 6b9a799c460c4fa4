// ABOUTME: Tests for inbound event handling and content building
// ABOUTME: Drives handleMessageEvent directly; no homeserver involved

package matrix

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/dubhe-im/dubhe/internal/translate"
)

type captured struct {
	roomID string
	sender string
	msg    translate.NativeMessage
}

func newTestListener(t *testing.T) (*Listener, chan captured) {
	t.Helper()
	client, err := NewClient("https://matrix.example.com", "@dubhe:example.com", "syt-test")
	require.NoError(t, err)

	got := make(chan captured, 8)
	l := NewListener(client, translate.New(nil), func(_ context.Context, roomID, sender string, msg translate.NativeMessage) {
		got <- captured{roomID: roomID, sender: sender, msg: msg}
	})
	l.ctx, l.cancel = context.WithCancel(context.Background())
	t.Cleanup(func() {
		l.cancel()
		l.cache.Close()
	})
	return l, got
}

func messageEvent(eventID, roomID, sender, body string) *event.Event {
	return &event.Event{
		ID:     id.EventID(eventID),
		RoomID: id.RoomID(roomID),
		Sender: id.UserID(sender),
		Content: event.Content{
			Parsed: &event.MessageEventContent{MsgType: event.MsgText, Body: body},
		},
	}
}

func TestHandleMessageEvent_DispatchesTranslated(t *testing.T) {
	l, got := newTestListener(t)

	l.handleMessageEvent(context.Background(),
		messageEvent("$e1", "!room:example.com", "@alice:example.com", "hello"))

	select {
	case c := <-got:
		assert.Equal(t, "!room:example.com", c.roomID)
		assert.Equal(t, "@alice:example.com", c.sender)
		assert.Equal(t, "text", c.msg.MsgType)
		assert.Equal(t, "hello", c.msg.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestHandleMessageEvent_IgnoresOwnMessages(t *testing.T) {
	l, got := newTestListener(t)

	l.handleMessageEvent(context.Background(),
		messageEvent("$e1", "!room:example.com", "@dubhe:example.com", "echo"))

	select {
	case <-got:
		t.Fatal("own message was dispatched")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleMessageEvent_DropsDuplicates(t *testing.T) {
	l, got := newTestListener(t)
	evt := messageEvent("$e1", "!room:example.com", "@alice:example.com", "once")

	l.handleMessageEvent(context.Background(), evt)
	l.handleMessageEvent(context.Background(), evt)

	var count int
	deadline := time.After(200 * time.Millisecond)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-got:
				count++
			case <-deadline:
				return
			}
		}
	}()
	wg.Wait()
	assert.Equal(t, 1, count)
}

func TestHandleMessageEvent_IgnoresNonMessageContent(t *testing.T) {
	l, got := newTestListener(t)

	l.handleMessageEvent(context.Background(), &event.Event{
		ID:      id.EventID("$e1"),
		RoomID:  id.RoomID("!room:example.com"),
		Sender:  id.UserID("@alice:example.com"),
		Content: event.Content{Parsed: &event.MemberEventContent{}},
	})

	select {
	case <-got:
		t.Fatal("non-message event was dispatched")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBuildContent(t *testing.T) {
	content := buildContent(translate.ChannelMessage{
		MsgType:       "m.text",
		Body:          "plain",
		FormattedBody: "<b>plain</b>",
		Mentions:      []string{"@alice:example.com"},
		Extension:     map[string]any{"message_id": "m-1"},
	})

	assert.Equal(t, "m.text", content["msgtype"])
	assert.Equal(t, "plain", content["body"])
	assert.Equal(t, "org.matrix.custom.html", content["format"])
	assert.Equal(t, "<b>plain</b>", content["formatted_body"])
	assert.Equal(t, map[string]any{"user_ids": []string{"@alice:example.com"}}, content["m.mentions"])
	assert.Equal(t, map[string]any{"message_id": "m-1"}, content[extensionKey])
}

func TestBuildContent_Minimal(t *testing.T) {
	content := buildContent(translate.ChannelMessage{MsgType: "m.text", Body: "hi"})

	assert.Equal(t, map[string]any{"msgtype": "m.text", "body": "hi"}, content)
}
