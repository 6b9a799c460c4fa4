// ABOUTME: Bidirectional message translation between native IM and Matrix schemas
// ABOUTME: Maintainable msgtype maps; lossy fields warn, mentions are remapped

package translate

import (
	"context"
	"log/slog"
)

// NativeMessage is a message in the enterprise IM schema.
type NativeMessage struct {
	MsgType   string         `json:"msg_type"` // "text", "post", "interactive"
	Text      string         `json:"text"`
	RichCard  map[string]any `json:"rich_card,omitempty"` // interactive card payload
	Mentions  []string       `json:"mentions,omitempty"`  // native principal refs
	Receipt   map[string]any `json:"receipt,omitempty"`   // native-only receipt fields
	Extension map[string]any `json:"extension,omitempty"`
}

// ChannelMessage is a message in the Matrix schema.
type ChannelMessage struct {
	MsgType       string         `json:"msgtype"` // "m.text", "m.notice"
	Body          string         `json:"body"`
	FormattedBody string         `json:"formatted_body,omitempty"`
	Mentions      []string       `json:"mentions,omitempty"` // channel user ids
	Extension     map[string]any `json:"extension,omitempty"`
}

// Native msg_type -> Matrix msgtype. Rich text and cards degrade to plain
// text; the card payload itself is a known-lossy field.
var nativeToChannelType = map[string]string{
	"text":        "m.text",
	"post":        "m.text",
	"interactive": "m.text",
}

// Matrix msgtype -> native msg_type.
var channelToNativeType = map[string]string{
	"m.text":   "text",
	"m.notice": "text",
}

const emptyBody = "(no text)"

// PrincipalMapper resolves principal references across namespaces.
// Implemented by the identity registry.
type PrincipalMapper interface {
	ChannelRef(ctx context.Context, nativeRef string) (string, bool)
	NativeRef(ctx context.Context, channelRef string) (string, bool)
}

// Translator converts messages between the two schemas. Zero value is not
// usable; construct with New.
type Translator struct {
	mapper PrincipalMapper
	logger *slog.Logger
}

// New creates a translator. mapper may be nil, in which case mention lists
// pass through untranslated.
func New(mapper PrincipalMapper) *Translator {
	return &Translator{
		mapper: mapper,
		logger: slog.Default().With("component", "translate"),
	}
}

// ToChannel converts a native message to the Matrix schema. Never fails:
// unknown msg types degrade to m.text and lossy fields are dropped with a
// warning.
func (t *Translator) ToChannel(ctx context.Context, msg NativeMessage) ChannelMessage {
	msgtype, ok := nativeToChannelType[msg.MsgType]
	if !ok {
		msgtype = "m.text"
		t.logger.Warn("unknown native msg_type, degrading to m.text", "msg_type", msg.MsgType)
	}

	if len(msg.RichCard) > 0 {
		t.logger.Warn("dropping rich-card payload, no channel counterpart", "msg_type", msg.MsgType)
	}
	if len(msg.Receipt) > 0 {
		t.logger.Warn("dropping native receipt fields, no channel counterpart")
	}

	body := msg.Text
	if body == "" {
		body = emptyBody
	}

	return ChannelMessage{
		MsgType:   msgtype,
		Body:      body,
		Mentions:  t.mapMentions(ctx, msg.Mentions, t.toChannelRef),
		Extension: msg.Extension,
	}
}

// ToNative converts a Matrix message to the native schema.
func (t *Translator) ToNative(ctx context.Context, msg ChannelMessage) NativeMessage {
	msgType, ok := channelToNativeType[msg.MsgType]
	if !ok {
		msgType = "text"
		t.logger.Warn("unknown channel msgtype, degrading to text", "msgtype", msg.MsgType)
	}

	if msg.FormattedBody != "" {
		t.logger.Warn("dropping formatted body, no native counterpart")
	}

	text := msg.Body
	if text == "" {
		text = emptyBody
	}

	return NativeMessage{
		MsgType:   msgType,
		Text:      text,
		Mentions:  t.mapMentions(ctx, msg.Mentions, t.toNativeRef),
		Extension: msg.Extension,
	}
}

func (t *Translator) toChannelRef(ctx context.Context, ref string) (string, bool) {
	if t.mapper == nil {
		return "", false
	}
	return t.mapper.ChannelRef(ctx, ref)
}

func (t *Translator) toNativeRef(ctx context.Context, ref string) (string, bool) {
	if t.mapper == nil {
		return "", false
	}
	return t.mapper.NativeRef(ctx, ref)
}

// mapMentions rewrites each reference through the lookup; unresolvable
// references pass through verbatim.
func (t *Translator) mapMentions(ctx context.Context, refs []string, lookup func(context.Context, string) (string, bool)) []string {
	if len(refs) == 0 {
		return nil
	}
	out := make([]string, len(refs))
	for i, ref := range refs {
		if mapped, ok := lookup(ctx, ref); ok {
			out[i] = mapped
			continue
		}
		t.logger.Debug("mention reference unresolvable, passing through", "ref", ref)
		out[i] = ref
	}
	return out
}
