package copilot

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jholhewres/sentra/pkg/sentra/channels"
	"github.com/jholhewres/sentra/pkg/sentra/protocol"
)

// Sender delivers parsed replies to the bridge.
type Sender struct {
	transport channels.Transport
	logger    *slog.Logger
}

// NewSender creates a sender over transport.
func NewSender(transport channels.Transport, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{transport: transport, logger: logger.With("component", "sender")}
}

// SmartSend parses response and sends one envelope per text segment,
// resource and emoji, in that order. The first envelope quotes msg when
// allowReply is set. Returns the number of sends the bridge confirmed.
func (s *Sender) SmartSend(ctx context.Context, msg *channels.IncomingMessage, response string, allowReply bool) int {
	parsed := protocol.ParseResponse(response)
	if !parsed.Wrapped {
		s.logger.Warn("sending unwrapped response as plain text", "sender", msg.SenderID.String())
	}
	for _, w := range parsed.Warnings {
		s.logger.Debug("response parse warning", "warning", w)
	}

	var batches [][]channels.Segment
	for _, text := range parsed.TextSegments {
		if strings.TrimSpace(text) == "" {
			continue
		}
		batches = append(batches, []channels.Segment{channels.TextSegment(text)})
	}
	for _, res := range parsed.Resources {
		batches = append(batches, []channels.Segment{resourceSegment(res)})
	}
	if parsed.Emoji != nil && parsed.Emoji.Source != "" {
		batches = append(batches, []channels.Segment{mediaSegment("image", parsed.Emoji.Source)})
	}

	convID := ConversationID(msg)
	confirmed := 0
	for i, segs := range batches {
		out := channels.OutgoingMessage{
			ChatType: channels.ChatPrivate,
			UserID:   msg.SenderID,
			Segments: segs,
		}
		if msg.IsGroup() {
			out.ChatType = channels.ChatGroup
			out.GroupID = msg.GroupID
		}
		if i == 0 && allowReply && msg.MessageID != "" {
			out.ReplyTo = msg.MessageID
		}

		env, err := channels.NewEnvelope(channels.EnvelopeSend, out)
		if err != nil {
			s.logger.Error("failed to build send envelope", "error", err)
			continue
		}
		env.RequestID = newRequestID(convID)

		if res := s.transport.SendAndWait(ctx, env); res != nil {
			confirmed++
		} else {
			s.logger.Warn("send not confirmed", "request_id", env.RequestID, "segment", i+1, "of", len(batches))
		}
	}
	return confirmed
}

// newRequestID returns <prefix>:<uuid>, or <uuid>:<uuid> without a prefix.
func newRequestID(prefix string) string {
	if prefix == "" {
		prefix = uuid.New().String()
	}
	return prefix + ":" + uuid.New().String()
}

func resourceSegment(res protocol.Resource) channels.Segment {
	switch res.Type {
	case protocol.ResourceImage:
		return mediaSegment("image", res.Source)
	case protocol.ResourceVideo:
		return mediaSegment("video", res.Source)
	case protocol.ResourceAudio:
		return mediaSegment("record", res.Source)
	case protocol.ResourceLink:
		if res.Caption != "" {
			return channels.TextSegment(res.Caption + "\n" + res.Source)
		}
		return channels.TextSegment(res.Source)
	default:
		seg := mediaSegment("file", res.Source)
		if res.Caption != "" {
			seg.Data["name"] = res.Caption
		}
		return seg
	}
}

func mediaSegment(typ, source string) channels.Segment {
	return channels.Segment{Type: typ, Data: map[string]any{"file": source}}
}
