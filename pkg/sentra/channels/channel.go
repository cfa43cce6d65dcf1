// Package channels defines the types exchanged with the chat bridge. The bridge
// delivers JSON envelopes over a duplex connection; the Transport interface is
// the only thing the runtime needs from it.
package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ChatType identifies the kind of conversation a message belongs to.
type ChatType string

const (
	ChatGroup   ChatType = "group"
	ChatPrivate ChatType = "private"
)

// Envelope types exchanged with the bridge.
const (
	EnvelopeMessage  = "message"
	EnvelopeResult   = "result"
	EnvelopeWelcome  = "welcome"
	EnvelopePong     = "pong"
	EnvelopeShutdown = "shutdown"
	EnvelopePing     = "ping"
	EnvelopeSend     = "send"
)

// Transport is the duplex channel to the chat bridge.
type Transport interface {
	// Connect establishes the connection to the bridge.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Receive returns a Go channel that emits incoming chat messages.
	Receive() <-chan *IncomingMessage

	// SendAndWait writes an envelope and waits for the matching result.
	// Returns nil on timeout or when the bridge answers ok=false; callers
	// must treat nil as an unknown outcome.
	SendAndWait(ctx context.Context, env *Envelope) *Envelope

	// IsConnected returns true if the transport is connected.
	IsConnected() bool

	// Health returns the transport health status.
	Health() HealthStatus
}

// ID is a platform identifier. The bridge sends ids either as JSON numbers or
// strings; both decode to the same ID.
type ID string

// UnmarshalJSON accepts numbers, strings and null.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || string(b) == "null":
		*id = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
	default:
		*id = ID(b)
	}
	return nil
}

// String returns the id as a plain string.
func (id ID) String() string { return string(id) }

// Attachment describes media attached to an incoming message.
type Attachment struct {
	URL  string `json:"url,omitempty"`
	Path string `json:"path,omitempty"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// IncomingMessage represents a chat message delivered by the bridge.
type IncomingMessage struct {
	// MessageID is the platform message id, used for quoting replies.
	MessageID ID `json:"message_id"`

	// Type is the chat type ("group" or "private").
	Type ChatType `json:"type"`

	SenderID   ID     `json:"sender_id"`
	SenderName string `json:"sender_name,omitempty"`
	GroupID    ID     `json:"group_id,omitempty"`
	GroupName  string `json:"group_name,omitempty"`

	// Text is the plain text content; Summary is the bridge's rendering of
	// non-text content (images, cards, forwards).
	Text    string `json:"text,omitempty"`
	Summary string `json:"summary,omitempty"`

	// TimeStr is the human-readable send time.
	TimeStr string `json:"time_str,omitempty"`

	// Time is the send time as unix seconds.
	Time int64 `json:"time,omitempty"`

	// AtUsers lists the ids mentioned in the message; SelfID is the bot's id.
	AtUsers []ID `json:"at_users,omitempty"`
	SelfID  ID   `json:"self_id,omitempty"`

	Images  []Attachment `json:"images,omitempty"`
	Files   []Attachment `json:"files,omitempty"`
	Videos  []Attachment `json:"videos,omitempty"`
	Records []Attachment `json:"records,omitempty"`

	Segments []json.RawMessage `json:"segments,omitempty"`

	// Raw holds every field the bridge sent, including ones not modelled
	// above. Numbers are kept as json.Number.
	Raw map[string]any `json:"-"`
}

// UnmarshalJSON decodes the known fields and keeps the full payload in Raw.
func (m *IncomingMessage) UnmarshalJSON(b []byte) error {
	type plain IncomingMessage
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*m = IncomingMessage(p)
	m.Raw = raw
	return nil
}

// IsGroup reports whether the message comes from a group chat.
func (m *IncomingMessage) IsGroup() bool {
	return m.Type == ChatGroup || (m.Type == "" && m.GroupID != "")
}

// Mentions reports whether id is among the mentioned users.
func (m *IncomingMessage) Mentions(id ID) bool {
	if id == "" {
		return false
	}
	for _, u := range m.AtUsers {
		if u == id {
			return true
		}
	}
	return false
}

// MentionsSelf reports whether the bot itself is mentioned.
func (m *IncomingMessage) MentionsSelf() bool { return m.Mentions(m.SelfID) }

// Content returns the trimmed text, falling back to the summary.
func (m *IncomingMessage) Content() string {
	if t := strings.TrimSpace(m.Text); t != "" {
		return t
	}
	return strings.TrimSpace(m.Summary)
}

// SentAt returns the send time, or the zero time when unknown.
func (m *IncomingMessage) SentAt() time.Time {
	if m.Time <= 0 {
		return time.Time{}
	}
	return time.Unix(m.Time, 0)
}

// Clone returns a shallow copy. Raw is copied one level deep so overrides on
// the copy never leak into the original.
func (m *IncomingMessage) Clone() *IncomingMessage {
	c := *m
	if m.Raw != nil {
		c.Raw = make(map[string]any, len(m.Raw))
		for k, v := range m.Raw {
			c.Raw[k] = v
		}
	}
	return &c
}

// Fields returns the message as a generic map for protocol rendering. The
// current Text and Summary always win over the raw payload so merged
// messages render their combined content.
func (m *IncomingMessage) Fields() map[string]any {
	out := make(map[string]any, len(m.Raw)+4)
	if m.Raw != nil {
		for k, v := range m.Raw {
			out[k] = v
		}
	} else if data, err := json.Marshal(m); err == nil {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		_ = dec.Decode(&out)
	}
	if m.Text != "" {
		out["text"] = m.Text
	}
	if m.Summary != "" {
		out["summary"] = m.Summary
	}
	return out
}

// Envelope is the wire frame exchanged with the bridge.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	OK        bool            `json:"ok,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// NewEnvelope builds an envelope with data marshaled as JSON.
func NewEnvelope(typ string, data any) (*Envelope, error) {
	env := &Envelope{Type: typ}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshaling envelope data: %w", err)
		}
		env.Data = raw
	}
	return env, nil
}

// Segment is one part of an outbound message.
type Segment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// TextSegment builds a text segment.
func TextSegment(text string) Segment {
	return Segment{Type: "text", Data: map[string]any{"text": text}}
}

// OutgoingMessage is the payload of a send envelope.
type OutgoingMessage struct {
	ChatType ChatType  `json:"chat_type"`
	GroupID  ID        `json:"group_id,omitempty"`
	UserID   ID        `json:"user_id"`
	ReplyTo  ID        `json:"reply_to,omitempty"`
	Segments []Segment `json:"segments"`
}

// HealthStatus represents the health state of a transport.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
	Reconnects    int
	Details       map[string]any
}

// Errors.
var (
	ErrNotConnected   = fmt.Errorf("transport is not connected")
	ErrRequestTimeout = fmt.Errorf("request timed out")
)
