package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
	RoleFunction  Role = "function"
)

func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleSystem:
		return RoleSystem, nil
	case RoleAssistant:
		return RoleAssistant, nil
	case RoleUser:
		return RoleUser, nil
	case RoleFunction:
		return RoleFunction, nil
	default:
		return "", errors.Errorf("unknown role %q", s)
	}
}

// Attachment references a file that was uploaded alongside a message.
// The bytes themselves live outside of the graph.
type Attachment struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	MediaType string `json:"media_type,omitempty"`
}

// Message is a single node of a conversation graph.
//
// Messages are immutable once persisted, with the exception of Content and Thinking which
// are filled in while an assistant reply is being streamed.
type Message struct {
	ID          NodeID       `json:"id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Thinking    *string      `json:"thinking,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type MessageOption func(*Message)

func WithThinking(thinking string) MessageOption {
	return func(m *Message) {
		m.Thinking = &thinking
	}
}

func WithAttachments(attachments ...Attachment) MessageOption {
	return func(m *Message) {
		m.Attachments = append(m.Attachments, attachments...)
	}
}

func WithCreatedAt(t time.Time) MessageOption {
	return func(m *Message) {
		m.CreatedAt = t
	}
}

func WithID(id NodeID) MessageOption {
	return func(m *Message) {
		m.ID = id
	}
}

func NewMessage(role Role, content string, options ...MessageOption) *Message {
	ret := &Message{
		ID:        NewNodeID(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

func (m *Message) Clone() *Message {
	return clone.Clone(m).(*Message)
}

func (m *Message) String() string {
	return fmt.Sprintf("[%s]: %s", m.Role, strings.TrimRight(m.Content, "\n"))
}

func (m *Message) MarshalZerologObject(e *zerolog.Event) {
	e.Str("id", m.ID.String())
	e.Str("role", string(m.Role))
	e.Int("content_len", len(m.Content))
	if m.Thinking != nil {
		e.Int("thinking_len", len(*m.Thinking))
	}
	if len(m.Attachments) > 0 {
		e.Int("attachments", len(m.Attachments))
	}
}

// Relationship is a directed, indexed edge from a parent message to a child message.
type Relationship struct {
	Parent NodeID  `json:"parent"`
	Child  NodeID  `json:"child"`
	Index  uint32  `json:"index"`
	Reason *string `json:"reason,omitempty"`
}

func (r Relationship) MarshalZerologObject(e *zerolog.Event) {
	e.Str("parent", r.Parent.String())
	e.Str("child", r.Child.String())
	e.Uint32("index", r.Index)
	if r.Reason != nil {
		e.Str("reason", *r.Reason)
	}
}

const (
	ReasonRegenerated = "regenerated"
	ReasonEdited      = "edited"
)

// Chat is a conversation, identified by its root message.
//
// UpdatedAt moves forward on every structural change below the root and is what previews
// are compared against to decide whether they are stale.
type Chat struct {
	ID              NodeID    `json:"id"`
	Root            NodeID    `json:"root"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	PreviewProvider string    `json:"preview_provider,omitempty"`
	PreviewModel    string    `json:"preview_model,omitempty"`
}

func (c *Chat) Clone() *Chat {
	return clone.Clone(c).(*Chat)
}

// Preview is a short derived title for a chat.
type Preview struct {
	ChatID    NodeID    `json:"chat_id"`
	Text      string    `json:"text"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Fresh reports whether the preview reflects the chat's latest structural change.
func (p *Preview) Fresh(chat *Chat) bool {
	return p != nil && !p.UpdatedAt.Before(chat.UpdatedAt)
}
