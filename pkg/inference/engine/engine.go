package engine

import (
	"context"
	"strings"

	"github.com/go-go-golems/grove/pkg/conversation"
	"github.com/go-go-golems/grove/pkg/helpers"
	"github.com/go-go-golems/grove/pkg/pull"
)

// Message is the provider-neutral form of one prompt message.
type Message struct {
	Role        conversation.Role         `json:"role"`
	Content     string                    `json:"content"`
	Attachments []conversation.Attachment `json:"attachments,omitempty"`
}

type Request struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

// Engine produces the raw text of one completion as a stream of deltas.
//
// The channel carries text deltas in arrival order and is closed by the engine when the
// completion ends, whether or not the backend sent an explicit terminator. An error result
// marked with errdefs.Parse stands for one malformed chunk and the stream continues after it.
// Any other error result is the last value before the channel is closed. Engines stop
// sending and release the transport as soon as ctx is done.
type Engine interface {
	Stream(ctx context.Context, req Request) (<-chan helpers.Result[string], error)
}

// ModelProgress is the payload of a model download frame.
type ModelProgress struct {
	Status string `json:"status"`
	Digest string `json:"digest,omitempty"`
}

// Puller is implemented by engines that can download models onto their backend.
type Puller interface {
	Pull(ctx context.Context, model string, emit func(pull.Frame[ModelProgress]) error) error
}

// FromThread converts a conversation thread into prompt messages. The empty root placeholder
// of a chat is left out.
func FromThread(thread []*conversation.Message) []Message {
	ret := make([]Message, 0, len(thread))
	for _, m := range thread {
		if m.Role == conversation.RoleSystem && m.Content == "" && len(m.Attachments) == 0 {
			continue
		}
		ret = append(ret, Message{
			Role:        m.Role,
			Content:     m.Content,
			Attachments: m.Attachments,
		})
	}
	return ret
}

// LastUserMessage returns the content of the last user message, or "".
func LastUserMessage(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == conversation.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

// FunctionPrefix is prepended to function results for providers without a function role.
const FunctionPrefix = "Function result:\n"

// SendResult delivers r unless ctx is done first.
func SendResult(ctx context.Context, ch chan<- helpers.Result[string], r helpers.Result[string]) bool {
	select {
	case ch <- r:
		return true
	case <-ctx.Done():
		return false
	}
}

// Text returns the message content followed by a line per attachment. File contents are
// not inlined; backends only see the references.
func (m Message) Text() string {
	if len(m.Attachments) == 0 {
		return m.Content
	}
	var b strings.Builder
	b.WriteString(m.Content)
	for _, a := range m.Attachments {
		b.WriteString("\n[attachment: ")
		b.WriteString(a.Name)
		if a.MediaType != "" {
			b.WriteString(" (" + a.MediaType + ")")
		}
		b.WriteString("]")
	}
	return b.String()
}
