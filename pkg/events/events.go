package events

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type EventType string

const (
	// EventTypePartial carries a text delta together with the re-split content and thinking
	// accumulated so far.
	EventTypePartial EventType = "partial"
	// EventTypeFinal terminates every generation stream.
	EventTypeFinal EventType = "final"
	// EventTypeError reports a transport failure or a skipped malformed chunk.
	EventTypeError EventType = "error"

	// Job status events, shared by model pulls and generation jobs.
	EventTypePullProgress  EventType = "pull-progress"
	EventTypePullFinished  EventType = "pull-finished"
	EventTypePullError     EventType = "pull-error"
	EventTypePullCancelled EventType = "pull-cancelled"
)

// Event is the closed set of stream events: *EventPartial, *EventFinal, *EventError and
// *EventPullStatus. Consumers switch over the concrete types and must handle the default arm.
type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

type EventMetadata struct {
	ID       uuid.UUID              `json:"id"`
	Provider string                 `json:"provider,omitempty"`
	Model    string                 `json:"model,omitempty"`
	JobID    string                 `json:"job_id,omitempty"`
	Extra    map[string]interface{} `json:"extra,omitempty"`
}

func NewEventMetadata(provider string, model string) EventMetadata {
	return EventMetadata{
		ID:       uuid.New(),
		Provider: provider,
		Model:    model,
	}
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("id", em.ID.String())
	if em.Provider != "" {
		e.Str("provider", em.Provider)
	}
	if em.Model != "" {
		e.Str("model", em.Model)
	}
	if em.JobID != "" {
		e.Str("job_id", em.JobID)
	}
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta"`

	// set when the event was decoded by NewEventFromJson
	payload []byte
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

// WithJobID stamps the job id onto the event metadata.
func (e *EventImpl) WithJobID(id string) {
	e.Metadata_.JobID = id
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

func (e *EventImpl) SetPayload(b []byte) {
	e.payload = b
}

type EventPartial struct {
	EventImpl
	Delta    string  `json:"delta"`
	Content  string  `json:"content"`
	Thinking *string `json:"thinking,omitempty"`
}

func NewPartialEvent(metadata EventMetadata, delta string, content string, thinking *string) *EventPartial {
	return &EventPartial{
		EventImpl: EventImpl{
			Type_:     EventTypePartial,
			Metadata_: metadata,
		},
		Delta:    delta,
		Content:  content,
		Thinking: thinking,
	}
}

func (e *EventPartial) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Int("delta_len", len(e.Delta))
	ev.Int("content_len", len(e.Content))
	if e.Thinking != nil {
		ev.Int("thinking_len", len(*e.Thinking))
	}
}

var _ Event = &EventPartial{}

type EventFinal struct {
	EventImpl
	Content  string  `json:"content"`
	Thinking *string `json:"thinking,omitempty"`
}

func NewFinalEvent(metadata EventMetadata, content string, thinking *string) *EventFinal {
	return &EventFinal{
		EventImpl: EventImpl{
			Type_:     EventTypeFinal,
			Metadata_: metadata,
		},
		Content:  content,
		Thinking: thinking,
	}
}

func (e *EventFinal) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Int("content_len", len(e.Content))
	if e.Thinking != nil {
		ev.Int("thinking_len", len(*e.Thinking))
	}
}

var _ Event = &EventFinal{}

type EventError struct {
	EventImpl
	ErrorString string `json:"error_string"`
	Code        string `json:"code,omitempty"`
}

func NewErrorEvent(metadata EventMetadata, err error, code string) *EventError {
	return &EventError{
		EventImpl: EventImpl{
			Type_:     EventTypeError,
			Metadata_: metadata,
		},
		ErrorString: err.Error(),
		Code:        code,
	}
}

func (e *EventError) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("error", e.ErrorString)
	ev.Str("code", e.Code)
}

var _ Event = &EventError{}

// EventPullStatus is a snapshot of a job after a transition or a progress frame.
type EventPullStatus struct {
	EventImpl
	JobID     string  `json:"job_id"`
	Target    string  `json:"target"`
	Status    string  `json:"status,omitempty"`
	Digest    string  `json:"digest,omitempty"`
	Total     int64   `json:"total,omitempty"`
	Completed int64   `json:"completed,omitempty"`
	Percent   float64 `json:"percent"`
	Run       uint64  `json:"run"`
	Message   string  `json:"message,omitempty"`
}

func NewPullStatusEvent(metadata EventMetadata, type_ EventType, jobID string, target string) *EventPullStatus {
	return &EventPullStatus{
		EventImpl: EventImpl{
			Type_:     type_,
			Metadata_: metadata,
		},
		JobID:  jobID,
		Target: target,
	}
}

func (e *EventPullStatus) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("job", e.JobID)
	ev.Str("target", e.Target)
	ev.Float64("percent", e.Percent)
	ev.Uint64("run", e.Run)
	if e.Message != "" {
		ev.Str("message", e.Message)
	}
}

var _ Event = &EventPullStatus{}

// IsTerminal reports whether no further events follow e on its stream.
func IsTerminal(e Event) bool {
	switch e.Type() {
	case EventTypeFinal, EventTypePullFinished, EventTypePullError, EventTypePullCancelled:
		return true
	case EventTypePartial, EventTypeError, EventTypePullProgress:
		return false
	default:
		return false
	}
}
