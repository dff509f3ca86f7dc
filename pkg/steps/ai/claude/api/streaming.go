package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-go-golems/grove/pkg/errdefs"
	"github.com/go-go-golems/grove/pkg/helpers"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type StreamingEventType string

const (
	PingType              StreamingEventType = "ping"
	MessageStartType      StreamingEventType = "message_start"
	ContentBlockStartType StreamingEventType = "content_block_start"
	ContentBlockDeltaType StreamingEventType = "content_block_delta"
	ContentBlockStopType  StreamingEventType = "content_block_stop"
	MessageDeltaType      StreamingEventType = "message_delta"
	MessageStopType       StreamingEventType = "message_stop"
	ErrorType             StreamingEventType = "error"
)

type StreamingDeltaType string

const (
	TextDeltaType      StreamingDeltaType = "text_delta"
	ThinkingDeltaType  StreamingDeltaType = "thinking_delta"
	SignatureDeltaType StreamingDeltaType = "signature_delta"
)

type StreamingEvent struct {
	Type         StreamingEventType `json:"type"`
	Message      *MessageResponse   `json:"message,omitempty"`
	Delta        *Delta             `json:"delta,omitempty"`
	Error        *Error             `json:"error,omitempty"`
	Index        int                `json:"index,omitempty"`
	ContentBlock *ContentBlock      `json:"content_block,omitempty"`
}

func (s StreamingEvent) MarshalZerologObject(e *zerolog.Event) {
	e.Str("type", string(s.Type))
	if s.Delta != nil {
		e.Object("delta", s.Delta)
	}
	if s.Error != nil {
		e.Object("error", s.Error)
	}
	if s.Index != 0 {
		e.Int("index", s.Index)
	}
	if s.ContentBlock != nil {
		e.Str("content_block", string(s.ContentBlock.Type))
	}
}

var _ zerolog.LogObjectMarshaler = StreamingEvent{}

type ContentBlock struct {
	Type     ContentType `json:"type"`
	Text     string      `json:"text,omitempty"`
	Thinking string      `json:"thinking,omitempty"`
}

type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (err Error) MarshalZerologObject(e *zerolog.Event) {
	e.Str("type", err.Type)
	e.Str("message", err.Message)
}

type Delta struct {
	Type       StreamingDeltaType `json:"type"`
	Text       string             `json:"text,omitempty"`
	Thinking   string             `json:"thinking,omitempty"`
	StopReason string             `json:"stop_reason,omitempty"`
}

func (d Delta) MarshalZerologObject(e *zerolog.Event) {
	e.Str("type", string(d.Type))
	if d.Text != "" {
		e.Str("text", d.Text)
	}
	if d.Thinking != "" {
		e.Str("thinking", d.Thinking)
	}
	if d.StopReason != "" {
		e.Str("stop_reason", d.StopReason)
	}
}

func streamEvents(ctx context.Context, resp *http.Response, events chan<- helpers.Result[StreamingEvent]) {
	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(resp.Body)

	send := func(r helpers.Result[StreamingEvent]) bool {
		select {
		case events <- r:
			return true
		case <-ctx.Done():
			log.Debug().Msg("Context cancelled, stopping streaming")
			return false
		}
	}

	reader := bufio.NewReader(resp.Body)
	var eventLines [][]byte
	eventCount := 0
	flush := func() bool {
		if len(eventLines) == 0 {
			return true
		}
		defer func() {
			eventLines = eventLines[:0]
		}()
		var event StreamingEvent
		ok, parseErr := parseSSEEvent(eventLines, &event)
		if !ok {
			return true
		}
		if parseErr != nil {
			log.Debug().Err(parseErr).Msg("Failed to parse SSE event")
			return send(helpers.NewErrorResult[StreamingEvent](errdefs.Parse(parseErr)))
		}
		eventCount++
		log.Trace().Int("event_number", eventCount).Object("event", event).Msg("Parsed streaming event")
		return send(helpers.NewValueResult(event))
	}

	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 && len(bytes.TrimSpace(line)) > 0 {
			eventLines = append(eventLines, line)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if err != io.EOF {
				log.Error().Err(err).Msg("Unexpected error reading streaming response")
				if flush() {
					send(helpers.NewErrorResult[StreamingEvent](errdefs.Transport(err)))
				}
				return
			}
			flush()
			log.Debug().Int("total_events_processed", eventCount).Msg("Streaming reader finished")
			return
		}
		if len(bytes.TrimSpace(line)) == 0 {
			// empty line ends an event
			if !flush() {
				return
			}
		}
	}
}

// parseSSEEvent decodes the data lines of one SSE event. It reports false when the event
// carries no data, e.g. a comment or a bare event name.
func parseSSEEvent(lines [][]byte, event *StreamingEvent) (bool, error) {
	var data []string
	for _, line := range lines {
		line = bytes.TrimRight(line, "\r\n")
		field, value, found := bytes.Cut(line, []byte(":"))
		if !found || string(field) != "data" {
			continue
		}
		data = append(data, strings.TrimPrefix(string(value), " "))
	}
	if len(data) == 0 {
		return false, nil
	}

	if err := json.Unmarshal([]byte(strings.Join(data, "\n")), event); err != nil {
		return true, errors.Wrap(err, "could not decode claude event")
	}
	return true, nil
}
