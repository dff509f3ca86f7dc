package events

import (
	"encoding/json"

	"github.com/go-go-golems/grove/pkg/errdefs"
	"github.com/pkg/errors"
)

// NewEventFromJson decodes one NDJSON line into its concrete event type.
func NewEventFromJson(b []byte) (Event, error) {
	var hdr struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(b, &hdr); err != nil {
		return nil, errdefs.Parse(errors.Wrap(err, "could not decode event header"))
	}

	var ret Event
	switch hdr.Type {
	case EventTypePartial:
		ret = &EventPartial{}
	case EventTypeFinal:
		ret = &EventFinal{}
	case EventTypeError:
		ret = &EventError{}
	case EventTypePullProgress, EventTypePullFinished, EventTypePullError, EventTypePullCancelled:
		ret = &EventPullStatus{}
	default:
		return nil, errdefs.Parse(errors.Errorf("unknown event type %q", hdr.Type))
	}

	if err := json.Unmarshal(b, ret); err != nil {
		return nil, errdefs.Parse(errors.Wrapf(err, "could not decode %s event", hdr.Type))
	}
	if setter, ok := ret.(interface{ SetPayload([]byte) }); ok {
		setter.SetPayload(b)
	}
	return ret, nil
}
