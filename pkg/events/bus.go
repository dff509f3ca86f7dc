package events

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/go-go-golems/grove/pkg/helpers"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const sequenceNumberMetadataKey = "sequence_number"

// Bus fans job events out to any number of watchers.
//
// Publishing blocks until every current subscriber acknowledged the message, which keeps
// events of one topic in publish order for each watcher. Subscribers acknowledge once the
// event is buffered, so a stalled watcher never holds up a publisher. Messages published
// while nobody is subscribed are dropped, so watchers subscribe before taking a snapshot
// of the job.
type Bus struct {
	logger     watermill.LoggerAdapter
	pubSub     *gochannel.GoChannel
	publisher  message.Publisher
	bufferSize int

	sequenceNumber atomic.Uint64

	mu     sync.Mutex
	closed bool
}

type BusOption func(*Bus)

func WithLogger(logger watermill.LoggerAdapter) BusOption {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithBufferSize sets how many decoded events a slow watcher may lag behind.
func WithBufferSize(size int) BusOption {
	return func(b *Bus) {
		b.bufferSize = size
	}
}

func NewBus(options ...BusOption) *Bus {
	ret := &Bus{
		logger:     watermill.NopLogger{},
		bufferSize: 256,
	}
	for _, o := range options {
		o(ret)
	}

	ret.pubSub = gochannel.NewGoChannel(gochannel.Config{
		BlockPublishUntilSubscriberAck: true,
	}, ret.logger)
	ret.publisher = helpers.CorrelationPublisherDecorator{Publisher: ret.pubSub}
	return ret
}

func GenerationTopic(jobID string) string {
	return "generation:" + jobID
}

func PullTopic(jobID string) string {
	return "pull:" + jobID
}

// Publish serializes e and hands it to all subscribers of topic.
func (b *Bus) Publish(ctx context.Context, topic string, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return errors.Wrapf(err, "could not marshal %s event", e.Type())
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(sequenceNumberMetadataKey, strconv.FormatUint(b.sequenceNumber.Add(1)-1, 10))

	if err := b.publisher.Publish(topic, msg); err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("failed to publish event")
		return err
	}
	log.Trace().Str("topic", topic).Str("event_type", string(e.Type())).Msg("published event")
	return nil
}

// PublishBlind publishes and only logs failures.
func (b *Bus) PublishBlind(ctx context.Context, topic string, e Event) {
	if err := b.Publish(ctx, topic, e); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to publish")
	}
}

// Subscribe returns the decoded events of topic until ctx is done or the bus is closed.
// Undecodable messages are logged and skipped.
//
// A watcher that falls more than the buffer size behind is dropped: its channel closes
// without a terminal event. Publishers never wait on a watcher that stopped reading.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	subCtx, cancel := context.WithCancel(ctx)
	msgs, err := b.pubSub.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "could not subscribe to %s", topic)
	}

	out := make(chan Event, b.bufferSize)
	go func() {
		defer close(out)
		// unsubscribing closes msgs and releases any publisher waiting on this watcher
		defer cancel()
		for msg := range msgs {
			msg.Ack()
			e, err := NewEventFromJson(msg.Payload)
			if err != nil {
				log.Warn().Err(err).Str("topic", topic).Str("message_id", msg.UUID).Msg("skipping undecodable event")
				continue
			}
			select {
			case out <- e:
			default:
				log.Warn().Str("topic", topic).Int("buffer", b.bufferSize).Msg("watcher is not reading, dropping it")
				return
			}
		}
	}()
	return out, nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	log.Debug().Msg("closing event bus")
	return b.pubSub.Close()
}
