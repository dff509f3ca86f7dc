package router

import (
	"context"
	"strings"
	"time"

	"github.com/go-go-golems/grove/pkg/errdefs"
	"github.com/go-go-golems/grove/pkg/events"
	"github.com/go-go-golems/grove/pkg/helpers"
	"github.com/go-go-golems/grove/pkg/inference/engine"
	"github.com/go-go-golems/grove/pkg/metrics"
	"github.com/go-go-golems/grove/pkg/steps/parse"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultSettleDelay = 500 * time.Millisecond

// LocalPrefix marks provider ids served by in-process engines.
const LocalPrefix = "local:"

func IsLocal(providerID string) bool {
	return strings.HasPrefix(providerID, LocalPrefix)
}

func kindOf(providerID string) string {
	if IsLocal(providerID) {
		return "local"
	}
	return "remote"
}

// Resolver maps a provider id to the engine serving it.
type Resolver interface {
	Resolve(providerID string) (engine.Engine, error)
}

// Router turns the raw delta stream of any engine into the normalized generation events.
//
// Every chunk re-splits the whole accumulated text, so each partial event carries the
// current content and thinking. The stream always ends with exactly one final event, even
// when the engine stopped without a terminator or failed. Before the final event the
// router waits until SettleDelay has passed since the last partial, which coalesces
// bursts of late chunks in consumers that render on every event; it carries no
// correctness guarantee and can be set to zero.
type Router struct {
	resolver    Resolver
	splitter    *parse.ThinkingSplitter
	settleDelay time.Duration
}

type Option func(*Router)

func WithSettleDelay(d time.Duration) Option {
	return func(r *Router) {
		r.settleDelay = d
	}
}

func WithSplitter(s *parse.ThinkingSplitter) Option {
	return func(r *Router) {
		r.splitter = s
	}
}

func NewRouter(resolver Resolver, options ...Option) *Router {
	ret := &Router{
		resolver:    resolver,
		splitter:    parse.NewThinkingSplitter("", ""),
		settleDelay: DefaultSettleDelay,
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

func (r *Router) Splitter() *parse.ThinkingSplitter {
	return r.splitter
}

// Resolve checks that providerID can be served without starting a stream.
func (r *Router) Resolve(providerID string) (engine.Engine, error) {
	return r.resolver.Resolve(providerID)
}

// Stream dispatches the request and returns its event stream.
//
// An unknown or misconfigured provider fails immediately with the resolver's error. Any
// failure after dispatch, including an engine that cannot connect, is reported in-stream
// as an error event followed by the final event.
func (r *Router) Stream(ctx context.Context, providerID string, model string, messages []engine.Message) (<-chan events.Event, error) {
	kind := kindOf(providerID)
	eng, err := r.resolver.Resolve(providerID)
	if err != nil {
		metrics.ProviderDispatch.WithLabelValues(kind, "error").Inc()
		return nil, err
	}
	metrics.ProviderDispatch.WithLabelValues(kind, "ok").Inc()

	meta := events.NewEventMetadata(providerID, model)
	log.Debug().Str("provider", providerID).Str("model", model).Str("kind", kind).
		Int("messages", len(messages)).Msg("dispatching generation")

	chunks, startErr := eng.Stream(ctx, engine.Request{Model: model, Messages: messages})

	out := make(chan events.Event)
	go r.run(ctx, kind, meta, chunks, startErr, out)
	return out, nil
}

type streamState struct {
	ctx  context.Context
	kind string
	meta events.EventMetadata
	out  chan<- events.Event
}

func (s *streamState) send(e events.Event) bool {
	select {
	case s.out <- e:
		metrics.GenerationEvents.WithLabelValues(s.kind, string(e.Type())).Inc()
		return true
	case <-s.ctx.Done():
		return false
	}
}

// trySend is used once the consumer may be gone: it delivers e only if someone is
// receiving right now.
func (s *streamState) trySend(e events.Event) {
	select {
	case s.out <- e:
		metrics.GenerationEvents.WithLabelValues(s.kind, string(e.Type())).Inc()
	default:
	}
}

func (s *streamState) errorEvent(err error) *events.EventError {
	return events.NewErrorEvent(s.meta, err, errdefs.Code(err))
}

func (r *Router) run(
	ctx context.Context,
	kind string,
	meta events.EventMetadata,
	chunks <-chan helpers.Result[string],
	startErr error,
	out chan<- events.Event,
) {
	defer close(out)
	started := time.Now()
	s := &streamState{ctx: ctx, kind: kind, meta: meta, out: out}

	var raw strings.Builder
	var lastPartial time.Time

	finish := func(settle bool) {
		content, thinking := r.splitter.Split(raw.String())
		final := events.NewFinalEvent(meta, content, thinking)
		if settle && !lastPartial.IsZero() && r.settleDelay > 0 {
			wait := time.Until(lastPartial.Add(r.settleDelay))
			if wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					s.trySend(final)
					return
				}
			}
		}
		if s.send(final) {
			metrics.GenerationDuration.WithLabelValues(kind).Observe(time.Since(started).Seconds())
			log.Debug().Object("event", final).Msg("generation done")
		}
	}

	if startErr != nil {
		err := startErr
		if !errdefs.IsConfig(err) {
			err = errdefs.Transport(err)
		}
		log.Error().Err(err).Str("provider", meta.Provider).Msg("could not start generation")
		if s.send(s.errorEvent(err)) {
			finish(false)
		}
		return
	}

	for {
		var res helpers.Result[string]
		var ok bool
		select {
		case res, ok = <-chunks:
		case <-ctx.Done():
			log.Debug().Str("provider", meta.Provider).Msg("generation cancelled")
			s.trySend(s.errorEvent(errdefs.Transport(errors.Wrap(ctx.Err(), "generation cancelled"))))
			content, thinking := r.splitter.Split(raw.String())
			s.trySend(events.NewFinalEvent(meta, content, thinking))
			return
		}
		if !ok {
			finish(true)
			return
		}

		delta, err := res.Value()
		if err != nil {
			if errdefs.IsParse(err) {
				log.Warn().Err(err).Str("provider", meta.Provider).Msg("skipping malformed chunk")
				if !s.send(s.errorEvent(err)) {
					return
				}
				continue
			}
			err = errdefs.Transport(err)
			log.Error().Err(err).Str("provider", meta.Provider).Msg("generation failed")
			if s.send(s.errorEvent(err)) {
				finish(false)
			}
			return
		}

		if delta == "" {
			continue
		}
		raw.WriteString(delta)
		content, thinking := r.splitter.SplitPartial(raw.String())
		partial := events.NewPartialEvent(meta, delta, content, thinking)
		log.Trace().Object("event", partial).Msg("partial")
		if !s.send(partial) {
			return
		}
		lastPartial = time.Now()
	}
}
