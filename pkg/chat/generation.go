package chat

import (
	"context"
	"strings"
	"sync"

	"github.com/go-go-golems/grove/pkg/conversation"
	"github.com/go-go-golems/grove/pkg/errdefs"
	"github.com/go-go-golems/grove/pkg/events"
	"github.com/go-go-golems/grove/pkg/inference/engine"
	"github.com/go-go-golems/grove/pkg/pull"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Generation describes one assistant reply being produced below a parent message.
// Its ID is the id of the job running it.
type Generation struct {
	ID        string              `json:"id"`
	ChatID    conversation.NodeID `json:"chat_id"`
	Parent    conversation.NodeID `json:"parent"`
	MessageID conversation.NodeID `json:"message_id"`
	Provider  string              `json:"provider"`
	Model     string              `json:"model"`
}

func (g Generation) MarshalZerologObject(e *zerolog.Event) {
	e.Str("id", g.ID)
	e.Str("chat", g.ChatID.String())
	e.Str("message", g.MessageID.String())
	e.Str("provider", g.Provider)
	e.Str("model", g.Model)
}

type GenerateRequest struct {
	Parent   conversation.NodeID
	Provider string
	Model    string
	// Reason annotates the new branch, e.g. conversation.ReasonRegenerated.
	Reason string
}

// GenerationKey is the job key of a generation: one job per parent, provider and model.
func GenerationKey(parent conversation.NodeID, provider string, model string) pull.Key {
	return pull.Key{Subject: parent.String(), Target: provider + "/" + model}
}

// run is a generation plus the text accumulated so far.
type run struct {
	Generation

	mu       sync.Mutex
	content  string
	thinking *string
	settled  bool
}

func (r *run) record(content string, thinking *string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled {
		return
	}
	r.content = content
	r.thinking = thinking
}

func (r *run) snapshot() (string, *string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.content, r.thinking
}

// settle freezes the text so chunks still in flight after a cancel are not recorded.
func (r *run) settle() (string, *string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settled = true
	return r.content, r.thinking
}

func (r *run) metadata() events.EventMetadata {
	meta := events.NewEventMetadata(r.Provider, r.Model)
	meta.JobID = r.ID
	return meta
}

// Generate starts a reply below req.Parent. An assistant placeholder message is linked
// right away and filled in when the stream ends, including when it fails or is cancelled.
//
// While a generation for the same parent, provider and model is running, that
// generation is returned and started is false.
func (s *Service) Generate(ctx context.Context, req GenerateRequest) (gen Generation, started bool, err error) {
	if strings.TrimSpace(req.Provider) == "" {
		return Generation{}, false, errdefs.Config("provider", "no provider given for generation")
	}
	key := GenerationKey(req.Parent, req.Provider, req.Model)

	s.mu.Lock()
	if existing, ok := s.generations[key]; ok {
		s.mu.Unlock()
		return existing.Generation, false, nil
	}
	r, messages, err := s.prepare(ctx, key, req)
	if err != nil {
		s.mu.Unlock()
		return Generation{}, false, err
	}
	s.generations[key] = r
	s.mu.Unlock()

	s.jobs.Pull(key, s.transfer(r, messages))
	log.Info().Object("generation", r.Generation).Msg("started generation")
	return r.Generation, true, nil
}

func (s *Service) prepare(ctx context.Context, key pull.Key, req GenerateRequest) (*run, []engine.Message, error) {
	if _, err := s.router.Resolve(req.Provider); err != nil {
		return nil, nil, err
	}
	chat, err := s.graph.ChatOf(ctx, req.Parent)
	if err != nil {
		return nil, nil, err
	}
	thread, err := s.graph.Ancestry(ctx, req.Parent)
	if err != nil {
		return nil, nil, err
	}

	placeholder := conversation.NewMessage(conversation.RoleAssistant, "")
	if _, _, err := s.link(ctx, req.Parent, placeholder, conversation.WithReason(req.Reason)); err != nil {
		return nil, nil, err
	}

	r := &run{Generation: Generation{
		ID:        key.String(),
		ChatID:    chat.ID,
		Parent:    req.Parent,
		MessageID: placeholder.ID,
		Provider:  req.Provider,
		Model:     req.Model,
	}}
	return r, engine.FromThread(thread), nil
}

// Regenerate produces a new reply next to messageID, below the same parent.
func (s *Service) Regenerate(ctx context.Context, messageID conversation.NodeID, provider string, model string) (Generation, bool, error) {
	_, parent, err := s.withParent(ctx, messageID)
	if err != nil {
		return Generation{}, false, err
	}
	return s.Generate(ctx, GenerateRequest{
		Parent:   parent.Parent,
		Provider: provider,
		Model:    model,
		Reason:   conversation.ReasonRegenerated,
	})
}

// RegenerateAndWatch is Regenerate with a subscription taken first, see GenerateAndWatch.
func (s *Service) RegenerateAndWatch(ctx context.Context, messageID conversation.NodeID, provider string, model string) (Generation, <-chan events.Event, error) {
	_, parent, err := s.withParent(ctx, messageID)
	if err != nil {
		return Generation{}, nil, err
	}
	return s.GenerateAndWatch(ctx, GenerateRequest{
		Parent:   parent.Parent,
		Provider: provider,
		Model:    model,
		Reason:   conversation.ReasonRegenerated,
	})
}

// GenerateAndWatch is Generate with a subscription to the generation's events taken
// before the job starts, so no event is missed. The channel closes after the final event
// or when ctx is done.
func (s *Service) GenerateAndWatch(ctx context.Context, req GenerateRequest) (Generation, <-chan events.Event, error) {
	key := GenerationKey(req.Parent, req.Provider, req.Model)
	watchCtx, cancel := context.WithCancel(ctx)
	sub, err := s.bus.Subscribe(watchCtx, events.GenerationTopic(key.String()))
	if err != nil {
		cancel()
		return Generation{}, nil, err
	}

	gen, _, err := s.Generate(ctx, req)
	if err != nil {
		cancel()
		return Generation{}, nil, err
	}
	return gen, untilTerminal(watchCtx, cancel, sub), nil
}

// Watch follows a running generation from now on.
func (s *Service) Watch(ctx context.Context, jobID string) (<-chan events.Event, error) {
	key, ok := pull.ParseKey(jobID)
	if !ok {
		return nil, errdefs.NotFoundf("generation", jobID)
	}
	watchCtx, cancel := context.WithCancel(ctx)
	sub, err := s.bus.Subscribe(watchCtx, events.GenerationTopic(jobID))
	if err != nil {
		cancel()
		return nil, err
	}

	job, err := s.jobs.Get(key)
	if err == nil && job.Status().State != pull.StateRunning {
		err = errdefs.NotFoundf("running generation", jobID)
	}
	if err != nil {
		cancel()
		return nil, err
	}
	return untilTerminal(watchCtx, cancel, sub), nil
}

func untilTerminal(ctx context.Context, cancel context.CancelFunc, sub <-chan events.Event) <-chan events.Event {
	out := make(chan events.Event)
	go func() {
		defer close(out)
		defer cancel()
		for e := range sub {
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
			if events.IsTerminal(e) {
				return
			}
		}
	}()
	return out
}

// CancelGeneration aborts a running generation. The placeholder keeps the text produced
// so far.
func (s *Service) CancelGeneration(jobID string) (pull.Status[events.Event], error) {
	key, ok := pull.ParseKey(jobID)
	if !ok {
		return pull.Status[events.Event]{}, errdefs.NotFoundf("generation", jobID)
	}
	return s.jobs.Cancel(key)
}

// ListGenerations returns the generations currently running.
func (s *Service) ListGenerations() []Generation {
	statuses := s.jobs.List()
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]Generation, 0, len(statuses))
	for _, st := range statuses {
		key, ok := pull.ParseKey(st.JobID)
		if !ok {
			continue
		}
		if r, ok := s.generations[key]; ok {
			ret = append(ret, r.Generation)
		}
	}
	return ret
}

func (s *Service) Shutdown(ctx context.Context) error {
	return s.jobs.Shutdown(ctx)
}

func setJobID(e events.Event, id string) {
	if s, ok := e.(interface{ WithJobID(string) }); ok {
		s.WithJobID(id)
	}
}

// transfer streams the reply and stores it. The final event is only emitted once the
// message holds the final text.
func (s *Service) transfer(r *run, messages []engine.Message) pull.Transfer[events.Event] {
	return func(ctx context.Context, emit func(pull.Frame[events.Event]) error) error {
		stream, err := s.router.Stream(ctx, r.Provider, r.Model, messages)
		if err != nil {
			return err
		}

		var emitErr error
		for e := range stream {
			setJobID(e, r.ID)
			if emitErr != nil {
				// drain so the router can wind down
				continue
			}
			switch e_ := e.(type) {
			case *events.EventPartial:
				r.record(e_.Content, e_.Thinking)
				emitErr = emit(pull.Frame[events.Event]{Item: e, Completed: int64(len(e_.Content))})
			case *events.EventError:
				emitErr = emit(pull.Frame[events.Event]{Item: e})
			case *events.EventFinal:
				r.record(e_.Content, e_.Thinking)
				content, thinking := r.snapshot()
				s.store(context.WithoutCancel(ctx), r, content, thinking)
				emitErr = emit(pull.Frame[events.Event]{Item: e, Completed: int64(len(e_.Content)), Done: true})
			default:
				log.Warn().Str("type", string(e.Type())).Msg("unexpected event in generation stream")
			}
		}

		// a run that ends any other way is stored by observe
		if emitErr != nil {
			return emitErr
		}
		return ctx.Err()
	}
}

func (s *Service) store(ctx context.Context, r *run, content string, thinking *string) {
	if _, err := s.graph.FillMessage(ctx, r.MessageID, content, thinking); err != nil {
		log.Error().Err(err).Object("generation", r.Generation).Msg("could not store generated message")
	}
}

// observe republishes job updates on the generation's topic. A run that ends without the
// router's final event, because it failed or was cancelled, has its partial text stored
// and then gets an error event and a final event carrying that text.
func (s *Service) observe(key pull.Key, st pull.Status[events.Event]) {
	s.mu.Lock()
	r := s.generations[key]
	if st.State != pull.StateRunning {
		delete(s.generations, key)
	}
	s.mu.Unlock()

	topic := events.GenerationTopic(key.String())
	ctx := context.Background()

	switch st.State {
	case pull.StateRunning, pull.StateFinished:
		if st.Item != nil {
			s.bus.PublishBlind(ctx, topic, *st.Item)
		}
	case pull.StateErr, pull.StateIdle:
		if r == nil {
			log.Warn().Str("job", key.String()).Str("state", string(st.State)).Msg("no generation for job")
			return
		}
		err := errdefs.Transport(errors.New(st.Message))
		code := errdefs.Code(err)
		if st.State == pull.StateIdle {
			err, code = errors.New("generation cancelled"), "cancelled"
		}
		content, thinking := r.settle()
		s.store(ctx, r, content, thinking)
		s.bus.PublishBlind(ctx, topic, events.NewErrorEvent(r.metadata(), err, code))
		s.bus.PublishBlind(ctx, topic, events.NewFinalEvent(r.metadata(), content, thinking))
		log.Info().Object("generation", r.Generation).Str("state", string(st.State)).Msg("generation ended early")
	default:
		log.Warn().Str("job", key.String()).Str("state", string(st.State)).Msg("unexpected job state")
	}
}
