// Package downloads runs model downloads on provider backends as pull jobs and publishes
// their progress on the event bus.
package downloads

import (
	"context"

	"github.com/go-go-golems/grove/pkg/errdefs"
	"github.com/go-go-golems/grove/pkg/events"
	"github.com/go-go-golems/grove/pkg/inference/engine"
	"github.com/go-go-golems/grove/pkg/pull"
	"github.com/rs/zerolog/log"
)

// PullerResolver returns the engine able to download models for a provider.
type PullerResolver interface {
	Puller(providerID string) (engine.Puller, error)
}

type Status = pull.Status[engine.ModelProgress]

// Service keeps one download job per provider and model. Jobs stay listed after they end
// so a failed or cancelled download can be inspected and retried.
type Service struct {
	pullers PullerResolver
	bus     *events.Bus
	jobs    *pull.Engine[engine.ModelProgress]
}

func NewService(pullers PullerResolver, bus *events.Bus) *Service {
	ret := &Service{
		pullers: pullers,
		bus:     bus,
	}
	ret.jobs = pull.NewEngine[engine.ModelProgress]("model", pull.WithObserver[engine.ModelProgress](ret.observe))
	return ret
}

func Key(provider string, model string) pull.Key {
	return pull.Key{Subject: provider, Target: model}
}

// Pull starts downloading model unless that download is already running.
func (s *Service) Pull(provider string, model string) (Status, bool, error) {
	if model == "" {
		return Status{}, false, errdefs.Config("model", "no model given")
	}
	puller, err := s.pullers.Puller(provider)
	if err != nil {
		return Status{}, false, err
	}
	job, started := s.jobs.Pull(Key(provider, model), func(ctx context.Context, emit func(pull.Frame[engine.ModelProgress]) error) error {
		return puller.Pull(ctx, model, emit)
	})
	return job.Status(), started, nil
}

// PullAndWatch subscribes to the job's events, then starts it. The channel closes after
// the terminal event or when ctx is done.
func (s *Service) PullAndWatch(ctx context.Context, provider string, model string) (Status, <-chan events.Event, error) {
	watchCtx, cancel := context.WithCancel(ctx)
	sub, err := s.bus.Subscribe(watchCtx, events.PullTopic(Key(provider, model).String()))
	if err != nil {
		cancel()
		return Status{}, nil, err
	}
	st, started, err := s.Pull(provider, model)
	if err != nil {
		cancel()
		return Status{}, nil, err
	}

	out := make(chan events.Event, 1)
	go func() {
		defer close(out)
		defer cancel()
		if !started {
			// joining a running job: start with where it is now
			select {
			case out <- statusEvent(st):
			case <-watchCtx.Done():
				return
			}
		}
		for e := range sub {
			select {
			case out <- e:
			case <-watchCtx.Done():
				return
			}
			if events.IsTerminal(e) {
				return
			}
		}
	}()
	return st, out, nil
}

func (s *Service) Get(provider string, model string) (Status, error) {
	job, err := s.jobs.Get(Key(provider, model))
	if err != nil {
		return Status{}, err
	}
	return job.Status(), nil
}

func (s *Service) List() []Status {
	return s.jobs.List()
}

func (s *Service) Cancel(provider string, model string) (Status, error) {
	return s.jobs.Cancel(Key(provider, model))
}

func (s *Service) Shutdown(ctx context.Context) error {
	return s.jobs.Shutdown(ctx)
}

func (s *Service) observe(key pull.Key, st Status) {
	s.bus.PublishBlind(context.Background(), events.PullTopic(key.String()), statusEvent(st))
	if st.State != pull.StateRunning {
		log.Info().Object("status", st).Msg("model download ended")
	}
}

func statusEvent(st Status) *events.EventPullStatus {
	key, _ := pull.ParseKey(st.JobID)
	meta := events.NewEventMetadata(key.Subject, key.Target)
	meta.JobID = st.JobID

	type_ := events.EventTypePullProgress
	switch st.State {
	case pull.StateRunning:
	case pull.StateFinished:
		type_ = events.EventTypePullFinished
	case pull.StateErr:
		type_ = events.EventTypePullError
	case pull.StateIdle:
		type_ = events.EventTypePullCancelled
	default:
		log.Warn().Str("state", string(st.State)).Msg("unexpected download state")
	}

	e := events.NewPullStatusEvent(meta, type_, st.JobID, st.Target)
	e.Total = st.Total
	e.Completed = st.Completed
	e.Percent = st.Percent
	e.Run = st.Run
	e.Message = st.Message
	if st.Item != nil {
		e.Status = st.Item.Status
		e.Digest = st.Item.Digest
	}
	return e
}
