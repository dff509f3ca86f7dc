package pull

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/go-go-golems/grove/pkg/errdefs"
	"github.com/rs/zerolog/log"
)

// Key identifies a job: the subject is whatever owns the transfer (a provider for model
// pulls, a chat for generations) and the target is what is transferred.
type Key struct {
	Subject string
	Target  string
}

func (k Key) String() string {
	return k.Subject + "/" + k.Target
}

func ParseKey(id string) (Key, bool) {
	subject, target, ok := strings.Cut(id, "/")
	if !ok || subject == "" || target == "" {
		return Key{}, false
	}
	return Key{Subject: subject, Target: target}, true
}

// Engine keeps at most one job per key and starts, restarts and cancels them.
type Engine[T any] struct {
	kind     string
	observer func(Key, Status[T])
	forget   bool

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[Key]*Job[T]
}

type EngineOption[T any] func(*Engine[T])

// WithObserver receives the status changes of every job of the engine.
func WithObserver[T any](observer func(Key, Status[T])) EngineOption[T] {
	return func(e *Engine[T]) {
		e.observer = observer
	}
}

// WithForgetOnTerminal drops jobs from the engine once their run ends. Used for jobs whose
// key is never reused.
func WithForgetOnTerminal[T any]() EngineOption[T] {
	return func(e *Engine[T]) {
		e.forget = true
	}
}

func NewEngine[T any](kind string, options ...EngineOption[T]) *Engine[T] {
	ctx, cancel := context.WithCancel(context.Background())
	ret := &Engine[T]{
		kind:   kind,
		ctx:    ctx,
		cancel: cancel,
		jobs:   map[Key]*Job[T]{},
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

// Pull starts the job for key, creating it if needed. When the job is already running
// nothing happens and started is false; a job in a terminal state is restarted with the
// given transfer.
func (e *Engine[T]) Pull(key Key, transfer Transfer[T]) (job *Job[T], started bool) {
	e.mu.Lock()
	job, ok := e.jobs[key]
	if !ok {
		job = NewJob[T](key.String(), e.kind, key.Target, transfer, e.observe(key))
		e.jobs[key] = job
	}
	e.mu.Unlock()

	if !ok {
		started = job.Start(e.ctx)
	} else {
		started = job.Restart(e.ctx, transfer)
	}
	log.Debug().Str("kind", e.kind).Str("job", key.String()).Bool("started", started).Msg("pull requested")
	return job, started
}

func (e *Engine[T]) observe(key Key) Observer[T] {
	return func(s Status[T]) {
		if e.observer != nil {
			e.observer(key, s)
		}
		if e.forget && s.State != StateRunning {
			e.mu.Lock()
			if j, ok := e.jobs[key]; ok && j.Status().Run == s.Run {
				delete(e.jobs, key)
			}
			e.mu.Unlock()
		}
	}
}

func (e *Engine[T]) Get(key Key) (*Job[T], error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[key]
	if !ok {
		return nil, errdefs.NotFoundf(e.kind+" job", key.String())
	}
	return job, nil
}

// Cancel cancels the running job for key. Cancelling a job that is not running is not
// an error.
func (e *Engine[T]) Cancel(key Key) (Status[T], error) {
	job, err := e.Get(key)
	if err != nil {
		return Status[T]{}, err
	}
	job.Cancel()
	return job.Status(), nil
}

// List returns the status of all known jobs ordered by id.
func (e *Engine[T]) List() []Status[T] {
	e.mu.Lock()
	jobs := make([]*Job[T], 0, len(e.jobs))
	for _, j := range e.jobs {
		jobs = append(jobs, j)
	}
	e.mu.Unlock()

	ret := make([]Status[T], 0, len(jobs))
	for _, j := range jobs {
		ret = append(ret, j.Status())
	}
	sort.Slice(ret, func(i, k int) bool { return ret[i].JobID < ret[k].JobID })
	return ret
}

// Shutdown cancels every running job and waits for their goroutines until ctx is done.
func (e *Engine[T]) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	jobs := make([]*Job[T], 0, len(e.jobs))
	for _, j := range e.jobs {
		jobs = append(jobs, j)
	}
	e.mu.Unlock()

	for _, j := range jobs {
		j.Cancel()
	}
	e.cancel()
	for _, j := range jobs {
		if _, err := j.Wait(ctx); err != nil {
			return err
		}
	}
	log.Debug().Str("kind", e.kind).Int("jobs", len(jobs)).Msg("pull engine shut down")
	return nil
}
