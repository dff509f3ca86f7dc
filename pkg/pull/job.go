package pull

import (
	"context"
	"sync"

	"github.com/go-go-golems/grove/pkg/metrics"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateErr      State = "error"
	StateFinished State = "finished"
)

// Frame is one unit of progress reported by a transfer. Total and Completed are byte (or
// item) counts, zero when unknown. Done marks the explicit terminator of the stream.
type Frame[T any] struct {
	Item      T
	Total     int64
	Completed int64
	Done      bool
}

// Transfer performs one run of a job, reporting progress through emit.
//
// It must return once ctx is done, releasing whatever connection it holds. Returning nil
// without having emitted a Done frame counts as a stream that ended without terminator.
// emit returns an error once the run is no longer current; the transfer should stop then.
type Transfer[T any] func(ctx context.Context, emit func(Frame[T]) error) error

var ErrStaleRun = errors.New("job run is no longer current")

var ErrNoTerminator = errors.New("stream ended without terminator")

// Status is a snapshot of a job.
type Status[T any] struct {
	JobID     string  `json:"job_id"`
	Target    string  `json:"target"`
	State     State   `json:"state"`
	Run       uint64  `json:"run"`
	Total     int64   `json:"total,omitempty"`
	Completed int64   `json:"completed,omitempty"`
	Percent   float64 `json:"percent"`
	Item      *T      `json:"item,omitempty"`
	Message   string  `json:"message,omitempty"`
}

func (s Status[T]) MarshalZerologObject(e *zerolog.Event) {
	e.Str("job", s.JobID)
	e.Str("state", string(s.State))
	e.Uint64("run", s.Run)
	e.Float64("percent", s.Percent)
	if s.Message != "" {
		e.Str("message", s.Message)
	}
}

// Percent is completed/total*100 clamped to [0, 100], and 0 while the total is unknown.
func Percent(completed int64, total int64) float64 {
	if total <= 0 || completed <= 0 {
		return 0
	}
	if completed >= total {
		return 100
	}
	return float64(completed) / float64(total) * 100
}

// Observer receives every status change of a job, in order. It is called synchronously
// from the goroutine causing the change and must not call back into the job.
type Observer[T any] func(Status[T])

// Job is a restartable, cancellable transfer with the state machine
//
//	Idle | Err | Finished --start--> Running
//	Running --frame--> Running
//	Running --terminator--> Finished
//	Running --error--> Err
//	Running --cancel--> Idle
//
// Each start begins a new run. Goroutines of earlier runs may still be winding down; their
// frames and results are ignored.
type Job[T any] struct {
	id       string
	kind     string
	target   string
	observer Observer[T]

	mu       sync.Mutex
	transfer Transfer[T]
	status   Status[T]
	cancel   context.CancelFunc
	done     chan struct{}

	// serializes observer calls so they happen in transition order
	notifyMu sync.Mutex
}

func NewJob[T any](id string, kind string, target string, transfer Transfer[T], observer Observer[T]) *Job[T] {
	return &Job[T]{
		id:       id,
		kind:     kind,
		target:   target,
		transfer: transfer,
		observer: observer,
		status: Status[T]{
			JobID:  id,
			Target: target,
			State:  StateIdle,
		},
	}
}

func (j *Job[T]) ID() string {
	return j.id
}

func (j *Job[T]) Target() string {
	return j.target
}

func (j *Job[T]) Status() Status[T] {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Start begins a new run unless one is already running, in which case it does nothing and
// returns false.
func (j *Job[T]) Start(ctx context.Context) bool {
	return j.start(ctx, nil)
}

// Restart is Start with a new transfer, used when a retry needs fresh parameters.
func (j *Job[T]) Restart(ctx context.Context, transfer Transfer[T]) bool {
	return j.start(ctx, transfer)
}

func (j *Job[T]) start(ctx context.Context, transfer Transfer[T]) bool {
	j.mu.Lock()
	if j.status.State == StateRunning {
		j.mu.Unlock()
		log.Debug().Str("job", j.id).Msg("job already running, start is a no-op")
		return false
	}
	if transfer != nil {
		j.transfer = transfer
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := j.status.Run + 1
	j.status = Status[T]{
		JobID:  j.id,
		Target: j.target,
		State:  StateRunning,
		Run:    run,
	}
	j.cancel = cancel
	done := make(chan struct{})
	j.done = done
	t := j.transfer
	j.notifyLocked()

	go j.execute(runCtx, cancel, run, t, done)
	return true
}

// Cancel aborts the running run and moves the job back to Idle. The transfer's context is
// cancelled, which closes its connection. Cancelling a job that is not running is a no-op.
func (j *Job[T]) Cancel() bool {
	j.mu.Lock()
	if j.status.State != StateRunning {
		j.mu.Unlock()
		return false
	}
	j.status.State = StateIdle
	j.status.Message = "cancelled"
	// abort first so a blocked observer cannot delay it
	j.cancel()
	j.notifyLocked()
	return true
}

// Wait blocks until the current run's goroutine has returned or ctx is done.
func (j *Job[T]) Wait(ctx context.Context) (Status[T], error) {
	j.mu.Lock()
	done := j.done
	j.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return j.Status(), ctx.Err()
		}
	}
	return j.Status(), nil
}

// notifyLocked hands a snapshot to the observer. It must be called with mu held and
// releases it.
func (j *Job[T]) notifyLocked() {
	snapshot := j.status
	j.notifyMu.Lock()
	j.mu.Unlock()
	defer j.notifyMu.Unlock()

	metrics.JobTransitions.WithLabelValues(j.kind, string(snapshot.State)).Inc()
	log.Trace().Str("kind", j.kind).Object("status", snapshot).Msg("job status")
	if j.observer != nil {
		j.observer(snapshot)
	}
}

func (j *Job[T]) execute(ctx context.Context, cancel context.CancelFunc, run uint64, transfer Transfer[T], done chan struct{}) {
	defer close(done)
	defer cancel()

	emit := func(f Frame[T]) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		j.mu.Lock()
		if j.status.Run != run || j.status.State != StateRunning {
			j.mu.Unlock()
			return ErrStaleRun
		}
		item := f.Item
		j.status.Item = &item
		// a frame without a total keeps the last known one
		if f.Total > 0 {
			j.status.Total = f.Total
		}
		if f.Total > 0 || f.Completed > 0 {
			j.status.Completed = f.Completed
			j.status.Percent = Percent(j.status.Completed, j.status.Total)
		}
		if f.Done {
			j.status.State = StateFinished
			if j.status.Total > 0 {
				j.status.Completed = j.status.Total
				j.status.Percent = 100
			}
		}
		j.notifyLocked()
		return nil
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Errorf("transfer panicked: %v", r)
			}
		}()
		return transfer(ctx, emit)
	}()

	j.mu.Lock()
	if j.status.Run != run || j.status.State != StateRunning {
		// cancelled, restarted or already finished by a terminator frame
		j.mu.Unlock()
		if err != nil && !errors.Is(err, ErrStaleRun) && !errors.Is(err, context.Canceled) {
			log.Debug().Err(err).Str("job", j.id).Uint64("run", run).Msg("ignoring error of finished run")
		}
		return
	}
	if err == nil {
		err = ErrNoTerminator
	}
	j.status.State = StateErr
	j.status.Message = err.Error()
	log.Warn().Err(err).Str("job", j.id).Str("target", j.target).Msg("job failed")
	j.notifyLocked()
}
