package router

import (
	"context"
	"testing"
	"time"

	"github.com/go-go-golems/grove/pkg/errdefs"
	"github.com/go-go-golems/grove/pkg/events"
	"github.com/go-go-golems/grove/pkg/helpers"
	"github.com/go-go-golems/grove/pkg/inference/engine"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedEngine struct {
	results  []helpers.Result[string]
	startErr error
}

func (s *scriptedEngine) Stream(ctx context.Context, _ engine.Request) (<-chan helpers.Result[string], error) {
	if s.startErr != nil {
		return nil, s.startErr
	}
	ch := make(chan helpers.Result[string])
	go func() {
		defer close(ch)
		for _, r := range s.results {
			if !engine.SendResult(ctx, ch, r) {
				return
			}
		}
	}()
	return ch, nil
}

type mapResolver map[string]engine.Engine

func (m mapResolver) Resolve(id string) (engine.Engine, error) {
	e, ok := m[id]
	if !ok {
		return nil, errdefs.Config("provider", "no provider "+id)
	}
	return e, nil
}

func deltas(ds ...string) []helpers.Result[string] {
	ret := make([]helpers.Result[string], 0, len(ds))
	for _, d := range ds {
		ret = append(ret, helpers.NewValueResult(d))
	}
	return ret
}

func collect(t *testing.T, ch <-chan events.Event) []events.Event {
	t.Helper()
	var ret []events.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return ret
			}
			ret = append(ret, e)
		case <-timeout:
			t.Fatal("stream did not terminate")
		}
	}
}

func newRouter(engines mapResolver) *Router {
	return NewRouter(engines, WithSettleDelay(0))
}

func TestStreamResplitsThinkingAcrossChunks(t *testing.T) {
	r := newRouter(mapResolver{"remote": &scriptedEngine{results: deltas("<think>think", "ing</think>answer")}})

	ch, err := r.Stream(context.Background(), "remote", "m", nil)
	require.NoError(t, err)
	evs := collect(t, ch)
	require.Len(t, evs, 3)

	p1, ok := evs[0].(*events.EventPartial)
	require.True(t, ok)
	assert.Equal(t, "", p1.Content)
	require.NotNil(t, p1.Thinking)
	assert.Equal(t, "think", *p1.Thinking)

	p2, ok := evs[1].(*events.EventPartial)
	require.True(t, ok)
	assert.Equal(t, "ing</think>answer", p2.Delta)
	assert.Equal(t, "answer", p2.Content)
	require.NotNil(t, p2.Thinking)
	assert.Equal(t, "thinking", *p2.Thinking)

	final, ok := evs[2].(*events.EventFinal)
	require.True(t, ok)
	assert.Equal(t, "answer", final.Content)
	require.NotNil(t, final.Thinking)
	assert.Equal(t, "thinking", *final.Thinking)
}

func TestStreamWithoutTerminatorStillEndsWithFinal(t *testing.T) {
	r := newRouter(mapResolver{"remote": &scriptedEngine{results: deltas("Hello", " world  \n")}})
	ch, err := r.Stream(context.Background(), "remote", "m", nil)
	require.NoError(t, err)
	evs := collect(t, ch)
	require.Len(t, evs, 3)
	final, ok := evs[2].(*events.EventFinal)
	require.True(t, ok)
	assert.Equal(t, "Hello world", final.Content)
	assert.Nil(t, final.Thinking)
}

func TestStreamSkipsMalformedChunks(t *testing.T) {
	results := []helpers.Result[string]{
		helpers.NewValueResult("a"),
		helpers.NewErrorResult[string](errdefs.Parse(errors.New("bad frame"))),
		helpers.NewValueResult("b"),
	}
	r := newRouter(mapResolver{"remote": &scriptedEngine{results: results}})
	ch, err := r.Stream(context.Background(), "remote", "m", nil)
	require.NoError(t, err)
	evs := collect(t, ch)

	types := []events.EventType{}
	for _, e := range evs {
		types = append(types, e.Type())
	}
	assert.Equal(t, []events.EventType{
		events.EventTypePartial, events.EventTypeError, events.EventTypePartial, events.EventTypeFinal,
	}, types)
	assert.Equal(t, "parse", evs[1].(*events.EventError).Code)
	assert.Equal(t, "ab", evs[3].(*events.EventFinal).Content)
}

func TestTransportFailureKeepsPartialText(t *testing.T) {
	results := []helpers.Result[string]{
		helpers.NewValueResult("partial answer"),
		helpers.NewErrorResult[string](errors.New("connection reset by peer")),
	}
	r := newRouter(mapResolver{"remote": &scriptedEngine{results: results}})
	ch, err := r.Stream(context.Background(), "remote", "m", nil)
	require.NoError(t, err)
	evs := collect(t, ch)
	require.Len(t, evs, 3)

	e, ok := evs[1].(*events.EventError)
	require.True(t, ok)
	assert.Equal(t, "transport", e.Code)
	assert.Equal(t, "partial answer", evs[2].(*events.EventFinal).Content)
}

func TestStartFailureIsReportedInStream(t *testing.T) {
	r := newRouter(mapResolver{"remote": &scriptedEngine{startErr: errors.New("dial tcp: connection refused")}})
	ch, err := r.Stream(context.Background(), "remote", "m", nil)
	require.NoError(t, err)
	evs := collect(t, ch)
	require.Len(t, evs, 2)
	assert.Equal(t, events.EventTypeError, evs[0].Type())
	assert.Equal(t, events.EventTypeFinal, evs[1].Type())
}

func TestUnknownProviderFailsImmediately(t *testing.T) {
	r := newRouter(mapResolver{})
	_, err := r.Stream(context.Background(), "nope", "m", nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsConfig(err))
}

func TestSettleDelayPrecedesFinal(t *testing.T) {
	r := NewRouter(mapResolver{"remote": &scriptedEngine{results: deltas("x")}}, WithSettleDelay(100*time.Millisecond))
	ch, err := r.Stream(context.Background(), "remote", "m", nil)
	require.NoError(t, err)

	first := <-ch
	require.Equal(t, events.EventTypePartial, first.Type())
	partialAt := time.Now()
	final := <-ch
	require.Equal(t, events.EventTypeFinal, final.Type())
	assert.GreaterOrEqual(t, time.Since(partialAt), 80*time.Millisecond)
}

func TestCancelledStreamCloses(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	eng := engineFunc(func(ctx context.Context, _ engine.Request) (<-chan helpers.Result[string], error) {
		ch := make(chan helpers.Result[string])
		go func() {
			defer close(ch)
			if !engine.SendResult(ctx, ch, helpers.NewValueResult("hi")) {
				return
			}
			select {
			case <-ctx.Done():
			case <-block:
			}
		}()
		return ch, nil
	})
	r := newRouter(mapResolver{"remote": eng})

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := r.Stream(ctx, "remote", "m", nil)
	require.NoError(t, err)
	<-ch
	cancel()
	// the channel is closed whether or not the terminal events were picked up
	collect(t, ch)
}

type engineFunc func(ctx context.Context, req engine.Request) (<-chan helpers.Result[string], error)

func (f engineFunc) Stream(ctx context.Context, req engine.Request) (<-chan helpers.Result[string], error) {
	return f(ctx, req)
}
