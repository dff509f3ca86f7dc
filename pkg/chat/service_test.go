package chat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-go-golems/grove/pkg/conversation"
	"github.com/go-go-golems/grove/pkg/conversation/store"
	"github.com/go-go-golems/grove/pkg/errdefs"
	"github.com/go-go-golems/grove/pkg/events"
	"github.com/go-go-golems/grove/pkg/helpers"
	"github.com/go-go-golems/grove/pkg/inference/engine"
	"github.com/go-go-golems/grove/pkg/inference/router"
	"github.com/go-go-golems/grove/pkg/steps/ai/local"
	"github.com/go-go-golems/grove/pkg/toolbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedEngine sends one delta per value on steps and ends when steps is closed.
type gatedEngine struct {
	steps chan string
}

func (e *gatedEngine) Stream(ctx context.Context, _ engine.Request) (<-chan helpers.Result[string], error) {
	ch := make(chan helpers.Result[string])
	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case s, ok := <-e.steps:
				if !ok {
					return
				}
				if !engine.SendResult(ctx, ch, helpers.NewValueResult(s)) {
					return
				}
			}
		}
	}()
	return ch, nil
}

type engines map[string]engine.Engine

func (e engines) Resolve(id string) (engine.Engine, error) {
	eng, ok := e[id]
	if !ok {
		return nil, errdefs.Config("provider", "no provider "+id)
	}
	return eng, nil
}

type fixture struct {
	graph   *conversation.Graph
	service *Service
	gated   *gatedEngine
}

func newFixture(t *testing.T, options ...Option) *fixture {
	s := store.NewMemoryStore()
	g := conversation.NewGraph(s)
	gated := &gatedEngine{steps: make(chan string)}
	r := router.NewRouter(engines{
		local.EchoID: local.NewEchoEngine(0),
		"gated":      gated,
	}, router.WithSettleDelay(0))
	bus := events.NewBus()
	svc := NewService(g, r, bus, options...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
		_ = bus.Close()
		_ = s.Close()
	})
	return &fixture{graph: g, service: svc, gated: gated}
}

func (f *fixture) chatWithUser(t *testing.T, content string) (*conversation.Chat, *conversation.Message) {
	ctx := context.Background()
	chat, err := f.service.CreateChat(ctx, "", "")
	require.NoError(t, err)
	m, _, err := f.service.AppendMessage(ctx, chat.Root, conversation.RoleUser, content, nil)
	require.NoError(t, err)
	return chat, m
}

func drain(t *testing.T, ch <-chan events.Event) []events.Event {
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
			t.Fatal("generation stream did not end")
			return ret
		}
	}
}

func next(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "stream closed early")
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
		return nil
	}
}

func TestGenerateFillsPlaceholder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat, user := f.chatWithUser(t, "hello there")

	gen, ch, err := f.service.GenerateAndWatch(ctx, GenerateRequest{Parent: user.ID, Provider: local.EchoID, Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, chat.ID, gen.ChatID)
	assert.Equal(t, GenerationKey(user.ID, local.EchoID, "m").String(), gen.ID)

	evs := drain(t, ch)
	require.NotEmpty(t, evs)
	final, ok := evs[len(evs)-1].(*events.EventFinal)
	require.True(t, ok)
	assert.Equal(t, "hello there", final.Content)
	assert.Equal(t, gen.ID, final.Metadata().JobID)
	for _, e := range evs[:len(evs)-1] {
		assert.Equal(t, events.EventTypePartial, e.Type())
	}

	m, err := f.graph.GetMessage(ctx, gen.MessageID)
	require.NoError(t, err)
	assert.Equal(t, conversation.RoleAssistant, m.Role)
	assert.Equal(t, "hello there", m.Content)

	thread, err := f.graph.Thread(ctx, chat.ID, nil)
	require.NoError(t, err)
	require.Len(t, thread, 3)
	assert.Equal(t, gen.MessageID, thread[2].ID)
}

func TestGenerateIsIdempotentWhileRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, user := f.chatWithUser(t, "hi")

	req := GenerateRequest{Parent: user.ID, Provider: "gated", Model: "m"}
	first, started, err := f.service.Generate(ctx, req)
	require.NoError(t, err)
	assert.True(t, started)

	second, started, err := f.service.Generate(ctx, req)
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, first, second)

	children, err := f.graph.ChildrenOf(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, children, 1)
	assert.Len(t, f.service.ListGenerations(), 1)

	f.gated.steps <- "done"
	close(f.gated.steps)
	require.Eventually(t, func() bool {
		return len(f.service.ListGenerations()) == 0
	}, 2*time.Second, 5*time.Millisecond)

	m, err := f.graph.GetMessage(ctx, first.MessageID)
	require.NoError(t, err)
	assert.Equal(t, "done", m.Content)
}

func TestCancelKeepsPartialText(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, user := f.chatWithUser(t, "hi")

	gen, ch, err := f.service.GenerateAndWatch(ctx, GenerateRequest{Parent: user.ID, Provider: "gated", Model: "m"})
	require.NoError(t, err)

	f.gated.steps <- "partial"
	partial, ok := next(t, ch).(*events.EventPartial)
	require.True(t, ok)
	assert.Equal(t, "partial", partial.Content)

	_, err = f.service.CancelGeneration(gen.ID)
	require.NoError(t, err)

	rest := drain(t, ch)
	require.Len(t, rest, 2)
	errEvent, ok := rest[0].(*events.EventError)
	require.True(t, ok)
	assert.Equal(t, "cancelled", errEvent.Code)
	final, ok := rest[1].(*events.EventFinal)
	require.True(t, ok)
	assert.Equal(t, "partial", final.Content)

	// stored before the final event goes out
	m, err := f.graph.GetMessage(ctx, gen.MessageID)
	require.NoError(t, err)
	assert.Equal(t, "partial", m.Content)
}

func TestGenerateUnknownProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, user := f.chatWithUser(t, "hi")

	_, _, err := f.service.Generate(ctx, GenerateRequest{Parent: user.ID, Provider: "nope", Model: "m"})
	require.Error(t, err)
	assert.True(t, errdefs.IsConfig(err))

	_, _, err = f.service.Generate(ctx, GenerateRequest{Parent: user.ID, Model: "m"})
	assert.True(t, errdefs.IsConfig(err))

	children, err := f.graph.ChildrenOf(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestGenerateUnknownParent(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.service.Generate(context.Background(), GenerateRequest{
		Parent:   conversation.NewNodeID(),
		Provider: local.EchoID,
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestRegenerateCreatesSibling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat, user := f.chatWithUser(t, "say this")

	first, ch, err := f.service.GenerateAndWatch(ctx, GenerateRequest{Parent: user.ID, Provider: local.EchoID, Model: "m"})
	require.NoError(t, err)
	drain(t, ch)

	second, started, err := f.service.Regenerate(ctx, first.MessageID, local.EchoID, "m")
	require.NoError(t, err)
	assert.True(t, started)
	assert.NotEqual(t, first.MessageID, second.MessageID)

	children, err := f.graph.ChildrenOf(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, uint32(1), children[1].Index)
	require.NotNil(t, children[1].Reason)
	assert.Equal(t, conversation.ReasonRegenerated, *children[1].Reason)

	require.Eventually(t, func() bool {
		m, err := f.graph.GetMessage(ctx, second.MessageID)
		return err == nil && m.Content == "say this"
	}, 2*time.Second, 5*time.Millisecond)

	thread, err := f.graph.Thread(ctx, chat.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, second.MessageID, thread[len(thread)-1].ID)

	thread, err = f.graph.Thread(ctx, chat.ID, conversation.BranchSelection{user.ID: 0})
	require.NoError(t, err)
	assert.Equal(t, first.MessageID, thread[len(thread)-1].ID)
}

func TestEditAndReplace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat, user := f.chatWithUser(t, "first try")

	edited, r, err := f.service.EditMessage(ctx, user.ID, "second try")
	require.NoError(t, err)
	assert.Equal(t, conversation.RoleUser, edited.Role)
	assert.Equal(t, uint32(1), r.Index)
	require.NotNil(t, r.Reason)
	assert.Equal(t, conversation.ReasonEdited, *r.Reason)

	replaced, r, err := f.service.ReplaceMessage(ctx, user.ID, "fixed typo")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), r.Index)

	children, err := f.graph.ChildrenOf(ctx, chat.Root)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, replaced.ID, children[0].Child)
	assert.Equal(t, edited.ID, children[1].Child)

	// the replaced message is detached but still addressable
	orig, err := f.graph.GetMessage(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "first try", orig.Content)

	_, _, err = f.service.EditMessage(ctx, chat.Root, "x")
	assert.True(t, errdefs.IsConflict(err))
}

func TestAppendMessageUnknownParent(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.service.AppendMessage(context.Background(), conversation.NewNodeID(), conversation.RoleUser, "x", nil)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestRunTool(t *testing.T) {
	builtins, err := toolbox.Builtins(nil)
	require.NoError(t, err)
	tb, err := toolbox.NewToolbox(builtins...)
	require.NoError(t, err)

	f := newFixture(t, WithToolRunner(tb))
	ctx := context.Background()
	_, user := f.chatWithUser(t, "count these words please")

	m, err := f.service.RunTool(ctx, user.ID, "word_count", json.RawMessage(`{"text":"count these words please"}`))
	require.NoError(t, err)
	assert.Equal(t, conversation.RoleFunction, m.Role)
	assert.JSONEq(t, `{"words":4,"characters":24}`, m.Content)

	parent, err := f.graph.ParentOf(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, user.ID, parent.Parent)

	_, err = f.service.RunTool(ctx, user.ID, "word_count", json.RawMessage(`{}`))
	assert.True(t, errdefs.IsConfig(err))
}

func TestRunToolWithoutToolbox(t *testing.T) {
	f := newFixture(t)
	_, user := f.chatWithUser(t, "x")
	_, err := f.service.RunTool(context.Background(), user.ID, "word_count", nil)
	assert.True(t, errdefs.IsConfig(err))
}

func TestWatchUnknownGeneration(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Watch(context.Background(), "garbage")
	assert.True(t, errdefs.IsNotFound(err))

	_, err = f.service.Watch(context.Background(), GenerationKey(conversation.NewNodeID(), "p", "m").String())
	assert.True(t, errdefs.IsNotFound(err))

	_, err = f.service.CancelGeneration(GenerationKey(conversation.NewNodeID(), "p", "m").String())
	assert.True(t, errdefs.IsNotFound(err))
}
