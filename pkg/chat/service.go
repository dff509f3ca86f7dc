// Package chat implements the chat operations on top of the message graph: appending
// messages, running generations as jobs, branching on regeneration and edits, and running
// tools against messages.
package chat

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-go-golems/grove/pkg/conversation"
	"github.com/go-go-golems/grove/pkg/errdefs"
	"github.com/go-go-golems/grove/pkg/events"
	"github.com/go-go-golems/grove/pkg/inference/engine"
	"github.com/go-go-golems/grove/pkg/pull"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Router is the part of the generation router the service needs.
type Router interface {
	Resolve(providerID string) (engine.Engine, error)
	Stream(ctx context.Context, providerID string, model string, messages []engine.Message) (<-chan events.Event, error)
}

// ToolRunner executes a named tool with JSON arguments.
type ToolRunner interface {
	Execute(ctx context.Context, name string, args json.RawMessage) (string, error)
}

type Service struct {
	graph  *conversation.Graph
	router Router
	bus    *events.Bus
	tools  ToolRunner
	jobs   *pull.Engine[events.Event]

	mu          sync.Mutex
	generations map[pull.Key]*run
}

type Option func(*Service)

func WithToolRunner(tools ToolRunner) Option {
	return func(s *Service) {
		s.tools = tools
	}
}

func NewService(graph *conversation.Graph, router Router, bus *events.Bus, options ...Option) *Service {
	ret := &Service{
		graph:       graph,
		router:      router,
		bus:         bus,
		generations: map[pull.Key]*run{},
	}
	for _, o := range options {
		o(ret)
	}
	ret.jobs = pull.NewEngine[events.Event]("generation",
		pull.WithObserver[events.Event](ret.observe),
		pull.WithForgetOnTerminal[events.Event](),
	)
	return ret
}

func (s *Service) Graph() *conversation.Graph {
	return s.graph
}

func (s *Service) CreateChat(ctx context.Context, previewProvider string, previewModel string) (*conversation.Chat, error) {
	return s.graph.CreateChat(ctx, previewProvider, previewModel)
}

func (s *Service) ListChats(ctx context.Context) ([]*conversation.Chat, error) {
	return s.graph.ListChats(ctx)
}

// DeleteChat removes the chat and its preview. Its messages stay addressable.
func (s *Service) DeleteChat(ctx context.Context, id conversation.NodeID) error {
	return s.graph.DeleteChat(ctx, id)
}

// AppendMessage creates a message and links it as the newest child of parent.
func (s *Service) AppendMessage(
	ctx context.Context,
	parent conversation.NodeID,
	role conversation.Role,
	content string,
	attachments []conversation.Attachment,
) (*conversation.Message, *conversation.Relationship, error) {
	m := conversation.NewMessage(role, content, conversation.WithAttachments(attachments...))
	return s.link(ctx, parent, m)
}

func (s *Service) link(
	ctx context.Context,
	parent conversation.NodeID,
	m *conversation.Message,
	options ...conversation.RelationshipOption,
) (*conversation.Message, *conversation.Relationship, error) {
	if _, err := s.graph.GetMessage(ctx, parent); err != nil {
		return nil, nil, err
	}
	if err := s.graph.CreateMessage(ctx, m); err != nil {
		return nil, nil, err
	}
	r, err := s.graph.CreateRelationship(ctx, parent, m.ID, options...)
	if err != nil {
		if derr := s.graph.Store().DeleteMessage(ctx, m.ID); derr != nil {
			log.Warn().Err(derr).Str("message", m.ID.String()).Msg("could not remove unlinked message")
		}
		return nil, nil, err
	}
	return m, r, nil
}

// EditMessage creates a new version of id as its sibling. The original stays in place.
func (s *Service) EditMessage(ctx context.Context, id conversation.NodeID, content string) (*conversation.Message, *conversation.Relationship, error) {
	orig, parent, err := s.withParent(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	m := conversation.NewMessage(orig.Role, content, conversation.WithAttachments(orig.Attachments...))
	return s.link(ctx, parent.Parent, m, conversation.WithReason(conversation.ReasonEdited))
}

// ReplaceMessage swaps id for a new version at the same sibling index.
func (s *Service) ReplaceMessage(ctx context.Context, id conversation.NodeID, content string) (*conversation.Message, *conversation.Relationship, error) {
	orig, _, err := s.withParent(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	m := conversation.NewMessage(orig.Role, content, conversation.WithAttachments(orig.Attachments...))
	if err := s.graph.CreateMessage(ctx, m); err != nil {
		return nil, nil, err
	}
	r, err := s.graph.Replace(ctx, id, m.ID, conversation.ReasonEdited)
	if err != nil {
		if derr := s.graph.Store().DeleteMessage(ctx, m.ID); derr != nil {
			log.Warn().Err(derr).Str("message", m.ID.String()).Msg("could not remove unlinked message")
		}
		return nil, nil, err
	}
	return m, r, nil
}

func (s *Service) withParent(ctx context.Context, id conversation.NodeID) (*conversation.Message, *conversation.Relationship, error) {
	m, err := s.graph.GetMessage(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	parent, err := s.graph.ParentOf(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if parent == nil {
		return nil, nil, errdefs.Conflict("message %s has no parent", id)
	}
	return m, parent, nil
}

// RunTool runs a tool and appends its result below messageID as a function message.
func (s *Service) RunTool(ctx context.Context, messageID conversation.NodeID, name string, args json.RawMessage) (*conversation.Message, error) {
	if s.tools == nil {
		return nil, errdefs.Config("tools", "no toolbox configured")
	}
	if _, err := s.graph.GetMessage(ctx, messageID); err != nil {
		return nil, err
	}
	out, err := s.tools.Execute(ctx, name, args)
	if err != nil {
		return nil, err
	}
	m, _, err := s.AppendMessage(ctx, messageID, conversation.RoleFunction, out, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "could not store result of tool %s", name)
	}
	return m, nil
}
