package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/go-go-golems/grove/pkg/errdefs"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// maxIndexRetries bounds how often an auto-assigned index is recomputed when another
// writer sharing the same store claimed it first.
const maxIndexRetries = 5

// Graph is the branching message graph of all chats.
//
// A chat is a tree rooted at a placeholder message. Every message has at most one parent
// edge, siblings are ordered by a per-parent unique index, and a linear thread is obtained
// by picking one child at every branch point.
//
// Edge mutations are serialized by linkMu, which makes the read-then-write of the next free
// index and the ancestor walk of the cycle check atomic within one process. The store's
// uniqueness constraints catch writers in other processes, and an auto-assigned index that
// loses such a race is retried.
type Graph struct {
	store Store

	linkMu sync.Mutex

	clockMu sync.Mutex
	last    time.Time
}

func NewGraph(store Store) *Graph {
	return &Graph{store: store}
}

func (g *Graph) Store() Store {
	return g.store
}

// now returns a strictly increasing timestamp, so that a change is never considered to
// have happened at the same instant as the preview computed before it.
func (g *Graph) now() time.Time {
	g.clockMu.Lock()
	defer g.clockMu.Unlock()
	t := time.Now().UTC()
	if !t.After(g.last) {
		t = g.last.Add(time.Nanosecond)
	}
	g.last = t
	return t
}

func (g *Graph) CreateMessage(ctx context.Context, m *Message) error {
	if m.ID.IsNull() {
		m.ID = NewNodeID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = g.now()
	}
	if err := g.store.PutMessage(ctx, m); err != nil {
		return errors.Wrapf(err, "could not store message %s", m.ID)
	}
	log.Trace().Object("message", m).Msg("created message")
	return nil
}

func (g *Graph) GetMessage(ctx context.Context, id NodeID) (*Message, error) {
	return g.store.GetMessage(ctx, id)
}

// FillMessage sets content and thinking of a streamed message and marks its chat as changed.
func (g *Graph) FillMessage(ctx context.Context, id NodeID, content string, thinking *string) (*Message, error) {
	m, err := g.store.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	m.Content = content
	m.Thinking = thinking
	if err := g.store.UpdateMessage(ctx, m); err != nil {
		return nil, err
	}
	if err := g.touch(ctx, id); err != nil {
		return nil, err
	}
	return m, nil
}

type relationshipSettings struct {
	index  *uint32
	reason *string
}

type RelationshipOption func(*relationshipSettings)

// WithIndex places the child at an explicit sibling index instead of appending it.
func WithIndex(index uint32) RelationshipOption {
	return func(s *relationshipSettings) {
		s.index = &index
	}
}

func WithReason(reason string) RelationshipOption {
	return func(s *relationshipSettings) {
		if reason == "" {
			s.reason = nil
			return
		}
		s.reason = &reason
	}
}

// CreateRelationship links child below parent.
//
// Without WithIndex the child is appended after the highest existing index (which equals
// the number of children as long as none were removed). An explicit index that is already
// taken is a conflict.
func (g *Graph) CreateRelationship(ctx context.Context, parent NodeID, child NodeID, options ...RelationshipOption) (*Relationship, error) {
	s := &relationshipSettings{}
	for _, option := range options {
		option(s)
	}

	g.linkMu.Lock()
	defer g.linkMu.Unlock()

	root, err := g.checkLink(ctx, parent, child)
	if err != nil {
		return nil, err
	}

	r := Relationship{Parent: parent, Child: child, Reason: s.reason}
	for attempt := 0; ; attempt++ {
		if s.index != nil {
			r.Index = *s.index
		} else {
			r.Index, err = g.nextIndex(ctx, parent)
			if err != nil {
				return nil, err
			}
		}

		err = g.store.InsertRelationship(ctx, r)
		if err == nil {
			break
		}
		if !errdefs.IsConflict(err) || s.index != nil || attempt >= maxIndexRetries {
			return nil, err
		}
		log.Debug().Object("relationship", r).Int("attempt", attempt).Msg("sibling index taken, retrying")
	}

	if err := g.store.TouchChat(ctx, root, g.now()); err != nil {
		return nil, err
	}
	log.Debug().Object("relationship", r).Msg("created relationship")
	return &r, nil
}

// checkLink validates that parent -> child can be added and returns the root above parent.
func (g *Graph) checkLink(ctx context.Context, parent NodeID, child NodeID) (NodeID, error) {
	if _, err := g.store.GetMessage(ctx, parent); err != nil {
		return NullNode, err
	}
	if _, err := g.store.GetMessage(ctx, child); err != nil {
		return NullNode, err
	}
	if parent == child {
		return NullNode, errdefs.Conflict("message %s cannot be its own child", child)
	}

	existing, err := g.store.ParentOf(ctx, child)
	if err != nil {
		return NullNode, err
	}
	if existing != nil {
		return NullNode, errdefs.Conflict("message %s already has parent %s", child, existing.Parent)
	}

	root := parent
	err = g.walkUp(ctx, parent, func(id NodeID) error {
		if id == child {
			return errdefs.Conflict("message %s is an ancestor of %s", child, parent)
		}
		root = id
		return nil
	})
	if err != nil {
		return NullNode, err
	}
	return root, nil
}

// walkUp calls fn for id and each of its ancestors, stopping at a detached node.
func (g *Graph) walkUp(ctx context.Context, id NodeID, fn func(NodeID) error) error {
	seen := map[NodeID]struct{}{}
	for {
		if _, ok := seen[id]; ok {
			return errdefs.Conflict("cycle detected above %s", id)
		}
		seen[id] = struct{}{}
		if err := fn(id); err != nil {
			return err
		}
		r, err := g.store.ParentOf(ctx, id)
		if err != nil {
			return err
		}
		if r == nil {
			return nil
		}
		id = r.Parent
	}
}

func (g *Graph) nextIndex(ctx context.Context, parent NodeID) (uint32, error) {
	children, err := g.store.ChildrenOf(ctx, parent)
	if err != nil {
		return 0, err
	}
	if len(children) == 0 {
		return 0, nil
	}
	return children[len(children)-1].Index + 1, nil
}

// RootOf returns the topmost ancestor of id.
func (g *Graph) RootOf(ctx context.Context, id NodeID) (NodeID, error) {
	root := id
	err := g.walkUp(ctx, id, func(n NodeID) error {
		root = n
		return nil
	})
	return root, err
}

// Ancestry returns the messages from the topmost ancestor of id down to id itself.
func (g *Graph) Ancestry(ctx context.Context, id NodeID) ([]*Message, error) {
	var ids []NodeID
	if err := g.walkUp(ctx, id, func(n NodeID) error {
		ids = append(ids, n)
		return nil
	}); err != nil {
		return nil, err
	}

	ret := make([]*Message, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		m, err := g.store.GetMessage(ctx, ids[i])
		if err != nil {
			return nil, err
		}
		ret = append(ret, m)
	}
	return ret, nil
}

// ChatOf returns the chat whose tree contains id.
func (g *Graph) ChatOf(ctx context.Context, id NodeID) (*Chat, error) {
	if _, err := g.store.GetMessage(ctx, id); err != nil {
		return nil, err
	}
	root, err := g.RootOf(ctx, id)
	if err != nil {
		return nil, err
	}
	chat, err := g.store.ChatByRoot(ctx, root)
	if err != nil {
		return nil, err
	}
	if chat == nil {
		return nil, errdefs.NotFound("chat of message", id)
	}
	return chat, nil
}

func (g *Graph) touch(ctx context.Context, id NodeID) error {
	root, err := g.RootOf(ctx, id)
	if err != nil {
		return err
	}
	return g.store.TouchChat(ctx, root, g.now())
}

// ChildrenOf returns the edges below parent ordered by ascending index.
func (g *Graph) ChildrenOf(ctx context.Context, parent NodeID) ([]Relationship, error) {
	if _, err := g.store.GetMessage(ctx, parent); err != nil {
		return nil, err
	}
	return g.store.ChildrenOf(ctx, parent)
}

// ParentOf returns the edge above child, or nil for a root or detached message.
func (g *Graph) ParentOf(ctx context.Context, child NodeID) (*Relationship, error) {
	return g.store.ParentOf(ctx, child)
}

// BranchSelection maps a branch point to the sibling index chosen there.
type BranchSelection map[NodeID]uint32

// Thread walks from the chat root to a leaf.
//
// At each node the selected index is followed when it exists, otherwise the child with the
// highest index. The root placeholder is the first element, so a chat without messages
// yields a single-element thread.
func (g *Graph) Thread(ctx context.Context, chatID NodeID, selection BranchSelection) ([]*Message, error) {
	chat, err := g.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return g.ThreadFrom(ctx, chat.Root, selection)
}

func (g *Graph) ThreadFrom(ctx context.Context, root NodeID, selection BranchSelection) ([]*Message, error) {
	m, err := g.store.GetMessage(ctx, root)
	if err != nil {
		return nil, err
	}

	ret := []*Message{m}
	seen := map[NodeID]struct{}{root: {}}
	current := root
	for {
		children, err := g.store.ChildrenOf(ctx, current)
		if err != nil {
			return nil, err
		}
		if len(children) == 0 {
			return ret, nil
		}

		next := children[len(children)-1]
		if idx, ok := selection[current]; ok {
			for _, c := range children {
				if c.Index == idx {
					next = c
					break
				}
			}
		}

		if _, ok := seen[next.Child]; ok {
			log.Warn().Str("message", next.Child.String()).Msg("thread revisits a message, stopping")
			return ret, nil
		}
		seen[next.Child] = struct{}{}

		m, err := g.store.GetMessage(ctx, next.Child)
		if err != nil {
			return nil, errors.Wrapf(err, "dangling relationship %s -> %s", next.Parent, next.Child)
		}
		ret = append(ret, m)
		current = next.Child
	}
}

// DeleteMessage removes a message, the edges below it and the edge above it.
//
// Its children are not re-parented; they become roots of detached subtrees. The root of a
// live chat cannot be deleted.
func (g *Graph) DeleteMessage(ctx context.Context, id NodeID) error {
	g.linkMu.Lock()
	defer g.linkMu.Unlock()

	if _, err := g.store.GetMessage(ctx, id); err != nil {
		return err
	}
	chat, err := g.store.ChatByRoot(ctx, id)
	if err != nil {
		return err
	}
	if chat != nil {
		return errdefs.Conflict("message %s is the root of chat %s", id, chat.ID)
	}

	root, err := g.RootOf(ctx, id)
	if err != nil {
		return err
	}

	children, err := g.store.ChildrenOf(ctx, id)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := g.store.DeleteRelationship(ctx, id, c.Child); err != nil {
			return err
		}
	}

	parent, err := g.store.ParentOf(ctx, id)
	if err != nil {
		return err
	}
	if parent != nil {
		if err := g.store.DeleteRelationship(ctx, parent.Parent, id); err != nil {
			return err
		}
	}

	if err := g.store.DeleteMessage(ctx, id); err != nil {
		return err
	}
	if root != id {
		if err := g.store.TouchChat(ctx, root, g.now()); err != nil {
			return err
		}
	}

	log.Debug().Str("message", id.String()).Int("detached", len(children)).Msg("deleted message")
	return nil
}

// Replace swaps the child of an existing edge for a new message, keeping the sibling index.
func (g *Graph) Replace(ctx context.Context, oldChild NodeID, newChild NodeID, reason string) (*Relationship, error) {
	g.linkMu.Lock()
	defer g.linkMu.Unlock()

	old, err := g.store.ParentOf(ctx, oldChild)
	if err != nil {
		return nil, err
	}
	if old == nil {
		return nil, errdefs.Conflict("message %s has no parent to replace it under", oldChild)
	}
	root, err := g.checkLink(ctx, old.Parent, newChild)
	if err != nil {
		return nil, err
	}

	if err := g.store.DeleteRelationship(ctx, old.Parent, oldChild); err != nil {
		return nil, err
	}
	r := Relationship{Parent: old.Parent, Child: newChild, Index: old.Index}
	if reason != "" {
		r.Reason = &reason
	}
	if err := g.store.InsertRelationship(ctx, r); err != nil {
		// put the old edge back so the branch is not lost
		if rerr := g.store.InsertRelationship(ctx, *old); rerr != nil {
			log.Error().Err(rerr).Object("relationship", old).Msg("could not restore relationship")
		}
		return nil, err
	}
	if err := g.store.TouchChat(ctx, root, g.now()); err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateChat creates a chat with an empty system placeholder as its root.
func (g *Graph) CreateChat(ctx context.Context, previewProvider string, previewModel string) (*Chat, error) {
	now := g.now()
	root := NewMessage(RoleSystem, "", WithCreatedAt(now))
	if err := g.CreateMessage(ctx, root); err != nil {
		return nil, err
	}
	chat := &Chat{
		ID:              NewNodeID(),
		Root:            root.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
		PreviewProvider: previewProvider,
		PreviewModel:    previewModel,
	}
	if err := g.store.PutChat(ctx, chat); err != nil {
		return nil, errors.Wrap(err, "could not store chat")
	}
	log.Debug().Str("chat", chat.ID.String()).Str("root", root.ID.String()).Msg("created chat")
	return chat, nil
}

func (g *Graph) GetChat(ctx context.Context, id NodeID) (*Chat, error) {
	return g.store.GetChat(ctx, id)
}

func (g *Graph) ListChats(ctx context.Context) ([]*Chat, error) {
	return g.store.ListChats(ctx)
}

// DeleteChat removes the chat and its preview, leaving its messages addressable by id.
func (g *Graph) DeleteChat(ctx context.Context, id NodeID) error {
	if _, err := g.store.GetChat(ctx, id); err != nil {
		return err
	}
	return g.store.DeleteChat(ctx, id)
}
