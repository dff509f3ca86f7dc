package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-go-golems/grove/pkg/conversation"
	"github.com/go-go-golems/grove/pkg/errdefs"
	"github.com/pkg/errors"
)

// MemoryStore keeps all records in maps and loses them on exit.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[conversation.NodeID]*conversation.Message
	children map[conversation.NodeID][]conversation.Relationship
	parents  map[conversation.NodeID]conversation.Relationship
	chats    map[conversation.NodeID]*conversation.Chat
	previews map[conversation.NodeID]*conversation.Preview
	closed   bool
}

var _ conversation.Store = (*MemoryStore)(nil)

var errClosed = errors.New("store is closed")

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: map[conversation.NodeID]*conversation.Message{},
		children: map[conversation.NodeID][]conversation.Relationship{},
		parents:  map[conversation.NodeID]conversation.Relationship{},
		chats:    map[conversation.NodeID]*conversation.Chat{},
		previews: map[conversation.NodeID]*conversation.Preview{},
	}
}

func (s *MemoryStore) ensureOpen() error {
	if s.closed {
		return errClosed
	}
	return nil
}

func (s *MemoryStore) PutMessage(_ context.Context, m *conversation.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if _, ok := s.messages[m.ID]; ok {
		return errdefs.Conflict("message %s already exists", m.ID)
	}
	s.messages[m.ID] = m.Clone()
	return nil
}

func (s *MemoryStore) UpdateMessage(_ context.Context, m *conversation.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	existing, ok := s.messages[m.ID]
	if !ok {
		return errdefs.NotFound("message", m.ID)
	}
	updated := existing.Clone()
	updated.Content = m.Content
	updated.Thinking = nil
	if m.Thinking != nil {
		t := *m.Thinking
		updated.Thinking = &t
	}
	s.messages[m.ID] = updated
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id conversation.NodeID) (*conversation.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	m, ok := s.messages[id]
	if !ok {
		return nil, errdefs.NotFound("message", id)
	}
	return m.Clone(), nil
}

func (s *MemoryStore) DeleteMessage(_ context.Context, id conversation.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if _, ok := s.messages[id]; !ok {
		return errdefs.NotFound("message", id)
	}
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) InsertRelationship(_ context.Context, r conversation.Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if existing, ok := s.parents[r.Child]; ok {
		return errdefs.Conflict("message %s already has parent %s", r.Child, existing.Parent)
	}
	siblings := s.children[r.Parent]
	for _, c := range siblings {
		if c.Index == r.Index {
			return errdefs.Conflict("index %d under %s is taken by %s", r.Index, r.Parent, c.Child)
		}
	}
	siblings = append(siblings, r)
	sort.Slice(siblings, func(i, j int) bool { return siblings[i].Index < siblings[j].Index })
	s.children[r.Parent] = siblings
	s.parents[r.Child] = r
	return nil
}

func (s *MemoryStore) DeleteRelationship(_ context.Context, parent conversation.NodeID, child conversation.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	siblings := s.children[parent]
	for i, c := range siblings {
		if c.Child == child {
			siblings = append(siblings[:i:i], siblings[i+1:]...)
			if len(siblings) == 0 {
				delete(s.children, parent)
			} else {
				s.children[parent] = siblings
			}
			delete(s.parents, child)
			return nil
		}
	}
	return errdefs.NotFoundf("relationship", parent.String()+"->"+child.String())
}

func (s *MemoryStore) ChildrenOf(_ context.Context, parent conversation.NodeID) ([]conversation.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	siblings := s.children[parent]
	ret := make([]conversation.Relationship, len(siblings))
	copy(ret, siblings)
	return ret, nil
}

func (s *MemoryStore) ParentOf(_ context.Context, child conversation.NodeID) (*conversation.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	r, ok := s.parents[child]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *MemoryStore) PutChat(_ context.Context, c *conversation.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	for _, existing := range s.chats {
		if existing.Root == c.Root && existing.ID != c.ID {
			return errdefs.Conflict("message %s is already the root of chat %s", c.Root, existing.ID)
		}
	}
	s.chats[c.ID] = c.Clone()
	return nil
}

func (s *MemoryStore) GetChat(_ context.Context, id conversation.NodeID) (*conversation.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	c, ok := s.chats[id]
	if !ok {
		return nil, errdefs.NotFound("chat", id)
	}
	return c.Clone(), nil
}

func (s *MemoryStore) ChatByRoot(_ context.Context, root conversation.NodeID) (*conversation.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	for _, c := range s.chats {
		if c.Root == root {
			return c.Clone(), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListChats(_ context.Context) ([]*conversation.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	ret := make([]*conversation.Chat, 0, len(s.chats))
	for _, c := range s.chats {
		ret = append(ret, c.Clone())
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].CreatedAt.Before(ret[j].CreatedAt) })
	return ret, nil
}

func (s *MemoryStore) TouchChat(_ context.Context, root conversation.NodeID, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	for _, c := range s.chats {
		if c.Root == root && t.After(c.UpdatedAt) {
			c.UpdatedAt = t
		}
	}
	return nil
}

func (s *MemoryStore) DeleteChat(_ context.Context, id conversation.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if _, ok := s.chats[id]; !ok {
		return errdefs.NotFound("chat", id)
	}
	delete(s.chats, id)
	delete(s.previews, id)
	return nil
}

func (s *MemoryStore) PutPreview(_ context.Context, p *conversation.Preview) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if _, ok := s.chats[p.ChatID]; !ok {
		return errdefs.NotFound("chat", p.ChatID)
	}
	cp := *p
	s.previews[p.ChatID] = &cp
	return nil
}

func (s *MemoryStore) GetPreview(_ context.Context, chatID conversation.NodeID) (*conversation.Preview, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	p, ok := s.previews[chatID]
	if !ok {
		return nil, errdefs.NotFound("preview", chatID)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPreviews(_ context.Context) ([]*conversation.Preview, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	ret := make([]*conversation.Preview, 0, len(s.previews))
	for _, p := range s.previews {
		cp := *p
		ret = append(ret, &cp)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ChatID.String() < ret[j].ChatID.String() })
	return ret, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
