package conversation

import (
	"context"
	"time"
)

// Store is the record store the graph is built on.
//
// Implementations must enforce two constraints on relationships and report violations
// with an errdefs conflict error: (parent, index) is unique, and a child has at most one
// parent edge. Lookups of missing records return an errdefs not-found error.
type Store interface {
	PutMessage(ctx context.Context, m *Message) error
	// UpdateMessage replaces content and thinking of an existing message.
	UpdateMessage(ctx context.Context, m *Message) error
	GetMessage(ctx context.Context, id NodeID) (*Message, error)
	DeleteMessage(ctx context.Context, id NodeID) error

	InsertRelationship(ctx context.Context, r Relationship) error
	DeleteRelationship(ctx context.Context, parent NodeID, child NodeID) error
	// ChildrenOf returns the edges below parent ordered by index.
	ChildrenOf(ctx context.Context, parent NodeID) ([]Relationship, error)
	// ParentOf returns the edge above child, or nil if child is detached.
	ParentOf(ctx context.Context, child NodeID) (*Relationship, error)

	PutChat(ctx context.Context, c *Chat) error
	GetChat(ctx context.Context, id NodeID) (*Chat, error)
	// ChatByRoot returns the chat rooted at root, or nil.
	ChatByRoot(ctx context.Context, root NodeID) (*Chat, error)
	ListChats(ctx context.Context) ([]*Chat, error)
	// TouchChat moves UpdatedAt of the chat rooted at root forward to t.
	// It is a no-op when no chat has that root.
	TouchChat(ctx context.Context, root NodeID, t time.Time) error
	// DeleteChat removes the chat and its preview. Messages are kept.
	DeleteChat(ctx context.Context, id NodeID) error

	PutPreview(ctx context.Context, p *Preview) error
	GetPreview(ctx context.Context, chatID NodeID) (*Preview, error)
	ListPreviews(ctx context.Context) ([]*Preview, error)

	Close() error
}
