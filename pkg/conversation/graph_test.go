package conversation_test

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/grove/pkg/conversation"
	"github.com/go-go-golems/grove/pkg/conversation/store"
	"github.com/go-go-golems/grove/pkg/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func forEachStore(t *testing.T, fn func(t *testing.T, g *conversation.Graph)) {
	t.Run("memory", func(t *testing.T) {
		s := store.NewMemoryStore()
		t.Cleanup(func() { _ = s.Close() })
		fn(t, conversation.NewGraph(s))
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := store.NewSQLiteStore(store.DSN(filepath.Join(t.TempDir(), "grove.db")))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, conversation.NewGraph(s))
	})
}

func addMessage(t *testing.T, g *conversation.Graph, role conversation.Role, content string) *conversation.Message {
	t.Helper()
	m := conversation.NewMessage(role, content)
	require.NoError(t, g.CreateMessage(context.Background(), m))
	return m
}

func link(t *testing.T, g *conversation.Graph, parent, child conversation.NodeID, options ...conversation.RelationshipOption) *conversation.Relationship {
	t.Helper()
	r, err := g.CreateRelationship(context.Background(), parent, child, options...)
	require.NoError(t, err)
	return r
}

func TestCreateRelationshipAssignsSequentialIndices(t *testing.T) {
	forEachStore(t, func(t *testing.T, g *conversation.Graph) {
		p := addMessage(t, g, conversation.RoleUser, "p")
		c1 := addMessage(t, g, conversation.RoleAssistant, "c1")
		c2 := addMessage(t, g, conversation.RoleAssistant, "c2")

		r1 := link(t, g, p.ID, c1.ID)
		r2 := link(t, g, p.ID, c2.ID)
		assert.Equal(t, uint32(0), r1.Index)
		assert.Equal(t, uint32(1), r2.Index)

		children, err := g.ChildrenOf(context.Background(), p.ID)
		require.NoError(t, err)
		require.Len(t, children, 2)
		assert.Equal(t, c1.ID, children[0].Child)
		assert.Equal(t, c2.ID, children[1].Child)
	})
}

func TestCreateRelationshipErrors(t *testing.T) {
	forEachStore(t, func(t *testing.T, g *conversation.Graph) {
		ctx := context.Background()
		p := addMessage(t, g, conversation.RoleUser, "p")
		c := addMessage(t, g, conversation.RoleAssistant, "c")
		other := addMessage(t, g, conversation.RoleAssistant, "other")

		_, err := g.CreateRelationship(ctx, conversation.NewNodeID(), c.ID)
		assert.True(t, errdefs.IsNotFound(err))

		_, err = g.CreateRelationship(ctx, p.ID, conversation.NewNodeID())
		assert.True(t, errdefs.IsNotFound(err))

		link(t, g, p.ID, c.ID, conversation.WithIndex(3))
		_, err = g.CreateRelationship(ctx, p.ID, other.ID, conversation.WithIndex(3))
		assert.True(t, errdefs.IsConflict(err))

		// c already hangs below p
		_, err = g.CreateRelationship(ctx, other.ID, c.ID)
		assert.True(t, errdefs.IsConflict(err))

		_, err = g.CreateRelationship(ctx, p.ID, p.ID)
		assert.True(t, errdefs.IsConflict(err))

		// auto index continues after the highest explicit one
		r := link(t, g, p.ID, other.ID)
		assert.Equal(t, uint32(4), r.Index)
	})
}

func TestCreateRelationshipRejectsCycles(t *testing.T) {
	forEachStore(t, func(t *testing.T, g *conversation.Graph) {
		a := addMessage(t, g, conversation.RoleUser, "a")
		b := addMessage(t, g, conversation.RoleAssistant, "b")
		c := addMessage(t, g, conversation.RoleUser, "c")
		link(t, g, a.ID, b.ID)
		link(t, g, b.ID, c.ID)

		_, err := g.CreateRelationship(context.Background(), c.ID, a.ID)
		require.Error(t, err)
		assert.True(t, errdefs.IsConflict(err))
	})
}

func TestConcurrentSiblingsGetUniqueIndices(t *testing.T) {
	forEachStore(t, func(t *testing.T, g *conversation.Graph) {
		ctx := context.Background()
		p := addMessage(t, g, conversation.RoleUser, "p")

		const n = 32
		children := make([]*conversation.Message, n)
		for i := range children {
			children[i] = addMessage(t, g, conversation.RoleAssistant, "child")
		}

		var wg sync.WaitGroup
		indices := make([]uint32, n)
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				r, err := g.CreateRelationship(ctx, p.ID, children[i].ID)
				errs[i] = err
				if err == nil {
					indices[i] = r.Index
				}
			}(i)
		}
		wg.Wait()

		for _, err := range errs {
			require.NoError(t, err)
		}
		sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
		for i, idx := range indices {
			assert.Equal(t, uint32(i), idx)
		}
	})
}

func TestThreadFollowsLatestBranchByDefault(t *testing.T) {
	forEachStore(t, func(t *testing.T, g *conversation.Graph) {
		ctx := context.Background()
		chat, err := g.CreateChat(ctx, "", "")
		require.NoError(t, err)

		q := addMessage(t, g, conversation.RoleUser, "question")
		a1 := addMessage(t, g, conversation.RoleAssistant, "first answer")
		a2 := addMessage(t, g, conversation.RoleAssistant, "second answer")
		link(t, g, chat.Root, q.ID)
		link(t, g, q.ID, a1.ID)
		link(t, g, q.ID, a2.ID, conversation.WithReason(conversation.ReasonRegenerated))

		thread, err := g.Thread(ctx, chat.ID, nil)
		require.NoError(t, err)
		require.Len(t, thread, 3)
		assert.Equal(t, chat.Root, thread[0].ID)
		assert.Equal(t, q.ID, thread[1].ID)
		assert.Equal(t, a2.ID, thread[2].ID)

		thread, err = g.Thread(ctx, chat.ID, conversation.BranchSelection{q.ID: 0})
		require.NoError(t, err)
		require.Len(t, thread, 3)
		assert.Equal(t, a1.ID, thread[2].ID)

		// unknown selection falls back to the most recent branch
		thread, err = g.Thread(ctx, chat.ID, conversation.BranchSelection{q.ID: 42})
		require.NoError(t, err)
		assert.Equal(t, a2.ID, thread[2].ID)
	})
}

func TestThreadOfEmptyChatIsRootOnly(t *testing.T) {
	forEachStore(t, func(t *testing.T, g *conversation.Graph) {
		ctx := context.Background()
		chat, err := g.CreateChat(ctx, "", "")
		require.NoError(t, err)

		thread, err := g.Thread(ctx, chat.ID, nil)
		require.NoError(t, err)
		require.Len(t, thread, 1)
		assert.Equal(t, conversation.RoleSystem, thread[0].Role)

		_, err = g.Thread(ctx, conversation.NewNodeID(), nil)
		assert.True(t, errdefs.IsNotFound(err))
	})
}

func TestDeleteMessageDetachesChildren(t *testing.T) {
	forEachStore(t, func(t *testing.T, g *conversation.Graph) {
		ctx := context.Background()
		chat, err := g.CreateChat(ctx, "", "")
		require.NoError(t, err)

		q := addMessage(t, g, conversation.RoleUser, "q")
		a := addMessage(t, g, conversation.RoleAssistant, "a")
		follow := addMessage(t, g, conversation.RoleUser, "follow up")
		link(t, g, chat.Root, q.ID)
		link(t, g, q.ID, a.ID)
		link(t, g, a.ID, follow.ID)

		require.NoError(t, g.DeleteMessage(ctx, a.ID))

		_, err = g.GetMessage(ctx, a.ID)
		assert.True(t, errdefs.IsNotFound(err))

		children, err := g.ChildrenOf(ctx, q.ID)
		require.NoError(t, err)
		assert.Empty(t, children)

		parent, err := g.ParentOf(ctx, follow.ID)
		require.NoError(t, err)
		assert.Nil(t, parent)

		// the detached message is still addressable
		_, err = g.GetMessage(ctx, follow.ID)
		require.NoError(t, err)

		thread, err := g.Thread(ctx, chat.ID, nil)
		require.NoError(t, err)
		assert.Len(t, thread, 2)

		err = g.DeleteMessage(ctx, chat.Root)
		assert.True(t, errdefs.IsConflict(err))

		err = g.DeleteMessage(ctx, conversation.NewNodeID())
		assert.True(t, errdefs.IsNotFound(err))
	})
}

func TestReplaceKeepsIndex(t *testing.T) {
	forEachStore(t, func(t *testing.T, g *conversation.Graph) {
		ctx := context.Background()
		p := addMessage(t, g, conversation.RoleUser, "p")
		c0 := addMessage(t, g, conversation.RoleAssistant, "c0")
		c1 := addMessage(t, g, conversation.RoleAssistant, "c1")
		edited := addMessage(t, g, conversation.RoleAssistant, "c0 edited")
		link(t, g, p.ID, c0.ID)
		link(t, g, p.ID, c1.ID)

		r, err := g.Replace(ctx, c0.ID, edited.ID, conversation.ReasonEdited)
		require.NoError(t, err)
		assert.Equal(t, uint32(0), r.Index)
		require.NotNil(t, r.Reason)
		assert.Equal(t, conversation.ReasonEdited, *r.Reason)

		children, err := g.ChildrenOf(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, children, 2)
		assert.Equal(t, edited.ID, children[0].Child)
		assert.Equal(t, c1.ID, children[1].Child)
	})
}

func TestStructuralChangesBumpChat(t *testing.T) {
	forEachStore(t, func(t *testing.T, g *conversation.Graph) {
		ctx := context.Background()
		chat, err := g.CreateChat(ctx, "", "")
		require.NoError(t, err)

		q := addMessage(t, g, conversation.RoleUser, "q")
		link(t, g, chat.Root, q.ID)
		afterLink, err := g.GetChat(ctx, chat.ID)
		require.NoError(t, err)
		assert.True(t, afterLink.UpdatedAt.After(chat.UpdatedAt))

		thinking := "hmm"
		_, err = g.FillMessage(ctx, q.ID, "q2", &thinking)
		require.NoError(t, err)
		afterFill, err := g.GetChat(ctx, chat.ID)
		require.NoError(t, err)
		assert.True(t, afterFill.UpdatedAt.After(afterLink.UpdatedAt))

		m, err := g.GetMessage(ctx, q.ID)
		require.NoError(t, err)
		assert.Equal(t, "q2", m.Content)
		require.NotNil(t, m.Thinking)
		assert.Equal(t, "hmm", *m.Thinking)
	})
}

func TestDeleteChatKeepsMessages(t *testing.T) {
	forEachStore(t, func(t *testing.T, g *conversation.Graph) {
		ctx := context.Background()
		chat, err := g.CreateChat(ctx, "", "")
		require.NoError(t, err)
		require.NoError(t, g.Store().PutPreview(ctx, &conversation.Preview{
			ChatID: chat.ID, Text: "A title", UpdatedAt: time.Now(),
		}))

		require.NoError(t, g.DeleteChat(ctx, chat.ID))

		_, err = g.GetChat(ctx, chat.ID)
		assert.True(t, errdefs.IsNotFound(err))
		_, err = g.Store().GetPreview(ctx, chat.ID)
		assert.True(t, errdefs.IsNotFound(err))
		_, err = g.GetMessage(ctx, chat.Root)
		assert.NoError(t, err)

		// once the chat is gone its root can be deleted like any other message
		assert.NoError(t, g.DeleteMessage(ctx, chat.Root))
	})
}

func TestMessagesRoundTripThroughStore(t *testing.T) {
	forEachStore(t, func(t *testing.T, g *conversation.Graph) {
		ctx := context.Background()
		m := conversation.NewMessage(conversation.RoleUser, "look at this",
			conversation.WithAttachments(conversation.Attachment{Name: "cat.png", Path: "/tmp/cat.png", MediaType: "image/png"}),
			conversation.WithThinking("pondering"))
		require.NoError(t, g.CreateMessage(ctx, m))

		got, err := g.GetMessage(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, m.Content, got.Content)
		assert.Equal(t, m.Attachments, got.Attachments)
		require.NotNil(t, got.Thinking)
		assert.Equal(t, "pondering", *got.Thinking)
		assert.True(t, m.CreatedAt.Equal(got.CreatedAt))
	})
}

func TestAncestryAndChatOf(t *testing.T) {
	forEachStore(t, func(t *testing.T, g *conversation.Graph) {
		ctx := context.Background()
		chat, err := g.CreateChat(ctx, "", "")
		require.NoError(t, err)
		q := addMessage(t, g, conversation.RoleUser, "q")
		a := addMessage(t, g, conversation.RoleAssistant, "a")
		link(t, g, chat.Root, q.ID)
		link(t, g, q.ID, a.ID)

		path, err := g.Ancestry(ctx, a.ID)
		require.NoError(t, err)
		require.Len(t, path, 3)
		assert.Equal(t, chat.Root, path[0].ID)
		assert.Equal(t, q.ID, path[1].ID)
		assert.Equal(t, a.ID, path[2].ID)

		got, err := g.ChatOf(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, chat.ID, got.ID)

		loose := addMessage(t, g, conversation.RoleUser, "loose")
		_, err = g.ChatOf(ctx, loose.ID)
		assert.True(t, errdefs.IsNotFound(err))
	})
}
