package server

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-go-golems/grove/pkg/chat"
	"github.com/go-go-golems/grove/pkg/conversation"
	"github.com/go-go-golems/grove/pkg/errdefs"
	"github.com/pkg/errors"
)

func idParam(c *gin.Context, name string) (conversation.NodeID, error) {
	id, err := conversation.ParseNodeID(c.Param(name))
	if err != nil {
		return conversation.NullNode, badRequest(err)
	}
	return id, nil
}

func bind(c *gin.Context, v interface{}) error {
	if err := c.ShouldBindJSON(v); err != nil {
		return badRequest(errors.Wrap(err, "invalid request body"))
	}
	return nil
}

type createChatRequest struct {
	PreviewProvider string `json:"preview_provider"`
	PreviewModel    string `json:"preview_model"`
}

func (s *Server) createChat(c *gin.Context) {
	var req createChatRequest
	if c.Request.ContentLength != 0 {
		if err := bind(c, &req); err != nil {
			respondError(c, err)
			return
		}
	}
	ch, err := s.app.Chat.CreateChat(c.Request.Context(), req.PreviewProvider, req.PreviewModel)
	if err != nil {
		respondError(c, err)
		return
	}
	respondCreated(c, ch)
}

func (s *Server) listChats(c *gin.Context) {
	chats, err := s.app.Chat.ListChats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, chats)
}

func (s *Server) getChat(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	ch, err := s.app.Graph.GetChat(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, ch)
}

func (s *Server) deleteChat(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	if err := s.app.Chat.DeleteChat(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(204)
}

// ParseSelection parses "msg:idx,msg:idx" into a branch selection.
func ParseSelection(s string) (conversation.BranchSelection, error) {
	ret := conversation.BranchSelection{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		msg, idx, ok := strings.Cut(part, ":")
		if !ok {
			return nil, badRequest(errors.Errorf("invalid selection %q, expected message:index", part))
		}
		id, err := conversation.ParseNodeID(msg)
		if err != nil {
			return nil, badRequest(err)
		}
		n, err := strconv.ParseUint(idx, 10, 32)
		if err != nil {
			return nil, badRequest(errors.Wrapf(err, "invalid index in %q", part))
		}
		ret[id] = uint32(n)
	}
	return ret, nil
}

func (s *Server) getThread(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	selection, err := ParseSelection(c.Query("select"))
	if err != nil {
		respondError(c, err)
		return
	}
	thread, err := s.app.Graph.Thread(c.Request.Context(), id, selection)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, thread)
}

// leafOrParent returns the requested parent after checking it belongs to the chat, or the
// last message of the chat's default thread.
func (s *Server) leafOrParent(c *gin.Context, chatID conversation.NodeID, parent string) (conversation.NodeID, error) {
	ctx := c.Request.Context()
	if parent == "" {
		thread, err := s.app.Graph.Thread(ctx, chatID, nil)
		if err != nil {
			return conversation.NullNode, err
		}
		return thread[len(thread)-1].ID, nil
	}
	id, err := conversation.ParseNodeID(parent)
	if err != nil {
		return conversation.NullNode, badRequest(err)
	}
	owner, err := s.app.Graph.ChatOf(ctx, id)
	if err != nil {
		return conversation.NullNode, err
	}
	if owner.ID != chatID {
		return conversation.NullNode, errdefs.NotFound("message in chat "+chatID.String(), id)
	}
	return id, nil
}

type appendMessageRequest struct {
	Parent      string                    `json:"parent"`
	Role        string                    `json:"role"`
	Content     string                    `json:"content"`
	Attachments []conversation.Attachment `json:"attachments"`
}

type appendMessageResponse struct {
	Message      *conversation.Message      `json:"message"`
	Relationship *conversation.Relationship `json:"relationship"`
}

func (s *Server) appendMessage(c *gin.Context) {
	chatID, err := idParam(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	var req appendMessageRequest
	if err := bind(c, &req); err != nil {
		respondError(c, err)
		return
	}
	if req.Role == "" {
		req.Role = string(conversation.RoleUser)
	}
	role, err := conversation.ParseRole(req.Role)
	if err != nil {
		respondError(c, badRequest(err))
		return
	}
	parent, err := s.leafOrParent(c, chatID, req.Parent)
	if err != nil {
		respondError(c, err)
		return
	}
	m, r, err := s.app.Chat.AppendMessage(c.Request.Context(), parent, role, req.Content, req.Attachments)
	if err != nil {
		respondError(c, err)
		return
	}
	respondCreated(c, appendMessageResponse{Message: m, Relationship: r})
}

type generateRequest struct {
	Parent   string `json:"parent"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (s *Server) generate(c *gin.Context) {
	chatID, err := idParam(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	var req generateRequest
	if err := bind(c, &req); err != nil {
		respondError(c, err)
		return
	}
	parent, err := s.leafOrParent(c, chatID, req.Parent)
	if err != nil {
		respondError(c, err)
		return
	}
	gen, ch, err := s.app.Chat.GenerateAndWatch(c.Request.Context(), chat.GenerateRequest{
		Parent:   parent,
		Provider: req.Provider,
		Model:    req.Model,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("X-Generation-ID", gen.ID)
	c.Header("X-Message-ID", gen.MessageID.String())
	streamEvents(c, ch)
}

func (s *Server) getPreview(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	p, err := s.app.Previews.EnsurePreview(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, p)
}

func (s *Server) listPreviews(c *gin.Context) {
	previews, err := s.app.Previews.ListAll(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, previews)
}
