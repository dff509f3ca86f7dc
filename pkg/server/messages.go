package server

import (
	"encoding/json"
	"io"

	"github.com/gin-gonic/gin"
	"github.com/go-go-golems/grove/pkg/conversation"
	"github.com/pkg/errors"
)

type createRelationshipRequest struct {
	Parent string  `json:"parent" binding:"required"`
	Child  string  `json:"child" binding:"required"`
	Index  *uint32 `json:"index"`
	Reason string  `json:"reason"`
}

func (s *Server) createRelationship(c *gin.Context) {
	var req createRelationshipRequest
	if err := bind(c, &req); err != nil {
		respondError(c, err)
		return
	}
	parent, err := conversation.ParseNodeID(req.Parent)
	if err != nil {
		respondError(c, badRequest(err))
		return
	}
	child, err := conversation.ParseNodeID(req.Child)
	if err != nil {
		respondError(c, badRequest(err))
		return
	}
	options := []conversation.RelationshipOption{conversation.WithReason(req.Reason)}
	if req.Index != nil {
		options = append(options, conversation.WithIndex(*req.Index))
	}
	r, err := s.app.Graph.CreateRelationship(c.Request.Context(), parent, child, options...)
	if err != nil {
		respondError(c, err)
		return
	}
	respondCreated(c, r)
}

func (s *Server) getMessage(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	m, err := s.app.Graph.GetMessage(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, m)
}

func (s *Server) getChildren(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	children, err := s.app.Graph.ChildrenOf(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, children)
}

func (s *Server) deleteMessage(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	if err := s.app.Graph.DeleteMessage(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(204)
}

type editMessageRequest struct {
	Content string `json:"content"`
	// Replace swaps the message in place instead of adding an edited sibling.
	Replace bool `json:"replace"`
}

func (s *Server) editMessage(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	var req editMessageRequest
	if err := bind(c, &req); err != nil {
		respondError(c, err)
		return
	}
	edit := s.app.Chat.EditMessage
	if req.Replace {
		edit = s.app.Chat.ReplaceMessage
	}
	m, r, err := edit(c.Request.Context(), id, req.Content)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, appendMessageResponse{Message: m, Relationship: r})
}

type regenerateRequest struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (s *Server) regenerate(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	var req regenerateRequest
	if err := bind(c, &req); err != nil {
		respondError(c, err)
		return
	}
	gen, ch, err := s.app.Chat.RegenerateAndWatch(c.Request.Context(), id, req.Provider, req.Model)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("X-Generation-ID", gen.ID)
	c.Header("X-Message-ID", gen.MessageID.String())
	streamEvents(c, ch)
}

func (s *Server) runTool(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		respondError(c, badRequest(err))
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		respondError(c, badRequest(errors.New("tool arguments must be a JSON object")))
		return
	}
	m, err := s.app.Chat.RunTool(c.Request.Context(), id, c.Param("name"), body)
	if err != nil {
		respondError(c, err)
		return
	}
	respondCreated(c, m)
}

func (s *Server) listTools(c *gin.Context) {
	respondOK(c, s.app.Tools.List())
}
