package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-go-golems/grove/pkg/conversation"
	"github.com/go-go-golems/grove/pkg/inference/engine"
	"github.com/pkg/errors"
)

type streamGenerationRequest struct {
	Provider string           `json:"provider"`
	Model    string           `json:"model"`
	Messages []engine.Message `json:"messages"`
}

// streamGeneration runs a generation that is not attached to any chat.
func (s *Server) streamGeneration(c *gin.Context) {
	var req streamGenerationRequest
	if err := bind(c, &req); err != nil {
		respondError(c, err)
		return
	}
	for i, m := range req.Messages {
		role, err := conversation.ParseRole(string(m.Role))
		if err != nil {
			respondError(c, badRequest(errors.Wrapf(err, "message %d", i)))
			return
		}
		req.Messages[i].Role = role
	}
	ch, err := s.app.Router.Stream(c.Request.Context(), req.Provider, req.Model, req.Messages)
	if err != nil {
		respondError(c, err)
		return
	}
	streamEvents(c, ch)
}

func (s *Server) listGenerations(c *gin.Context) {
	respondOK(c, s.app.Chat.ListGenerations())
}

// jobID strips the leading slash of a catch-all parameter.
func jobID(c *gin.Context, name string) string {
	return strings.TrimPrefix(c.Param(name), "/")
}

func (s *Server) watchGeneration(c *gin.Context) {
	ch, err := s.app.Chat.Watch(c.Request.Context(), jobID(c, "id"))
	if err != nil {
		respondError(c, err)
		return
	}
	streamEvents(c, ch)
}

func (s *Server) cancelGeneration(c *gin.Context) {
	st, err := s.app.Chat.CancelGeneration(jobID(c, "id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, st)
}

type pullRequest struct {
	Provider string `json:"provider" binding:"required"`
	Model    string `json:"model" binding:"required"`
}

func (s *Server) streamPull(c *gin.Context) {
	var req pullRequest
	if err := bind(c, &req); err != nil {
		respondError(c, err)
		return
	}
	st, ch, err := s.app.Downloads.PullAndWatch(c.Request.Context(), req.Provider, req.Model)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("X-Job-ID", st.JobID)
	streamEvents(c, ch)
}

func (s *Server) listPulls(c *gin.Context) {
	respondOK(c, s.app.Downloads.List())
}

func (s *Server) cancelPull(c *gin.Context) {
	st, err := s.app.Downloads.Cancel(c.Param("provider"), jobID(c, "target"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, st)
}
