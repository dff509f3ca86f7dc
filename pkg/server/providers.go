package server

import (
	"github.com/gin-gonic/gin"
	"github.com/go-go-golems/grove/pkg/catalog"
	"github.com/go-go-golems/grove/pkg/providers"
)

func (s *Server) listProviders(c *gin.Context) {
	list := s.app.Providers.List()
	ret := make([]*providers.Provider, 0, len(list))
	for _, p := range list {
		ret = append(ret, p.Redacted())
	}
	respondOK(c, ret)
}

func (s *Server) createProvider(c *gin.Context) {
	var p providers.Provider
	if err := bind(c, &p); err != nil {
		respondError(c, err)
		return
	}
	registered, err := s.app.Providers.Register(c.Request.Context(), &p)
	if err != nil {
		respondError(c, err)
		return
	}
	respondCreated(c, registered.Redacted())
}

func (s *Server) updateProvider(c *gin.Context) {
	var p providers.Provider
	if err := bind(c, &p); err != nil {
		respondError(c, err)
		return
	}
	p.ID = c.Param("id")
	updated, err := s.app.Providers.Update(c.Request.Context(), &p)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, updated.Redacted())
}

func (s *Server) deleteProvider(c *gin.Context) {
	if err := s.app.Providers.Unregister(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(204)
}

func (s *Server) listModels(c *gin.Context) {
	models, err := s.app.Catalog.List(catalog.Filter{
		ID:       c.Query("filter"),
		Provider: c.Query("provider"),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, models)
}
