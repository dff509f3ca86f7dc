// Package server exposes grove over HTTP. Streaming endpoints answer with NDJSON: one
// event object per line, the connection ends after the terminal event.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-go-golems/grove/pkg/appctx"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type Server struct {
	app    *appctx.App
	router *gin.Engine
}

func NewServer(app *appctx.App) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{app: app}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestContext(), accessLog())

	router.GET("/healthcheck", s.healthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// chats
	router.POST("/chats", s.createChat)
	router.GET("/chats", s.listChats)
	router.GET("/chats/:id", s.getChat)
	router.DELETE("/chats/:id", s.deleteChat)
	router.GET("/chats/:id/thread", s.getThread)
	router.POST("/chats/:id/messages", s.appendMessage)
	router.POST("/chats/:id/generate", s.generate)
	router.GET("/chats/:id/preview", s.getPreview)
	router.GET("/previews", s.listPreviews)

	// graph
	router.POST("/relationships", s.createRelationship)
	router.GET("/messages/:id", s.getMessage)
	router.GET("/messages/:id/children", s.getChildren)
	router.DELETE("/messages/:id", s.deleteMessage)
	router.PUT("/messages/:id", s.editMessage)
	router.POST("/messages/:id/regenerate", s.regenerate)
	router.POST("/messages/:id/tools/:name", s.runTool)

	// jobs
	router.POST("/generate", s.streamGeneration)
	router.GET("/generations", s.listGenerations)
	router.GET("/jobs/generation/*id", s.watchGeneration)
	router.DELETE("/jobs/generation/*id", s.cancelGeneration)
	router.POST("/pull", s.streamPull)
	router.GET("/pulls", s.listPulls)
	router.DELETE("/pulls/:provider/*target", s.cancelPull)

	// configuration
	router.GET("/providers", s.listProviders)
	router.POST("/providers", s.createProvider)
	router.PUT("/providers/:id", s.updateProvider)
	router.DELETE("/providers/:id", s.deleteProvider)
	router.GET("/models", s.listModels)
	router.GET("/tools", s.listTools)

	return router
}

func (s *Server) healthCheck(c *gin.Context) {
	respondOK(c, gin.H{"status": "ok"})
}

// Run serves on addr until ctx is done, then drains open requests for up to ten seconds.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info().Msg("shutting down http server")
	return srv.Shutdown(shutdownCtx)
}
