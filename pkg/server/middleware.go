package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-go-golems/grove/pkg/helpers"
	"github.com/rs/zerolog/log"
)

const RequestIDHeader = "X-Request-ID"

// requestContext tags every request with an id, taken from the X-Request-ID header when
// present, and stores a logger carrying it in the request context.
func requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = helpers.NewCorrelationID()
		}
		c.Header(RequestIDHeader, id)

		ctx := helpers.ContextWithCorrelationID(c.Request.Context(), id)
		logger := log.With().Str("request_id", id).Logger()
		c.Request = c.Request.WithContext(logger.WithContext(ctx))
		c.Next()
	}
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Ctx(c.Request.Context()).Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}
