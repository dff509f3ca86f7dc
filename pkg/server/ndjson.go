package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-go-golems/grove/pkg/events"
	"github.com/rs/zerolog/log"
)

const ndjsonContentType = "application/x-ndjson"

// streamEvents writes one JSON object per line until the terminal event or until ch
// closes. Every line is flushed as soon as it is written.
func streamEvents(c *gin.Context, ch <-chan events.Event) {
	c.Header("Content-Type", ndjsonContentType)
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.Stream(func(w io.Writer) bool {
		e, ok := <-ch
		if !ok {
			return false
		}
		b, err := json.Marshal(e)
		if err != nil {
			log.Ctx(c.Request.Context()).Warn().Err(err).Str("type", string(e.Type())).Msg("could not encode event")
			return true
		}
		if _, err := w.Write(append(b, '\n')); err != nil {
			return false
		}
		return !events.IsTerminal(e)
	})
}
