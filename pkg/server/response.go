package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-go-golems/grove/pkg/errdefs"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// requestError marks malformed requests: bad ids, undecodable bodies.
type requestError struct {
	err error
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func badRequest(err error) error {
	return &requestError{err: err}
}

func statusOf(err error) (int, string) {
	var re *requestError
	if errors.As(err, &re) {
		return http.StatusBadRequest, "bad_request"
	}
	code := errdefs.Code(err)
	switch code {
	case "not_found":
		return http.StatusNotFound, code
	case "config":
		return http.StatusUnprocessableEntity, code
	case "conflict":
		return http.StatusConflict, code
	case "transport", "parse":
		return http.StatusBadGateway, code
	default:
		return http.StatusInternalServerError, code
	}
}

func respondError(c *gin.Context, err error) {
	status, code := statusOf(err)
	ev := log.Ctx(c.Request.Context()).Debug()
	if status >= http.StatusInternalServerError {
		ev = log.Ctx(c.Request.Context()).Error()
	}
	ev.Err(err).Int("status", status).Str("code", code).Msg("request failed")

	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.AbortWithStatusJSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

func respondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

func respondCreated(c *gin.Context, payload any) {
	c.JSON(http.StatusCreated, payload)
}
