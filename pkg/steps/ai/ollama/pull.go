package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/go-go-golems/grove/pkg/errdefs"
	"github.com/go-go-golems/grove/pkg/inference/engine"
	"github.com/go-go-golems/grove/pkg/pull"
	"github.com/jmorganca/ollama/api"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// statusSuccess is the status of the last line of a completed pull.
const statusSuccess = "success"

// Pull downloads model onto the server, reporting every progress line through emit. The
// success line is emitted as the Done frame. Lines that cannot be decoded are skipped.
func (e *OllamaEngine) Pull(ctx context.Context, model string, emit func(pull.Frame[engine.ModelProgress]) error) error {
	// the server streams progress unless told otherwise
	resp, err := e.post(ctx, "/api/pull", &api.PullRequest{Name: model})
	if err != nil {
		return err
	}
	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(resp.Body)

	scanner := newScanner(resp.Body)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var progress struct {
			api.ProgressResponse
			Error string `json:"error,omitempty"`
		}
		if err := json.Unmarshal(line, &progress); err != nil {
			log.Debug().Err(err).Str("model", model).Msg("Skipping malformed pull progress line")
			continue
		}
		if progress.Error != "" {
			return errdefs.Transport(errors.New(progress.Error))
		}

		frame := pull.Frame[engine.ModelProgress]{
			Item: engine.ModelProgress{
				Status: progress.Status,
				Digest: progress.Digest,
			},
			Total:     int64(progress.Total),
			Completed: int64(progress.Completed),
			Done:      progress.Status == statusSuccess,
		}
		if err := emit(frame); err != nil {
			return err
		}
		if frame.Done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errdefs.Transport(err)
	}
	return nil
}

// Transfer binds Pull to model for use with a pull.Engine.
func (e *OllamaEngine) Transfer(model string) pull.Transfer[engine.ModelProgress] {
	return func(ctx context.Context, emit func(pull.Frame[engine.ModelProgress]) error) error {
		return e.Pull(ctx, model, emit)
	}
}
