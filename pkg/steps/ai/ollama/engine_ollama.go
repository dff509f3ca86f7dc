package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-go-golems/grove/pkg/conversation"
	"github.com/go-go-golems/grove/pkg/errdefs"
	"github.com/go-go-golems/grove/pkg/helpers"
	"github.com/go-go-golems/grove/pkg/inference/engine"
	"github.com/go-go-golems/grove/pkg/steps/ai/settings"
	"github.com/jmorganca/ollama/api"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultBaseURL = "http://localhost:11434"

// maxLineSize bounds a single NDJSON line.
const maxLineSize = 512 * 1024

// OllamaEngine talks to an ollama server. It streams chat completions and pulls models.
type OllamaEngine struct {
	baseURL    string
	httpClient *http.Client
}

var _ engine.Engine = (*OllamaEngine)(nil)
var _ engine.Puller = (*OllamaEngine)(nil)

func NewOllamaEngine(baseURL string, cs *settings.ClientSettings) *OllamaEngine {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &OllamaEngine{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: cs.Client(),
	}
}

// chatChunk is one line of a streamed /api/chat response.
type chatChunk struct {
	Model   string `json:"model"`
	Message *struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message,omitempty"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

func toOllamaMessages(messages []engine.Message) []api.Message {
	ret := make([]api.Message, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case conversation.RoleFunction:
			ret = append(ret, api.Message{Role: string(conversation.RoleUser), Content: engine.FunctionPrefix + m.Text()})
		case conversation.RoleSystem, conversation.RoleAssistant, conversation.RoleUser:
			ret = append(ret, api.Message{Role: string(m.Role), Content: m.Text()})
		default:
			ret = append(ret, api.Message{Role: string(conversation.RoleUser), Content: m.Text()})
		}
	}
	return ret
}

// post sends body to path and returns the response when the status is 200.
func (e *OllamaEngine) post(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, errdefs.Config("base_url", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, errdefs.Transport(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func(Body io.ReadCloser) {
			_ = Body.Close()
		}(resp.Body)
		statusErr := api.StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxLineSize))
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &errResp) == nil {
			statusErr.ErrorMessage = errResp.Error
		}
		return nil, errdefs.Transport(statusErr)
	}
	return resp, nil
}

func newScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return scanner
}

func (e *OllamaEngine) Stream(ctx context.Context, req engine.Request) (<-chan helpers.Result[string], error) {
	stream := true
	resp, err := e.post(ctx, "/api/chat", &api.ChatRequest{
		Model:    req.Model,
		Messages: toOllamaMessages(req.Messages),
		Stream:   &stream,
	})
	if err != nil {
		log.Error().Err(err).Str("model", req.Model).Msg("Ollama chat request failed")
		return nil, err
	}

	c := make(chan helpers.Result[string])
	go func() {
		defer close(c)
		defer func(Body io.ReadCloser) {
			_ = Body.Close()
		}(resp.Body)

		scanner := newScanner(resp.Body)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk chatChunk
			if err := json.Unmarshal(line, &chunk); err != nil {
				if !engine.SendResult(ctx, c, helpers.NewErrorResult[string](errdefs.Parse(err))) {
					return
				}
				continue
			}
			if chunk.Error != "" {
				engine.SendResult(ctx, c, helpers.NewErrorResult[string](errdefs.Transport(errors.New(chunk.Error))))
				return
			}
			if chunk.Message != nil && chunk.Message.Content != "" {
				if !engine.SendResult(ctx, c, helpers.NewValueResult(chunk.Message.Content)) {
					return
				}
			}
			if chunk.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Ollama stream read failed")
			engine.SendResult(ctx, c, helpers.NewErrorResult[string](errdefs.Transport(err)))
		}
	}()
	return c, nil
}
