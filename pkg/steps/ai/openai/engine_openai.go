package openai

import (
	"context"
	"encoding/json"
	"io"

	"github.com/go-go-golems/grove/pkg/conversation"
	"github.com/go-go-golems/grove/pkg/errdefs"
	"github.com/go-go-golems/grove/pkg/helpers"
	"github.com/go-go-golems/grove/pkg/inference/engine"
	"github.com/go-go-golems/grove/pkg/steps/ai/settings"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
)

// OpenAIEngine streams chat completions from any server speaking the OpenAI chat API.
type OpenAIEngine struct {
	client *go_openai.Client
}

var _ engine.Engine = (*OpenAIEngine)(nil)

func MakeClient(baseURL string, apiKey string, cs *settings.ClientSettings) *go_openai.Client {
	config := go_openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	config.HTTPClient = cs.Client()
	return go_openai.NewClientWithConfig(config)
}

func NewOpenAIEngine(baseURL string, apiKey string, cs *settings.ClientSettings) *OpenAIEngine {
	return &OpenAIEngine{client: MakeClient(baseURL, apiKey, cs)}
}

func messageToOpenAIMessage(m engine.Message) go_openai.ChatCompletionMessage {
	switch m.Role {
	case conversation.RoleSystem:
		return go_openai.ChatCompletionMessage{Role: go_openai.ChatMessageRoleSystem, Content: m.Text()}
	case conversation.RoleAssistant:
		return go_openai.ChatCompletionMessage{Role: go_openai.ChatMessageRoleAssistant, Content: m.Text()}
	case conversation.RoleFunction:
		// the function role requires a function call id the graph does not track
		return go_openai.ChatCompletionMessage{Role: go_openai.ChatMessageRoleUser, Content: engine.FunctionPrefix + m.Text()}
	case conversation.RoleUser:
		return go_openai.ChatCompletionMessage{Role: go_openai.ChatMessageRoleUser, Content: m.Text()}
	default:
		return go_openai.ChatCompletionMessage{Role: go_openai.ChatMessageRoleUser, Content: m.Text()}
	}
}

func makeCompletionRequest(req engine.Request) go_openai.ChatCompletionRequest {
	msgs := make([]go_openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, messageToOpenAIMessage(m))
	}
	return go_openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   true,
	}
}

// isMalformedChunk reports whether err comes from decoding a single SSE data line.
func isMalformedChunk(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

func (e *OpenAIEngine) Stream(ctx context.Context, req engine.Request) (<-chan helpers.Result[string], error) {
	stream, err := e.client.CreateChatCompletionStream(ctx, makeCompletionRequest(req))
	if err != nil {
		log.Error().Err(err).Str("model", req.Model).Msg("OpenAI streaming request failed")
		return nil, errdefs.Transport(err)
	}

	c := make(chan helpers.Result[string])
	go func() {
		defer close(c)
		defer stream.Close()

		chunkCount := 0
		for {
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				log.Debug().Int("chunks_received", chunkCount).Msg("OpenAI stream completed")
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if isMalformedChunk(err) {
					if !engine.SendResult(ctx, c, helpers.NewErrorResult[string](errdefs.Parse(err))) {
						return
					}
					continue
				}
				log.Error().Err(err).Int("chunks_received", chunkCount).Msg("OpenAI stream receive failed")
				engine.SendResult(ctx, c, helpers.NewErrorResult[string](errdefs.Transport(err)))
				return
			}
			chunkCount++

			delta := ""
			for _, choice := range response.Choices {
				delta += choice.Delta.Content
			}
			if delta == "" {
				continue
			}
			if !engine.SendResult(ctx, c, helpers.NewValueResult(delta)) {
				return
			}
		}
	}()
	return c, nil
}
