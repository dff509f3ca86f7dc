package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-go-golems/grove/pkg/conversation"
	"github.com/go-go-golems/grove/pkg/errdefs"
	"github.com/go-go-golems/grove/pkg/helpers"
	"github.com/go-go-golems/grove/pkg/inference/engine"
	"github.com/go-go-golems/grove/pkg/steps/ai/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunk(content string) string {
	return fmt.Sprintf(`data: {"id":"c1","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"content":%q}}]}`+"\n\n", content)
}

func newServer(t *testing.T, lines ...string) (*httptest.Server, *[]map[string]interface{}) {
	var received []map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		received = append(received, body)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range lines {
			_, _ = fmt.Fprint(w, l)
			w.(http.Flusher).Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &received
}

func request() engine.Request {
	return engine.Request{
		Model: "gpt-test",
		Messages: []engine.Message{
			{Role: conversation.RoleSystem, Content: "be brief"},
			{Role: conversation.RoleUser, Content: "hi"},
			{Role: conversation.RoleFunction, Content: `{"temp": 21}`},
		},
	}
}

func TestStreamDeltas(t *testing.T) {
	srv, received := newServer(t, chunk("Hel"), chunk("lo"), "data: [DONE]\n\n")
	e := NewOpenAIEngine(srv.URL+"/v1", "sk-test", settings.NewClientSettings())

	ch, err := e.Stream(context.Background(), request())
	require.NoError(t, err)
	values, err := helpers.Collect(ch)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, values)

	require.Len(t, *received, 1)
	msgs := (*received)[0]["messages"].([]interface{})
	require.Len(t, msgs, 3)
	last := msgs[2].(map[string]interface{})
	assert.Equal(t, "user", last["role"])
	assert.Equal(t, engine.FunctionPrefix+`{"temp": 21}`, last["content"])
	assert.Equal(t, true, (*received)[0]["stream"])
}

func TestStreamSkipsMalformedChunk(t *testing.T) {
	srv, _ := newServer(t, chunk("a"), "data: {not json\n\n", chunk("b"))
	e := NewOpenAIEngine(srv.URL+"/v1", "sk-test", settings.NewClientSettings())

	ch, err := e.Stream(context.Background(), request())
	require.NoError(t, err)

	var values []string
	var parseErrors int
	for r := range ch {
		v, err := r.Value()
		if err != nil {
			require.True(t, errdefs.IsParse(err), err.Error())
			parseErrors++
			continue
		}
		values = append(values, v)
	}
	assert.Equal(t, []string{"a", "b"}, values)
	assert.Equal(t, 1, parseErrors)
}

func TestStreamRejectedRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = fmt.Fprint(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	e := NewOpenAIEngine(srv.URL+"/v1", "sk-test", settings.NewClientSettings())
	_, err := e.Stream(context.Background(), request())
	require.Error(t, err)
	assert.True(t, errdefs.IsTransport(err))
}
