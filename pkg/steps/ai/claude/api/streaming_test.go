package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSSEEvent(t *testing.T) {
	var event StreamingEvent
	ok, err := parseSSEEvent([][]byte{
		[]byte("event: content_block_delta\n"),
		[]byte(`data: {"type":"content_block_delta","index":2,"delta":{"type":"text_delta","text":"hi"}}` + "\r\n"),
	}, &event)
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, ContentBlockDeltaType, event.Type)
	assert.Equal(t, 2, event.Index)
	require.NotNil(t, event.Delta)
	assert.Equal(t, "hi", event.Delta.Text)
}

func TestParseSSEEventWithoutData(t *testing.T) {
	var event StreamingEvent
	ok, err := parseSSEEvent([][]byte{[]byte(": keep-alive\n")}, &event)
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestParseSSEEventMalformed(t *testing.T) {
	var event StreamingEvent
	ok, err := parseSSEEvent([][]byte{[]byte("data: {nope\n")}, &event)
	assert.True(t, ok)
	assert.Error(t, err)
}
