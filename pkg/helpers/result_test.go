package helpers

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultValueOr(t *testing.T) {
	assert.Equal(t, 3, NewValueResult(3).ValueOr(7))
	assert.Equal(t, 7, NewErrorResult[int](errors.New("boom")).ValueOr(7))
	assert.False(t, NewErrorResult[int](errors.New("boom")).Ok())
}

func TestCollectStopsAtError(t *testing.T) {
	ch := make(chan Result[string], 4)
	ch <- NewValueResult("a")
	ch <- NewValueResult("b")
	ch <- NewErrorResult[string](errors.New("broken"))
	ch <- NewValueResult("c")
	close(ch)

	values, err := Collect(ch)
	require.Error(t, err)
	assert.Equal(t, []string{"a", "b"}, values)
}
