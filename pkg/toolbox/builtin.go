package toolbox

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-go-golems/grove/pkg/helpers"
	"github.com/pkg/errors"
)

// BuiltinTool wraps a Go function taking a struct of arguments.
type BuiltinTool[In any] struct {
	name        string
	description string
	parameters  map[string]interface{}
	fn          func(ctx context.Context, in In) (interface{}, error)
}

var _ Tool = (*BuiltinTool[struct{}])(nil)

// NewBuiltinTool reflects the parameter schema from In.
func NewBuiltinTool[In any](name string, description string, fn func(ctx context.Context, in In) (interface{}, error)) (*BuiltinTool[In], error) {
	var zero In
	params, err := helpers.ReflectParameters(nil, &zero)
	if err != nil {
		return nil, errors.Wrapf(err, "could not reflect parameters of %s", name)
	}
	return &BuiltinTool[In]{
		name:        NormalizeName(name),
		description: description,
		parameters:  params,
		fn:          fn,
	}, nil
}

func (t *BuiltinTool[In]) Describe() Description {
	return Description{Name: t.name, Description: t.description, Kind: KindBuiltin}
}

func (t *BuiltinTool[In]) Parameters() map[string]interface{} {
	return t.parameters
}

func (t *BuiltinTool[In]) Run(ctx context.Context, args json.RawMessage) (string, error) {
	in, err := helpers.DecodeArguments[In](args)
	if err != nil {
		return "", err
	}
	out, err := t.fn(ctx, in)
	if err != nil {
		return "", err
	}
	if s, ok := out.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", errors.Wrapf(err, "could not encode result of %s", t.name)
	}
	return string(b), nil
}

type CurrentTimeArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA timezone name, defaults to UTC"`
}

type WordCountArgs struct {
	Text string `json:"text" jsonschema:"description=Text to count the words of"`
}

type WordCountResult struct {
	Words      int `json:"words"`
	Characters int `json:"characters"`
}

// Builtins returns the tools compiled into grove. now is injectable for tests.
func Builtins(now func() time.Time) ([]Tool, error) {
	if now == nil {
		now = time.Now
	}
	currentTime, err := NewBuiltinTool("current_time", "Returns the current time in RFC 3339 format.",
		func(_ context.Context, in CurrentTimeArgs) (interface{}, error) {
			loc := time.UTC
			if in.Timezone != "" {
				l, err := time.LoadLocation(in.Timezone)
				if err != nil {
					return nil, errors.Wrapf(err, "unknown timezone %s", in.Timezone)
				}
				loc = l
			}
			return now().In(loc).Format(time.RFC3339), nil
		})
	if err != nil {
		return nil, err
	}

	wordCount, err := NewBuiltinTool("wordCount", "Counts the words and characters of a text.",
		func(_ context.Context, in WordCountArgs) (interface{}, error) {
			return WordCountResult{
				Words:      len(strings.Fields(in.Text)),
				Characters: len([]rune(in.Text)),
			}, nil
		})
	if err != nil {
		return nil, err
	}

	return []Tool{currentTime, wordCount}, nil
}
