// Package toolbox holds the executable tools a chat can call. A tool is either built in,
// backed by a Go function, or scripted, backed by a template loaded from YAML.
package toolbox

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/go-go-golems/grove/pkg/errdefs"
	"github.com/iancoleman/strcase"
	"github.com/xeipuuv/gojsonschema"
)

type Kind string

const (
	KindBuiltin  Kind = "builtin"
	KindScripted Kind = "scripted"
)

type Description struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Kind        Kind   `json:"kind"`
}

// Tool is the capability shared by both tool variants. Run receives arguments that were
// already validated against Parameters and returns the text stored as the function result.
type Tool interface {
	Describe() Description
	Parameters() map[string]interface{}
	Run(ctx context.Context, args json.RawMessage) (string, error)
}

// NormalizeName maps any spelling of a tool name to snake_case.
func NormalizeName(name string) string {
	return strcase.ToSnake(strings.TrimSpace(name))
}

// ValidateArguments checks args against the tool's parameter schema.
func ValidateArguments(t Tool, args json.RawMessage) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(t.Parameters()),
		gojsonschema.NewBytesLoader(args),
	)
	if err != nil {
		return errdefs.Config("arguments", err.Error())
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return errdefs.Config("arguments", strings.Join(msgs, "; "))
	}
	return nil
}
