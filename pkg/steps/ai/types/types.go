package types

import (
	"strings"

	"github.com/go-go-golems/grove/pkg/errdefs"
)

// ApiType selects the wire protocol of a remote provider.
type ApiType string

const (
	ApiTypeOpenAI ApiType = "openai"
	ApiTypeClaude ApiType = "claude"
	ApiTypeOllama ApiType = "ollama"
)

// ParseApiType defaults to openai, which most compatible servers speak.
func ParseApiType(s string) (ApiType, error) {
	switch ApiType(strings.ToLower(strings.TrimSpace(s))) {
	case "", ApiTypeOpenAI:
		return ApiTypeOpenAI, nil
	case ApiTypeClaude:
		return ApiTypeClaude, nil
	case ApiTypeOllama:
		return ApiTypeOllama, nil
	default:
		return "", errdefs.Config("api_type", "unsupported api type "+s)
	}
}
