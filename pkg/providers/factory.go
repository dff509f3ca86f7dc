package providers

import (
	"time"

	"github.com/go-go-golems/grove/pkg/errdefs"
	"github.com/go-go-golems/grove/pkg/inference/engine"
	"github.com/go-go-golems/grove/pkg/steps/ai/claude"
	"github.com/go-go-golems/grove/pkg/steps/ai/local"
	"github.com/go-go-golems/grove/pkg/steps/ai/ollama"
	"github.com/go-go-golems/grove/pkg/steps/ai/openai"
	"github.com/go-go-golems/grove/pkg/steps/ai/settings"
	"github.com/go-go-golems/grove/pkg/steps/ai/types"
	"github.com/go-go-golems/grove/pkg/steps/parse"
)

// EngineFactory builds the engine serving a normalized provider.
type EngineFactory interface {
	NewEngine(p *Provider) (engine.Engine, error)
}

type EngineFactoryFunc func(p *Provider) (engine.Engine, error)

func (f EngineFactoryFunc) NewEngine(p *Provider) (engine.Engine, error) {
	return f(p)
}

// StandardFactory builds the engines shipped with grove.
type StandardFactory struct {
	Client       *settings.ClientSettings
	Splitter     *parse.ThinkingSplitter
	CannedScript local.Script
	EchoDelay    time.Duration
}

var _ EngineFactory = (*StandardFactory)(nil)

func NewStandardFactory(cs *settings.ClientSettings, splitter *parse.ThinkingSplitter) *StandardFactory {
	if cs == nil {
		cs = settings.NewClientSettings()
	}
	if splitter == nil {
		splitter = parse.NewThinkingSplitter("", "")
	}
	return &StandardFactory{
		Client:       cs,
		Splitter:     splitter,
		CannedScript: local.DefaultScript(),
	}
}

func (f *StandardFactory) NewEngine(p *Provider) (engine.Engine, error) {
	if p.Kind == KindLocal {
		switch p.ID {
		case local.EchoID:
			return local.NewEchoEngine(f.EchoDelay), nil
		case local.CannedID:
			return local.NewCannedEngine(f.CannedScript), nil
		default:
			return nil, errdefs.Config("id", "unknown local engine "+p.ID)
		}
	}

	switch p.APIType {
	case types.ApiTypeOpenAI:
		return openai.NewOpenAIEngine(p.BaseURL, p.APIKey, f.Client), nil
	case types.ApiTypeClaude:
		return claude.NewClaudeEngine(p.BaseURL, p.APIKey, f.Client, claude.WithSplitter(f.Splitter)), nil
	case types.ApiTypeOllama:
		return ollama.NewOllamaEngine(p.BaseURL, f.Client), nil
	default:
		return nil, errdefs.Config("api_type", "unsupported api type "+string(p.APIType))
	}
}
