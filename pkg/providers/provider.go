package providers

import (
	"strings"

	"github.com/go-go-golems/grove/pkg/errdefs"
	"github.com/go-go-golems/grove/pkg/inference/router"
	"github.com/go-go-golems/grove/pkg/steps/ai/local"
	"github.com/go-go-golems/grove/pkg/steps/ai/types"
	"github.com/huandu/go-clone"
	"github.com/rs/zerolog"
)

type Kind string

const (
	KindRemote Kind = "remote"
	KindLocal  Kind = "local"
)

// Provider is a configured backend. Remote providers speak the wire protocol named by
// APIType; local providers are served in-process and need neither URL nor key.
type Provider struct {
	ID      string        `json:"id" yaml:"id" mapstructure:"id"`
	Name    string        `json:"name" yaml:"name" mapstructure:"name"`
	BaseURL string        `json:"base_url,omitempty" yaml:"base_url,omitempty" mapstructure:"base_url"`
	APIKey  string        `json:"api_key,omitempty" yaml:"api_key,omitempty" mapstructure:"api_key"`
	Kind    Kind          `json:"kind" yaml:"kind" mapstructure:"kind"`
	APIType types.ApiType `json:"api_type,omitempty" yaml:"api_type,omitempty" mapstructure:"api_type"`
}

func (p *Provider) Clone() *Provider {
	return clone.Clone(p).(*Provider)
}

// Redacted returns a copy safe to hand out over the API.
func (p *Provider) Redacted() *Provider {
	ret := p.Clone()
	if ret.APIKey != "" {
		ret.APIKey = "***"
	}
	return ret
}

func (p *Provider) MarshalZerologObject(e *zerolog.Event) {
	e.Str("id", p.ID)
	e.Str("kind", string(p.Kind))
	if p.APIType != "" {
		e.Str("api_type", string(p.APIType))
	}
	if p.BaseURL != "" {
		e.Str("base_url", p.BaseURL)
	}
	e.Bool("has_api_key", p.APIKey != "")
}

var _ zerolog.LogObjectMarshaler = (*Provider)(nil)

// Normalize fills defaults and checks the record. The kind is derived from the id when
// absent; an explicit kind must agree with the id prefix.
func (p *Provider) Normalize() error {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return errdefs.Config("id", "provider id is empty")
	}
	// ids are the first segment of pull keys and route paths
	if strings.Contains(p.ID, "/") {
		return errdefs.Config("id", "provider id must not contain /")
	}
	isLocal := router.IsLocal(p.ID)
	switch p.Kind {
	case "":
		if isLocal {
			p.Kind = KindLocal
		} else {
			p.Kind = KindRemote
		}
	case KindLocal:
		if !isLocal {
			return errdefs.Config("kind", "local provider id must start with "+router.LocalPrefix)
		}
	case KindRemote:
		if isLocal {
			return errdefs.Config("kind", "remote provider id must not start with "+router.LocalPrefix)
		}
	default:
		return errdefs.Config("kind", "unknown provider kind "+string(p.Kind))
	}
	if p.Name == "" {
		p.Name = p.ID
	}

	if p.Kind == KindLocal {
		for _, id := range local.IDs {
			if id == p.ID {
				p.APIType = ""
				return nil
			}
		}
		return errdefs.Config("id", "unknown local engine "+p.ID)
	}

	apiType, err := types.ParseApiType(string(p.APIType))
	if err != nil {
		return err
	}
	p.APIType = apiType
	if p.BaseURL == "" && apiType == types.ApiTypeOpenAI {
		return errdefs.Config("base_url", "openai provider "+p.ID+" needs a base url")
	}
	return nil
}
