package toolbox

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/go-go-golems/grove/pkg/errdefs"
	"github.com/rs/zerolog/log"
)

// Toolbox is the set of tools available to chats, keyed by normalized name.
type Toolbox struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewToolbox(tools ...Tool) (*Toolbox, error) {
	tb := &Toolbox{tools: map[string]Tool{}}
	for _, t := range tools {
		if err := tb.Register(t); err != nil {
			return nil, err
		}
	}
	return tb, nil
}

func (tb *Toolbox) Register(t Tool) error {
	name := t.Describe().Name
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if _, ok := tb.tools[name]; ok {
		return errdefs.Conflict("tool %s is already registered", name)
	}
	tb.tools[name] = t
	return nil
}

func (tb *Toolbox) Get(name string) (Tool, error) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	t, ok := tb.tools[NormalizeName(name)]
	if !ok {
		return nil, errdefs.NotFoundf("tool", name)
	}
	return t, nil
}

type Listing struct {
	Description
	Parameters map[string]interface{} `json:"parameters"`
}

func (tb *Toolbox) List() []Listing {
	tb.mu.RLock()
	ret := make([]Listing, 0, len(tb.tools))
	for _, t := range tb.tools {
		ret = append(ret, Listing{Description: t.Describe(), Parameters: t.Parameters()})
	}
	tb.mu.RUnlock()
	sort.Slice(ret, func(i, j int) bool { return ret[i].Name < ret[j].Name })
	return ret
}

// Execute validates args and runs the named tool.
func (tb *Toolbox) Execute(ctx context.Context, name string, args json.RawMessage) (string, error) {
	t, err := tb.Get(name)
	if err != nil {
		return "", err
	}
	if err := ValidateArguments(t, args); err != nil {
		return "", err
	}
	out, err := t.Run(ctx, args)
	if err != nil {
		log.Warn().Err(err).Str("tool", t.Describe().Name).Msg("tool failed")
		return "", err
	}
	log.Debug().Str("tool", t.Describe().Name).Int("result_len", len(out)).Msg("tool ran")
	return out, nil
}
