package providers

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-go-golems/grove/pkg/errdefs"
	"github.com/go-go-golems/grove/pkg/inference/engine"
	"github.com/go-go-golems/grove/pkg/steps/ai/local"
	"github.com/go-go-golems/grove/pkg/steps/ai/ollama"
	"github.com/go-go-golems/grove/pkg/steps/ai/openai"
	"github.com/go-go-golems/grove/pkg/steps/ai/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		provider Provider
		kind     Kind
		apiType  types.ApiType
		wantErr  bool
	}{
		{name: "local derived", provider: Provider{ID: "local:echo"}, kind: KindLocal},
		{name: "remote default openai", provider: Provider{ID: "oa", BaseURL: "http://x/v1"}, kind: KindRemote, apiType: types.ApiTypeOpenAI},
		{name: "claude without url", provider: Provider{ID: "c", APIType: "claude"}, kind: KindRemote, apiType: types.ApiTypeClaude},
		{name: "openai without url", provider: Provider{ID: "oa"}, wantErr: true},
		{name: "local kind without prefix", provider: Provider{ID: "echo", Kind: KindLocal}, wantErr: true},
		{name: "remote kind with prefix", provider: Provider{ID: "local:echo", Kind: KindRemote}, wantErr: true},
		{name: "unknown local engine", provider: Provider{ID: "local:gpu"}, wantErr: true},
		{name: "unknown api type", provider: Provider{ID: "x", APIType: "grpc"}, wantErr: true},
		{name: "empty id", provider: Provider{}, wantErr: true},
		{name: "slash in id", provider: Provider{ID: "team/oa", BaseURL: "http://x/v1"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.provider
			err := p.Normalize()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errdefs.IsConfig(err), err.Error())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, p.Kind)
			assert.Equal(t, tt.apiType, p.APIType)
			assert.Equal(t, p.ID, p.Name)
		})
	}
}

func TestRegistryResolve(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(NewStandardFactory(nil, nil), nil)

	_, err := r.Register(ctx, &Provider{ID: "local:echo"})
	require.NoError(t, err)
	_, err = r.Register(ctx, &Provider{ID: "oa", BaseURL: "http://localhost:1/v1", APIKey: "secret"})
	require.NoError(t, err)
	_, err = r.Register(ctx, &Provider{ID: "ol", APIType: types.ApiTypeOllama})
	require.NoError(t, err)

	eng, err := r.Resolve("local:echo")
	require.NoError(t, err)
	assert.IsType(t, &local.EchoEngine{}, eng)

	eng, err = r.Resolve("oa")
	require.NoError(t, err)
	assert.IsType(t, &openai.OpenAIEngine{}, eng)

	puller, err := r.Puller("ol")
	require.NoError(t, err)
	assert.IsType(t, &ollama.OllamaEngine{}, puller)

	_, err = r.Puller("oa")
	assert.True(t, errdefs.IsConfig(err))

	_, err = r.Resolve("missing")
	assert.True(t, errdefs.IsConfig(err))

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, []string{"local:echo", "oa", "ol"}, []string{list[0].ID, list[1].ID, list[2].ID})
	assert.Equal(t, "***", list[1].Redacted().APIKey)
	assert.Equal(t, "secret", list[1].APIKey)
}

func TestRegistryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(NewStandardFactory(nil, nil), nil)
	p, err := r.Register(ctx, &Provider{ID: "local:canned", Name: "canned"})
	require.NoError(t, err)
	p.Name = "mutated"

	got, err := r.Get("local:canned")
	require.NoError(t, err)
	assert.Equal(t, "canned", got.Name)
}

func TestRegistryUpdateAndUnregister(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(NewStandardFactory(nil, nil), nil)

	_, err := r.Update(ctx, &Provider{ID: "local:echo"})
	assert.True(t, errdefs.IsNotFound(err))

	_, err = r.Register(ctx, &Provider{ID: "local:echo"})
	require.NoError(t, err)
	p, err := r.Update(ctx, &Provider{ID: "local:echo", Name: "Echo"})
	require.NoError(t, err)
	assert.Equal(t, "Echo", p.Name)

	require.NoError(t, r.Unregister(ctx, "local:echo"))
	_, err = r.Resolve("local:echo")
	assert.True(t, errdefs.IsConfig(err))
	assert.True(t, errdefs.IsNotFound(r.Unregister(ctx, "local:echo")))
}

func TestRegistryConcurrentReadsAndWrites(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(NewStandardFactory(nil, nil), nil)
	_, err := r.Register(ctx, &Provider{ID: "local:echo"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := r.Register(ctx, &Provider{ID: fmt.Sprintf("p%d", i), APIType: types.ApiTypeOllama})
			assert.NoError(t, err)
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, err := r.Resolve("local:echo")
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	assert.Len(t, r.List(), 9)
}

func TestRegistryFactoryError(t *testing.T) {
	failing := EngineFactoryFunc(func(p *Provider) (engine.Engine, error) {
		return nil, errdefs.Config("api_key", "missing")
	})
	r := NewRegistry(failing, nil)
	_, err := r.Register(context.Background(), &Provider{ID: "local:echo"})
	require.Error(t, err)
	assert.Empty(t, r.List())
}

func TestSQLiteStoreRestoresRegistry(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "providers.db")

	store, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	r := NewRegistry(NewStandardFactory(nil, nil), store)
	_, err = r.Register(ctx, &Provider{ID: "ol", Name: "Ollama", BaseURL: "http://localhost:11434", APIType: types.ApiTypeOllama})
	require.NoError(t, err)
	_, err = r.Register(ctx, &Provider{ID: "local:echo"})
	require.NoError(t, err)
	require.NoError(t, r.Unregister(ctx, "local:echo"))
	require.NoError(t, r.Close())

	store, err = NewSQLiteStore(dsn)
	require.NoError(t, err)
	defer func() {
		_ = store.Close()
	}()
	r = NewRegistry(NewStandardFactory(nil, nil), store)
	require.NoError(t, r.Load(ctx))

	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, "Ollama", list[0].Name)
	assert.Equal(t, types.ApiTypeOllama, list[0].APIType)
	_, err = r.Resolve("ol")
	assert.NoError(t, err)
}
