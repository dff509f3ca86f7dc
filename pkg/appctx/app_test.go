package appctx

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-go-golems/grove/pkg/chat"
	"github.com/go-go-golems/grove/pkg/config"
	"github.com/go-go-golems/grove/pkg/conversation"
	"github.com/go-go-golems/grove/pkg/providers"
	"github.com/go-go-golems/grove/pkg/steps/ai/local"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, db string) *config.Config {
	v := viper.New()
	config.SetDefaults(v)
	v.Set("db", db)
	v.Set("generation.settle-delay", 0)
	v.Set("local.echo-delay", 0)
	v.Set("preview.provider", local.EchoID)
	cfg, err := config.Load(v)
	require.NoError(t, err)
	cfg.Providers = []providers.Provider{{ID: local.EchoID}}
	return cfg
}

func newApp(t *testing.T, cfg *config.Config) *App {
	app, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, app.Init(context.Background()))
	return app
}

func TestAppGeneratesAndSynthesizesPreviews(t *testing.T) {
	app := newApp(t, testConfig(t, ":memory:"))
	defer func() {
		require.NoError(t, app.Shutdown(context.Background()))
	}()
	ctx := context.Background()

	c, err := app.Chat.CreateChat(ctx, "", "")
	require.NoError(t, err)
	user, _, err := app.Chat.AppendMessage(ctx, c.Root, conversation.RoleUser, "plan a trip to Lisbon", nil)
	require.NoError(t, err)

	gen, ch, err := app.Chat.GenerateAndWatch(ctx, chat.GenerateRequest{Parent: user.ID, Provider: local.EchoID})
	require.NoError(t, err)
	for range ch {
	}
	m, err := app.Graph.GetMessage(ctx, gen.MessageID)
	require.NoError(t, err)
	assert.Equal(t, "plan a trip to Lisbon", m.Content)

	p, err := app.Previews.EnsurePreview(ctx, c.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, p.Text)

	tools := app.Tools.List()
	assert.Len(t, tools, 2)
}

func TestProvidersSurviveRestart(t *testing.T) {
	db := filepath.Join(t.TempDir(), "grove.db")
	ctx := context.Background()

	app := newApp(t, testConfig(t, db))
	_, err := app.Providers.Register(ctx, &providers.Provider{
		ID:      "lab",
		APIType: "ollama",
		BaseURL: "http://127.0.0.1:1",
	})
	require.NoError(t, err)
	require.NoError(t, app.Shutdown(ctx))

	app = newApp(t, testConfig(t, db))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		require.NoError(t, app.Shutdown(shutdownCtx))
	}()

	p, err := app.Providers.Get("lab")
	require.NoError(t, err)
	assert.Equal(t, providers.KindRemote, p.Kind)
	_, err = app.Providers.Puller("lab")
	assert.NoError(t, err)
	assert.Len(t, app.Providers.List(), 2)
}
