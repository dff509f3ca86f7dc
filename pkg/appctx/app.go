// Package appctx builds grove's components from a configuration and owns their lifecycle.
package appctx

import (
	"context"

	"github.com/go-go-golems/grove/pkg/catalog"
	"github.com/go-go-golems/grove/pkg/chat"
	"github.com/go-go-golems/grove/pkg/config"
	"github.com/go-go-golems/grove/pkg/conversation"
	"github.com/go-go-golems/grove/pkg/conversation/store"
	"github.com/go-go-golems/grove/pkg/downloads"
	"github.com/go-go-golems/grove/pkg/events"
	"github.com/go-go-golems/grove/pkg/helpers"
	"github.com/go-go-golems/grove/pkg/inference/router"
	"github.com/go-go-golems/grove/pkg/preview"
	"github.com/go-go-golems/grove/pkg/providers"
	"github.com/go-go-golems/grove/pkg/steps/ai/local"
	"github.com/go-go-golems/grove/pkg/toolbox"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// App is the explicitly constructed application context. Components receive their
// collaborators from here rather than from package level state.
type App struct {
	Config    *config.Config
	Store     *store.SQLiteStore
	Graph     *conversation.Graph
	Providers *providers.Registry
	Router    *router.Router
	Bus       *events.Bus
	Chat      *chat.Service
	Downloads *downloads.Service
	Previews  *preview.Synthesizer
	Tools     *toolbox.Toolbox
	Catalog   *catalog.Store

	closers []func(ctx context.Context) error
}

// New constructs all components. Nothing talks to a provider until Init.
func New(cfg *config.Config) (app *App, err error) {
	app = &App{Config: cfg}
	defer func() {
		if err != nil {
			_ = app.Shutdown(context.Background())
			app = nil
		}
	}()

	app.Store, err = store.NewSQLiteStore(store.DSN(cfg.DB))
	if err != nil {
		return nil, errors.Wrapf(err, "could not open database %s", cfg.DB)
	}
	app.onShutdown(func(context.Context) error { return app.Store.Close() })
	app.Graph = conversation.NewGraph(app.Store)

	providerStore, err := providers.NewSQLiteStoreFromDB(app.Store.DB())
	if err != nil {
		return nil, err
	}
	factory := providers.NewStandardFactory(cfg.ClientSettings(), cfg.Splitter())
	factory.EchoDelay = cfg.Local.EchoDelay
	if cfg.Local.CannedScript != "" {
		factory.CannedScript, err = local.LoadScript(cfg.Local.CannedScript)
		if err != nil {
			return nil, err
		}
	}
	app.Providers = providers.NewRegistry(factory, providerStore)
	app.onShutdown(func(context.Context) error { return app.Providers.Close() })

	app.Router = router.NewRouter(app.Providers,
		router.WithSplitter(cfg.Splitter()),
		router.WithSettleDelay(cfg.Generation.SettleDelay),
	)

	app.Bus = events.NewBus(events.WithLogger(helpers.NewWatermill(log.Logger)))
	app.onShutdown(func(context.Context) error { return app.Bus.Close() })

	tools, err := toolbox.Builtins(nil)
	if err != nil {
		return nil, err
	}
	if cfg.Tools.Path != "" {
		scripted, err := toolbox.LoadScripts(cfg.Tools.Path)
		if err != nil {
			return nil, err
		}
		tools = append(tools, scripted...)
	}
	app.Tools, err = toolbox.NewToolbox(tools...)
	if err != nil {
		return nil, err
	}

	app.Catalog, err = catalog.Open(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}

	app.Previews, err = preview.NewSynthesizer(app.Graph, app.Router, cfg.PreviewOptions()...)
	if err != nil {
		return nil, err
	}

	app.Chat = chat.NewService(app.Graph, app.Router, app.Bus, chat.WithToolRunner(app.Tools))
	app.onShutdown(app.Chat.Shutdown)
	app.Downloads = downloads.NewService(app.Providers, app.Bus)
	app.onShutdown(app.Downloads.Shutdown)

	return app, nil
}

func (a *App) onShutdown(f func(ctx context.Context) error) {
	a.closers = append(a.closers, f)
}

// Init restores the persisted providers and registers the configured ones on top.
func (a *App) Init(ctx context.Context) error {
	if err := a.Providers.Load(ctx); err != nil {
		return errors.Wrap(err, "could not load providers")
	}
	for i := range a.Config.Providers {
		p := a.Config.Providers[i]
		if _, err := a.Providers.Register(ctx, &p); err != nil {
			return errors.Wrapf(err, "could not register configured provider %s", p.ID)
		}
	}
	log.Info().Int("providers", len(a.Providers.List())).Str("db", a.Config.DB).Msg("grove initialized")
	return nil
}

// Shutdown cancels running jobs, then releases the bus and the database, in reverse
// order of construction. All steps run; the first error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			log.Warn().Err(err).Msg("shutdown step failed")
			if first == nil {
				first = err
			}
		}
	}
	a.closers = nil
	return first
}
