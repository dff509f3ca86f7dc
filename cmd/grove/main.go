package main

import (
	"context"
	"os"

	"github.com/go-go-golems/grove/pkg/appctx"
	"github.com/go-go-golems/grove/pkg/config"
	"github.com/go-go-golems/grove/pkg/helpers"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var rootCmd = &cobra.Command{
	Use:   "grove",
	Short: "grove keeps branching LLM conversations and serves them over HTTP",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.InitViper(viper.GetViper(), viper.GetString("config")); err != nil {
			return err
		}
		// reinitialize the logger now that the config file and flags are both known
		return initLogger()
	},
	SilenceUsage: true,
}

func initLogger() error {
	return helpers.InitLogger(&helpers.LogConfig{
		Level:      viper.GetString("log-level"),
		LogFile:    viper.GetString("log-file"),
		LogFormat:  viper.GetString("log-format"),
		WithCaller: viper.GetBool("with-caller"),
	})
}

// loadApp builds and initializes the application from the merged configuration.
// The caller owns the returned app and must shut it down.
func loadApp(ctx context.Context) (*appctx.App, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	app, err := appctx.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := app.Init(ctx); err != nil {
		_ = app.Shutdown(context.Background())
		return nil, err
	}
	return app, nil
}

func shutdown(app *appctx.App) {
	if err := app.Shutdown(context.Background()); err != nil {
		log.Warn().Err(err).Msg("shutdown failed")
	}
}

func printYAML(v interface{}) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer func() {
		_ = enc.Close()
	}()
	return enc.Encode(v)
}

func main() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Path to the config file")
	flags.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	flags.String("log-format", "text", "Log format (json, text)")
	flags.String("log-file", "", "Also write logs to this file")
	flags.Bool("with-caller", false, "Log the caller of each log line")
	cobra.CheckErr(viper.BindPFlags(flags))

	rootCmd.AddCommand(
		newServeCommand(),
		newAskCommand(),
		newPullCommand(),
		newProvidersCommand(),
		newCatalogCommand(),
		newPreviewsCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
