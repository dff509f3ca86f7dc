package main

import (
	"github.com/go-go-golems/grove/pkg/providers"
	"github.com/go-go-golems/grove/pkg/steps/ai/types"
	"github.com/spf13/cobra"
)

func newProvidersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Manage the registered providers",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer shutdown(app)

			ret := []*providers.Provider{}
			for _, p := range app.Providers.List() {
				ret = append(ret, p.Redacted())
			}
			return printYAML(ret)
		},
	}

	var p providers.Provider
	var apiType string
	add := &cobra.Command{
		Use:   "add ID",
		Short: "Register or replace a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer shutdown(app)

			p.ID = args[0]
			p.APIType = types.ApiType(apiType)
			registered, err := app.Providers.Register(cmd.Context(), &p)
			if err != nil {
				return err
			}
			return printYAML(registered.Redacted())
		},
	}
	add.Flags().StringVar(&p.Name, "name", "", "Display name")
	add.Flags().StringVar(&p.BaseURL, "base-url", "", "Base URL of the backend")
	add.Flags().StringVar(&p.APIKey, "api-key", "", "API key")
	add.Flags().StringVar(&apiType, "api-type", "", "Backend API (openai, claude, ollama)")

	rm := &cobra.Command{
		Use:   "rm ID",
		Short: "Remove a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer shutdown(app)
			return app.Providers.Unregister(cmd.Context(), args[0])
		},
	}

	cmd.AddCommand(list, add, rm)
	return cmd
}
