package main

import (
	"os"

	"github.com/go-go-golems/grove/pkg/catalog"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newCatalogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect and replace the model catalog",
	}

	importCmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Validate FILE and make it the model catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer shutdown(app)

			b, err := os.ReadFile(args[0])
			if err != nil {
				return errors.Wrapf(err, "could not read %s", args[0])
			}
			c, err := app.Catalog.Import(b)
			if err != nil {
				return err
			}
			cmd.Printf("imported %d models\n", len(c.Models))
			return nil
		},
	}

	var f catalog.Filter
	list := &cobra.Command{
		Use:   "list",
		Short: "List catalog models",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer shutdown(app)

			models, err := app.Catalog.List(f)
			if err != nil {
				return err
			}
			return printYAML(models)
		},
	}
	list.Flags().StringVar(&f.ID, "filter", "", "Glob on the model id")
	list.Flags().StringVar(&f.Provider, "provider", "", "Glob on the provider")

	cmd.AddCommand(importCmd, list)
	return cmd
}
