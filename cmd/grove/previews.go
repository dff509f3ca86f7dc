package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPreviewsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "previews",
		Short: "Bring every chat title up to date and print them",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer shutdown(app)

			previews, err := app.Previews.ListAll(cmd.Context())
			if err != nil {
				return err
			}
			for _, p := range previews {
				fmt.Printf("%s\t%s\n", p.ChatID, p.Text)
			}
			return nil
		},
	}
}
