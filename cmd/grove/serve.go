package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/go-go-golems/grove/pkg/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer shutdown(app)

			return server.NewServer(app).Run(ctx, app.Config.Listen)
		},
	}
	cmd.Flags().String("listen", "", "Address to listen on")
	_ = viper.BindPFlag("listen", cmd.Flags().Lookup("listen"))
	cmd.Flags().String("db", "", "Path of the SQLite database")
	_ = viper.BindPFlag("db", cmd.Flags().Lookup("db"))
	return cmd
}
