package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-go-golems/grove/pkg/errdefs"
	"github.com/go-go-golems/grove/pkg/events"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newPullCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pull PROVIDER MODEL",
		Short: "Download a model onto a provider's backend",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer shutdown(app)

			_, ch, err := app.Downloads.PullAndWatch(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			tty := isatty.IsTerminal(os.Stdout.Fd())
			enc := json.NewEncoder(os.Stdout)

			var last *events.EventPullStatus
			for e := range ch {
				st, ok := e.(*events.EventPullStatus)
				if !ok {
					continue
				}
				last = st
				if !tty {
					if err := enc.Encode(st); err != nil {
						return err
					}
					continue
				}
				fmt.Printf("\r%-40s %6.1f%%", st.Status, st.Percent)
			}
			if tty {
				fmt.Println()
			}

			switch {
			case last == nil:
				return ctx.Err()
			case last.Type() == events.EventTypePullError:
				return errdefs.Transport(errors.New(last.Message))
			case last.Type() == events.EventTypePullCancelled:
				return errors.New("pull cancelled")
			}
			return nil
		},
	}
}
