package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-go-golems/grove/pkg/conversation"
	"github.com/go-go-golems/grove/pkg/errdefs"
	"github.com/go-go-golems/grove/pkg/events"
	"github.com/go-go-golems/grove/pkg/inference/engine"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newAskCommand() *cobra.Command {
	var provider, model, system string
	cmd := &cobra.Command{
		Use:   "ask PROMPT...",
		Short: "Send a single prompt to a provider and stream the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer shutdown(app)

			var messages []engine.Message
			if system != "" {
				messages = append(messages, engine.Message{Role: conversation.RoleSystem, Content: system})
			}
			messages = append(messages, engine.Message{Role: conversation.RoleUser, Content: strings.Join(args, " ")})

			stream, err := app.Router.Stream(ctx, provider, model, messages)
			if err != nil {
				return err
			}
			return printStream(stream)
		},
	}
	cmd.Flags().StringVarP(&provider, "provider", "p", "local:echo", "Provider id")
	cmd.Flags().StringVarP(&model, "model", "m", "", "Model name")
	cmd.Flags().StringVar(&system, "system", "", "System instruction")
	return cmd
}

// printStream writes content deltas to stdout and thinking to stderr.
func printStream(stream <-chan events.Event) error {
	var lastErr *events.EventError
	thought := 0
	for e := range stream {
		switch e_ := e.(type) {
		case *events.EventPartial:
			fmt.Fprint(os.Stdout, e_.Delta)
			if e_.Thinking != nil && len(*e_.Thinking) > thought {
				fmt.Fprint(os.Stderr, (*e_.Thinking)[thought:])
				thought = len(*e_.Thinking)
			}
		case *events.EventError:
			lastErr = e_
			fmt.Fprintf(os.Stderr, "\nerror (%s): %s\n", e_.Code, e_.ErrorString)
		case *events.EventFinal:
			fmt.Fprintln(os.Stdout)
			if e_.Content != "" {
				lastErr = nil
			}
		}
	}
	if lastErr != nil && lastErr.Code != "parse" {
		return errdefs.Transport(errors.New(lastErr.ErrorString))
	}
	return nil
}
