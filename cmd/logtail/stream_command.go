package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"logtail/internal/client"
)

func newStreamCommand(ctx *commandContext) *cobra.Command {
	var level string
	var fromStart bool

	cmd := &cobra.Command{
		Use:     "stream <file>",
		Aliases: []string{"follow"},
		Short:   "Follow a log file as it grows",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			query := client.StreamQuery{File: args[0], Level: level, FromStart: fromStart}
			return ctx.withClient(func(cl *client.Client) error {
				return cl.Stream(runCtx, query, func(line string) {
					if colorize {
						line = colorizeLine(line)
					}
					fmt.Fprintln(out, line)
				})
			})
		},
	}

	cmd.Flags().StringVarP(&level, "level", "l", "", "Only lines with this severity (ERROR, WARN, INFO, DEBUG)")
	cmd.Flags().BoolVar(&fromStart, "from-start", false, "Send the whole file before following it")
	return cmd
}
