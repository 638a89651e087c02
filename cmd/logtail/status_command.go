package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"logtail/internal/api"
	"logtail/internal/client"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and stream status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)

			addr, err := ctx.serverAddress()
			if err != nil {
				return err
			}
			var status api.DaemonStatus
			err = ctx.withClient(func(cl *client.Client) error {
				var statusErr error
				status, statusErr = cl.Status(cmd.Context())
				return statusErr
			})
			if err != nil {
				fmt.Fprintln(out, renderStatusLine("Daemon", statusError, "not reachable at "+addr, colorize))
				return err
			}

			fmt.Fprintln(out, renderStatusLine("Daemon", statusOK, fmt.Sprintf("running (pid %d)", status.PID), colorize))
			fmt.Fprintln(out, renderStatusLine("Listening", statusInfo, status.APIBind, colorize))
			fmt.Fprintln(out, renderStatusLine("Log directory", statusInfo, status.LogDir, colorize))
			fmt.Fprintln(out, renderStatusLine("Watch mode", statusInfo, status.WatchMode, colorize))
			if status.StartedAt != "" {
				fmt.Fprintln(out, renderStatusLine("Started", statusInfo, status.StartedAt, colorize))
			}
			fmt.Fprintln(out, renderStatusLine("Sessions", statusInfo,
				fmt.Sprintf("%d active, %d total", status.Stream.ActiveSessions, status.Stream.TotalSessions), colorize))

			if len(status.Stream.Feeds) == 0 {
				return nil
			}
			rows := make([][]string, 0, len(status.Stream.Feeds))
			for _, feed := range status.Stream.Feeds {
				offset := strconv.FormatInt(feed.Offset, 10)
				if feed.Virtual {
					offset = "-"
				}
				rows = append(rows, []string{
					feed.Name,
					yesNo(feed.Virtual),
					strconv.Itoa(feed.Subscribers),
					offset,
					strconv.Itoa(feed.Buffered),
				})
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, renderTable(
				[]string{"Source", "Virtual", "Subscribers", "Offset", "Buffered"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight},
			))
			return nil
		},
	}
}
