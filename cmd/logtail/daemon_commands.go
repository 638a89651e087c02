package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"logtail/internal/client"
	"logtail/internal/config"
	"logtail/internal/daemonctl"
)

const (
	startWaitTimeout = 10 * time.Second
	stopGracePeriod  = 10 * time.Second
)

func newStartCommand(ctx *commandContext) *cobra.Command {
	var logDir string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			executable, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve executable: %w", err)
			}
			opts := daemonctl.LaunchOptions{LogDir: strings.TrimSpace(logDir)}
			if ctx.configFlag != nil && strings.TrimSpace(*ctx.configFlag) != "" {
				path, err := config.ExpandPath(strings.TrimSpace(*ctx.configFlag))
				if err != nil {
					return fmt.Errorf("resolve config path: %w", err)
				}
				opts.ConfigPath = path
			}

			return ctx.withClient(func(cl *client.Client) error {
				result, err := daemonctl.EnsureStarted(cmd.Context(), cl, executable, opts, startWaitTimeout)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				switch result.State {
				case daemonctl.StartStateAlreadyRunning:
					fmt.Fprintf(out, "Daemon already running (pid %d)\n", result.PID)
				default:
					fmt.Fprintf(out, "Daemon started (pid %d)\n", result.PID)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&logDir, "log-dir", "", "Directory of log files to serve (overrides paths.log_dir)")
	return cmd
}

func newStopCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the background daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			out := cmd.OutOrStdout()
			result, err := daemonctl.Stop(cmd.Context(), cfg.PIDPath(), cfg.LockPath(), stopGracePeriod)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(out, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if result.ForcedKill {
				fmt.Fprintf(out, "Daemon did not exit in %s; killed pid %d\n", stopGracePeriod, result.PID)
				return nil
			}
			fmt.Fprintf(out, "Daemon stopped (pid %d)\n", result.PID)
			return nil
		},
	}
}
