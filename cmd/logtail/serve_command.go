package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"logtail/internal/config"
	"logtail/internal/daemonrun"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var logDir string
	var bind string
	var logLevel string
	var development bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the log daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if dir := strings.TrimSpace(logDir); dir != "" {
				expanded, err := config.ExpandPath(dir)
				if err != nil {
					return fmt.Errorf("resolve log dir: %w", err)
				}
				cfg.Paths.LogDir = expanded
			}
			if addr := strings.TrimSpace(bind); addr != "" {
				cfg.Paths.APIBind = addr
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				LogLevel:    logLevel,
				Development: development,
			})
		},
	}

	cmd.Flags().StringVar(&logDir, "log-dir", "", "Directory of log files to serve (overrides paths.log_dir)")
	cmd.Flags().StringVar(&bind, "bind", "", "Listen address (overrides paths.api_bind)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Daemon log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&development, "dev", false, "Development logging")
	return cmd
}
