package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"logtail/internal/client"
)

func newFilesCommand(ctx *commandContext) *cobra.Command {
	var page int
	var size int

	cmd := &cobra.Command{
		Use:   "files",
		Short: "List log files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(cl *client.Client) error {
				resp, err := cl.Files(cmd.Context(), page, size)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(resp.Files) == 0 {
					fmt.Fprintln(out, "No log files found")
					return nil
				}
				rows := make([][]string, 0, len(resp.Files))
				for _, file := range resp.Files {
					rows = append(rows, []string{
						file.Name,
						formatBytes(file.SizeBytes),
						formatMillis(file.LastModifiedMillis),
						yesNo(file.Compressed),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"Name", "Size", "Modified", "Compressed"},
					rows,
					[]columnAlignment{alignLeft, alignRight, alignLeft, alignLeft},
				))
				if resp.Total > len(resp.Files) {
					fmt.Fprintf(out, "Page %d: %d of %d files\n", resp.Page, len(resp.Files), resp.Total)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&page, "page", 0, "Page number, starting at 0")
	cmd.Flags().IntVar(&size, "size", 0, "Files per page (0 lists every file)")
	return cmd
}

func newTailCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var grep string

	cmd := &cobra.Command{
		Use:   "tail <file>",
		Short: "Show the last lines of a log file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(cl *client.Client) error {
				resp, err := cl.View(cmd.Context(), args[0], limit, grep)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				writeLines(out, resp.Lines, shouldColorize(out))
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Number of lines (defaults to logs.default_limit)")
	cmd.Flags().StringVarP(&grep, "grep", "g", "", "Only lines matching this regular expression")
	return cmd
}

func newSearchCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "search <file> <pattern>",
		Short: "Search a log file with a regular expression",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(cl *client.Client) error {
				resp, err := cl.Search(cmd.Context(), args[0], args[1], limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if resp.Count == 0 {
					fmt.Fprintln(cmd.ErrOrStderr(), "No matches")
					return nil
				}
				writeLines(out, resp.Lines, shouldColorize(out))
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum matches (defaults to logs.search_limit)")
	return cmd
}

func newDownloadCommand(ctx *commandContext) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "download <file>",
		Short: "Download a log file as stored",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := strings.TrimSpace(output)
			if target == "" {
				target = filepath.Base(args[0])
			}
			return ctx.withClient(func(cl *client.Client) error {
				if target == "-" {
					_, err := cl.Download(cmd.Context(), args[0], cmd.OutOrStdout())
					return err
				}
				tmp := target + ".part"
				file, err := os.Create(tmp)
				if err != nil {
					return fmt.Errorf("create %s: %w", tmp, err)
				}
				n, err := cl.Download(cmd.Context(), args[0], file)
				if closeErr := file.Close(); err == nil {
					err = closeErr
				}
				if err != nil {
					_ = os.Remove(tmp)
					return err
				}
				if err := os.Rename(tmp, target); err != nil {
					_ = os.Remove(tmp)
					return fmt.Errorf("rename download: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%s bytes)\n", target, strconv.FormatInt(n, 10))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination path, or - for stdout")
	return cmd
}
