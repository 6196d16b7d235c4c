package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRobotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "robots",
		Short: "Inspect or reset cached robots.txt decisions",
	}
	cmd.AddCommand(newRobotsReviewCmd(), newRobotsInvalidateCmd())
	return cmd
}

func newRobotsReviewCmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "review <url>",
		Short: "Show the robots decision for a URL, fetching it when not cached",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := resolveService(cmd.Context())
			if err != nil {
				return err
			}
			if !refresh {
				decision, found, err := svc.Lookup(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if found {
					return printJSON(cmd.OutOrStdout(), decision)
				}
			}
			decision, err := svc.Refresh(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), decision)
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "discard any cached decision and fetch robots.txt again")
	return cmd
}

func newRobotsInvalidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <url>",
		Short: "Drop the cached robots decision for a URL's host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := resolveService(cmd.Context())
			if err != nil {
				return err
			}
			if err := svc.Invalidate(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "invalidated %s\n", args[0])
			return err
		},
	}
}
