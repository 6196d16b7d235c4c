package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newAdaptersCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "adapters",
		Short: "List registered adapters and their sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := resolveService(cmd.Context())
			if err != nil {
				return err
			}
			sources := svc.Sources()
			if asJSON {
				return printJSON(cmd.OutOrStdout(), sources)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tNAME\tBASE URL\tTHROTTLE")
			for _, src := range sources {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", src.Key, src.Name, src.BaseURL, src.Throttle)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print sources as JSON")
	return cmd
}
