package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/scholar-harvester/internal/dispatcher"
	"github.com/JakeFAU/scholar-harvester/internal/harvest"
)

func newHarvestCmd() *cobra.Command {
	var (
		params      map[string]string
		all         bool
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "harvest <adapter> [adapter...]",
		Short: "Run adapters and print the resulting run logs",
		Example: `  harvester harvest uc_info_center_transfers_major --param year=2023
  harvester harvest ipeds --param unitid=110644 --param year=2022
  harvester harvest --all --concurrency 4`,
		Args: func(cmd *cobra.Command, args []string) error {
			if all && len(args) > 0 {
				return errors.New("--all does not take adapter arguments")
			}
			if !all && len(args) == 0 {
				return errors.New("at least one adapter key is required (or --all)")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := resolveService(cmd.Context())
			if err != nil {
				return err
			}
			if all {
				for _, src := range svc.Sources() {
					args = append(args, src.Key)
				}
			}
			if len(args) == 1 {
				run, runErr := svc.Run(cmd.Context(), args[0], harvest.Params(params))
				// Failed runs are still printed so the operator sees the stored message.
				if run.ID != 0 {
					if err := printJSON(cmd.OutOrStdout(), run); err != nil {
						return err
					}
				}
				return runErr
			}

			jobs := make([]harvest.Job, 0, len(args))
			for _, key := range args {
				jobs = append(jobs, harvest.Job{Adapter: key, Params: harvest.Params(params)})
			}
			outcomes := dispatcher.New(svc, concurrency, nil).Run(cmd.Context(), jobs)
			if err := printJSON(cmd.OutOrStdout(), outcomes); err != nil {
				return err
			}
			if failed := dispatcher.Failed(outcomes); failed > 0 {
				return fmt.Errorf("%d of %d harvests failed", failed, len(outcomes))
			}
			return nil
		},
	}
	cmd.Flags().StringToStringVarP(&params, "param", "p", nil, "adapter parameter as key=value (repeatable, shared by every adapter)")
	cmd.Flags().BoolVar(&all, "all", false, "run every registered adapter")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "adapters run at once when several are given")
	return cmd
}
