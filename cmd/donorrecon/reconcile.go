package main

import (
	"errors"
	"time"

	donationdomain "github.com/smallbiznis/donorrecon/internal/donation/domain"
	recondomain "github.com/smallbiznis/donorrecon/internal/reconciliation/domain"
	reconservice "github.com/smallbiznis/donorrecon/internal/reconciliation/service"
	"github.com/spf13/cobra"
)

func reconcileCmd() *cobra.Command {
	var (
		mode   string
		limit  int
		budget time.Duration
	)

	cmd := &cobra.Command{
		Use:   "reconcile [donations|sponsorships]",
		Short: "Reconcile pending and active records of one kind",
		Long: `Reconcile pending and active records against the payment processor.

Examples:
  donorrecon reconcile donations --mode live
  donorrecon reconcile sponsorships --limit 25 --budget 2m`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := donationdomain.ParseKind(args[0])
			if err != nil {
				return err
			}
			m, err := donationdomain.ParseMode(mode)
			if err != nil {
				return err
			}

			var svc *reconservice.Service
			stop, err := withApp(cmd.Context(), &svc)
			if err != nil {
				return err
			}
			defer stop()

			resp, err := svc.Run(operatorContext(cmd.Context()), recondomain.Request{
				Kind:   kind,
				Mode:   m,
				Limit:  limit,
				Budget: budget,
			})
			if resp != nil {
				if printErr := printJSON(resp); printErr != nil {
					return errors.Join(err, printErr)
				}
			}
			return err
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(donationdomain.ModeLive), "processor mode (live, test)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "records per run; 0 uses the configured batch size")
	cmd.Flags().DurationVar(&budget, "budget", 0, "wall-clock budget; 0 uses the configured run budget")

	return cmd
}
