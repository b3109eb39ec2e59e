package main

import (
	"errors"

	"github.com/smallbiznis/donorrecon/internal/health"
	"github.com/spf13/cobra"
)

var errUnhealthy = errors.New("one or more probes failed")

func healthCmd() *cobra.Command {
	var alert bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe the store and processor, optionally alerting on failure",
		RunE: func(cmd *cobra.Command, args []string) error {
			var svc *health.Service
			stop, err := withApp(cmd.Context(), &svc)
			if err != nil {
				return err
			}
			defer stop()

			var report health.Report
			if alert {
				report, err = svc.CheckAndAlert(cmd.Context())
			} else {
				report = svc.Check(cmd.Context())
			}
			if printErr := printJSON(report); printErr != nil {
				return errors.Join(err, printErr)
			}
			if err != nil {
				return err
			}
			if !report.Healthy {
				return errUnhealthy
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&alert, "alert", false, "post to the alert channel when unhealthy, subject to the cooldown")
	return cmd
}
