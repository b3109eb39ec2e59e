package main

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	donationdomain "github.com/smallbiznis/donorrecon/internal/donation/domain"
	"github.com/smallbiznis/donorrecon/internal/reconciliation/duplicate"
	"github.com/spf13/cobra"
)

func duplicatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "duplicates",
		Short: "Find, mark and delete duplicate records",
	}

	cmd.AddCommand(duplicatesScanCmd())
	cmd.AddCommand(duplicatesMarkCmd())
	cmd.AddCommand(duplicatesDeleteCmd())

	return cmd
}

func duplicatesScanCmd() *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Report duplicate groups without writing",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := donationdomain.ParseMode(mode)
			if err != nil {
				return err
			}

			var svc *duplicate.Service
			stop, err := withApp(cmd.Context(), &svc)
			if err != nil {
				return err
			}
			defer stop()

			report, err := svc.Scan(operatorContext(cmd.Context()), m)
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(donationdomain.ModeLive), "processor mode (live, test)")
	return cmd
}

func duplicatesMarkCmd() *cobra.Command {
	var (
		mode          string
		minConfidence string
		apply         bool
	)

	cmd := &cobra.Command{
		Use:   "mark",
		Short: "Mark every member but the keeper of each group as duplicate",
		Long: `Mark duplicates at or above --min-confidence.

Without --apply the command only reports what it would mark.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := donationdomain.ParseMode(mode)
			if err != nil {
				return err
			}

			var svc *duplicate.Service
			stop, err := withApp(cmd.Context(), &svc)
			if err != nil {
				return err
			}
			defer stop()

			result, err := svc.Mark(operatorContext(cmd.Context()), duplicate.MarkRequest{
				Mode:          m,
				MinConfidence: duplicate.Confidence(minConfidence),
				DryRun:        !apply,
			})
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(donationdomain.ModeLive), "processor mode (live, test)")
	cmd.Flags().StringVar(&minConfidence, "min-confidence", "", "high, medium or low; empty uses the configured threshold")
	cmd.Flags().BoolVar(&apply, "apply", false, "write status changes instead of a dry run")

	return cmd
}

func duplicatesDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [donation|sponsorship] [id]",
		Short: "Delete a record already marked duplicate",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := donationdomain.ParseKind(args[0])
			if err != nil {
				return err
			}
			id, err := snowflake.ParseString(args[1])
			if err != nil {
				return fmt.Errorf("invalid record id %q: %w", args[1], err)
			}

			var svc *duplicate.Service
			stop, err := withApp(cmd.Context(), &svc)
			if err != nil {
				return err
			}
			defer stop()

			if err := svc.Delete(operatorContext(cmd.Context()), kind, id); err != nil {
				return err
			}
			fmt.Printf("deleted %s:%s\n", kind, id)
			return nil
		},
	}
}
