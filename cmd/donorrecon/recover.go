package main

import (
	"errors"
	"time"

	donationdomain "github.com/smallbiznis/donorrecon/internal/donation/domain"
	recoverydomain "github.com/smallbiznis/donorrecon/internal/recovery/domain"
	recoveryservice "github.com/smallbiznis/donorrecon/internal/recovery/service"
	"github.com/spf13/cobra"
)

func recoverCmd() *cobra.Command {
	var (
		source string
		mode   string
		limit  int
		since  string
		file   string
	)

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Create records, receipts and emails for payments with no local record",
		Long: `Recover payments that reached the processor but never produced a record.

Sources:
  charges   succeeded charges listed by the processor since --since
  csv       a charge export, read from --file (local path or s3://bucket/key)
  receipts  completed records whose receipt was never sent

Examples:
  donorrecon recover --source charges --since 2026-09-01
  donorrecon recover --source csv --file s3://exports/charges.csv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := recoverydomain.ParseSource(source)
			if err != nil {
				return err
			}
			m, err := donationdomain.ParseMode(mode)
			if err != nil {
				return err
			}
			req := recoverydomain.Request{
				Source:   src,
				Mode:     m,
				Limit:    limit,
				Location: file,
			}
			if since != "" {
				t, err := time.Parse("2006-01-02", since)
				if err != nil {
					return err
				}
				req.Since = t.UTC()
			}

			var svc *recoveryservice.Service
			stop, err := withApp(cmd.Context(), &svc)
			if err != nil {
				return err
			}
			defer stop()

			summary, err := svc.RecoverMissing(operatorContext(cmd.Context()), req)
			if summary != nil {
				if printErr := printJSON(summary); printErr != nil {
					return errors.Join(err, printErr)
				}
			}
			return err
		},
	}

	cmd.Flags().StringVar(&source, "source", string(recoverydomain.SourceCharges), "charges, csv or receipts")
	cmd.Flags().StringVar(&mode, "mode", string(donationdomain.ModeLive), "processor mode (live, test)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "items per run; 0 uses the configured batch size")
	cmd.Flags().StringVar(&since, "since", "", "earliest charge date (YYYY-MM-DD) for the charges source")
	cmd.Flags().StringVar(&file, "file", "", "charge export for the csv source")

	return cmd
}
