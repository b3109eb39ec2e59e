package main

import (
	"fmt"
	"strings"

	"github.com/smallbiznis/donorrecon/internal/config"
	"github.com/smallbiznis/donorrecon/internal/migration"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func migrateCmd() *cobra.Command {
	var status bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply embedded schema migrations to the postgres store",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				cfg  config.Config
				conn *gorm.DB
			)
			stop, err := withApp(cmd.Context(), &cfg, &conn)
			if err != nil {
				return err
			}
			defer stop()

			if !strings.EqualFold(cfg.DBType, "postgres") {
				return fmt.Errorf("migrations target postgres, DATABASE_TYPE is %q", cfg.DBType)
			}
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}

			if !status {
				if err := migration.RunMigrations(sqlDB); err != nil {
					return err
				}
			}
			version, dirty, err := migration.Version(sqlDB)
			if err != nil {
				return err
			}
			fmt.Printf("schema version %d (dirty=%t)\n", version, dirty)
			return nil
		},
	}

	cmd.Flags().BoolVar(&status, "status", false, "print the applied version without migrating")
	return cmd
}
