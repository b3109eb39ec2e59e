package main

import (
	"fmt"
	"strings"

	"github.com/smallbiznis/donorrecon/internal/authorization"
	"github.com/spf13/cobra"
)

func tokenCmd() *cobra.Command {
	var (
		name string
		role string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Generate an operator bearer token and its OPERATOR_TOKENS entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			name = strings.TrimSpace(name)
			if name == "" || strings.ContainsAny(name, ":|") {
				return fmt.Errorf("operator name %q is empty or contains ':' or '|'", name)
			}
			switch role {
			case authorization.RoleViewer, authorization.RoleOperator, authorization.RoleAdmin:
			default:
				return fmt.Errorf("%w: %q", authorization.ErrUnknownRole, role)
			}

			token, hash, err := authorization.GenerateToken()
			if err != nil {
				return err
			}
			fmt.Printf("token:  %s\n", token)
			// Single quotes keep .env loading from expanding the "$" fields of the hash.
			fmt.Printf("entry:  '%s:%s:%s'\n", name, role, hash)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "operator name")
	cmd.Flags().StringVar(&role, "role", authorization.RoleViewer, "viewer, operator or admin")

	return cmd
}
