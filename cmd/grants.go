package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/docflow/internal/access"
	"github.com/sells-group/docflow/internal/ledger"
	"github.com/sells-group/docflow/internal/store"
)

var grantsCmd = &cobra.Command{
	Use:   "grants",
	Short: "Manage model access grants",
}

var grantsAddCmd = &cobra.Command{
	Use:   "add <model-id> <user-id>",
	Short: "Grant a user access to a model",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		by, _ := cmd.Flags().GetString("by")
		name, _ := cmd.Flags().GetString("name")
		expiresIn, _ := cmd.Flags().GetDuration("expires-in")

		opts := access.GrantOptions{GrantedBy: by, CustomName: name}
		if expiresIn > 0 {
			at := time.Now().UTC().Add(expiresIn)
			opts.ExpiresAt = &at
		}
		return withAdmin(cmd.Context(), func(st store.Store, _ *ledger.Ledger) error {
			g, err := access.New(st).Grant(cmd.Context(), args[0], args[1], opts)
			if err != nil {
				return eris.Wrap(err, "grants add")
			}
			return printJSON(g)
		})
	},
}

var grantsRevokeCmd = &cobra.Command{
	Use:   "revoke <model-id> <user-id>",
	Short: "Revoke a grant, keeping its record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd.Context(), func(st store.Store, _ *ledger.Ledger) error {
			if err := access.New(st).Revoke(cmd.Context(), args[0], args[1]); err != nil {
				return eris.Wrap(err, "grants revoke")
			}
			fmt.Fprintf(os.Stderr, "Revoked %s for %s.\n", args[0], args[1])
			return nil
		})
	},
}

var grantsListCmd = &cobra.Command{
	Use:   "list <model-id>",
	Short: "List grants on a model",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		activeOnly, _ := cmd.Flags().GetBool("active")
		return withAdmin(cmd.Context(), func(st store.Store, _ *ledger.Ledger) error {
			grants, err := access.New(st).List(cmd.Context(), args[0], activeOnly)
			if err != nil {
				return err
			}
			if len(grants) == 0 {
				fmt.Fprintln(os.Stderr, "No grants found.")
				return nil
			}
			formatGrants(os.Stdout, grants, time.Now())
			return nil
		})
	},
}

var grantsCandidatesCmd = &cobra.Command{
	Use:   "candidates <model-id>",
	Short: "Find active users without access to a model",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query, _ := cmd.Flags().GetString("query")
		limit, _ := cmd.Flags().GetInt("limit")
		return withAdmin(cmd.Context(), func(st store.Store, _ *ledger.Ledger) error {
			users, err := access.New(st).Search(cmd.Context(), query, args[0], limit)
			if err != nil {
				return err
			}
			if len(users) == 0 {
				fmt.Fprintln(os.Stderr, "No candidates found.")
				return nil
			}
			formatUsers(os.Stdout, users)
			return nil
		})
	},
}

func init() {
	grantsAddCmd.Flags().String("by", "", "id of the granting admin")
	grantsAddCmd.Flags().String("name", "", "custom display name of the model for this user")
	grantsAddCmd.Flags().Duration("expires-in", 0, "grant lifetime (e.g. 720h); zero never expires")

	grantsListCmd.Flags().Bool("active", false, "only active grants")

	grantsCandidatesCmd.Flags().String("query", "", "match email or name")
	grantsCandidatesCmd.Flags().Int("limit", 20, "max number of users to display")

	grantsCmd.AddCommand(grantsAddCmd, grantsRevokeCmd, grantsListCmd, grantsCandidatesCmd)
	rootCmd.AddCommand(grantsCmd)
}
