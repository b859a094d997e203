package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/docflow/internal/access"
	"github.com/sells-group/docflow/internal/ledger"
	"github.com/sells-group/docflow/internal/model"
	"github.com/sells-group/docflow/internal/store"
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage user accounts",
}

var usersCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a user, optionally with starting credits",
	RunE: func(cmd *cobra.Command, _ []string) error {
		email, _ := cmd.Flags().GetString("email")
		name, _ := cmd.Flags().GetString("name")
		role, _ := cmd.Flags().GetString("role")
		credits, _ := cmd.Flags().GetInt64("credits")

		email = strings.ToLower(access.NormalizeQuery(email))
		if email == "" {
			return eris.New("users create: --email is required")
		}
		r := model.Role(strings.ToUpper(role))
		if r != model.RoleUser && r != model.RoleAdmin {
			return eris.Errorf("users create: --role must be user or admin, got %q", role)
		}

		return withAdmin(cmd.Context(), func(st store.Store, l *ledger.Ledger) error {
			now := time.Now().UTC()
			u := &model.User{
				ID:        uuid.NewString(),
				Email:     email,
				Name:      strings.TrimSpace(name),
				Role:      r,
				Active:    true,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := st.CreateUser(cmd.Context(), u); err != nil {
				return eris.Wrap(err, "users create")
			}
			if credits > 0 {
				if _, err := l.Credit(cmd.Context(), u.ID, model.TxBonus, credits, "starting credits"); err != nil {
					return eris.Wrap(err, "users create: starting credits")
				}
				u.Credits = credits
			}
			return printJSON(u)
		})
	},
}

var usersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	RunE: func(cmd *cobra.Command, _ []string) error {
		query, _ := cmd.Flags().GetString("query")
		activeOnly, _ := cmd.Flags().GetBool("active")
		limit, _ := cmd.Flags().GetInt("limit")
		return withAdmin(cmd.Context(), func(st store.Store, _ *ledger.Ledger) error {
			users, err := st.ListUsers(cmd.Context(), store.UserFilter{
				Query:      access.NormalizeQuery(query),
				ActiveOnly: activeOnly,
				Limit:      limit,
			})
			if err != nil {
				return eris.Wrap(err, "users list")
			}
			if len(users) == 0 {
				fmt.Fprintln(os.Stderr, "No users found.")
				return nil
			}
			formatUsers(os.Stdout, users)
			return nil
		})
	},
}

var usersShowCmd = &cobra.Command{
	Use:   "show <user-id|email>",
	Short: "Show a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd.Context(), func(st store.Store, _ *ledger.Ledger) error {
			var u *model.User
			var err error
			if strings.Contains(args[0], "@") {
				u, err = st.GetUserByEmail(cmd.Context(), strings.ToLower(access.NormalizeQuery(args[0])))
			} else {
				u, err = st.GetUser(cmd.Context(), args[0])
			}
			if err != nil {
				return eris.Wrap(err, "users show")
			}
			return printJSON(u)
		})
	},
}

func setActiveCmd(use, short string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <user-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd.Context(), func(st store.Store, _ *ledger.Ledger) error {
				if err := st.SetUserActive(cmd.Context(), args[0], active, time.Now().UTC()); err != nil {
					return eris.Wrapf(err, "users %s", use)
				}
				fmt.Fprintf(os.Stderr, "User %s %sd.\n", args[0], use)
				return nil
			})
		},
	}
}

func init() {
	usersCreateCmd.Flags().String("email", "", "email address (required)")
	usersCreateCmd.Flags().String("name", "", "display name")
	usersCreateCmd.Flags().String("role", "user", "user or admin")
	usersCreateCmd.Flags().Int64("credits", 0, "starting credits granted as a bonus")

	usersListCmd.Flags().String("query", "", "match email or name")
	usersListCmd.Flags().Bool("active", false, "only active users")
	usersListCmd.Flags().Int("limit", 50, "max number of users to display")

	usersCmd.AddCommand(usersCreateCmd, usersListCmd, usersShowCmd,
		setActiveCmd("activate", "Re-enable a user", true),
		setActiveCmd("deactivate", "Disable a user; their jobs are rejected", false),
	)
	rootCmd.AddCommand(usersCmd)
}
