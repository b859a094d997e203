package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/docflow/internal/model"
	"github.com/sells-group/docflow/internal/store"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and control processing sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		owner, _ := cmd.Flags().GetString("owner")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		f := store.SessionFilter{OwnerID: owner, Limit: limit}
		if status != "" {
			f.Status = model.SessionStatus(strings.ToUpper(status))
			if !f.Status.Valid() {
				return eris.Errorf("sessions list: unknown status %q", status)
			}
		}
		list, err := st.ListSessions(ctx, f)
		if err != nil {
			return eris.Wrap(err, "sessions list")
		}
		if len(list) == 0 {
			fmt.Fprintln(os.Stderr, "No sessions found.")
			return nil
		}
		formatSessions(os.Stdout, list)
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session with its credits and jobs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		s, err := st.GetSession(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "sessions show")
		}
		credits, err := st.SessionCredits(ctx, s.ID)
		if err != nil {
			return eris.Wrap(err, "sessions show")
		}
		if err := printJSON(struct {
			*model.Session
			Credits int64 `json:"credits"`
		}{s, credits}); err != nil {
			return err
		}

		showJobs, _ := cmd.Flags().GetBool("jobs")
		if !showJobs {
			return nil
		}
		list, err := st.ListJobs(ctx, store.JobFilter{SessionID: s.ID, Limit: 1000})
		if err != nil {
			return eris.Wrap(err, "sessions show")
		}
		formatJobs(os.Stdout, list)
		return nil
	},
}

// sessionAction runs one aggregator operation on a session.
func sessionAction(use, short string, run func(env *engineEnv, cmd *cobra.Command, id string) (*model.Session, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <session-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := initEngine(cmd.Context(), "worker")
			if err != nil {
				return err
			}
			defer env.Close()

			s, err := run(env, cmd, args[0])
			if err != nil {
				return eris.Wrapf(err, "sessions %s", use)
			}
			return printJSON(s)
		},
	}
}

func init() {
	sessionsListCmd.Flags().String("owner", "", "filter by owner id")
	sessionsListCmd.Flags().String("status", "", "filter by status (uploading, processing, completed, ...)")
	sessionsListCmd.Flags().Int("limit", 50, "max number of sessions to display")

	sessionsShowCmd.Flags().Bool("jobs", false, "also list the session's jobs")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd,
		sessionAction("start", "Mark uploads finished and settle when possible", func(env *engineEnv, cmd *cobra.Command, id string) (*model.Session, error) {
			return env.Sessions.Start(cmd.Context(), id)
		}),
		sessionAction("settle", "Re-run the settle check (recount, consolidate)", func(env *engineEnv, cmd *cobra.Command, id string) (*model.Session, error) {
			return env.Sessions.Settle(cmd.Context(), id)
		}),
		sessionAction("cancel", "Cancel a session and its unfinished jobs", func(env *engineEnv, cmd *cobra.Command, id string) (*model.Session, error) {
			return env.Sessions.Cancel(cmd.Context(), id)
		}),
	)
	rootCmd.AddCommand(sessionsCmd)
}
