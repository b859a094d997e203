package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/docflow/internal/jobs"
	"github.com/sells-group/docflow/internal/model"
	"github.com/sells-group/docflow/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect, submit and cancel extraction jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		owner, _ := cmd.Flags().GetString("owner")
		sessionID, _ := cmd.Flags().GetString("session")
		statuses, _ := cmd.Flags().GetStringSlice("status")
		limit, _ := cmd.Flags().GetInt("limit")

		f := store.JobFilter{OwnerID: owner, SessionID: sessionID, Limit: limit}
		for _, s := range statuses {
			js := model.JobStatus(strings.ToUpper(strings.TrimSpace(s)))
			if !js.Valid() {
				return eris.Errorf("jobs list: unknown status %q", s)
			}
			f.Statuses = append(f.Statuses, js)
		}
		list, err := st.ListJobs(ctx, f)
		if err != nil {
			return eris.Wrap(err, "jobs list")
		}
		if len(list) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}
		formatJobs(os.Stdout, list)
		return nil
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show full details of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		j, err := st.GetJob(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs show")
		}
		return printJSON(j)
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job that has not started processing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEngine(cmd.Context(), "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		j, err := env.Jobs.Cancel(cmd.Context(), args[0])
		if err != nil {
			return eris.Wrap(err, "jobs cancel")
		}
		return printJSON(j)
	},
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit <file>",
	Short: "Upload a local file and submit it for extraction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		owner, _ := cmd.Flags().GetString("owner")
		modelID, _ := cmd.Flags().GetString("model")
		sessionID, _ := cmd.Flags().GetString("session")

		data, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrapf(err, "jobs submit: read %s", args[0])
		}

		env, err := initEngine(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		req := jobs.CreateRequest{
			OwnerID:  owner,
			ModelID:  modelID,
			FileName: filepath.Base(args[0]),
			Data:     data,
		}
		var j *model.Job
		if sessionID != "" {
			j, err = env.Sessions.AddJob(ctx, sessionID, req)
		} else {
			j, err = env.Jobs.Create(ctx, req)
		}
		if err != nil {
			return eris.Wrap(err, "jobs submit")
		}
		if j, err = env.Jobs.Ingest(ctx, j.ID, data); err != nil {
			return eris.Wrap(err, "jobs submit")
		}
		return printJSON(j)
	},
}

func init() {
	jobsListCmd.Flags().String("owner", "", "filter by owner id")
	jobsListCmd.Flags().String("session", "", "filter by session id")
	jobsListCmd.Flags().StringSlice("status", nil, "filter by status; repeat or comma-separate")
	jobsListCmd.Flags().Int("limit", 50, "max number of jobs to display")

	jobsSubmitCmd.Flags().String("owner", "", "owning user id (required)")
	jobsSubmitCmd.Flags().String("model", "", "extraction model id (required)")
	jobsSubmitCmd.Flags().String("session", "", "add the job to this session")
	_ = jobsSubmitCmd.MarkFlagRequired("owner")
	_ = jobsSubmitCmd.MarkFlagRequired("model")

	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsCancelCmd, jobsSubmitCmd)
	rootCmd.AddCommand(jobsCmd)
}
