package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/sells-group/docflow/internal/model"
)

const timeLayout = "2006-01-02 15:04"

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

// formatJobs writes a tabular list of jobs to out.
func formatJobs(out io.Writer, list []model.Job) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tFILE\tSTATUS\tPAGES\tCREDITS\tERROR\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t-----\t-------\t-----\t-------")
	for _, j := range list {
		pages := fmt.Sprintf("%d/%d", j.PagesProcessed, j.PageCount)
		errKind := string(j.ErrorKind)
		if j.NeedsReview && errKind == "" {
			errKind = "needs_review"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			truncateID(j.ID),
			truncate(j.FileName, 30),
			j.Status,
			pages,
			j.CreditsUsed,
			errKind,
			j.CreatedAt.Format(timeLayout),
		)
	}
	_ = w.Flush()
}

// formatSessions writes a tabular list of sessions to out.
func formatSessions(out io.Writer, list []model.Session) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSTATUS\tFILES\tPAGES\tCREATED\tEXPIRES")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t-----\t-----\t-------\t-------")
	for _, s := range list {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d/%d\t%s\t%s\n",
			truncateID(s.ID),
			truncate(s.Name, 30),
			s.Status,
			s.TotalFiles,
			s.ProcessedPages, s.TotalPages,
			s.CreatedAt.Format(timeLayout),
			s.ExpiresAt.Format(timeLayout),
		)
	}
	_ = w.Flush()
}

// formatTransactions writes a tabular list of ledger entries to out.
func formatTransactions(out io.Writer, txns []model.Transaction) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tCREDITS\tBALANCE\tDESCRIPTION\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t-------\t-------\t-----------\t-------")
	for _, t := range txns {
		balance := ""
		if t.BalanceAfter != nil {
			balance = fmt.Sprintf("%d", *t.BalanceAfter)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%+d\t%s\t%s\t%s\n",
			truncateID(t.ID),
			t.Type,
			t.Status,
			t.Credits,
			balance,
			truncate(t.Description, 40),
			t.CreatedAt.Format(timeLayout),
		)
	}
	_ = w.Flush()
}

// formatUsers writes a tabular list of users to out.
func formatUsers(out io.Writer, users []model.User) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tEMAIL\tNAME\tROLE\tACTIVE\tCREDITS")
	_, _ = fmt.Fprintln(w, "--\t-----\t----\t----\t------\t-------")
	for _, u := range users {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%d\n",
			u.ID, u.Email, truncate(u.Name, 30), u.Role, u.Active, u.Credits)
	}
	_ = w.Flush()
}

// formatModels writes a tabular list of extraction models to out.
func formatModels(out io.Writer, models []model.ExtractionModel) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tPROVIDER_MODEL\tMAX_PAGES\tSCHEMA\tACTIVE")
	_, _ = fmt.Fprintln(w, "--\t----\t--------------\t---------\t------\t------")
	for _, m := range models {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%t\t%t\n",
			m.ID, truncate(m.Name, 30), m.ProviderModel, m.MaxPages, len(m.FieldSchema) > 0, m.Active)
	}
	_ = w.Flush()
}

// formatGrants writes a tabular list of grants to out. USABLE is evaluated
// at now.
func formatGrants(out io.Writer, grants []model.ModelAccess, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "MODEL\tUSER\tACTIVE\tUSABLE\tEXPIRES\tGRANTED")
	_, _ = fmt.Fprintln(w, "-----\t----\t------\t------\t-------\t-------")
	for _, g := range grants {
		expires := "never"
		if g.ExpiresAt != nil {
			expires = g.ExpiresAt.Format(timeLayout)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%s\t%s\n",
			g.ModelID, g.UserID, g.Active, g.Usable(now), expires, g.GrantedAt.Format(timeLayout))
	}
	_ = w.Flush()
}

// formatReconciliations writes balance/ledger comparisons to out.
func formatReconciliations(out io.Writer, rs []model.Reconciliation) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "USER\tBALANCE\tLEDGER_SUM\tDRIFT")
	_, _ = fmt.Fprintln(w, "----\t-------\t----------\t-----")
	for _, r := range rs {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%+d\n", r.UserID, r.Balance, r.LedgerSum, r.Drift())
	}
	_ = w.Flush()
}

// formatCleanupLogs writes a tabular list of sweeps to out.
func formatCleanupLogs(out io.Writer, logs []model.CleanupLog) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tSESSIONS\tJOBS\tBLOBS\tSTARTED\tDURATION\tERROR")
	_, _ = fmt.Fprintln(w, "--\t------\t--------\t----\t-----\t-------\t--------\t-----")
	for _, l := range logs {
		dur := ""
		if l.FinishedAt != nil {
			dur = l.FinishedAt.Sub(l.StartedAt).Round(time.Second).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\t%s\t%s\n",
			truncateID(l.ID),
			l.Status,
			l.SessionsExpired,
			l.JobsExpired,
			l.BlobsDeleted,
			l.StartedAt.Format(timeLayout),
			dur,
			truncate(l.Error, 60),
		)
	}
	_ = w.Flush()
}
