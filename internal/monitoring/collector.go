package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docflow/internal/model"
	"github.com/sells-group/docflow/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Job metrics (jobs updated within the lookback window).
	JobsTotal     int     `json:"jobs_total"`
	JobsCompleted int     `json:"jobs_completed"`
	JobsFailed    int     `json:"jobs_failed"`
	JobsCancelled int     `json:"jobs_cancelled"`
	JobsExpired   int     `json:"jobs_expired"`
	JobsActive    int     `json:"jobs_active"`
	JobFailRate   float64 `json:"job_fail_rate"`

	// StuckPolling counts jobs polling for longer than the stuck threshold.
	StuckPolling int `json:"stuck_polling"`

	// Cleanup sweeps started within the lookback window.
	SweepsTotal     int                 `json:"sweeps_total"`
	SweepsFailed    int                 `json:"sweeps_failed"`
	LastSweepStatus model.CleanupStatus `json:"last_sweep_status,omitempty"`
	LastSweepAt     *time.Time          `json:"last_sweep_at,omitempty"`

	// LedgerDrift counts users whose balance disagrees with their ledger.
	LedgerDrift int `json:"ledger_drift"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store.
type Collector struct {
	store      store.Store
	stuckAfter time.Duration
	now        func() time.Time
}

// NewCollector creates a new metrics collector. Jobs polling longer than
// stuckAfter are reported as stuck.
func NewCollector(st store.Store, stuckAfter time.Duration) *Collector {
	if stuckAfter <= 0 {
		stuckAfter = time.Hour
	}
	return &Collector{store: st, stuckAfter: stuckAfter, now: time.Now}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	stats, err := c.store.JobStats(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: job stats")
	}
	for status, n := range stats {
		snap.JobsTotal += n
		switch status {
		case model.JobCompleted:
			snap.JobsCompleted = n
		case model.JobFailed:
			snap.JobsFailed = n
		case model.JobCancelled:
			snap.JobsCancelled = n
		case model.JobExpired:
			snap.JobsExpired = n
		default:
			snap.JobsActive += n
		}
	}
	if finished := snap.JobsCompleted + snap.JobsFailed; finished > 0 {
		snap.JobFailRate = float64(snap.JobsFailed) / float64(finished)
	}

	polling, err := c.store.ListJobs(ctx, store.JobFilter{
		Statuses: []model.JobStatus{model.JobPolling},
		Limit:    10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list polling jobs")
	}
	stuck := now.Add(-c.stuckAfter)
	for _, j := range polling {
		if j.PollingStartedAt != nil && j.PollingStartedAt.Before(stuck) {
			snap.StuckPolling++
		}
	}

	logs, err := c.store.ListCleanupLogs(ctx, 100)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list cleanup logs")
	}
	for i, l := range logs {
		if i == 0 {
			started := l.StartedAt
			snap.LastSweepAt = &started
			snap.LastSweepStatus = l.Status
		}
		if l.StartedAt.Before(cutoff) {
			continue
		}
		snap.SweepsTotal++
		if l.Status == model.CleanupFailed {
			snap.SweepsFailed++
		}
	}

	sums, err := c.store.LedgerSums(ctx, "")
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: ledger sums")
	}
	for _, r := range sums {
		if !r.Balanced() {
			snap.LedgerDrift++
		}
	}

	return snap, nil
}
