package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docflow/internal/config"
	"github.com/sells-group/docflow/internal/model"
	"github.com/sells-group/docflow/internal/store"
	"github.com/sells-group/docflow/internal/store/storetest"
)

// recordingPoller counts polls per job and flags overlapping polls.
type recordingPoller struct {
	mu       sync.Mutex
	polls    map[string]int
	active   map[string]bool
	overlaps int
	delay    time.Duration
}

func newRecordingPoller(delay time.Duration) *recordingPoller {
	return &recordingPoller{polls: map[string]int{}, active: map[string]bool{}, delay: delay}
}

func (p *recordingPoller) Poll(_ context.Context, id string) (*model.Job, error) {
	p.mu.Lock()
	if p.active[id] {
		p.overlaps++
	}
	p.active[id] = true
	p.polls[id]++
	p.mu.Unlock()

	time.Sleep(p.delay)

	p.mu.Lock()
	p.active[id] = false
	p.mu.Unlock()
	return &model.Job{ID: id, Status: model.JobPolling}, nil
}

func (p *recordingPoller) count(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polls[id]
}

func seedPolling(t *testing.T, st store.Store, n int) []string {
	t.Helper()
	u := storetest.SeedUser(t, st, model.RoleUser, 0)
	storetest.SeedModel(t, st, "invoice", 10)
	now := time.Now().UTC()

	ids := make([]string, n)
	for i := range ids {
		j := storetest.NewJob(u.ID, "invoice", nil, 1, now)
		j.Status = model.JobPolling
		require.NoError(t, st.CreateJob(context.Background(), j))
		ids[i] = j.ID
	}
	// A finished job is never dispatched.
	done := storetest.NewJob(u.ID, "invoice", nil, 1, now)
	done.Status = model.JobCompleted
	require.NoError(t, st.CreateJob(context.Background(), done))
	return ids
}

func TestOptionsFromConfig(t *testing.T) {
	o := OptionsFromConfig(config.JobsConfig{PollIntervalSecs: 3, PollWorkers: 2})
	assert.Equal(t, 3*time.Second, o.Interval)
	assert.Equal(t, 2, o.Workers)
	assert.Equal(t, 50, o.BatchSize)
	assert.Equal(t, 2, o.Burst)
}

func TestTick(t *testing.T) {
	st := storetest.NewSQLite(t)
	ids := seedPolling(t, st, 3)
	p := newRecordingPoller(0)
	d := NewDispatcher(st, p, Options{Workers: 2})

	n, err := d.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	for _, id := range ids {
		assert.Equal(t, 1, p.count(id))
	}
	assert.Zero(t, d.InFlight())
}

func TestTick_SkipsInFlight(t *testing.T) {
	st := storetest.NewSQLite(t)
	ids := seedPolling(t, st, 2)
	p := newRecordingPoller(0)
	d := NewDispatcher(st, p, Options{})

	require.True(t, d.claim(ids[0]))
	n, err := d.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, p.count(ids[0]))
	assert.Equal(t, 1, p.count(ids[1]))
}

func TestRun_NoConcurrentPollsOfOneJob(t *testing.T) {
	st := storetest.NewSQLite(t)
	ids := seedPolling(t, st, 5)
	p := newRecordingPoller(30 * time.Millisecond)
	d := NewDispatcher(st, p, Options{Interval: 5 * time.Millisecond, Workers: 4})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			if p.count(id) < 2 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Zero(t, p.overlaps)
}

type countingSweeper struct {
	runs atomic.Int32
	err  error
}

func (s *countingSweeper) Run(context.Context) (*model.CleanupLog, error) {
	s.runs.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return &model.CleanupLog{ID: "log", Status: model.CleanupCompleted}, nil
}

func TestParseSchedule(t *testing.T) {
	for _, ok := range []string{"*/15 * * * *", "0 3 * * *", "@every 30s", "@hourly"} {
		_, err := ParseSchedule(ok)
		assert.NoError(t, err, ok)
	}
	_, err := ParseSchedule("every day")
	assert.Error(t, err)

	_, err = NewCronSweeps(&countingSweeper{}, "* * *", time.Minute)
	assert.Error(t, err)
}

func TestCronSweeps_Run(t *testing.T) {
	s := &countingSweeper{}
	c, err := NewCronSweeps(s, "@every 1s", time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return s.runs.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestCronSweeps_SweepTolerant(t *testing.T) {
	s := &countingSweeper{err: model.ErrSweepInProgress}
	c, err := NewCronSweeps(s, "@hourly", 0)
	require.NoError(t, err)

	c.sweep(context.Background())
	assert.Equal(t, int32(1), s.runs.Load())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.sweep(ctx)
	assert.Equal(t, int32(1), s.runs.Load(), "no sweep after shutdown")
}
