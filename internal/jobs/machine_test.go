package jobs_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docflow/internal/access"
	"github.com/sells-group/docflow/internal/blob"
	"github.com/sells-group/docflow/internal/config"
	"github.com/sells-group/docflow/internal/extract"
	"github.com/sells-group/docflow/internal/jobs"
	"github.com/sells-group/docflow/internal/ledger"
	"github.com/sells-group/docflow/internal/model"
	"github.com/sells-group/docflow/internal/pdf/pdftest"
	"github.com/sells-group/docflow/internal/store"
	"github.com/sells-group/docflow/internal/store/storetest"
)

type fakeExtractor struct {
	mu        sync.Mutex
	submitErr error
	pollErr   error
	results   []*extract.Result
	submitted []extract.Request
}

func (f *fakeExtractor) Submit(_ context.Context, req extract.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, req)
	return "op-" + req.JobID, nil
}

func (f *fakeExtractor) Poll(_ context.Context, _ string) (*extract.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	if len(f.results) == 0 {
		return &extract.Result{Status: model.OperationRunning}, nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	m     *jobs.Machine
	acc   *access.Manager
	st    store.Store
	ext   *fakeExtractor
	clock *clock
	user  *model.User
	model *model.ExtractionModel

	mu       sync.Mutex
	finished []model.Job
}

func newHarness(t *testing.T, credits int64, limits jobs.Limits) *harness {
	t.Helper()
	st := storetest.NewSQLite(t)
	blobs, err := blob.NewLocal(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		st:    st,
		ext:   &fakeExtractor{},
		clock: &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.user = storetest.SeedUser(t, st, model.RoleUser, credits)
	h.model = storetest.SeedModel(t, st, "invoice", 50)
	storetest.SeedGrant(t, st, h.model.ID, h.user.ID)

	h.acc = access.New(st, access.WithClock(h.clock.Now))
	h.m = jobs.New(st, blobs, h.ext, ledger.New(st), h.acc,
		jobs.WithClock(h.clock.Now), jobs.WithLimits(limits))
	h.m.OnTerminal(func(_ context.Context, j *model.Job) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.finished = append(h.finished, *j)
	})
	return h
}

func (h *harness) create(t *testing.T, pages int) (*model.Job, []byte) {
	t.Helper()
	data := pdftest.Blank(pages)
	j, err := h.m.Create(context.Background(), jobs.CreateRequest{
		OwnerID:  h.user.ID,
		ModelID:  h.model.ID,
		FileName: "scan.pdf",
		Data:     data,
	})
	require.NoError(t, err)
	return j, data
}

func (h *harness) ingest(t *testing.T, pages int) *model.Job {
	t.Helper()
	j, data := h.create(t, pages)
	j, err := h.m.Ingest(context.Background(), j.ID, data)
	require.NoError(t, err)
	return j
}

func (h *harness) balance(t *testing.T) int64 {
	t.Helper()
	u, err := h.st.GetUser(context.Background(), h.user.ID)
	require.NoError(t, err)
	return u.Credits
}

func TestCreate(t *testing.T) {
	h := newHarness(t, 10, jobs.DefaultLimits())

	j, _ := h.create(t, 3)
	assert.Equal(t, model.JobQueued, j.Status)
	assert.Equal(t, 3, j.PageCount)
	assert.Equal(t, "application/pdf", j.ContentType)
	assert.True(t, j.Standalone())
	assert.Equal(t, h.clock.Now().Add(72*time.Hour), j.ExpiresAt)
	assert.Equal(t, int64(10), h.balance(t), "creating a job charges nothing")
}

func TestCreate_Validation(t *testing.T) {
	limits := jobs.DefaultLimits()
	limits.MaxFileSize = 4096
	h := newHarness(t, 10, limits)
	ctx := context.Background()

	other := storetest.SeedModel(t, h.st, "receipt", 2)

	tests := []struct {
		name string
		req  jobs.CreateRequest
		want error
	}{
		{"blank name", jobs.CreateRequest{FileName: "  ", FileSize: 10, PageCount: 1}, model.ErrValidation},
		{"empty file", jobs.CreateRequest{FileName: "a.pdf", PageCount: 1}, model.ErrValidation},
		{"too large", jobs.CreateRequest{FileName: "a.pdf", FileSize: 5000, PageCount: 1}, model.ErrValidation},
		{"no pages", jobs.CreateRequest{FileName: "a.pdf", FileSize: 10}, model.ErrValidation},
		{"over model page limit", jobs.CreateRequest{FileName: "a.pdf", FileSize: 10, PageCount: 51}, model.ErrValidation},
		{"unknown model", jobs.CreateRequest{FileName: "a.pdf", FileSize: 10, PageCount: 1, ModelID: "nope"}, model.ErrNotFound},
		{"no grant", jobs.CreateRequest{FileName: "a.pdf", FileSize: 10, PageCount: 1, ModelID: other.ID}, model.ErrAccessDenied},
		{"unreadable pdf", jobs.CreateRequest{FileName: "a.pdf", Data: []byte("%PDF-1.4 broken")}, model.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			req.OwnerID = h.user.ID
			if req.ModelID == "" {
				req.ModelID = h.model.ID
			}
			_, err := h.m.Create(ctx, req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCreate_InactiveUser(t *testing.T) {
	h := newHarness(t, 10, jobs.DefaultLimits())
	require.NoError(t, h.st.SetUserActive(context.Background(), h.user.ID, false, h.clock.Now()))

	_, err := h.m.Create(context.Background(), jobs.CreateRequest{
		OwnerID: h.user.ID, ModelID: h.model.ID, FileName: "a.pdf", FileSize: 10, PageCount: 1,
	})
	assert.ErrorIs(t, err, model.ErrAccessDenied)
}

func TestCreate_AfterRevoke(t *testing.T) {
	h := newHarness(t, 10, jobs.DefaultLimits())
	ctx := context.Background()
	req := jobs.CreateRequest{OwnerID: h.user.ID, ModelID: h.model.ID, FileName: "a.pdf", FileSize: 10, PageCount: 1}

	_, err := h.m.Create(ctx, req)
	require.NoError(t, err)

	require.NoError(t, h.acc.Revoke(ctx, h.model.ID, h.user.ID))
	_, err = h.m.Create(ctx, req)
	assert.ErrorIs(t, err, model.ErrAccessDenied)

	all, err := h.st.ListJobs(ctx, store.JobFilter{OwnerID: h.user.ID})
	require.NoError(t, err)
	assert.Len(t, all, 1, "denied create stores nothing")
}

func TestLifecycle_Completed(t *testing.T) {
	h := newHarness(t, 10, jobs.DefaultLimits())
	ctx := context.Background()

	j := h.ingest(t, 3)
	require.Equal(t, model.JobPolling, j.Status)
	assert.Equal(t, "op-"+j.ID, j.OperationID)
	assert.NotEmpty(t, j.BlobURL)
	require.Len(t, h.ext.submitted, 1)
	assert.Equal(t, 3, h.ext.submitted[0].PageCount)

	j, err := h.m.Poll(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobPolling, j.Status)
	assert.Equal(t, 1, j.PollAttempts)
	assert.NotNil(t, j.LastPolledAt)

	h.ext.results = []*extract.Result{{
		Status:         model.OperationSucceeded,
		Fields:         json.RawMessage(`{"total":"12.50"}`),
		PagesProcessed: 3,
	}}
	j, err = h.m.Poll(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, j.Status)
	assert.Equal(t, 3, j.PagesProcessed)
	assert.Equal(t, int64(3), j.CreditsUsed)
	assert.NotNil(t, j.CompletedAt)
	assert.JSONEq(t, `{"total":"12.50"}`, string(j.Fields))
	assert.Equal(t, int64(7), h.balance(t))

	txns, err := h.st.ListTransactions(ctx, store.TransactionFilter{UserID: h.user.ID, Type: model.TxUsage})
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, int64(-3), txns[0].Credits)
	require.NotNil(t, txns[0].RefJobID)
	assert.Equal(t, j.ID, *txns[0].RefJobID)

	require.Len(t, h.finished, 1)
	assert.Equal(t, model.JobCompleted, h.finished[0].Status)

	// Polling a finished job changes nothing.
	again, err := h.m.Poll(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, again.Status)
	assert.Equal(t, int64(7), h.balance(t))
}

func TestPoll_ClampsReportedPages(t *testing.T) {
	for _, reported := range []int{0, 9} {
		h := newHarness(t, 10, jobs.DefaultLimits())
		j := h.ingest(t, 2)
		h.ext.results = []*extract.Result{{Status: model.OperationSucceeded, PagesProcessed: reported}}

		j, err := h.m.Poll(context.Background(), j.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, j.PagesProcessed, "reported %d", reported)
		assert.Equal(t, int64(8), h.balance(t))
	}
}

func TestPoll_InsufficientCredits(t *testing.T) {
	h := newHarness(t, 2, jobs.DefaultLimits())
	j := h.ingest(t, 3)
	h.ext.results = []*extract.Result{{Status: model.OperationSucceeded, PagesProcessed: 3}}

	j, err := h.m.Poll(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, j.Status)
	assert.Equal(t, model.ErrorKindInsufficientCredits, j.ErrorKind)
	assert.Zero(t, j.CreditsUsed)
	assert.Equal(t, int64(2), h.balance(t))
	require.Len(t, h.finished, 1)
}

func TestPoll_OperationFailed(t *testing.T) {
	h := newHarness(t, 10, jobs.DefaultLimits())
	j := h.ingest(t, 1)
	h.ext.results = []*extract.Result{{Status: model.OperationFailed, Error: "InvalidContent: unreadable scan"}}

	j, err := h.m.Poll(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, j.Status)
	assert.Equal(t, model.ErrorKindExtraction, j.ErrorKind)
	assert.Contains(t, j.Error, "unreadable scan")
	assert.Equal(t, int64(10), h.balance(t))
}

func TestPoll_ConsecutiveErrors(t *testing.T) {
	limits := jobs.DefaultLimits()
	limits.MaxPollErrors = 3
	h := newHarness(t, 10, limits)
	ctx := context.Background()
	j := h.ingest(t, 1)

	h.ext.pollErr = errors.New("connection reset")
	for i := 1; i < 3; i++ {
		var err error
		j, err = h.m.Poll(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobPolling, j.Status)
		assert.Equal(t, i, j.PollErrors)
	}

	// A good poll resets the streak.
	h.ext.pollErr = nil
	j, err := h.m.Poll(ctx, j.ID)
	require.NoError(t, err)
	assert.Zero(t, j.PollErrors)

	h.ext.pollErr = errors.New("connection reset")
	for i := 0; i < 3; i++ {
		j, err = h.m.Poll(ctx, j.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, model.JobFailed, j.Status)
	assert.Equal(t, model.ErrorKindPoll, j.ErrorKind)
}

func TestPoll_Timeout(t *testing.T) {
	h := newHarness(t, 10, jobs.DefaultLimits())
	j := h.ingest(t, 1)

	h.clock.Advance(31 * time.Minute)
	j, err := h.m.Poll(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, j.Status)
	assert.Equal(t, model.ErrorKindTimeout, j.ErrorKind)
}

func TestPoll_NeedsReview(t *testing.T) {
	h := newHarness(t, 10, jobs.DefaultLimits())
	h.model.FieldSchema = json.RawMessage(`{"type":"object","required":["total"]}`)
	require.NoError(t, h.st.UpsertModels(context.Background(), []model.ExtractionModel{*h.model}))

	j := h.ingest(t, 1)
	h.ext.results = []*extract.Result{{Status: model.OperationSucceeded, Fields: json.RawMessage(`{"vendor":"Acme"}`)}}

	j, err := h.m.Poll(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, j.Status)
	assert.True(t, j.NeedsReview)
	assert.Equal(t, int64(1), j.CreditsUsed)
}

func TestIngest_SubmissionRejected(t *testing.T) {
	h := newHarness(t, 10, jobs.DefaultLimits())
	h.ext.submitErr = errors.New("400 unsupported file")

	j, data := h.create(t, 1)
	j, err := h.m.Ingest(context.Background(), j.ID, data)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, j.Status)
	assert.Equal(t, model.ErrorKindSubmission, j.ErrorKind)
	assert.Zero(t, j.CreditsUsed)
}

func TestIngest_SplitsPages(t *testing.T) {
	limits := jobs.DefaultLimits()
	limits.SplitPages = true
	h := newHarness(t, 10, limits)
	ctx := context.Background()

	parent := h.ingest(t, 3)
	assert.Equal(t, model.JobCompleted, parent.Status)
	assert.Zero(t, parent.CreditsUsed)
	assert.JSONEq(t, `{"split_pages":3}`, string(parent.Result))

	children, err := h.m.List(ctx, store.JobFilter{ParentJobID: parent.ID})
	require.NoError(t, err)
	require.Len(t, children, 3)
	for _, c := range children {
		assert.Equal(t, model.JobPolling, c.Status)
		assert.Equal(t, 1, c.PageCount)
		require.NotNil(t, c.ParentJobID)
		assert.Equal(t, parent.ID, *c.ParentJobID)
	}
	assert.Len(t, h.ext.submitted, 3)

	for _, c := range children {
		h.ext.results = []*extract.Result{{Status: model.OperationSucceeded, PagesProcessed: 1}}
		done, err := h.m.Poll(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobCompleted, done.Status)
	}
	assert.Equal(t, int64(7), h.balance(t))
}

func TestCancel(t *testing.T) {
	h := newHarness(t, 10, jobs.DefaultLimits())
	ctx := context.Background()

	queued, _ := h.create(t, 1)
	j, err := h.m.Cancel(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, j.Status)
	require.Len(t, h.finished, 1)

	j, err = h.m.Cancel(ctx, queued.ID)
	require.NoError(t, err, "cancelling a terminal job is a no-op")
	assert.Equal(t, model.JobCancelled, j.Status)
	assert.Len(t, h.finished, 1)

	polling := h.ingest(t, 1)
	j, err = h.m.Cancel(ctx, polling.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, j.Status)

	// A cancelled job ignores a late result.
	h.ext.results = []*extract.Result{{Status: model.OperationSucceeded}}
	j, err = h.m.Poll(ctx, polling.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, j.Status)
	assert.Equal(t, int64(10), h.balance(t))
}

func TestCancel_ProcessingConflicts(t *testing.T) {
	h := newHarness(t, 10, jobs.DefaultLimits())
	ctx := context.Background()
	j := h.ingest(t, 1)

	processing := *j
	processing.Status = model.JobProcessing
	require.NoError(t, h.st.UpdateJob(ctx, &processing, model.JobPolling, nil))

	_, err := h.m.Cancel(ctx, j.ID)
	assert.ErrorIs(t, err, model.ErrConflict)
}

func TestExpire(t *testing.T) {
	h := newHarness(t, 10, jobs.DefaultLimits())
	ctx := context.Background()

	j := h.ingest(t, 1)
	expired, err := h.m.Expire(ctx, j)
	require.NoError(t, err)
	assert.Equal(t, model.JobExpired, expired.Status)

	// Expiring again leaves the stored job alone.
	again, err := h.m.Expire(ctx, j)
	require.NoError(t, err)
	assert.Equal(t, model.JobExpired, again.Status)
	assert.Len(t, h.finished, 1)
}

func TestSubmit_ReadsBlob(t *testing.T) {
	h := newHarness(t, 10, jobs.DefaultLimits())
	ctx := context.Background()

	j, data := h.create(t, 2)
	j, err := h.m.BeginUpload(ctx, j.ID, data)
	require.NoError(t, err)
	assert.Equal(t, model.JobUploading, j.Status)

	j, err = h.m.Submit(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobPolling, j.Status)
	require.Len(t, h.ext.submitted, 1)
	assert.Equal(t, data, h.ext.submitted[0].Data)

	_, err = h.m.Submit(ctx, j.ID)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestLimitsFromConfig(t *testing.T) {
	l := jobs.LimitsFromConfig(config.JobsConfig{MaxFileSizeMB: 10, MaxPages: 20, SplitPages: true})
	assert.Equal(t, int64(10<<20), l.MaxFileSize)
	assert.Equal(t, 20, l.MaxPages)
	assert.Equal(t, 72*time.Hour, l.Retention)
	assert.True(t, l.SplitPages)
}
