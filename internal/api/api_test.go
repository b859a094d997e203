package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docflow/internal/access"
	"github.com/sells-group/docflow/internal/api"
	"github.com/sells-group/docflow/internal/blob"
	"github.com/sells-group/docflow/internal/config"
	"github.com/sells-group/docflow/internal/consolidate"
	"github.com/sells-group/docflow/internal/extract"
	"github.com/sells-group/docflow/internal/jobs"
	"github.com/sells-group/docflow/internal/ledger"
	"github.com/sells-group/docflow/internal/model"
	"github.com/sells-group/docflow/internal/monitoring"
	"github.com/sells-group/docflow/internal/pdf/pdftest"
	"github.com/sells-group/docflow/internal/session"
	"github.com/sells-group/docflow/internal/store"
	"github.com/sells-group/docflow/internal/store/storetest"
)

type runningExtractor struct{}

func (runningExtractor) Submit(_ context.Context, req extract.Request) (string, error) {
	return "op-" + req.JobID, nil
}

func (runningExtractor) Poll(context.Context, string) (*extract.Result, error) {
	return &extract.Result{Status: model.OperationRunning}, nil
}

type env struct {
	st    store.Store
	led   *ledger.Ledger
	srv   *api.Server
	h     http.Handler
	user  *model.User
	other *model.User
	admin *model.User
	model *model.ExtractionModel
}

func setup(t *testing.T) *env {
	t.Helper()
	st := storetest.NewSQLite(t)
	blobs, err := blob.NewLocal(t.TempDir())
	require.NoError(t, err)

	led := ledger.New(st)
	acc := access.New(st)
	m := jobs.New(st, blobs, runningExtractor{}, led, acc)
	agg := session.New(st, m, consolidate.New(blobs))
	mcfg := config.MonitoringConfig{LookbackWindowHours: 24, FailureRateThreshold: 0.5, StuckPollingMinutes: 30}
	checker := monitoring.NewChecker(monitoring.NewCollector(st, 0), monitoring.NewAlerter(mcfg), mcfg)

	e := &env{st: st, led: led}
	e.user = storetest.SeedUser(t, st, model.RoleUser, 100)
	e.other = storetest.SeedUser(t, st, model.RoleUser, 100)
	e.admin = storetest.SeedUser(t, st, model.RoleAdmin, 0)
	e.model = storetest.SeedModel(t, st, "invoice", 50)
	storetest.SeedGrant(t, st, e.model.ID, e.user.ID)

	e.srv = api.New(api.Deps{Store: st, Jobs: m, Sessions: agg, Ledger: led, Access: acc, Checker: checker}, nil)
	e.h = e.srv.Handler()
	return e
}

func (e *env) do(t *testing.T, method, path string, as *model.User, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case []byte:
		rd = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if as != nil {
		req.Header.Set(api.UserHeader, as.ID)
	}
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (e *env) upload(t *testing.T, as *model.User, query string, pages int) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, http.MethodPost, "/jobs?model_id=invoice&file_name=scan.pdf"+query, as, pdftest.Blank(pages))
}

func TestHealth(t *testing.T) {
	e := setup(t)
	rec := e.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestAuthentication(t *testing.T) {
	e := setup(t)

	rec := e.do(t, http.MethodGet, "/me/balance", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodGet, "/me/balance", &model.User{ID: "nobody"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	require.NoError(t, e.st.SetUserActive(context.Background(), e.other.ID, false))
	rec = e.do(t, http.MethodGet, "/me/balance", e.other, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, http.MethodPost, "/admin/credits", e.user, map[string]any{"user_id": e.user.ID, "direction": "add", "amount": 5, "reason": "x"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestUploadJob(t *testing.T) {
	e := setup(t)

	rec := e.upload(t, e.user, "", 2)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	j := decode[model.Job](t, rec)
	assert.Equal(t, model.JobPolling, j.Status)
	assert.Equal(t, 2, j.PageCount)
	assert.Equal(t, "op-"+j.ID, j.OperationID)

	rec = e.do(t, http.MethodGet, "/jobs/"+j.ID, e.user, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/jobs/"+j.ID, e.other, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "other users cannot see the job")

	rec = e.do(t, http.MethodGet, "/jobs/"+j.ID, e.admin, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodPost, "/jobs/"+j.ID+"/cancel", e.user, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.JobCancelled, decode[model.Job](t, rec).Status)
}

func TestUploadJob_Rejected(t *testing.T) {
	e := setup(t)

	rec := e.do(t, http.MethodPost, "/jobs?file_name=scan.pdf", e.user, pdftest.Blank(1))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.NotEmpty(t, body["details"])

	rec = e.upload(t, e.other, "", 1)
	assert.Equal(t, http.StatusForbidden, rec.Code, "no grant")

	rec = e.upload(t, e.user, "", 51)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "over the model page limit")

	rec = e.do(t, http.MethodPost, "/jobs?model_id=missing&file_name=a.pdf", e.user, pdftest.Blank(1))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionFlow(t *testing.T) {
	e := setup(t)

	rec := e.do(t, http.MethodPost, "/sessions", e.user, map[string]string{"name": "March invoices"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	s := decode[model.Session](t, rec)
	assert.Equal(t, model.SessionUploading, s.Status)

	for i := 0; i < 2; i++ {
		rec = e.upload(t, e.user, "&session_id="+s.ID, 1)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec = e.upload(t, e.other, "&session_id="+s.ID, 1)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, http.MethodGet, "/sessions/"+s.ID, e.user, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decode[session.Summary](t, rec)
	assert.Equal(t, 2, sum.TotalFiles)
	assert.Equal(t, 2, sum.TotalPages)

	rec = e.do(t, http.MethodGet, "/sessions/"+s.ID, e.other, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodPost, "/sessions/"+s.ID+"/start", e.user, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, model.SessionProcessing, decode[model.Session](t, rec).Status)

	rec = e.do(t, http.MethodPost, "/sessions/"+s.ID+"/cancel", e.user, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, model.SessionCancelled, decode[model.Session](t, rec).Status)

	rec = e.upload(t, e.user, "&session_id="+s.ID, 1)
	assert.Equal(t, http.StatusConflict, rec.Code, "cancelled sessions accept no uploads")

	rec = e.do(t, http.MethodGet, "/sessions?status=cancelled", e.user, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]model.Session](t, rec), 1)

	rec = e.do(t, http.MethodGet, "/sessions?status=bogus", e.user, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateSession_Validation(t *testing.T) {
	e := setup(t)
	rec := e.do(t, http.MethodPost, "/sessions", e.user, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/sessions", e.user, []byte(`{"name":"x","extra":1}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBalanceAndAdjust(t *testing.T) {
	e := setup(t)

	rec := e.do(t, http.MethodPost, "/admin/credits", e.admin, map[string]any{
		"user_id": e.user.ID, "direction": "add", "amount": 25, "reason": "goodwill",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodGet, "/me/balance", e.user, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, fmt.Sprintf(`{"user_id":%q,"credits":125}`, e.user.ID), rec.Body.String())

	rec = e.do(t, http.MethodPost, "/admin/credits", e.admin, map[string]any{
		"user_id": e.user.ID, "direction": "remove", "amount": 500, "reason": "clawback",
	})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	rec = e.do(t, http.MethodPost, "/admin/credits", e.admin, map[string]any{
		"user_id": e.user.ID, "direction": "sideways", "amount": 1, "reason": "x",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodGet, "/me/transactions?limit=10", e.user, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]model.Transaction](t, rec), 2)

	rec = e.do(t, http.MethodGet, "/me/transactions?limit=abc", e.user, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = e.do(t, http.MethodGet, "/me/transactions?limit=1000", e.user, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefund(t *testing.T) {
	e := setup(t)
	usage, err := e.led.Charge(context.Background(), e.user.ID, 10, "pages", "")
	require.NoError(t, err)

	rec := e.do(t, http.MethodPost, "/admin/refunds", e.admin, map[string]string{"transaction_id": usage.ID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, int64(10), decode[model.Transaction](t, rec).Credits)

	rec = e.do(t, http.MethodPost, "/admin/refunds", e.admin, map[string]string{"transaction_id": usage.ID})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, http.MethodPost, "/admin/refunds", e.admin, map[string]string{"transaction_id": "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGrants(t *testing.T) {
	e := setup(t)

	rec := e.do(t, http.MethodGet, "/admin/grants/candidates?model_id=invoice", e.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ids := func(users []model.User) []string {
		out := make([]string, len(users))
		for i, u := range users {
			out[i] = u.ID
		}
		return out
	}
	candidates := ids(decode[[]model.User](t, rec))
	assert.Contains(t, candidates, e.other.ID)
	assert.NotContains(t, candidates, e.user.ID)

	rec = e.do(t, http.MethodPost, "/admin/grants", e.admin, map[string]string{"model_id": "invoice", "user_id": e.other.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, http.StatusCreated, e.upload(t, e.other, "", 1).Code)

	rec = e.do(t, http.MethodDelete, "/admin/grants/invoice/"+e.other.ID, e.admin, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, http.StatusForbidden, e.upload(t, e.other, "", 1).Code)

	rec = e.do(t, http.MethodGet, "/admin/grants/candidates", e.admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetrics(t *testing.T) {
	e := setup(t)
	require.Equal(t, http.StatusCreated, e.upload(t, e.user, "", 1).Code)

	rec := e.do(t, http.MethodGet, "/admin/metrics", e.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[map[string]json.RawMessage](t, rec)
	assert.Contains(t, body, "metrics")
	assert.Contains(t, body, "alerts")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{model.ErrValidation, http.StatusBadRequest},
		{model.ErrAccessDenied, http.StatusForbidden},
		{model.ErrInsufficientCredits, http.StatusPaymentRequired},
		{model.ErrNotFound, http.StatusNotFound},
		{model.ErrConflict, http.StatusConflict},
		{model.ErrAlreadyRefunded, http.StatusConflict},
		{model.ErrStorage, http.StatusInternalServerError},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, api.StatusFor(tt.err), tt.err.Error())
	}
}
