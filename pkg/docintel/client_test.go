package docintel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-api-key")
}

func TestAnalyze(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantID     string
		wantStatus int
		wantErr    bool
	}{
		{
			name: "accepted",
			handler: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/models/invoice/analyze", r.URL.Path)
				assert.Equal(t, "Bearer test-api-key", r.Header.Get("Authorization"))

				var body AnalyzeRequest
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				data, err := base64.StdEncoding.DecodeString(body.Base64Source)
				require.NoError(t, err)
				assert.Equal(t, "%PDF-1.4", string(data))
				assert.Equal(t, "a.pdf", body.FileName)
				assert.Equal(t, "job-1", body.Reference)

				w.WriteHeader(http.StatusAccepted)
				json.NewEncoder(w).Encode(AnalyzeResponse{OperationID: "op-1"}) //nolint:errcheck
			},
			wantID: "op-1",
		},
		{
			name: "rejected",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"error":"unsupported file"}`)) //nolint:errcheck
			},
			wantErr:    true,
			wantStatus: 400,
		},
		{
			name: "throttled",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
			},
			wantErr:    true,
			wantStatus: 429,
		},
		{
			name: "missing operation id",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Write([]byte(`{}`)) //nolint:errcheck
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestServer(t, tt.handler)
			req := NewAnalyzeRequest("invoice", "a.pdf", "application/pdf", "job-1", []byte("%PDF-1.4"))
			resp, err := c.Analyze(context.Background(), req)

			if tt.wantErr {
				require.Error(t, err)
				if tt.wantStatus != 0 {
					var apiErr *APIError
					require.ErrorAs(t, err, &apiErr)
					assert.Equal(t, tt.wantStatus, apiErr.StatusCode)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, resp.OperationID)
		})
	}
}

func TestAnalyze_RequiresModel(t *testing.T) {
	c := NewClient("http://unused", "")
	_, err := c.Analyze(context.Background(), AnalyzeRequest{})
	assert.Error(t, err)
}

func TestGetOperation(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		switch r.URL.Path {
		case "/operations/op-ok":
			w.Write([]byte(`{"status":"succeeded","pagesProcessed":3,"fields":{"total":"12.50"}}`)) //nolint:errcheck
		case "/operations/op-bad":
			w.Write([]byte(`{"id":"op-bad","status":"failed","error":{"code":"InvalidContent","message":"corrupt"}}`)) //nolint:errcheck
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	op, err := c.GetOperation(ctx, "op-ok")
	require.NoError(t, err)
	assert.Equal(t, "op-ok", op.ID)
	assert.Equal(t, StatusSucceeded, op.Status)
	assert.Equal(t, 3, op.PagesProcessed)
	assert.JSONEq(t, `{"total":"12.50"}`, string(op.Fields))

	op, err = c.GetOperation(ctx, "op-bad")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, op.Status)
	assert.Equal(t, "InvalidContent: corrupt", op.Error.String())

	_, err = c.GetOperation(ctx, "missing")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestOperationError_String(t *testing.T) {
	var nilErr *OperationError
	assert.Empty(t, nilErr.String())
	assert.Equal(t, "boom", (&OperationError{Message: "boom"}).String())
}
