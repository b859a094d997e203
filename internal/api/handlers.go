package api

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/docflow/internal/access"
	"github.com/sells-group/docflow/internal/jobs"
	"github.com/sells-group/docflow/internal/ledger"
	"github.com/sells-group/docflow/internal/model"
	"github.com/sells-group/docflow/internal/monitoring"
	"github.com/sells-group/docflow/internal/session"
	"github.com/sells-group/docflow/internal/store"
)

type createSessionRequest struct {
	Name string `json:"name" validate:"required,max=200"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !s.decode(w, r, &req) {
		return
	}
	sess, err := s.Sessions.Create(r.Context(), caller(r).ID, req.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	p, ok := s.page(w, r)
	if !ok {
		return
	}
	f := store.SessionFilter{OwnerID: caller(r).ID, Limit: p.Limit, Offset: p.Offset}
	if st := model.SessionStatus(strings.ToUpper(r.URL.Query().Get("status"))); st != "" {
		if !st.Valid() {
			writeMessage(w, http.StatusBadRequest, "unknown status "+string(st))
			return
		}
		f.Status = st
	}
	list, err := s.Sessions.List(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// ownedSession loads the session and hides it from non-owners.
func (s *Server) ownedSession(w http.ResponseWriter, r *http.Request) (*session.Summary, bool) {
	id := chi.URLParam(r, "id")
	sum, err := s.Sessions.Get(r.Context(), id)
	if err == nil && !owns(caller(r), sum.OwnerID) {
		err = hidden("session", id)
	}
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	return sum, true
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	if sum, ok := s.ownedSession(w, r); ok {
		writeJSON(w, http.StatusOK, sum)
	}
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	sum, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	sess, err := s.Sessions.Start(r.Context(), sum.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	sum, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	sess, err := s.Sessions.Cancel(r.Context(), sum.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type uploadParams struct {
	ModelID   string `validate:"required,max=100"`
	FileName  string `validate:"required,max=255"`
	SessionID string `validate:"omitempty,uuid"`
}

// uploadJob takes the file as the raw request body. The job is created,
// stored and submitted before the response is written.
func (s *Server) uploadJob(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := uploadParams{
		ModelID:   q.Get("model_id"),
		FileName:  q.Get("file_name"),
		SessionID: q.Get("session_id"),
	}
	if !s.check(w, &params) {
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.Jobs.Limits().MaxFileSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeMessage(w, http.StatusRequestEntityTooLarge, "file exceeds the upload limit")
			return
		}
		writeMessage(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	req := jobs.CreateRequest{
		OwnerID:     caller(r).ID,
		ModelID:     params.ModelID,
		FileName:    params.FileName,
		ContentType: r.Header.Get("Content-Type"),
		Data:        data,
	}
	var j *model.Job
	if params.SessionID != "" {
		j, err = s.Sessions.AddJob(r.Context(), params.SessionID, req)
	} else {
		j, err = s.Jobs.Create(r.Context(), req)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if j, err = s.Jobs.Ingest(r.Context(), j.ID, data); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

func (s *Server) ownedJob(w http.ResponseWriter, r *http.Request) (*model.Job, bool) {
	id := chi.URLParam(r, "id")
	j, err := s.Jobs.Get(r.Context(), id)
	if err == nil && !owns(caller(r), j.OwnerID) {
		err = hidden("job", id)
	}
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	return j, true
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	if j, ok := s.ownedJob(w, r); ok {
		writeJSON(w, http.StatusOK, j)
	}
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	j, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	j, err := s.Jobs.Cancel(r.Context(), j.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

type balanceResponse struct {
	UserID  string `json:"user_id"`
	Credits int64  `json:"credits"`
}

func (s *Server) balance(w http.ResponseWriter, r *http.Request) {
	u := caller(r)
	credits, err := s.Ledger.Balance(r.Context(), u.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{UserID: u.ID, Credits: credits})
}

func (s *Server) transactions(w http.ResponseWriter, r *http.Request) {
	p, ok := s.page(w, r)
	if !ok {
		return
	}
	txns, err := s.Ledger.History(r.Context(), caller(r).ID, p.Limit, p.Offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txns)
}

type adjustRequest struct {
	UserID    string `json:"user_id" validate:"required"`
	Direction string `json:"direction" validate:"required,oneof=add remove"`
	Amount    int64  `json:"amount" validate:"gt=0"`
	Reason    string `json:"reason" validate:"required,max=500"`
}

func (s *Server) adjustCredits(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if !s.decode(w, r, &req) {
		return
	}
	txn, err := s.Ledger.Adjust(r.Context(), caller(r).ID, req.UserID, ledger.Direction(req.Direction), req.Amount, req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}

type refundRequest struct {
	TransactionID string `json:"transaction_id" validate:"required"`
	Reason        string `json:"reason" validate:"max=500"`
}

func (s *Server) refund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if !s.decode(w, r, &req) {
		return
	}
	txn, err := s.Ledger.Refund(r.Context(), req.TransactionID, req.Reason, caller(r).ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}

type grantRequest struct {
	ModelID    string     `json:"model_id" validate:"required"`
	UserID     string     `json:"user_id" validate:"required"`
	CustomName string     `json:"custom_name" validate:"max=200"`
	ExpiresAt  *time.Time `json:"expires_at"`
}

func (s *Server) grant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if !s.decode(w, r, &req) {
		return
	}
	g, err := s.Access.Grant(r.Context(), req.ModelID, req.UserID, access.GrantOptions{
		GrantedBy:  caller(r).ID,
		CustomName: req.CustomName,
		ExpiresAt:  req.ExpiresAt,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) revoke(w http.ResponseWriter, r *http.Request) {
	if err := s.Access.Revoke(r.Context(), chi.URLParam(r, "model"), chi.URLParam(r, "user")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) grantCandidates(w http.ResponseWriter, r *http.Request) {
	p, ok := s.page(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	modelID := q.Get("model_id")
	if modelID == "" {
		writeMessage(w, http.StatusBadRequest, "model_id is required")
		return
	}
	users, err := s.Access.Search(r.Context(), q.Get("q"), modelID, p.Limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

type metricsResponse struct {
	Metrics *monitoring.MetricsSnapshot `json:"metrics"`
	Alerts  []monitoring.Alert          `json:"alerts"`
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	if s.Checker == nil {
		writeMessage(w, http.StatusNotFound, "monitoring is not configured")
		return
	}
	snap, alerts, err := s.Checker.Check(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, metricsResponse{Metrics: snap, Alerts: alerts})
}
