package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docflow/internal/model"
)

const maxJSONBody = 1 << 20

type errorBody struct {
	Error   string   `json:"error"`
	Kind    string   `json:"kind,omitempty"`
	Details []string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// StatusFor maps an error to its HTTP status by kind.
func StatusFor(err error) int {
	switch model.KindOf(err) {
	case model.ErrorKindValidation:
		return http.StatusBadRequest
	case model.ErrorKindAccessDenied:
		return http.StatusForbidden
	case model.ErrorKindInsufficientCredits:
		return http.StatusPaymentRequired
	case model.ErrorKindNotFound:
		return http.StatusNotFound
	case model.ErrorKindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	body := errorBody{Error: err.Error(), Kind: string(model.KindOf(err))}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

// decode reads a JSON body into dst and validates it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return s.check(w, dst)
}

func (s *Server) check(w http.ResponseWriter, v any) bool {
	err := s.validate.Struct(v)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return false
	}
	writeJSON(w, http.StatusBadRequest, errorBody{
		Error:   "validation failed",
		Kind:    string(model.ErrorKindValidation),
		Details: formatValidation(verrs),
	})
	return false
}

func formatValidation(verrs validator.ValidationErrors) []string {
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("field '%s' failed on the '%s' tag", fe.Field(), fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("%s (%s)", msg, fe.Param())
		}
		out = append(out, msg)
	}
	return out
}

type page struct {
	Limit  int `validate:"gte=0,lte=500"`
	Offset int `validate:"gte=0"`
}

func (s *Server) page(w http.ResponseWriter, r *http.Request) (page, bool) {
	var p page
	var err error
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if p.Limit, err = strconv.Atoi(v); err != nil {
			writeMessage(w, http.StatusBadRequest, "limit must be an integer")
			return p, false
		}
	}
	if v := q.Get("offset"); v != "" {
		if p.Offset, err = strconv.Atoi(v); err != nil {
			writeMessage(w, http.StatusBadRequest, "offset must be an integer")
			return p, false
		}
	}
	if p.Limit == 0 {
		p.Limit = 50
	}
	return p, s.check(w, &p)
}

// hidden reports a resource the caller may not see as missing.
func hidden(what, id string) error {
	return eris.Wrapf(model.ErrNotFound, "%s %s", what, id)
}
