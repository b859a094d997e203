// Package api exposes the lifecycle engine over JSON HTTP. Callers are
// identified by the X-User-ID header set by the upstream gateway.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sells-group/docflow/internal/access"
	"github.com/sells-group/docflow/internal/jobs"
	"github.com/sells-group/docflow/internal/ledger"
	"github.com/sells-group/docflow/internal/model"
	"github.com/sells-group/docflow/internal/monitoring"
	"github.com/sells-group/docflow/internal/session"
	"github.com/sells-group/docflow/internal/store"
)

// UserHeader carries the authenticated caller id.
const UserHeader = "X-User-ID"

// Deps are the components the handlers drive. Checker is optional.
type Deps struct {
	Store    store.Store
	Jobs     *jobs.Machine
	Sessions *session.Aggregator
	Ledger   *ledger.Ledger
	Access   *access.Manager
	Checker  *monitoring.Checker
}

// Server holds the HTTP handlers.
type Server struct {
	Deps
	origins  []string
	validate *validator.Validate
	log      *zap.Logger
}

// New creates a Server. An empty origins list allows any origin.
func New(d Deps, origins []string) *Server {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Server{
		Deps:     d,
		origins:  origins,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      zap.L().With(zap.String("component", "api")),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", UserHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/sessions", s.createSession)
		r.Get("/sessions", s.listSessions)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Post("/start", s.startSession)
			r.Post("/cancel", s.cancelSession)
		})

		r.Post("/jobs", s.uploadJob)
		r.Route("/jobs/{id}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.Post("/cancel", s.cancelJob)
		})

		r.Get("/me/balance", s.balance)
		r.Get("/me/transactions", s.transactions)

		r.Route("/admin", func(r chi.Router) {
			r.Use(requireAdmin)
			r.Post("/credits", s.adjustCredits)
			r.Post("/refunds", s.refund)
			r.Post("/grants", s.grant)
			r.Delete("/grants/{model}/{user}", s.revoke)
			r.Get("/grants/candidates", s.grantCandidates)
			r.Get("/metrics", s.metrics)
		})
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

type callerKey struct{}

// authenticate resolves X-User-ID to an active user.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(UserHeader)
		if id == "" {
			writeMessage(w, http.StatusUnauthorized, "missing "+UserHeader)
			return
		}
		u, err := s.Store.GetUser(r.Context(), id)
		if err != nil {
			if model.KindOf(err) == model.ErrorKindNotFound {
				writeMessage(w, http.StatusUnauthorized, "unknown user")
				return
			}
			s.fail(w, r, err)
			return
		}
		if !u.Active {
			writeMessage(w, http.StatusForbidden, "user is inactive")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, u)))
	})
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !caller(r).IsAdmin() {
			writeMessage(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func caller(r *http.Request) *model.User {
	u, _ := r.Context().Value(callerKey{}).(*model.User)
	return u
}

// owns reports whether u may see a resource owned by ownerID.
func owns(u *model.User, ownerID string) bool {
	return u.ID == ownerID || u.IsAdmin()
}
