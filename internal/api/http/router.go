package http

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	auth "github.com/mind-engage/mindengage-exams/internal/auth/middleware"
	"github.com/mind-engage/mindengage-exams/internal/exam"
	"github.com/mind-engage/mindengage-exams/internal/live"
	"github.com/mind-engage/mindengage-exams/internal/rbac"
	"github.com/mind-engage/mindengage-exams/internal/review"
	"github.com/mind-engage/mindengage-exams/internal/session"
	"github.com/mind-engage/mindengage-exams/internal/users"
)

const requestTimeout = 30 * time.Second

// Deps is everything the router mounts.
type Deps struct {
	DB          *sql.DB
	Store       exam.Store
	Sessions    *session.Manager
	Review      *review.Service
	Users       *users.Store
	Auth        *auth.AuthService
	Authz       review.Authorizer
	Checker     *rbac.Checker
	Countdown   *live.Countdown
	Admin       auth.Admin
	LocalAuth   bool
	CORSOrigins []string
}

func NewRouter(d Deps) http.Handler {
	if d.Checker == nil {
		d.Checker = rbac.NewChecker(nil)
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, AccessLog, middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", ReadyHandler(d.DB))

	if d.LocalAuth {
		r.With(middleware.Timeout(requestTimeout)).Post("/auth/login", auth.LoginHandler(d.Auth, d.Users, d.Admin))
	}

	r.Group(func(pr chi.Router) {
		pr.Use(auth.JWTMiddleware(d.Auth))
		require := d.Checker.Require

		// long-lived; no request timeout
		pr.With(require(rbac.PermAttemptViewOwn)).
			Get("/sessions/{sessionID}/countdown", CountdownHandler(d.Sessions, d.Countdown))

		pr.Group(func(pr chi.Router) {
			pr.Use(middleware.Timeout(requestTimeout))

			// Exams (teacher/admin)
			pr.With(require(rbac.PermExamCreate)).
				Post("/exams", UploadExamHandler(d.Store, d.Authz))
			pr.With(require(rbac.PermExamView)).
				Get("/exams/{examID}", GetExamHandler(d.Store, d.Checker))
			pr.With(require(rbac.PermExamPublish)).
				Post("/exams/{examID}/publish", PublishExamHandler(d.Store, d.Authz))
			pr.With(require(rbac.PermExamPublish)).
				Post("/exams/{examID}/results", PublishResultsHandler(d.Review))

			// Student flow
			pr.With(require(rbac.PermAttemptCreate)).
				Post("/exams/{examID}/session", StartSessionHandler(d.Sessions, d.Store))
			pr.With(require(rbac.PermAttemptSave)).
				Put("/sessions/{sessionID}/answers/{questionID}", SaveAnswerHandler(d.Sessions))
			pr.With(require(rbac.PermAttemptSubmit)).
				Post("/sessions/{sessionID}/submit", SubmitSessionHandler(d.Sessions, d.Review))

			// Results and grading
			pr.With(d.Checker.RequireAny(rbac.PermAttemptViewOwn, rbac.PermAttemptViewAll)).
				Get("/submissions/{submissionID}", GetSubmissionHandler(d.Review, d.Checker))
			pr.With(require(rbac.PermAttemptGrade)).
				Post("/submissions/{submissionID}/grades", ApplyGradesHandler(d.Review))

			// Users (admin)
			pr.With(require(rbac.PermUsersManage)).
				Post("/users", BulkUpsertUsersHandler(d.Users))
			pr.With(require(rbac.PermUsersManage)).
				Get("/users", ListUsersHandler(d.Users))
		})
	})
	return r
}

// ReadyHandler reports whether the database answers a ping.
func ReadyHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if db == nil || db.PingContext(ctx) != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

// AccessLog writes one zerolog event per request.
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			ev := log.Info()
			if status >= http.StatusInternalServerError {
				ev = log.Warn()
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("latency", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		}()
		next.ServeHTTP(ww, r)
	})
}
