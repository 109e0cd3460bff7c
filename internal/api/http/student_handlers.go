package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mind-engage/mindengage-exams/internal/exam"
	"github.com/mind-engage/mindengage-exams/internal/live"
	"github.com/mind-engage/mindengage-exams/internal/rbac"
	"github.com/mind-engage/mindengage-exams/internal/review"
	"github.com/mind-engage/mindengage-exams/internal/session"
)

type sessionView struct {
	SessionID        string          `json:"session_id"`
	ExamID           string          `json:"exam_id"`
	Title            string          `json:"title"`
	StartedAt        time.Time       `json:"started_at"`
	Deadline         time.Time       `json:"deadline"`
	RemainingSeconds int64           `json:"remaining_seconds"`
	Status           exam.Status     `json:"status"`
	Questions        []exam.Question `json:"questions"`
	Answers          []exam.Answer   `json:"answers"`
}

// POST /exams/{examID}/session
func StartSessionHandler(mgr *session.Manager, store exam.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		examID := chi.URLParam(r, "examID")
		me := rbac.SubjectFromContext(r.Context())

		s, remaining, err := mgr.StartOrResume(r.Context(), examID, me)
		if errors.Is(err, exam.ErrAlreadySubmitted) {
			// let the client route to the results page
			body := errorBody{Error: err.Error(), Code: "already_submitted"}
			if sub, ferr := store.FindSubmission(r.Context(), examID, me); ferr == nil {
				body.SubmissionID = sub.ID
			}
			writeJSON(w, http.StatusConflict, body)
			return
		}
		if err != nil {
			writeError(w, r, err)
			return
		}

		// answers saved before a reconnect; grade fields are unset while in progress
		answers, err := store.ListAnswers(r.Context(), s.Submission.ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if answers == nil {
			answers = []exam.Answer{}
		}
		writeJSON(w, http.StatusOK, sessionView{
			SessionID:        s.Submission.ID,
			ExamID:           s.Exam.ID,
			Title:            s.Exam.Title,
			StartedAt:        s.Submission.StartedAt,
			Deadline:         s.Deadline,
			RemainingSeconds: remaining,
			Status:           s.Status,
			Questions:        withoutKey(s.Questions),
			Answers:          answers,
		})
	}
}

// PUT /sessions/{sessionID}/answers/{questionID}  {"text": "..."}
func SaveAnswerHandler(mgr *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "sessionID")
		var req struct {
			Text *string `json:"text" validate:"required"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			badRequest(w, `body must be {"text": string}`)
			return
		}
		if err := exam.Check(req); err != nil {
			writeError(w, r, err)
			return
		}
		if _, ok := ownSession(w, r, mgr, id); !ok {
			return
		}
		if err := mgr.SaveAnswer(r.Context(), id, chi.URLParam(r, "questionID"), *req.Text); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// POST /sessions/{sessionID}/submit
func SubmitSessionHandler(mgr *session.Manager, svc *review.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "sessionID")
		if _, ok := ownSession(w, r, mgr, id); !ok {
			return
		}
		if _, err := mgr.Submit(r.Context(), id); err != nil {
			writeError(w, r, err)
			return
		}
		v, err := svc.GetSubmissionForStudent(r.Context(), id, rbac.SubjectFromContext(r.Context()))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

// GET /sessions/{sessionID}/countdown  (WebSocket)
func CountdownHandler(mgr *session.Manager, cd *live.Countdown) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "sessionID")
		if _, ok := ownSession(w, r, mgr, id); !ok {
			return
		}
		cd.Serve(w, r, id)
	}
}

// ownSession loads the session and checks that the caller is its student.
func ownSession(w http.ResponseWriter, r *http.Request, mgr *session.Manager, id string) (session.Session, bool) {
	s, err := mgr.Session(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return session.Session{}, false
	}
	if s.Submission.StudentID != rbac.SubjectFromContext(r.Context()) {
		writeError(w, r, exam.ErrForbidden)
		return session.Session{}, false
	}
	return s, true
}
