package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mind-engage/mindengage-exams/internal/exam"
	"github.com/mind-engage/mindengage-exams/internal/rbac"
	"github.com/mind-engage/mindengage-exams/internal/review"
)

// POST /exams  (create or replace an exam with its questions)
func UploadExamHandler(store exam.Store, authz review.Authorizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var e exam.Exam
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			badRequest(w, "bad json")
			return
		}
		e.ID = strings.TrimSpace(e.ID)
		if err := exam.Validate(e); err != nil {
			writeError(w, r, err)
			return
		}
		me := rbac.SubjectFromContext(r.Context())

		prev, err := store.GetExam(r.Context(), e.ID)
		switch {
		case err == nil:
			if !authorized(w, r, authz, e.ID, me) {
				return
			}
			e.CreatedBy = prev.CreatedBy
			// publication state changes only through the publish endpoints
			e.IsPublished, e.ResultsPublished = prev.IsPublished, prev.ResultsPublished
		case errors.Is(err, exam.ErrNotFound):
			e.CreatedBy = me
			e.IsPublished, e.ResultsPublished = false, false
		default:
			writeError(w, r, err)
			return
		}
		for i := range e.Questions {
			e.Questions[i].ExamID = e.ID
		}

		if err := store.PutExam(r.Context(), e); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": e.ID, "questions": len(e.Questions)})
	}
}

// GET /exams/{examID}
// Graders get the answer key; everyone else only sees published exams
// without it.
func GetExamHandler(store exam.Store, checker *rbac.Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "examID")
		e, err := store.GetExam(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		qs, err := store.ListQuestions(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		e.Questions = qs

		if !checker.Has(rbac.RoleFromContext(r.Context()), rbac.PermExamCreate) {
			if !e.IsPublished {
				writeError(w, r, exam.ErrNotFound)
				return
			}
			e.Questions = withoutKey(qs)
		}
		writeJSON(w, http.StatusOK, e)
	}
}

// POST /exams/{examID}/publish  {"published": true}  (body optional)
func PublishExamHandler(store exam.Store, authz review.Authorizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "examID")
		req := struct {
			Published *bool `json:"published"`
		}{}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				badRequest(w, "bad json")
				return
			}
		}
		published := req.Published == nil || *req.Published

		if !authorized(w, r, authz, id, rbac.SubjectFromContext(r.Context())) {
			return
		}
		if err := store.SetPublished(r.Context(), id, published); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "is_published": published})
	}
}

// POST /exams/{examID}/results  {"published": bool}
func PublishResultsHandler(svc *review.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "examID")
		var req struct {
			Published *bool `json:"published" validate:"required"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			badRequest(w, `body must be {"published": bool}`)
			return
		}
		if err := exam.Check(req); err != nil {
			writeError(w, r, err)
			return
		}
		if err := svc.PublishResults(r.Context(), id, rbac.SubjectFromContext(r.Context()), *req.Published); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "results_published": *req.Published})
	}
}

func authorized(w http.ResponseWriter, r *http.Request, authz review.Authorizer, examID, userID string) bool {
	ok, err := authz.IsTeacherOrAdminFor(r.Context(), examID, userID)
	if err != nil {
		writeError(w, r, err)
		return false
	}
	if !ok {
		writeError(w, r, exam.ErrForbidden)
		return false
	}
	return true
}

func withoutKey(qs []exam.Question) []exam.Question {
	out := make([]exam.Question, len(qs))
	for i, q := range qs {
		q.CorrectAnswer = ""
		out[i] = q
	}
	return out
}
