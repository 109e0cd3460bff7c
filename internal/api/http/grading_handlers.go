package http

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mind-engage/mindengage-exams/internal/exam"
	"github.com/mind-engage/mindengage-exams/internal/rbac"
	"github.com/mind-engage/mindengage-exams/internal/review"
)

type applyGradesReq struct {
	Grades map[string]exam.ManualGrade `json:"grades"` // question_id -> grade
}

// GET /submissions/{submissionID}
// Roles that may view all attempts get the grader view; the rest get the
// owner's view behind the publication gate.
func GetSubmissionHandler(svc *review.Service, checker *rbac.Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(chi.URLParam(r, "submissionID"))
		p, _ := rbac.PrincipalFromContext(r.Context())

		if checker.Has(p.Role, rbac.PermAttemptViewAll) {
			v, err := svc.GetSubmissionForGrader(r.Context(), id, p.Subject)
			if err != nil {
				writeError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, v)
			return
		}
		v, err := svc.GetSubmissionForStudent(r.Context(), id, p.Subject)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

// POST /submissions/{submissionID}/grades
func ApplyGradesHandler(svc *review.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(chi.URLParam(r, "submissionID"))
		var req applyGradesReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			badRequest(w, "bad json: "+err.Error())
			return
		}
		sub, err := svc.ApplyManualGrades(r.Context(), id, rbac.SubjectFromContext(r.Context()), req.Grades)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sub)
	}
}
