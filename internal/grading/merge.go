package grading

import (
	"math"
	"sort"

	"github.com/mind-engage/mindengage-exams/internal/exam"
)

// Merge applies grader overrides (keyed by question id) on top of the stored
// answers. It returns the updated answers in question-id order and the total
// over all answers after the merge. Marks are clamped to [0, question marks];
// fields an update leaves nil keep their stored value, so reapplying the same
// updates yields the same state.
func Merge(questions []exam.Question, answers []exam.Answer, updates map[string]exam.ManualGrade) ([]exam.Answer, float64, error) {
	qByID := make(map[string]exam.Question, len(questions))
	for _, q := range questions {
		qByID[q.ID] = q
	}
	aByQ := make(map[string]exam.Answer, len(answers))
	for _, a := range answers {
		aByQ[a.QuestionID] = a
	}

	ids := make([]string, 0, len(updates))
	for id := range updates {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	changed := make([]exam.Answer, 0, len(ids))
	for _, qid := range ids {
		u := updates[qid]
		q, ok := qByID[qid]
		if !ok {
			return nil, 0, exam.Invalid("question_id", "unknown question %q", qid)
		}
		a, ok := aByQ[qid]
		if !ok {
			return nil, 0, exam.Invalid("question_id", "no answer for question %q", qid)
		}
		if u.IsCorrect != nil {
			v := *u.IsCorrect
			a.IsCorrect = &v
		}
		if u.MarksObtained != nil {
			m := *u.MarksObtained
			if math.IsNaN(m) || math.IsInf(m, 0) {
				return nil, 0, exam.Invalid("marks_obtained", "question %q: not a number", qid)
			}
			m = clamp(m, 0, q.Marks)
			a.MarksObtained = &m
		}
		if u.Feedback != nil {
			f := *u.Feedback
			a.Feedback = &f
		}
		aByQ[qid] = a
		changed = append(changed, a)
	}

	total := 0.0
	for _, a := range aByQ {
		if a.MarksObtained != nil {
			total += *a.MarksObtained
		}
	}
	return changed, total, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
