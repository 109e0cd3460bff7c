package grading

import (
	"math"
	"testing"

	"github.com/mind-engage/mindengage-exams/internal/exam"
)

func ptr[T any](v T) *T { return &v }

func finalized() []exam.Answer {
	return []exam.Answer{
		{ID: "a1", QuestionID: "q1", Text: "paris", IsCorrect: ptr(true), MarksObtained: ptr(1.0)},
		{ID: "a2", QuestionID: "q2", Text: "C", IsCorrect: ptr(false), MarksObtained: ptr(0.0)},
		{ID: "a3", QuestionID: "q3", Text: "essay", MarksObtained: ptr(0.0)},
	}
}

func TestMerge_GradesFreeText(t *testing.T) {
	updates := map[string]exam.ManualGrade{
		"q3": {IsCorrect: ptr(true), MarksObtained: ptr(2.0), Feedback: ptr("good argument")},
	}
	changed, total, err := Merge(questions(), finalized(), updates)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 3 {
		t.Fatalf("total = %v, want 3", total)
	}
	if len(changed) != 1 || changed[0].ID != "a3" {
		t.Fatalf("unexpected changed set: %+v", changed)
	}
	if *changed[0].Feedback != "good argument" || *changed[0].MarksObtained != 2 {
		t.Fatalf("update not applied: %+v", changed[0])
	}
}

func TestMerge_ClampsMarks(t *testing.T) {
	_, total, err := Merge(questions(), finalized(), map[string]exam.ManualGrade{
		"q3": {MarksObtained: ptr(10.0)},
		"q2": {MarksObtained: ptr(-4.0)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 4 { // 1 + 0 + 3
		t.Fatalf("total = %v, want 4", total)
	}
}

func TestMerge_Idempotent(t *testing.T) {
	updates := map[string]exam.ManualGrade{"q3": {MarksObtained: ptr(2.5)}}
	first, t1, err := Merge(questions(), finalized(), updates)
	if err != nil {
		t.Fatal(err)
	}
	// reapply over the already-merged state
	answers := finalized()
	answers[2] = first[0]
	second, t2, err := Merge(questions(), answers, updates)
	if err != nil {
		t.Fatal(err)
	}
	if t1 != t2 || *first[0].MarksObtained != *second[0].MarksObtained {
		t.Fatalf("reapplying changed the result: %v vs %v", t1, t2)
	}
}

func TestMerge_KeepsUnsetFields(t *testing.T) {
	changed, _, err := Merge(questions(), finalized(), map[string]exam.ManualGrade{"q1": {Feedback: ptr("ok")}})
	if err != nil {
		t.Fatal(err)
	}
	a := changed[0]
	if a.IsCorrect == nil || !*a.IsCorrect || *a.MarksObtained != 1 {
		t.Fatalf("fields not in the update must be preserved: %+v", a)
	}
}

func TestMerge_Validation(t *testing.T) {
	cases := map[string]map[string]exam.ManualGrade{
		"unknown question": {"nope": {MarksObtained: ptr(1.0)}},
		"nan marks":        {"q3": {MarksObtained: ptr(math.NaN())}},
	}
	for name, updates := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := Merge(questions(), finalized(), updates)
			if !exam.IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	// question exists but the student never answered it
	_, _, err := Merge(questions(), finalized()[:2], map[string]exam.ManualGrade{"q3": {MarksObtained: ptr(1.0)}})
	if !exam.IsValidation(err) {
		t.Fatalf("expected validation error for unanswered question, got %v", err)
	}
}
