package exam

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mind-engage/mindengage-exams/internal/db"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "exams.db") + "?mode=rwc"
	conn, err := db.Open(context.Background(), db.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return NewSQLStore(conn, "sqlite", 5*time.Second)
}

func seedExam(t *testing.T, s *SQLStore, published bool) Exam {
	t.Helper()
	e := Exam{
		ID:              "exam-1",
		Title:           "Geography",
		DurationMinutes: 30,
		StartTime:       t0,
		EndTime:         t0.Add(2 * time.Hour),
		IsPublished:     published,
		CreatedBy:       "teacher-1",
		Questions: []Question{
			{ID: "q2", Type: QuestionObjective, CorrectAnswer: "B", Options: []string{"A", "B"}, Marks: 2, OrderIndex: 1},
			{ID: "q1", Type: QuestionObjective, CorrectAnswer: "Paris", Marks: 1, OrderIndex: 0},
			{ID: "q3", Type: QuestionFreeText, Marks: 3, OrderIndex: 2},
		},
	}
	if err := s.PutExam(context.Background(), e); err != nil {
		t.Fatalf("put exam: %v", err)
	}
	return e
}

func TestSQLStore_ExamRoundTrip(t *testing.T) {
	s := newTestStore(t)
	seedExam(t, s, false)
	ctx := context.Background()

	e, err := s.GetExam(ctx, "exam-1")
	if err != nil {
		t.Fatalf("get exam: %v", err)
	}
	if !e.StartTime.Equal(t0) || e.DurationMinutes != 30 || e.CreatedBy != "teacher-1" {
		t.Fatalf("unexpected exam: %+v", e)
	}
	qs, err := s.ListQuestions(ctx, "exam-1")
	if err != nil {
		t.Fatalf("list questions: %v", err)
	}
	if len(qs) != 3 || qs[0].ID != "q1" || qs[1].ID != "q2" || qs[2].ID != "q3" {
		t.Fatalf("questions not ordered by order_index: %+v", qs)
	}
	if len(qs[1].Options) != 2 {
		t.Fatalf("options lost: %+v", qs[1])
	}
	if _, err := s.GetExam(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLStore_QuestionIDsScopedPerExam(t *testing.T) {
	s := newTestStore(t)
	first := seedExam(t, s, false)
	ctx := context.Background()

	second := first
	second.ID = "exam-2"
	second.Title = "History"
	second.Questions = []Question{
		{ID: "q1", Type: QuestionObjective, CorrectAnswer: "1066", Marks: 4, OrderIndex: 0},
	}
	if err := s.PutExam(ctx, second); err != nil {
		t.Fatalf("second exam reusing question ids: %v", err)
	}

	a, err := s.ListQuestions(ctx, first.ID)
	if err != nil || len(a) != 3 || a[0].CorrectAnswer != "Paris" {
		t.Fatalf("first catalog changed: %+v (%v)", a, err)
	}
	b, err := s.ListQuestions(ctx, second.ID)
	if err != nil || len(b) != 1 || b[0].CorrectAnswer != "1066" || b[0].Marks != 4 {
		t.Fatalf("second catalog wrong: %+v (%v)", b, err)
	}
}

func TestSQLStore_PublishedQuestionsImmutable(t *testing.T) {
	s := newTestStore(t)
	e := seedExam(t, s, true)
	e.Questions = e.Questions[:1]
	if err := s.PutExam(context.Background(), e); !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSQLStore_UnpublishWithSubmissionsRejected(t *testing.T) {
	s := newTestStore(t)
	seedExam(t, s, true)
	ctx := context.Background()
	if _, _, err := s.FindOrCreateSubmission(ctx, "exam-1", "stu-1", t0); err != nil {
		t.Fatal(err)
	}
	if err := s.SetPublished(ctx, "exam-1", false); !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := s.SetResultsPublished(ctx, "nope", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLStore_FindOrCreateIsUnique(t *testing.T) {
	s := newTestStore(t)
	seedExam(t, s, true)
	ctx := context.Background()

	const n = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[string]bool{}
		created int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub, c, err := s.FindOrCreateSubmission(ctx, "exam-1", "stu-1", t0.Add(time.Duration(i)*time.Second))
			if err != nil {
				t.Errorf("find or create: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[sub.ID] = true
			if c {
				created++
			}
		}(i)
	}
	wg.Wait()
	if len(ids) != 1 || created != 1 {
		t.Fatalf("expected one submission created once, got ids=%v created=%d", ids, created)
	}
}

func TestSQLStore_UpsertAnswer(t *testing.T) {
	s := newTestStore(t)
	seedExam(t, s, true)
	ctx := context.Background()
	sub, _, err := s.FindOrCreateSubmission(ctx, "exam-1", "stu-1", t0)
	if err != nil {
		t.Fatal(err)
	}

	for _, text := range []string{"Rome", "Paris", "Paris"} {
		if err := s.UpsertAnswer(ctx, sub.ID, "q1", text, t0); err != nil {
			t.Fatalf("upsert %q: %v", text, err)
		}
	}
	answers, err := s.ListAnswers(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(answers) != 1 || answers[0].Text != "Paris" {
		t.Fatalf("expected single answer with last text, got %+v", answers)
	}
	if err := s.UpsertAnswer(ctx, "missing", "q1", "x", t0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLStore_FinalizeOnce(t *testing.T) {
	s := newTestStore(t)
	seedExam(t, s, true)
	ctx := context.Background()
	sub, _, _ := s.FindOrCreateSubmission(ctx, "exam-1", "stu-1", t0)
	_ = s.UpsertAnswer(ctx, sub.ID, "q1", "Paris", t0)

	grade := func(answers []Answer) (Grading, error) {
		out := Grading{MaxScore: 6, TotalScore: 1}
		for _, a := range answers {
			ok := true
			m := 1.0
			a.IsCorrect, a.MarksObtained = &ok, &m
			out.Answers = append(out.Answers, a)
		}
		return out, nil
	}

	done, err := s.FinalizeSubmission(ctx, sub.ID, Finalization{Token: "tok-1", At: t0.Add(time.Minute)}, grade)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if done.SubmittedAt == nil || done.FinalizeToken != "tok-1" || *done.TotalScore != 1 || *done.MaxScore != 6 {
		t.Fatalf("unexpected finalized submission: %+v", done)
	}
	if done.Status() != StatusSubmitted {
		t.Fatalf("status = %s", done.Status())
	}

	_, err = s.FinalizeSubmission(ctx, sub.ID, Finalization{Token: "tok-2", At: t0.Add(2 * time.Minute)}, grade)
	if !errors.Is(err, ErrAlreadySubmitted) {
		t.Fatalf("expected ErrAlreadySubmitted, got %v", err)
	}
	again, _ := s.GetSubmission(ctx, sub.ID)
	if again.FinalizeToken != "tok-1" || !again.SubmittedAt.Equal(*done.SubmittedAt) {
		t.Fatalf("second finalize must not change the row: %+v", again)
	}

	if err := s.UpsertAnswer(ctx, sub.ID, "q1", "Rome", t0); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed after finalize, got %v", err)
	}
	answers, _ := s.ListAnswers(ctx, sub.ID)
	if answers[0].IsCorrect == nil || !*answers[0].IsCorrect {
		t.Fatalf("per-answer grade not persisted: %+v", answers[0])
	}

	if _, err := s.FinalizeSubmission(ctx, "missing", Finalization{Token: "x", At: t0}, grade); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLStore_FinalizeGradeErrorRollsBack(t *testing.T) {
	s := newTestStore(t)
	seedExam(t, s, true)
	ctx := context.Background()
	sub, _, _ := s.FindOrCreateSubmission(ctx, "exam-1", "stu-1", t0)

	_, err := s.FinalizeSubmission(ctx, sub.ID, Finalization{Token: "t", At: t0}, func([]Answer) (Grading, error) {
		return Grading{}, fmt.Errorf("boom")
	})
	if err == nil {
		t.Fatalf("expected grading failure to surface")
	}
	again, _ := s.GetSubmission(ctx, sub.ID)
	if again.SubmittedAt != nil {
		t.Fatalf("failed finalize must leave the submission open")
	}
}

func TestSQLStore_ApplyGrades(t *testing.T) {
	s := newTestStore(t)
	seedExam(t, s, true)
	ctx := context.Background()
	sub, _, _ := s.FindOrCreateSubmission(ctx, "exam-1", "stu-1", t0)
	_ = s.UpsertAnswer(ctx, sub.ID, "q1", "Paris", t0)
	_ = s.UpsertAnswer(ctx, sub.ID, "q3", "essay", t0)

	two := 2.0
	if _, err := s.ApplyGrades(ctx, sub.ID, []Answer{{QuestionID: "q3", MarksObtained: &two}}, "teacher-1", t0); !IsValidation(err) {
		t.Fatalf("grading an open submission must fail validation, got %v", err)
	}

	one := 1.0
	_, err := s.FinalizeSubmission(ctx, sub.ID, Finalization{Token: "t", At: t0}, func(answers []Answer) (Grading, error) {
		g := Grading{MaxScore: 4, TotalScore: 1}
		for _, a := range answers {
			if a.QuestionID == "q1" {
				a.MarksObtained = &one
				g.Answers = append(g.Answers, a)
			}
		}
		return g, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	fb := "well argued"
	got, err := s.ApplyGrades(ctx, sub.ID, []Answer{{QuestionID: "q3", MarksObtained: &two, Feedback: &fb}}, "teacher-1", t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("apply grades: %v", err)
	}
	if !got.IsGraded || *got.TotalScore != 3 || got.GradedBy != "teacher-1" || got.GradedAt == nil {
		t.Fatalf("unexpected graded submission: %+v", got)
	}
	if got.Status() != StatusGraded {
		t.Fatalf("status = %s", got.Status())
	}

	if _, err := s.ApplyGrades(ctx, sub.ID, []Answer{{QuestionID: "q2", MarksObtained: &two}}, "teacher-1", t0); !IsValidation(err) {
		t.Fatalf("grading an unanswered question must fail validation, got %v", err)
	}
}

func TestSQLStore_ListOpenSubmissions(t *testing.T) {
	s := newTestStore(t)
	seedExam(t, s, true)
	ctx := context.Background()
	a, _, _ := s.FindOrCreateSubmission(ctx, "exam-1", "stu-1", t0)
	b, _, _ := s.FindOrCreateSubmission(ctx, "exam-1", "stu-2", t0.Add(time.Second))
	noop := func([]Answer) (Grading, error) { return Grading{}, nil }
	if _, err := s.FinalizeSubmission(ctx, a.ID, Finalization{Token: "t", At: t0}, noop); err != nil {
		t.Fatal(err)
	}
	open, err := s.ListOpenSubmissions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].ID != b.ID {
		t.Fatalf("expected only %s open, got %+v", b.ID, open)
	}
}

func TestClassify(t *testing.T) {
	if !errors.Is(classify(context.DeadlineExceeded), ErrStorageUnavailable) {
		t.Fatalf("deadline exceeded should be storage unavailable")
	}
	if !errors.Is(classify(errors.New("database is locked (5) (SQLITE_BUSY)")), ErrStorageUnavailable) {
		t.Fatalf("sqlite busy should be storage unavailable")
	}
	if err := classify(Invalid("x", "y")); !IsValidation(err) {
		t.Fatalf("validation errors must pass through")
	}
	if err := classify(&pgconn.PgError{Code: "23505"}); !IsValidation(err) {
		t.Fatalf("postgres unique violation should be a validation error, got %v", err)
	}
	if err := classify(errors.New("constraint failed: UNIQUE constraint failed: users.username (2067)")); !IsValidation(err) {
		t.Fatalf("sqlite unique violation should be a validation error, got %v", err)
	}
	plain := errors.New("syntax error")
	if classify(plain) != plain {
		t.Fatalf("unknown errors must pass through")
	}
}

func TestValidate(t *testing.T) {
	base := Exam{ID: "e", DurationMinutes: 10, StartTime: t0, EndTime: t0.Add(time.Hour)}
	free := func(id string, order int) Question {
		return Question{ID: id, Type: QuestionFreeText, Marks: 1, OrderIndex: order}
	}

	cases := []struct {
		name   string
		mutate func(*Exam)
		field  string
	}{
		{"blank id", func(e *Exam) { e.ID = "  " }, "id"},
		{"window", func(e *Exam) { e.EndTime = t0 }, "end_time"},
		{"duration", func(e *Exam) { e.DurationMinutes = 0 }, "duration_minutes"},
		{"duplicate order", func(e *Exam) { e.Questions = []Question{free("a", 0), free("b", 0)} }, "questions"},
		{"duplicate id", func(e *Exam) { e.Questions = []Question{free("a", 0), free("a", 1)} }, "questions"},
		{"blank question id", func(e *Exam) { e.Questions = []Question{free("", 0)} }, "questions[0].id"},
		{"objective without key", func(e *Exam) {
			e.Questions = []Question{free("a", 0), {ID: "b", Type: QuestionObjective, Marks: 1, OrderIndex: 1}}
		}, "questions[1].correct_answer"},
		{"zero marks", func(e *Exam) { e.Questions = []Question{{ID: "a", Type: QuestionFreeText}} }, "questions[0].marks"},
		{"unknown type", func(e *Exam) { e.Questions = []Question{{ID: "a", Type: "essay", Marks: 1}} }, "questions[0].type"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ex := base
			c.mutate(&ex)
			err := Validate(ex)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if ve.Field != c.field {
				t.Fatalf("field = %q, want %q (%v)", ve.Field, c.field, err)
			}
		})
	}

	ok := base
	ok.Questions = []Question{
		free("a", 0),
		{ID: "b", Type: QuestionObjective, CorrectAnswer: "B", Marks: 2, OrderIndex: 1},
	}
	if err := Validate(ok); err != nil {
		t.Fatalf("valid exam rejected: %v", err)
	}
}

func TestCheck_RequestStruct(t *testing.T) {
	type req struct {
		Text *string `json:"text" validate:"required"`
	}
	var ve *ValidationError
	if err := Check(req{}); !errors.As(err, &ve) || ve.Field != "text" {
		t.Fatalf("missing text: got %v", err)
	}
	empty := ""
	if err := Check(req{Text: &empty}); err != nil {
		t.Fatalf("empty text is a valid answer: %v", err)
	}
}
