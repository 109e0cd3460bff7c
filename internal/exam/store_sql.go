package exam

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mind-engage/mindengage-exams/internal/db"
)

type SQLStore struct {
	db      *sql.DB
	driver  string // "sqlite" or "postgres"
	timeout time.Duration
}

// NewSQLStore returns a store whose every call is bounded by timeout
// (no bound when timeout <= 0).
func NewSQLStore(conn *sql.DB, driver string, timeout time.Duration) *SQLStore {
	return &SQLStore{db: conn, driver: driver, timeout: timeout}
}

func (s *SQLStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// ---- question catalog ----

func (s *SQLStore) PutExam(ctx context.Context, e Exam) error {
	if err := Validate(e); err != nil {
		return err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	err := db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var published bool
		err := tx.QueryRowContext(ctx, `SELECT is_published FROM exams WHERE id=$1`, e.ID).Scan(&published)
		switch {
		case err == nil && published:
			return Invalid("questions", "exam %q is published; its questions are immutable", e.ID)
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return err
		}

		now := time.Now().UnixMilli()
		if _, err := tx.ExecContext(ctx, `INSERT INTO exams
			(id,title,duration_minutes,start_time,end_time,is_published,results_published,created_by,created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (id) DO UPDATE SET title=excluded.title, duration_minutes=excluded.duration_minutes,
				start_time=excluded.start_time, end_time=excluded.end_time, is_published=excluded.is_published,
				results_published=excluded.results_published, created_by=excluded.created_by`,
			e.ID, e.Title, e.DurationMinutes, e.StartTime.UnixMilli(), e.EndTime.UnixMilli(),
			e.IsPublished, e.ResultsPublished, e.CreatedBy, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM questions WHERE exam_id=$1`, e.ID); err != nil {
			return err
		}
		for _, q := range e.Questions {
			opts, err := json.Marshal(q.Options)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO questions
				(id,exam_id,type,prompt,options_json,correct_answer,marks,order_index)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
				q.ID, e.ID, string(q.Type), q.Prompt, string(opts), q.CorrectAnswer, q.Marks, q.OrderIndex); err != nil {
				return err
			}
		}
		return nil
	})
	return classify(err)
}

func (s *SQLStore) GetExam(ctx context.Context, id string) (Exam, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var e Exam
	var start, end int64
	err := s.db.QueryRowContext(ctx, `SELECT id,title,duration_minutes,start_time,end_time,is_published,results_published,created_by
		FROM exams WHERE id=$1`, id).
		Scan(&e.ID, &e.Title, &e.DurationMinutes, &start, &end, &e.IsPublished, &e.ResultsPublished, &e.CreatedBy)
	if err != nil {
		return Exam{}, classify(err)
	}
	e.StartTime = time.UnixMilli(start).UTC()
	e.EndTime = time.UnixMilli(end).UTC()
	return e, nil
}

func (s *SQLStore) ListQuestions(ctx context.Context, examID string) ([]Question, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT id,exam_id,type,prompt,options_json,correct_answer,marks,order_index
		FROM questions WHERE exam_id=$1 ORDER BY order_index`, examID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []Question
	for rows.Next() {
		var q Question
		var typ, opts string
		if err := rows.Scan(&q.ID, &q.ExamID, &typ, &q.Prompt, &opts, &q.CorrectAnswer, &q.Marks, &q.OrderIndex); err != nil {
			return nil, classify(err)
		}
		q.Type = QuestionType(typ)
		if err := json.Unmarshal([]byte(opts), &q.Options); err != nil {
			return nil, fmt.Errorf("question %s options: %w", q.ID, err)
		}
		out = append(out, q)
	}
	return out, classify(rows.Err())
}

func (s *SQLStore) SetPublished(ctx context.Context, examID string, published bool) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if !published {
		var n int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM submissions WHERE exam_id=$1`, examID).Scan(&n); err != nil {
			return classify(err)
		}
		if n > 0 {
			return Invalid("is_published", "exam %q already has submissions", examID)
		}
	}
	return s.setExamFlag(ctx, `UPDATE exams SET is_published=$1 WHERE id=$2`, published, examID)
}

func (s *SQLStore) SetResultsPublished(ctx context.Context, examID string, published bool) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.setExamFlag(ctx, `UPDATE exams SET results_published=$1 WHERE id=$2`, published, examID)
}

func (s *SQLStore) setExamFlag(ctx context.Context, query string, v bool, examID string) error {
	res, err := s.db.ExecContext(ctx, query, v, examID)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- submissions ----

const submissionCols = `id,exam_id,student_id,started_at,submitted_at,finalize_token,total_score,max_score,is_graded,graded_by,graded_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(r rowScanner) (Submission, error) {
	var (
		sub               Submission
		started           int64
		submitted, graded sql.NullInt64
		token, gradedBy   sql.NullString
		total, maxScore   sql.NullFloat64
	)
	if err := r.Scan(&sub.ID, &sub.ExamID, &sub.StudentID, &started, &submitted, &token,
		&total, &maxScore, &sub.IsGraded, &gradedBy, &graded); err != nil {
		return Submission{}, err
	}
	sub.StartedAt = time.UnixMilli(started).UTC()
	sub.SubmittedAt = timePtr(submitted)
	sub.GradedAt = timePtr(graded)
	sub.FinalizeToken = token.String
	sub.GradedBy = gradedBy.String
	sub.TotalScore = floatPtr(total)
	sub.MaxScore = floatPtr(maxScore)
	return sub, nil
}

func (s *SQLStore) FindOrCreateSubmission(ctx context.Context, examID, studentID string, now time.Time) (Submission, bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `INSERT INTO submissions (id,exam_id,student_id,started_at,updated_at)
		VALUES ($1,$2,$3,$4,$4)
		ON CONFLICT (exam_id, student_id) DO NOTHING`,
		uuid.NewString(), examID, studentID, now.UnixMilli())
	if err != nil {
		return Submission{}, false, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Submission{}, false, classify(err)
	}
	sub, err := scanSubmission(s.db.QueryRowContext(ctx,
		`SELECT `+submissionCols+` FROM submissions WHERE exam_id=$1 AND student_id=$2`, examID, studentID))
	if err != nil {
		return Submission{}, false, classify(err)
	}
	return sub, n == 1, nil
}

func (s *SQLStore) FindSubmission(ctx context.Context, examID, studentID string) (Submission, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	sub, err := scanSubmission(s.db.QueryRowContext(ctx,
		`SELECT `+submissionCols+` FROM submissions WHERE exam_id=$1 AND student_id=$2`, examID, studentID))
	return sub, classify(err)
}

func (s *SQLStore) GetSubmission(ctx context.Context, id string) (Submission, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	sub, err := scanSubmission(s.db.QueryRowContext(ctx,
		`SELECT `+submissionCols+` FROM submissions WHERE id=$1`, id))
	return sub, classify(err)
}

func (s *SQLStore) ListOpenSubmissions(ctx context.Context) ([]Submission, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+submissionCols+` FROM submissions WHERE submitted_at IS NULL ORDER BY started_at`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, sub)
	}
	return out, classify(rows.Err())
}

// FinalizeSubmission closes the submission and persists its grading in one
// transaction. The conditional update on submitted_at runs first so exactly
// one caller wins; the loser gets ErrAlreadySubmitted.
func (s *SQLStore) FinalizeSubmission(ctx context.Context, id string, f Finalization, grade GradeFunc) (Submission, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	at := f.At.UnixMilli()
	err := db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE submissions SET submitted_at=$1, finalize_token=$2, updated_at=$1
			WHERE id=$3 AND submitted_at IS NULL`, at, f.Token, id)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return missingOr(ctx, tx, id, ErrAlreadySubmitted)
		}

		answers, err := listAnswers(ctx, tx, id)
		if err != nil {
			return err
		}
		g, err := grade(answers)
		if err != nil {
			return fmt.Errorf("grade: %w", err)
		}
		for _, a := range g.Answers {
			if _, err := tx.ExecContext(ctx, `UPDATE answers SET is_correct=$1, marks_obtained=$2, updated_at=$3
				WHERE id=$4 AND submission_id=$5`,
				nullBool(a.IsCorrect), nullFloat(a.MarksObtained), at, a.ID, id); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, `UPDATE submissions SET total_score=$1, max_score=$2, is_graded=$3 WHERE id=$4`,
			g.TotalScore, g.MaxScore, g.IsGraded, id)
		return err
	})
	if err != nil {
		return Submission{}, classify(err)
	}
	sub, err := scanSubmission(s.db.QueryRowContext(ctx, `SELECT `+submissionCols+` FROM submissions WHERE id=$1`, id))
	return sub, classify(err)
}

// ApplyGrades writes grader overrides to answers, recomputes the total over
// every answer of the submission and marks it graded.
func (s *SQLStore) ApplyGrades(ctx context.Context, id string, answers []Answer, gradedBy string, at time.Time) (Submission, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	ms := at.UnixMilli()
	err := db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		// lock the submission row before touching answers
		res, err := tx.ExecContext(ctx, `UPDATE submissions SET updated_at=$1 WHERE id=$2 AND submitted_at IS NOT NULL`, ms, id)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return missingOr(ctx, tx, id, Invalid("submission", "submission %q has not been submitted", id))
		}

		for _, a := range answers {
			res, err := tx.ExecContext(ctx, `UPDATE answers SET is_correct=$1, marks_obtained=$2, feedback=$3, updated_at=$4
				WHERE submission_id=$5 AND question_id=$6`,
				nullBool(a.IsCorrect), nullFloat(a.MarksObtained), nullString(a.Feedback), ms, id, a.QuestionID)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return Invalid("question_id", "no answer for question %q", a.QuestionID)
			}
		}

		var total float64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(marks_obtained),0) FROM answers WHERE submission_id=$1`, id).
			Scan(&total); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE submissions SET total_score=$1, is_graded=$2, graded_by=$3, graded_at=$4 WHERE id=$5`,
			total, true, gradedBy, ms, id)
		return err
	})
	if err != nil {
		return Submission{}, classify(err)
	}
	sub, err := scanSubmission(s.db.QueryRowContext(ctx, `SELECT `+submissionCols+` FROM submissions WHERE id=$1`, id))
	return sub, classify(err)
}

// ---- answers ----

// UpsertAnswer stores the latest text for a question. The submission row is
// touched under the same in-progress guard first, so a write can never land
// after the submission was finalized.
func (s *SQLStore) UpsertAnswer(ctx context.Context, submissionID, questionID, text string, now time.Time) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	ms := now.UnixMilli()
	err := db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE submissions SET updated_at=$1 WHERE id=$2 AND submitted_at IS NULL`, ms, submissionID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return missingOr(ctx, tx, submissionID, ErrSessionClosed)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO answers (id,submission_id,question_id,text,updated_at)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (submission_id, question_id) DO UPDATE SET text=excluded.text, updated_at=excluded.updated_at`,
			uuid.NewString(), submissionID, questionID, text, ms)
		return err
	})
	return classify(err)
}

func (s *SQLStore) ListAnswers(ctx context.Context, submissionID string) ([]Answer, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	out, err := listAnswers(ctx, s.db, submissionID)
	return out, classify(err)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func listAnswers(ctx context.Context, q queryer, submissionID string) ([]Answer, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,submission_id,question_id,text,is_correct,marks_obtained,feedback
		FROM answers WHERE submission_id=$1 ORDER BY question_id`, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Answer
	for rows.Next() {
		var a Answer
		var correct sql.NullBool
		var marks sql.NullFloat64
		var feedback sql.NullString
		if err := rows.Scan(&a.ID, &a.SubmissionID, &a.QuestionID, &a.Text, &correct, &marks, &feedback); err != nil {
			return nil, err
		}
		if correct.Valid {
			a.IsCorrect = &correct.Bool
		}
		a.MarksObtained = floatPtr(marks)
		if feedback.Valid {
			a.Feedback = &feedback.String
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// missingOr returns ErrNotFound when the submission does not exist, else err.
func missingOr(ctx context.Context, q queryer, id string, err error) error {
	var one int
	if e := q.QueryRowContext(ctx, `SELECT 1 FROM submissions WHERE id=$1`, id).Scan(&one); e != nil {
		if errors.Is(e, sql.ErrNoRows) {
			return ErrNotFound
		}
		return e
	}
	return err
}

// ---- helpers ----

// classify maps driver errors onto the package taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrAlreadySubmitted), errors.Is(err, ErrSessionClosed),
		errors.Is(err, ErrStorageUnavailable), IsValidation(err):
		return err
	case conflict(err):
		return Invalid("", "conflicts with an existing record")
	case transient(err):
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	default:
		return err
	}
}

// conflict reports a unique or primary key violation.
func conflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func transient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "connection refused")
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullBool(v *bool) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
