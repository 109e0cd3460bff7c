package review

import (
	"context"
	"time"

	"github.com/jinzhu/copier"
	"github.com/rs/zerolog/log"

	"github.com/mind-engage/mindengage-exams/internal/events"
	"github.com/mind-engage/mindengage-exams/internal/exam"
	"github.com/mind-engage/mindengage-exams/internal/grading"
)

// Authorizer decides whether a user may grade and inspect an exam's
// submissions.
type Authorizer interface {
	IsTeacherOrAdminFor(ctx context.Context, examID, userID string) (bool, error)
}

// StatusPending is what a student sees until results are published.
const StatusPending = "pending"

type AnswerView struct {
	QuestionID    string   `json:"question_id"`
	Text          string   `json:"text"`
	IsCorrect     *bool    `json:"is_correct,omitempty"`
	MarksObtained *float64 `json:"marks_obtained,omitempty"`
	Feedback      *string  `json:"feedback,omitempty"`
}

// StudentView is a submission as its owner may see it.
type StudentView struct {
	ID          string       `json:"id"`
	ExamID      string       `json:"exam_id"`
	StartedAt   time.Time    `json:"started_at"`
	SubmittedAt *time.Time   `json:"submitted_at,omitempty"`
	Status      string       `json:"status" copier:"-"`
	TotalScore  *float64     `json:"total_score,omitempty"`
	MaxScore    *float64     `json:"max_score,omitempty"`
	Answers     []AnswerView `json:"answers"`
}

// GraderView is the full detail of a submission.
type GraderView struct {
	Submission exam.Submission `json:"submission"`
	Status     exam.Status     `json:"status"`
	Questions  []exam.Question `json:"questions"`
	Answers    []exam.Answer   `json:"answers"`
}

type Service struct {
	store exam.Store
	auth  Authorizer
	pub   events.Publisher
	now   func() time.Time
}

func NewService(store exam.Store, auth Authorizer, pub events.Publisher) *Service {
	if pub == nil {
		pub = events.Discard{}
	}
	return &Service{store: store, auth: auth, pub: pub, now: time.Now}
}

// ApplyManualGrades merges grader overrides, keyed by question id, into a
// submitted attempt and marks it graded. Reapplying the same updates leaves
// the same state.
func (s *Service) ApplyManualGrades(ctx context.Context, submissionID, graderID string, updates map[string]exam.ManualGrade) (exam.Submission, error) {
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return exam.Submission{}, err
	}
	if err := s.authorize(ctx, sub.ExamID, graderID); err != nil {
		return exam.Submission{}, err
	}
	if sub.SubmittedAt == nil {
		return exam.Submission{}, exam.Invalid("submission", "submission %q has not been submitted", submissionID)
	}

	questions, err := s.store.ListQuestions(ctx, sub.ExamID)
	if err != nil {
		return exam.Submission{}, err
	}
	answers, err := s.store.ListAnswers(ctx, submissionID)
	if err != nil {
		return exam.Submission{}, err
	}
	changed, total, err := grading.Merge(questions, answers, updates)
	if err != nil {
		return exam.Submission{}, err
	}

	out, err := s.store.ApplyGrades(ctx, submissionID, changed, graderID, s.now())
	if err != nil {
		return exam.Submission{}, err
	}
	log.Info().Str("submission_id", submissionID).Str("grader_id", graderID).
		Int("updates", len(changed)).Float64("total_score", total).Msg("grades merged")

	ev, err := events.New(events.TypeGraded, out.ID, out.GradedAt.UnixMilli(), map[string]any{
		"exam_id":     out.ExamID,
		"student_id":  out.StudentID,
		"graded_by":   graderID,
		"total_score": out.TotalScore,
		"max_score":   out.MaxScore,
	})
	if err == nil {
		ev.CreatedAt = *out.GradedAt
		pctx, cancel := events.Detach(ctx, events.PublishTimeout)
		err = s.pub.Publish(pctx, ev)
		cancel()
	}
	if err != nil {
		log.Warn().Err(err).Str("submission_id", out.ID).Msg("publish graded event")
	}
	return out, nil
}

// GetSubmissionForStudent returns the owner's view. Scores and grades stay
// hidden, and the status reads pending, until the exam's results are
// published.
func (s *Service) GetSubmissionForStudent(ctx context.Context, submissionID, studentID string) (StudentView, error) {
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return StudentView{}, err
	}
	if sub.StudentID != studentID {
		return StudentView{}, exam.ErrForbidden
	}
	e, err := s.store.GetExam(ctx, sub.ExamID)
	if err != nil {
		return StudentView{}, err
	}
	answers, err := s.store.ListAnswers(ctx, submissionID)
	if err != nil {
		return StudentView{}, err
	}

	var v StudentView
	if err := copier.Copy(&v, &sub); err != nil {
		return StudentView{}, err
	}
	v.Answers = make([]AnswerView, 0, len(answers))
	if len(answers) > 0 {
		if err := copier.Copy(&v.Answers, &answers); err != nil {
			return StudentView{}, err
		}
	}

	switch {
	case sub.SubmittedAt == nil:
		v.Status = string(exam.StatusInProgress)
	case e.ResultsPublished:
		v.Status = string(sub.Status())
		return v, nil
	default:
		v.Status = StatusPending
	}
	v.TotalScore, v.MaxScore = nil, nil
	for i := range v.Answers {
		v.Answers[i].IsCorrect = nil
		v.Answers[i].MarksObtained = nil
		v.Answers[i].Feedback = nil
	}
	return v, nil
}

// GetSubmissionForGrader returns full detail regardless of publication.
func (s *Service) GetSubmissionForGrader(ctx context.Context, submissionID, graderID string) (GraderView, error) {
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return GraderView{}, err
	}
	if err := s.authorize(ctx, sub.ExamID, graderID); err != nil {
		return GraderView{}, err
	}
	questions, err := s.store.ListQuestions(ctx, sub.ExamID)
	if err != nil {
		return GraderView{}, err
	}
	answers, err := s.store.ListAnswers(ctx, submissionID)
	if err != nil {
		return GraderView{}, err
	}
	return GraderView{Submission: sub, Status: sub.Status(), Questions: questions, Answers: answers}, nil
}

// PublishResults opens or closes the publication gate for an exam.
func (s *Service) PublishResults(ctx context.Context, examID, userID string, published bool) error {
	if err := s.authorize(ctx, examID, userID); err != nil {
		return err
	}
	if err := s.store.SetResultsPublished(ctx, examID, published); err != nil {
		return err
	}
	log.Info().Str("exam_id", examID).Str("user_id", userID).Bool("published", published).Msg("results publication changed")
	return nil
}

func (s *Service) authorize(ctx context.Context, examID, userID string) error {
	ok, err := s.auth.IsTeacherOrAdminFor(ctx, examID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return exam.ErrForbidden
	}
	return nil
}
