package exam

import (
	"context"
	"time"
)

// Store persists exams, their question catalog, submissions and answers.
type Store interface {
	// Question catalog
	PutExam(ctx context.Context, e Exam) error
	GetExam(ctx context.Context, id string) (Exam, error)
	ListQuestions(ctx context.Context, examID string) ([]Question, error)
	SetPublished(ctx context.Context, examID string, published bool) error
	SetResultsPublished(ctx context.Context, examID string, published bool) error

	// Submissions
	FindOrCreateSubmission(ctx context.Context, examID, studentID string, now time.Time) (sub Submission, created bool, err error)
	FindSubmission(ctx context.Context, examID, studentID string) (Submission, error)
	GetSubmission(ctx context.Context, id string) (Submission, error)
	ListOpenSubmissions(ctx context.Context) ([]Submission, error)
	FinalizeSubmission(ctx context.Context, id string, f Finalization, grade GradeFunc) (Submission, error)
	ApplyGrades(ctx context.Context, id string, answers []Answer, gradedBy string, at time.Time) (Submission, error)

	// Answers
	UpsertAnswer(ctx context.Context, submissionID, questionID, text string, now time.Time) error
	ListAnswers(ctx context.Context, submissionID string) ([]Answer, error)
}

// Validate checks an exam and its catalog against the struct tags on
// Exam and Question before they are stored.
func Validate(e Exam) error {
	return Check(e)
}
