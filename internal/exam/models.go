package exam

import "time"

type QuestionType string

const (
	QuestionObjective QuestionType = "objective" // graded by exact match
	QuestionFreeText  QuestionType = "free_text" // graded manually
)

type Question struct {
	ID            string       `json:"id" validate:"notblank"`
	ExamID        string       `json:"exam_id"`
	Type          QuestionType `json:"type" validate:"oneof=objective free_text"`
	Prompt        string       `json:"prompt,omitempty"`
	Options       []string     `json:"options,omitempty"`
	CorrectAnswer string       `json:"correct_answer,omitempty" validate:"required_if=Type objective"`
	Marks         float64      `json:"marks" validate:"gt=0"`
	OrderIndex    int          `json:"order_index"`
}

type Exam struct {
	ID               string     `json:"id" validate:"notblank"`
	Title            string     `json:"title"`
	DurationMinutes  int        `json:"duration_minutes" validate:"gt=0"`
	StartTime        time.Time  `json:"start_time"`
	EndTime          time.Time  `json:"end_time" validate:"gtfield=StartTime"`
	IsPublished      bool       `json:"is_published"`
	ResultsPublished bool       `json:"results_published"`
	CreatedBy        string     `json:"created_by,omitempty"`
	Questions        []Question `json:"questions,omitempty" validate:"unique=ID,unique=OrderIndex,dive"`
}

// Deadline is the instant a session started at startedAt must be closed:
// the earlier of the duration running out and the exam window ending.
func (e Exam) Deadline(startedAt time.Time) time.Time {
	d := startedAt.Add(time.Duration(e.DurationMinutes) * time.Minute)
	if e.EndTime.Before(d) {
		return e.EndTime
	}
	return d
}

type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusSubmitted  Status = "submitted"
	StatusGraded     Status = "graded"
)

type Submission struct {
	ID          string     `json:"id"`
	ExamID      string     `json:"exam_id"`
	StudentID   string     `json:"student_id"`
	StartedAt   time.Time  `json:"started_at"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	TotalScore  *float64   `json:"total_score,omitempty"`
	MaxScore    *float64   `json:"max_score,omitempty"`
	IsGraded    bool       `json:"is_graded"`
	GradedBy    string     `json:"graded_by,omitempty"`
	GradedAt    *time.Time `json:"graded_at,omitempty"`

	// FinalizeToken identifies the finalize call that closed the submission.
	FinalizeToken string `json:"-"`
}

func (s Submission) Status() Status {
	switch {
	case s.SubmittedAt == nil:
		return StatusInProgress
	case s.IsGraded:
		return StatusGraded
	default:
		return StatusSubmitted
	}
}

type Answer struct {
	ID            string   `json:"id"`
	SubmissionID  string   `json:"submission_id"`
	QuestionID    string   `json:"question_id"`
	Text          string   `json:"text"`
	IsCorrect     *bool    `json:"is_correct,omitempty"`
	MarksObtained *float64 `json:"marks_obtained,omitempty"`
	Feedback      *string  `json:"feedback,omitempty"`
}

// Grading is the outcome of scoring a submission's answers.
type Grading struct {
	TotalScore float64
	MaxScore   float64
	IsGraded   bool
	Answers    []Answer // answers carrying their computed grade fields
}

// Finalization identifies one finalize call.
type Finalization struct {
	Token string
	At    time.Time
}

// GradeFunc scores answers read inside the finalize transaction.
type GradeFunc func(answers []Answer) (Grading, error)

// ManualGrade is one grader override for the answer to a question.
type ManualGrade struct {
	IsCorrect     *bool    `json:"is_correct,omitempty"`
	MarksObtained *float64 `json:"marks_obtained,omitempty"`
	Feedback      *string  `json:"feedback,omitempty"`
}
