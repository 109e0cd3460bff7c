package session

import (
	"time"

	"github.com/mind-engage/mindengage-exams/internal/exam"
)

// Session is the live view of a submission while it is being taken.
type Session struct {
	Submission       exam.Submission `json:"submission"`
	Exam             exam.Exam       `json:"exam"`
	Questions        []exam.Question `json:"questions,omitempty"`
	Deadline         time.Time       `json:"deadline"`
	RemainingSeconds int64           `json:"remaining_seconds"`
	Status           exam.Status     `json:"status"`
}

// Remaining is the whole seconds left before deadline, never negative.
// A partial second counts as one so zero means the deadline has passed.
func Remaining(deadline, now time.Time) int64 {
	d := deadline.Sub(now)
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}

func newSession(sub exam.Submission, e exam.Exam, now time.Time) Session {
	deadline := e.Deadline(sub.StartedAt)
	s := Session{
		Submission: sub,
		Exam:       e,
		Deadline:   deadline,
		Status:     sub.Status(),
	}
	if sub.SubmittedAt == nil {
		s.RemainingSeconds = Remaining(deadline, now)
	}
	return s
}
