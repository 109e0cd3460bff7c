package grading

import (
	"github.com/mind-engage/mindengage-exams/internal/exam"
)

// Result is the outcome of grading a single answer.
type Result struct {
	IsCorrect   *bool   // nil while the answer awaits a grader
	Marks       float64 // marks awarded automatically
	NeedsManual bool
}

// Strategy grades answers to one question type.
type Strategy interface {
	Grade(q exam.Question, a exam.Answer) Result
}

type Option func(*Engine)

// WithStrategy installs or replaces the strategy for a question type.
func WithStrategy(t exam.QuestionType, s Strategy) Option {
	return func(e *Engine) { e.strategies[t] = s }
}

// Engine routes answers to the strategy for their question's type.
type Engine struct {
	strategies map[exam.QuestionType]Strategy
}

// NewEngine installs the built-in strategies.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{strategies: map[exam.QuestionType]Strategy{
		exam.QuestionObjective: exactMatchStrategy{},
		exam.QuestionFreeText:  manualStrategy{},
	}}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Grade scores answers against the exam's questions. MaxScore covers every
// question whether answered or not. The result is fully graded only when no
// question needs a grader.
func (e *Engine) Grade(sub exam.Submission, answers []exam.Answer, questions []exam.Question) exam.Grading {
	byID := make(map[string]exam.Question, len(questions))
	g := exam.Grading{IsGraded: true}
	for _, q := range questions {
		byID[q.ID] = q
		g.MaxScore += q.Marks
		if e.needsManual(q) {
			g.IsGraded = false
		}
	}

	for _, a := range answers {
		q, ok := byID[a.QuestionID]
		if !ok {
			continue
		}
		res := e.strategyFor(q.Type).Grade(q, a)
		marks := res.Marks
		a.SubmissionID = sub.ID
		a.IsCorrect = res.IsCorrect
		a.MarksObtained = &marks
		g.TotalScore += marks
		g.Answers = append(g.Answers, a)
	}
	return g
}

func (e *Engine) strategyFor(t exam.QuestionType) Strategy {
	if s, ok := e.strategies[t]; ok {
		return s
	}
	return manualStrategy{}
}

// needsManual probes the strategy with a blank answer.
func (e *Engine) needsManual(q exam.Question) bool {
	return e.strategyFor(q.Type).Grade(q, exam.Answer{QuestionID: q.ID}).NeedsManual
}

// --- Strategies ---

type exactMatchStrategy struct{}

func (exactMatchStrategy) Grade(q exam.Question, a exam.Answer) Result {
	ok := normalize(a.Text) == normalize(q.CorrectAnswer)
	res := Result{IsCorrect: &ok}
	if ok {
		res.Marks = q.Marks
	}
	return res
}

type manualStrategy struct{}

func (manualStrategy) Grade(exam.Question, exam.Answer) Result {
	return Result{NeedsManual: true}
}
