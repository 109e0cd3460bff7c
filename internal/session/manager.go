package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/mind-engage/mindengage-exams/internal/events"
	"github.com/mind-engage/mindengage-exams/internal/exam"
	"github.com/mind-engage/mindengage-exams/internal/grading"
)

const (
	ReasonDeadline = "deadline"
	ReasonExplicit = "explicit"
)

type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithTimer replaces time.AfterFunc for deadline timers.
func WithTimer(after TimerFunc) Option {
	return func(m *Manager) { m.after = after }
}

func WithGrader(g *grading.Engine) Option {
	return func(m *Manager) { m.grader = g }
}

// WithAutosaveRetry sets how often a transient answer write failure is
// retried and the base delay between attempts.
func WithAutosaveRetry(retries int, backoff time.Duration) Option {
	return func(m *Manager) {
		m.retries = retries
		m.backoff = backoff
	}
}

// WithPublishTimeout bounds each event publish after finalize.
func WithPublishTimeout(d time.Duration) Option {
	return func(m *Manager) { m.pubTimeout = d }
}

// Manager owns exam sessions: it creates or resumes the single submission
// per (exam, student), keeps a deadline timer per open session and
// finalizes each submission exactly once.
type Manager struct {
	store  exam.Store
	pub    events.Publisher
	grader *grading.Engine
	sched  *Scheduler
	now    func() time.Time
	after  TimerFunc

	retries    int
	backoff    time.Duration
	pubTimeout time.Duration

	starts singleflight.Group

	qmu       sync.RWMutex
	questions map[string][]exam.Question // published exams only
}

func NewManager(store exam.Store, pub events.Publisher, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		pub:        pub,
		now:        time.Now,
		retries:    3,
		backoff:    200 * time.Millisecond,
		pubTimeout: events.PublishTimeout,
		questions:  make(map[string][]exam.Question),
	}
	for _, o := range opts {
		o(m)
	}
	if m.pub == nil {
		m.pub = events.Discard{}
	}
	if m.grader == nil {
		m.grader = grading.NewEngine()
	}
	m.sched = NewScheduler(func(ctx context.Context, id string) error {
		_, err := m.finalize(ctx, id, ReasonDeadline)
		return err
	}, m.after, m.now)
	return m
}

// Scheduler exposes the deadline timers, mainly for inspection.
func (m *Manager) Scheduler() *Scheduler { return m.sched }

// StartOrResume returns the student's session for an exam, creating the
// submission on first entry. Concurrent calls for the same pair share one
// lookup, which runs detached from any one caller's cancellation; each
// store call inside it is bounded by the store's own timeout.
func (m *Manager) StartOrResume(ctx context.Context, examID, studentID string) (Session, int64, error) {
	ch := m.starts.DoChan(examID+"|"+studentID, func() (any, error) {
		return m.startOrResume(context.WithoutCancel(ctx), examID, studentID)
	})
	select {
	case <-ctx.Done():
		return Session{}, 0, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Session{}, 0, res.Err
		}
		s := res.Val.(Session)
		return s, s.RemainingSeconds, nil
	}
}

func (m *Manager) startOrResume(ctx context.Context, examID, studentID string) (Session, error) {
	e, err := m.store.GetExam(ctx, examID)
	if err != nil {
		return Session{}, err
	}
	if !e.IsPublished {
		return Session{}, exam.ErrNotAvailable
	}
	now := m.now()
	logger := log.With().Str("exam_id", examID).Str("student_id", studentID).Logger()

	sub, err := m.store.FindSubmission(ctx, examID, studentID)
	switch {
	case errors.Is(err, exam.ErrNotFound):
		if now.Before(e.StartTime) || !now.Before(e.EndTime) {
			return Session{}, exam.ErrNotAvailable
		}
		var created bool
		sub, created, err = m.store.FindOrCreateSubmission(ctx, examID, studentID, now)
		if err != nil {
			return Session{}, err
		}
		if created {
			logger.Info().Str("submission_id", sub.ID).Msg("session created")
		}
	case err != nil:
		return Session{}, err
	default:
		logger.Debug().Str("submission_id", sub.ID).Msg("session resumed")
	}

	if sub.SubmittedAt != nil {
		return Session{}, exam.ErrAlreadySubmitted
	}
	deadline := e.Deadline(sub.StartedAt)
	if !now.Before(deadline) {
		// the timer was missed; close the session now
		if _, err := m.finalize(ctx, sub.ID, ReasonDeadline); err != nil && !errors.Is(err, exam.ErrAlreadySubmitted) {
			return Session{}, err
		}
		return Session{}, exam.ErrAlreadySubmitted
	}

	qs, err := m.catalog(ctx, e)
	if err != nil {
		return Session{}, err
	}
	m.sched.Arm(sub.ID, deadline)

	s := newSession(sub, e, now)
	s.Questions = qs
	return s, nil
}

// Session returns the current state of a session.
func (m *Manager) Session(ctx context.Context, sessionID string) (Session, error) {
	sub, err := m.store.GetSubmission(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	e, err := m.store.GetExam(ctx, sub.ExamID)
	if err != nil {
		return Session{}, err
	}
	return newSession(sub, e, m.now()), nil
}

// SaveAnswer stores the student's current text for a question. Transient
// storage failures are retried with the same payload.
func (m *Manager) SaveAnswer(ctx context.Context, sessionID, questionID, text string) error {
	sub, err := m.store.GetSubmission(ctx, sessionID)
	if err != nil {
		return err
	}
	if sub.SubmittedAt != nil {
		return exam.ErrSessionClosed
	}
	e, err := m.store.GetExam(ctx, sub.ExamID)
	if err != nil {
		return err
	}
	qs, err := m.catalog(ctx, e)
	if err != nil {
		return err
	}
	if !hasQuestion(qs, questionID) {
		return exam.Invalid("question_id", "unknown question %q", questionID)
	}
	if !m.now().Before(e.Deadline(sub.StartedAt)) {
		if _, err := m.finalize(ctx, sessionID, ReasonDeadline); err != nil && !errors.Is(err, exam.ErrAlreadySubmitted) {
			return err
		}
		return exam.ErrSessionClosed
	}

	for attempt := 0; ; attempt++ {
		err = m.store.UpsertAnswer(ctx, sessionID, questionID, text, m.now())
		if err == nil || !errors.Is(err, exam.ErrStorageUnavailable) || attempt >= m.retries {
			return err
		}
		log.Warn().Err(err).Str("submission_id", sessionID).Str("question_id", questionID).
			Int("attempt", attempt+1).Msg("autosave retry")
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", exam.ErrStorageUnavailable, ctx.Err())
		case <-time.After(m.backoff * time.Duration(attempt+1)):
		}
	}
}

// Submit finalizes a session on the student's request. Losing a race with
// the deadline timer yields ErrAlreadySubmitted.
func (m *Manager) Submit(ctx context.Context, sessionID string) (exam.Submission, error) {
	return m.finalize(ctx, sessionID, ReasonExplicit)
}

// Recover re-arms timers for every open submission after a restart and
// finalizes the ones whose deadline passed while nothing was running.
func (m *Manager) Recover(ctx context.Context) error {
	open, err := m.store.ListOpenSubmissions(ctx)
	if err != nil {
		return err
	}
	exams := map[string]exam.Exam{}
	var armed, closed int
	for _, sub := range open {
		e, ok := exams[sub.ExamID]
		if !ok {
			if e, err = m.store.GetExam(ctx, sub.ExamID); err != nil {
				log.Error().Err(err).Str("submission_id", sub.ID).Msg("recover: load exam")
				continue
			}
			exams[sub.ExamID] = e
		}
		deadline := e.Deadline(sub.StartedAt)
		if m.now().Before(deadline) {
			m.sched.Arm(sub.ID, deadline)
			armed++
			continue
		}
		if _, err := m.finalize(ctx, sub.ID, ReasonDeadline); err != nil && !errors.Is(err, exam.ErrAlreadySubmitted) {
			log.Error().Err(err).Str("submission_id", sub.ID).Msg("recover: finalize overdue session")
			continue
		}
		closed++
	}
	log.Info().Int("armed", armed).Int("finalized", closed).Msg("sessions recovered")
	return nil
}

// Close stops every timer and waits for running finalizes.
func (m *Manager) Close(ctx context.Context) error {
	return m.sched.Stop(ctx)
}

// finalize closes the submission, grades it and emits the submitted
// event. Only the call whose token was persisted reports success.
func (m *Manager) finalize(ctx context.Context, id, reason string) (exam.Submission, error) {
	m.sched.Cancel(id)

	sub, err := m.store.GetSubmission(ctx, id)
	if err != nil {
		return exam.Submission{}, err
	}
	if sub.SubmittedAt != nil {
		return exam.Submission{}, exam.ErrAlreadySubmitted
	}
	e, err := m.store.GetExam(ctx, sub.ExamID)
	if err != nil {
		return exam.Submission{}, err
	}
	qs, err := m.catalog(ctx, e)
	if err != nil {
		return exam.Submission{}, err
	}

	f := exam.Finalization{Token: uuid.NewString(), At: m.now()}
	out, err := m.store.FinalizeSubmission(ctx, id, f, func(answers []exam.Answer) (exam.Grading, error) {
		return m.grader.Grade(sub, answers, qs), nil
	})
	if errors.Is(err, exam.ErrStorageUnavailable) {
		out, err = m.confirm(ctx, id, f.Token, err)
	}
	if err != nil {
		return exam.Submission{}, err
	}

	log.Info().Str("submission_id", id).Str("exam_id", out.ExamID).Str("student_id", out.StudentID).
		Str("reason", reason).Bool("is_graded", out.IsGraded).Msg("submission finalized")
	m.emit(ctx, events.TypeSubmitted, out, *out.SubmittedAt, map[string]any{
		"exam_id":    out.ExamID,
		"student_id": out.StudentID,
		"reason":     reason,
		"is_graded":  out.IsGraded,
	})
	return out, nil
}

// confirm decides an ambiguous finalize by reading back the token.
func (m *Manager) confirm(ctx context.Context, id, token string, cause error) (exam.Submission, error) {
	cur, err := m.store.GetSubmission(context.WithoutCancel(ctx), id)
	if err != nil {
		return exam.Submission{}, cause
	}
	switch {
	case cur.SubmittedAt == nil:
		return exam.Submission{}, cause
	case cur.FinalizeToken == token:
		log.Warn().Err(cause).Str("submission_id", id).Msg("finalize confirmed after storage error")
		return cur, nil
	default:
		return exam.Submission{}, exam.ErrAlreadySubmitted
	}
}

func (m *Manager) emit(ctx context.Context, typ string, sub exam.Submission, at time.Time, data map[string]any) {
	if sub.TotalScore != nil {
		data["total_score"] = *sub.TotalScore
	}
	if sub.MaxScore != nil {
		data["max_score"] = *sub.MaxScore
	}
	ev, err := events.New(typ, sub.ID, at.UnixMilli(), data)
	if err != nil {
		log.Error().Err(err).Str("submission_id", sub.ID).Msg("build event")
		return
	}
	ev.CreatedAt = at
	pctx, cancel := events.Detach(ctx, m.pubTimeout)
	defer cancel()
	if err := m.pub.Publish(pctx, ev); err != nil {
		log.Warn().Err(err).Str("submission_id", sub.ID).Str("type", typ).Msg("publish event")
	}
}

// catalog returns the exam's questions, cached once the exam is published.
func (m *Manager) catalog(ctx context.Context, e exam.Exam) ([]exam.Question, error) {
	if e.IsPublished {
		m.qmu.RLock()
		qs, ok := m.questions[e.ID]
		m.qmu.RUnlock()
		if ok {
			return qs, nil
		}
	}
	qs, err := m.store.ListQuestions(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	if e.IsPublished {
		m.qmu.Lock()
		m.questions[e.ID] = qs
		m.qmu.Unlock()
	}
	return qs, nil
}

func hasQuestion(qs []exam.Question, id string) bool {
	for _, q := range qs {
		if q.ID == id {
			return true
		}
	}
	return false
}
