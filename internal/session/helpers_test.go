package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mind-engage/mindengage-exams/internal/db"
	"github.com/mind-engage/mindengage-exams/internal/events"
	"github.com/mind-engage/mindengage-exams/internal/exam"
)

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *exam.SQLStore {
	t.Helper()
	conn, err := db.Open(context.Background(), db.DriverSQLite,
		"file:"+filepath.Join(t.TempDir(), "session.db")+"?mode=rwc")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return exam.NewSQLStore(conn, "sqlite", 5*time.Second)
}

// seed stores a published exam open from t0 for two hours with a thirty
// minute duration: two objective questions (1 and 2 marks) and one free
// text question (3 marks).
func seed(t *testing.T, s exam.Store, mutate ...func(*exam.Exam)) exam.Exam {
	t.Helper()
	e := exam.Exam{
		ID:              "exam-1",
		Title:           "Geography",
		DurationMinutes: 30,
		StartTime:       t0,
		EndTime:         t0.Add(2 * time.Hour),
		IsPublished:     true,
		CreatedBy:       "teacher-1",
		Questions: []exam.Question{
			{ID: "q1", Type: exam.QuestionObjective, CorrectAnswer: "Paris", Marks: 1, OrderIndex: 0},
			{ID: "q2", Type: exam.QuestionObjective, CorrectAnswer: "B", Options: []string{"A", "B", "C"}, Marks: 2, OrderIndex: 1},
			{ID: "q3", Type: exam.QuestionFreeText, Marks: 3, OrderIndex: 2},
		},
	}
	for _, f := range mutate {
		f(&e)
	}
	if err := s.PutExam(context.Background(), e); err != nil {
		t.Fatalf("put exam: %v", err)
	}
	return e
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *clock { return &clock{t: t} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

// fakeTimers records timers instead of running them; tests fire them.
type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (ft *fakeTimers) After(d time.Duration, f func()) func() bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	ft.timers = append(ft.timers, t)
	return func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		was := !t.stopped
		t.stopped = true
		return was
	}
}

// take removes and returns the callbacks of all live timers.
func (ft *fakeTimers) take() []func() {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	var out []func()
	for _, t := range ft.timers {
		if !t.stopped {
			t.stopped = true
			out = append(out, t.f)
		}
	}
	return out
}

func (ft *fakeTimers) fireAll() {
	for _, f := range ft.take() {
		f()
	}
}

func (ft *fakeTimers) live() []time.Duration {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	var out []time.Duration
	for _, t := range ft.timers {
		if !t.stopped {
			out = append(out, t.d)
		}
	}
	return out
}

type recorder struct {
	mu  sync.Mutex
	got []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, e)
	return nil
}

func (r *recorder) count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.got {
		if e.Type == typ {
			n++
		}
	}
	return n
}

type rig struct {
	store  exam.Store
	clock  *clock
	timers *fakeTimers
	events *recorder
	mgr    *Manager
}

func newRig(t *testing.T, store exam.Store, opts ...Option) *rig {
	t.Helper()
	r := &rig{store: store, clock: newClock(t0.Add(10 * time.Minute)), timers: &fakeTimers{}, events: &recorder{}}
	base := []Option{WithClock(r.clock.Now), WithTimer(r.timers.After), WithAutosaveRetry(3, time.Millisecond)}
	r.mgr = NewManager(store, r.events, append(base, opts...)...)
	t.Cleanup(func() { _ = r.mgr.Close(context.Background()) })
	return r
}

// flakyStore fails selected calls with a transient storage error.
type flakyStore struct {
	exam.Store

	mu                sync.Mutex
	upsertFails       int
	upsertCalls       int
	failAfterFinalize bool
}

func (f *flakyStore) UpsertAnswer(ctx context.Context, submissionID, questionID, text string, now time.Time) error {
	f.mu.Lock()
	f.upsertCalls++
	fail := f.upsertFails > 0
	if fail {
		f.upsertFails--
	}
	f.mu.Unlock()
	if fail {
		return exam.ErrStorageUnavailable
	}
	return f.Store.UpsertAnswer(ctx, submissionID, questionID, text, now)
}

// FinalizeSubmission can commit and still report a storage error, as when
// the connection drops before the commit is acknowledged.
func (f *flakyStore) FinalizeSubmission(ctx context.Context, id string, fin exam.Finalization, grade exam.GradeFunc) (exam.Submission, error) {
	sub, err := f.Store.FinalizeSubmission(ctx, id, fin, grade)
	if err == nil && f.failAfterFinalize {
		return exam.Submission{}, exam.ErrStorageUnavailable
	}
	return sub, err
}
