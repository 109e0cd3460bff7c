package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mind-engage/mindengage-exams/internal/exam"
)

type Phase int

const (
	PhaseRunning Phase = iota + 1
	PhaseSubmitting
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "running"
	case PhaseSubmitting:
		return "submitting"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// FinalizeFunc closes a submission when its deadline fires.
type FinalizeFunc func(ctx context.Context, submissionID string) error

// TimerFunc runs f after d and returns a func that cancels it.
type TimerFunc func(d time.Duration, f func()) (stop func() bool)

func realTimer(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

type entry struct {
	gen      uint64
	phase    Phase
	deadline time.Time
	stop     func() bool
}

// Scheduler holds one deadline timer per active session. A fire finalizes
// at most once; a missed or failed fire is not retried here, the resume
// path re-derives the deadline from the persisted start instead.
type Scheduler struct {
	finalize FinalizeFunc
	after    TimerFunc
	now      func() time.Time

	mu       sync.Mutex
	entries  map[string]*entry
	gen      uint64
	stopped  bool
	inflight sync.WaitGroup
}

func NewScheduler(finalize FinalizeFunc, after TimerFunc, now func() time.Time) *Scheduler {
	if after == nil {
		after = realTimer
	}
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		finalize: finalize,
		after:    after,
		now:      now,
		entries:  make(map[string]*entry),
	}
}

// Arm schedules the fire for id at deadline, replacing any stale timer.
// Sessions already being finalized are left alone.
func (s *Scheduler) Arm(id string, deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if e, ok := s.entries[id]; ok {
		if e.phase != PhaseRunning {
			return
		}
		e.stop()
	}

	s.gen++
	gen := s.gen
	d := deadline.Sub(s.now())
	if d < 0 {
		d = 0
	}
	e := &entry{gen: gen, phase: PhaseRunning, deadline: deadline}
	e.stop = s.after(d, func() { s.fire(id, gen) })
	s.entries[id] = e

	log.Debug().Str("submission_id", id).Time("deadline", deadline).Dur("in", d).Msg("deadline armed")
}

// Cancel drops a pending timer. It reports whether one was pending; a
// fire already in progress is not interrupted.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.phase != PhaseRunning {
		return false
	}
	e.stop()
	delete(s.entries, id)
	return true
}

// State reports the phase and deadline tracked for id.
func (s *Scheduler) State(id string) (Phase, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return 0, time.Time{}, false
	}
	return e.phase, e.deadline, true
}

// Active counts sessions with a pending or running fire.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) fire(id string, gen uint64) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.gen != gen || e.phase != PhaseRunning || s.stopped {
		s.mu.Unlock()
		return
	}
	e.phase = PhaseSubmitting
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	log.Info().Str("submission_id", id).Msg("deadline fired")
	err := s.finalize(context.Background(), id)

	s.mu.Lock()
	e.phase = PhaseClosed
	if cur, ok := s.entries[id]; ok && cur == e {
		delete(s.entries, id)
	}
	s.mu.Unlock()

	switch {
	case err == nil:
	case errors.Is(err, exam.ErrAlreadySubmitted):
		log.Debug().Str("submission_id", id).Msg("deadline fire lost to an earlier submit")
	default:
		log.Error().Err(err).Str("submission_id", id).Msg("deadline finalize failed; left for resume")
	}
}

// Stop cancels every pending timer and waits for running fires to finish
// or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	for id, e := range s.entries {
		if e.phase == PhaseRunning {
			e.stop()
			delete(s.entries, id)
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
