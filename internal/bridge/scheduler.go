package bridge

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// TimerKind tags the purpose of a pending timer.
type TimerKind string

const (
	TimerRetry        TimerKind = "retry"
	TimerHealthCheck  TimerKind = "health_check"
	TimerPoll         TimerKind = "poll"
	TimerTokenRefresh TimerKind = "token_refresh"
)

// Interval is a fixed-delay schedule. It satisfies cron.Schedule so it can be
// mixed with parsed cron expressions.
type Interval time.Duration

// Next returns t plus the interval.
func (i Interval) Next(t time.Time) time.Time {
	return t.Add(time.Duration(i))
}

type timerKey struct {
	kind TimerKind
	name string
}

type timerEntry struct {
	id    uint64
	timer *time.Timer
}

// Scheduler holds every pending timer of one adapter, keyed by kind and
// name. Scheduling a key that is already pending replaces it.
type Scheduler struct {
	mu        sync.Mutex
	entries   map[timerKey]*timerEntry
	seq       uint64
	afterFunc func(time.Duration, func()) *time.Timer
	log       *zap.Logger
}

// NewScheduler creates an empty scheduler.
func NewScheduler(log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		entries:   make(map[timerKey]*timerEntry),
		afterFunc: time.AfterFunc,
		log:       log,
	}
}

// After runs fn once after d.
func (s *Scheduler) After(kind TimerKind, name string, d time.Duration, fn func()) {
	key := timerKey{kind: kind, name: name}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(key)
	s.seq++
	e := &timerEntry{id: s.seq}
	s.entries[key] = e
	e.timer = s.afterFunc(d, func() {
		if !s.take(key, e.id) {
			return
		}
		s.run(key, fn)
	})
}

// Every runs fn on sched. The next run is armed only after fn returns, so
// runs of one key never overlap.
func (s *Scheduler) Every(kind TimerKind, name string, sched cron.Schedule, fn func()) {
	key := timerKey{kind: kind, name: name}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(key)
	s.seq++
	e := &timerEntry{id: s.seq}
	s.entries[key] = e
	s.armLocked(key, e, sched, fn)
}

func (s *Scheduler) armLocked(key timerKey, e *timerEntry, sched cron.Schedule, fn func()) {
	now := time.Now()
	next := sched.Next(now)
	if next.IsZero() {
		delete(s.entries, key)
		s.log.Warn("Schedule has no next activation",
			zap.String("timer_kind", string(key.kind)),
			zap.String("timer_name", key.name))
		return
	}
	delay := next.Sub(now)
	if delay < 0 {
		delay = 0
	}
	e.timer = s.afterFunc(delay, func() {
		if !s.isCurrent(key, e.id) {
			return
		}
		s.run(key, fn)
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.entries[key]; ok && cur.id == e.id {
			s.armLocked(key, e, sched, fn)
		}
	})
}

// Cancel stops one pending timer.
func (s *Scheduler) Cancel(kind TimerKind, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(timerKey{kind: kind, name: name})
}

// CancelKind stops every pending timer of kind.
func (s *Scheduler) CancelKind(kind TimerKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.entries {
		if key.kind == kind {
			s.cancelLocked(key)
		}
	}
}

// CancelAll stops every pending timer.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.entries {
		s.cancelLocked(key)
	}
}

// Pending reports whether a timer is armed for kind and name.
func (s *Scheduler) Pending(kind TimerKind, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[timerKey{kind: kind, name: name}]
	return ok
}

// Count returns the number of armed timers of kind.
func (s *Scheduler) Count(kind TimerKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key := range s.entries {
		if key.kind == kind {
			n++
		}
	}
	return n
}

func (s *Scheduler) cancelLocked(key timerKey) {
	e, ok := s.entries[key]
	if !ok {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(s.entries, key)
}

// take removes a one-shot entry if it is still the current one for key.
func (s *Scheduler) take(key timerKey, id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[key]
	if !ok || cur.id != id {
		return false
	}
	delete(s.entries, key)
	return true
}

func (s *Scheduler) isCurrent(key timerKey, id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[key]
	return ok && cur.id == id
}

func (s *Scheduler) run(key timerKey, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Timer function panicked",
				zap.String("timer_kind", string(key.kind)),
				zap.String("timer_name", key.name),
				zap.Any("panic", r))
		}
	}()
	fn()
}
