package orchestrator

import (
	"sync"
	"time"
)

// Scheduler runs deferred actions keyed by session identity.
type Scheduler interface {
	// Schedule arms fn after delay, replacing any action under key.
	Schedule(key string, delay time.Duration, fn func())
	// Cancel disarms the action under key and reports whether one was pending.
	Cancel(key string) bool
	// Stop disarms everything.
	Stop()
}

// TimerScheduler implements Scheduler with time.AfterFunc.
type TimerScheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewTimerScheduler creates an empty scheduler.
func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{timers: make(map[string]*time.Timer)}
}

func (s *TimerScheduler) Schedule(key string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.timers[key]; ok {
		old.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		current, ok := s.timers[key]
		if ok && current == t {
			delete(s.timers, key)
		}
		s.mu.Unlock()
		if ok && current == t {
			fn()
		}
	})
	s.timers[key] = t
}

func (s *TimerScheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[key]
	if !ok {
		return false
	}
	delete(s.timers, key)
	return t.Stop()
}

func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}

func (s *TimerScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
