// Package httpupload implements the direct-to-endpoint uploader: a
// pipeline stage that POSTs (or PUTs) file bytes straight to a
// caller-configured URL, either one request per file or one bundled
// multipart request for the whole batch.
//
// Grounded on HTTPUploader (uploaders/common.go): the header-merge,
// Content-MD5, and status-validation logic there is kept, generalized
// from a single fixed *os.File source to the kernel's store.FileData
// abstraction and from one file per call to an optional bundle mode.
package httpupload

import (
	"sync"
	"time"
)

// StallTimer fires onStall if Progress is never called again within window
// after the first call. It is idempotent: Progress calls after the first
// only reset the deadline, and Done cancels it permanently.
//
// Grounded on PeriodicExecutor's one-shot-timer idiom (client/timer.go):
// like its fromTimer/toTimer pair, this is a single time.Timer armed and
// rearmed under a mutex, rather than a ticker, since a stall check only
// ever needs "has it been quiet for too long", not periodic repetition.
type StallTimer struct {
	window  time.Duration
	onStall func()

	mu      sync.Mutex
	timer   *time.Timer
	started bool
	done    bool
}

// NewStallTimer constructs a StallTimer that has not started counting down
// until the first call to Progress, per the documented decision that a
// stall clock should not run before any bytes have moved.
func NewStallTimer(window time.Duration, onStall func()) *StallTimer {
	return &StallTimer{window: window, onStall: onStall}
}

// Progress records forward movement, (re)starting or extending the
// deadline. A no-op after Done.
func (s *StallTimer) Progress() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done || s.window <= 0 {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.started = true
	s.timer = time.AfterFunc(s.window, s.fire)
}

func (s *StallTimer) fire() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.mu.Unlock()
	s.onStall()
}

// Done cancels the timer permanently; further Progress calls are no-ops.
func (s *StallTimer) Done() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.done = true
}
