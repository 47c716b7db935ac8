// Package timing holds the delay abstraction used for pulse timing, switch
// settling and move pauses.
package timing

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Sleeper blocks the caller for a duration.
type Sleeper interface {
	Sleep(d time.Duration)
}

// Real returns a Sleeper backed by the wall clock.
func Real() Sleeper {
	return clock.New()
}

// Recorder is a Sleeper that returns immediately and keeps a tally of the
// requested delays.
type Recorder struct {
	mu    sync.Mutex
	calls int
	total time.Duration
	last  time.Duration
}

func (r *Recorder) Sleep(d time.Duration) {
	r.mu.Lock()
	r.calls++
	r.total += d
	r.last = d
	r.mu.Unlock()
}

// Calls returns how many times Sleep was called.
func (r *Recorder) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// Total returns the sum of every requested delay.
func (r *Recorder) Total() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Last returns the most recent requested delay.
func (r *Recorder) Last() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}
