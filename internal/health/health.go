// Package health tracks whether HM6 can be launched and is finishing runs,
// from the outcomes the launcher reports.
package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
)

// Report is a consistent copy of the tracker's state.
type Report struct {
	Status        Status     `json:"status"`
	SpawnFailures int        `json:"spawnFailures"`
	ExitFailures  int        `json:"exitFailures"`
	LastError     string     `json:"lastError,omitempty"`
	LastErrorAt   *time.Time `json:"lastErrorAt,omitempty"`
}

// Tracker counts consecutive failures. Spawn failures at the threshold mean
// the binary cannot run at all (failed); nonzero exits at the threshold mean
// runs start but do not finish (degraded). A nil *Tracker records nothing
// and reports healthy.
type Tracker struct {
	mu        sync.Mutex
	threshold int
	clock     clock.Clock

	spawnFailures int
	lastSpawnErr  string
	lastSpawnFail time.Time

	exitFailures int
	lastExitErr  string
	lastExitFail time.Time
}

func NewTracker(threshold int, clk clock.Clock) *Tracker {
	if threshold < 1 {
		threshold = 1
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Tracker{threshold: threshold, clock: clk}
}

func (t *Tracker) RecordSpawnSuccess() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spawnFailures = 0
	t.lastSpawnErr = ""
}

func (t *Tracker) RecordSpawnFailure(err error) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spawnFailures++
	t.lastSpawnErr = err.Error()
	t.lastSpawnFail = t.clock.Now()
}

// RecordExit records a finished run. Code zero resets the exit counter.
func (t *Tracker) RecordExit(code int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if code == 0 {
		t.exitFailures = 0
		t.lastExitErr = ""
		return
	}
	t.exitFailures++
	t.lastExitErr = fmt.Sprintf("hm6 exited with code %d", code)
	t.lastExitFail = t.clock.Now()
}

func (t *Tracker) Status() Status {
	if t == nil {
		return StatusHealthy
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked()
}

func (t *Tracker) Report() Report {
	if t == nil {
		return Report{Status: StatusHealthy}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r := Report{
		Status:        t.statusLocked(),
		SpawnFailures: t.spawnFailures,
		ExitFailures:  t.exitFailures,
	}
	r.LastError, r.LastErrorAt = t.lastErrorLocked()
	return r
}

// statusLocked computes health status. Caller must hold t.mu.
func (t *Tracker) statusLocked() Status {
	if t.spawnFailures >= t.threshold {
		return StatusFailed
	}
	if t.exitFailures >= t.threshold {
		return StatusDegraded
	}
	return StatusHealthy
}

// lastErrorLocked prefers whichever failure happened more recently. Caller
// must hold t.mu.
func (t *Tracker) lastErrorLocked() (string, *time.Time) {
	if t.lastSpawnErr != "" && (t.lastExitErr == "" || t.lastSpawnFail.After(t.lastExitFail)) {
		at := t.lastSpawnFail
		return t.lastSpawnErr, &at
	}
	if t.lastExitErr != "" {
		at := t.lastExitFail
		return t.lastExitErr, &at
	}
	return "", nil
}
