package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
)

// ErrInvalidTransition is returned when a lifecycle step is applied in a
// state that does not allow it.
var ErrInvalidTransition = errors.New("invalid session transition")

// OutputParser turns HM6 stdout into events. Feed sees only newly appended
// text; Flush is called once at EOF for any unterminated trailing line.
type OutputParser interface {
	Feed(chunk string) []Event
	Flush() []Event
	Synthesis(output string) string
	Metadata(output string) Metadata
}

// Machine drives one session through pending -> running -> completed|failed.
// Every transition returns the events to publish, in order; nothing is
// published from here so the machine can be tested without transports.
type Machine struct {
	mu     sync.Mutex
	s      *Session
	parser OutputParser
	clock  clock.Clock
}

func NewMachine(s *Session, parser OutputParser, clk clock.Clock) *Machine {
	if clk == nil {
		clk = clock.New()
	}
	s.State = Pending
	return &Machine{s: s, parser: parser, clock: clk}
}

// Start marks the child process as running.
func (m *Machine) Start(pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.s.State != Pending {
		return fmt.Errorf("start from %s: %w", m.s.State, ErrInvalidTransition)
	}
	now := m.clock.Now()
	m.s.State = Running
	m.s.StartedAt = &now
	m.s.PID = pid
	return nil
}

// Output appends a stdout chunk and returns the events it completes.
func (m *Machine) Output(chunk string) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.s.State != Running {
		return nil, fmt.Errorf("output in %s: %w", m.s.State, ErrInvalidTransition)
	}
	m.s.Output += chunk
	events := m.parser.Feed(chunk)
	m.record(events)
	return events, nil
}

// Exit finishes the session from the child's exit code. Code zero yields any
// events still buffered in the parser followed by exactly one
// synthesis_complete; anything else yields exactly one error.
func (m *Machine) Exit(code int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.s.State != Running {
		return nil, fmt.Errorf("exit in %s: %w", m.s.State, ErrInvalidTransition)
	}

	events := m.parser.Flush()
	m.record(events)

	now := m.clock.Now()
	m.s.FinishedAt = &now
	m.s.ExitCode = &code

	if code != 0 {
		msg := fmt.Sprintf("HM6 process failed (exit code %d)", code)
		m.s.State = Failed
		m.s.Err = msg
		return append(events, Failure(msg)), nil
	}

	md := m.parser.Metadata(m.s.Output)
	md.SessionID = m.s.ID
	m.s.State = Completed
	m.s.Synthesis = m.parser.Synthesis(m.s.Output)
	m.s.Metadata = &md
	return append(events, SynthesisComplete(m.s.Synthesis, md)), nil
}

// SpawnFailed fails a session whose process never started.
func (m *Machine) SpawnFailed(err error) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.s.State != Pending {
		return nil, fmt.Errorf("spawn failure in %s: %w", m.s.State, ErrInvalidTransition)
	}
	now := m.clock.Now()
	msg := fmt.Sprintf("failed to start HM6: %v", err)
	m.s.State = Failed
	m.s.FinishedAt = &now
	m.s.Err = msg
	return []Event{Failure(msg)}, nil
}

// RecordResources keeps the highest sampled figures.
func (m *Machine) RecordResources(rss uint64, cpuSeconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rss > m.s.Resources.PeakRSSBytes {
		m.s.Resources.PeakRSSBytes = rss
	}
	if cpuSeconds > m.s.Resources.CPUSeconds {
		m.s.Resources.CPUSeconds = cpuSeconds
	}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.State
}

// Snapshot returns a copy of the session, including its output buffer.
func (m *Machine) Snapshot() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.Clone()
}

// record folds parsed events into the session's progress. Caller holds m.mu.
func (m *Machine) record(events []Event) {
	now := m.clock.Now()
	for _, ev := range events {
		switch ev.Type {
		case EventStageStart:
			m.s.Stages = append(m.s.Stages, StageProgress{Path: ev.Path, Stage: ev.Stage, StartedAt: now})
		case EventStageComplete:
			sp := m.openStage(ev.Path, ev.Stage)
			if sp == nil {
				m.s.Stages = append(m.s.Stages, StageProgress{Path: ev.Path, Stage: ev.Stage, StartedAt: now})
				sp = &m.s.Stages[len(m.s.Stages)-1]
			}
			done := now
			sp.CompletedAt = &done
			sp.Tokens = ev.Tokens
			sp.LatencyMS = ev.Latency
		case EventFoundationInfo:
			if ev.Foundation != nil {
				m.s.Foundation = *ev.Foundation
			}
		}
	}
}

func (m *Machine) openStage(path, stage string) *StageProgress {
	for i := len(m.s.Stages) - 1; i >= 0; i-- {
		sp := &m.s.Stages[i]
		if sp.Path == path && sp.Stage == stage && sp.CompletedAt == nil {
			return sp
		}
	}
	return nil
}
