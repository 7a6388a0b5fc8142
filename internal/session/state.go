package session

import (
	"encoding/json"
	"time"
)

// State is the lifecycle position of a relay session.
type State int

const (
	Pending State = iota
	Running
	Completed
	Failed
)

var stateNames = map[State]string{
	Pending:   "pending",
	Running:   "running",
	Completed: "completed",
	Failed:    "failed",
}

var stateFromName = map[string]State{
	"pending":   Pending,
	"running":   Running,
	"completed": Completed,
	"failed":    Failed,
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if v, ok := stateFromName[n]; ok {
		*s = v
	}
	return nil
}

func (s State) IsTerminal() bool {
	return s == Completed || s == Failed
}

// StageProgress records one path/stage pair as announced by HM6.
type StageProgress struct {
	Path        string     `json:"path"`
	Stage       string     `json:"stage"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Tokens      int        `json:"tokens,omitempty"`
	LatencyMS   int        `json:"latency,omitempty"`
}

// ResourceUsage holds the peak figures sampled from the child process.
type ResourceUsage struct {
	PeakRSSBytes uint64  `json:"peakRssBytes,omitempty"`
	CPUSeconds   float64 `json:"cpuSeconds,omitempty"`
}

// Session is the state of one submitted query. Output holds the raw HM6
// stdout accumulated so far and is excluded from JSON snapshots.
type Session struct {
	ID         string          `json:"id"`
	Query      string          `json:"query"`
	Foundation int             `json:"foundation,omitempty"`
	UserID     string          `json:"userId,omitempty"`
	State      State           `json:"state"`
	CreatedAt  time.Time       `json:"createdAt"`
	StartedAt  *time.Time      `json:"startedAt,omitempty"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
	PID        int             `json:"pid,omitempty"`
	Stages     []StageProgress `json:"stages,omitempty"`
	Synthesis  string          `json:"synthesis,omitempty"`
	Metadata   *Metadata       `json:"metadata,omitempty"`
	ExitCode   *int            `json:"exitCode,omitempty"`
	Err        string          `json:"error,omitempty"`
	Resources  ResourceUsage   `json:"resources"`
	Output     string          `json:"-"`
}

// Clone returns a deep copy so the caller can hold it without racing the
// session's owner.
func (s *Session) Clone() *Session {
	c := *s
	c.StartedAt = cloneTime(s.StartedAt)
	c.FinishedAt = cloneTime(s.FinishedAt)
	if s.ExitCode != nil {
		code := *s.ExitCode
		c.ExitCode = &code
	}
	if s.Metadata != nil {
		md := s.Metadata.clone()
		c.Metadata = &md
	}
	if len(s.Stages) > 0 {
		c.Stages = make([]StageProgress, len(s.Stages))
		for i, sp := range s.Stages {
			sp.CompletedAt = cloneTime(sp.CompletedAt)
			c.Stages[i] = sp
		}
	}
	return &c
}

// TokensUsed sums the token counts of completed stages, preferring the
// summary total when HM6 reported one.
func (s *Session) TokensUsed() int {
	if s.Metadata != nil && s.Metadata.TotalTokens != nil {
		return *s.Metadata.TotalTokens
	}
	total := 0
	for _, sp := range s.Stages {
		total += sp.Tokens
	}
	return total
}

// TerminalEvent rebuilds the final event of a finished session for a
// subscriber that attached after it was published.
func (s *Session) TerminalEvent() (Event, bool) {
	switch s.State {
	case Failed:
		return Failure(s.Err), true
	case Completed:
		var md Metadata
		if s.Metadata != nil {
			md = *s.Metadata
		}
		return SynthesisComplete(s.Synthesis, md), true
	}
	return Event{}, false
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
