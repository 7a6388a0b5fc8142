package watch

import (
	"sort"
	"strconv"

	"github.com/hawkeye-speaks/DRIS1/internal/session"
)

// DefaultStages are the stages every HM6 path runs through.
var DefaultStages = []string{"pB1", "pB2", "pB3", "pB4"}

type StageStatus int

const (
	StagePending StageStatus = iota
	StageRunning
	StageDone
)

type StageRun struct {
	Name    string
	Status  StageStatus
	Tokens  int
	Latency int
}

// PathRun is one execution path's stages in display order.
type PathRun struct {
	Name   string
	Stages []*StageRun
}

func (p *PathRun) stage(name string) *StageRun {
	for _, s := range p.Stages {
		if s.Name == name {
			return s
		}
	}
	s := &StageRun{Name: name}
	p.Stages = append(p.Stages, s)
	return s
}

// Tokens sums the completed stages.
func (p *PathRun) Tokens() int {
	n := 0
	for _, s := range p.Stages {
		n += s.Tokens
	}
	return n
}

// Progress folds a session's events into what the views draw.
type Progress struct {
	SessionID  string
	Connected  bool
	Foundation *int
	Synthesis  string
	Metadata   *session.Metadata
	Err        string
	Done       bool
	Events     int

	paths map[string]*PathRun
}

func NewProgress(sessionID string) *Progress {
	return &Progress{SessionID: sessionID, paths: make(map[string]*PathRun)}
}

// Apply records ev. Events after a terminal one are ignored.
func (p *Progress) Apply(ev session.Event) {
	if p.Done {
		return
	}
	p.Events++
	switch ev.Type {
	case session.EventConnected:
		p.Connected = true
	case session.EventFoundationInfo:
		p.Foundation = ev.Foundation
	case session.EventStageStart:
		st := p.path(ev.Path).stage(ev.Stage)
		if st.Status == StagePending {
			st.Status = StageRunning
		}
	case session.EventStageComplete:
		st := p.path(ev.Path).stage(ev.Stage)
		st.Status = StageDone
		st.Tokens = ev.Tokens
		st.Latency = ev.Latency
	case session.EventSynthesisComplete:
		p.Synthesis = ev.Synthesis
		p.Metadata = ev.Metadata
		p.Done = true
	case session.EventError:
		p.Err = ev.Message
		p.Done = true
	}
}

func (p *Progress) path(name string) *PathRun {
	pr, ok := p.paths[name]
	if !ok {
		pr = &PathRun{Name: name}
		for _, s := range DefaultStages {
			pr.Stages = append(pr.Stages, &StageRun{Name: s})
		}
		p.paths[name] = pr
	}
	return pr
}

// Paths returns the paths seen so far ordered by number.
func (p *Progress) Paths() []*PathRun {
	out := make([]*PathRun, 0, len(p.paths))
	for _, pr := range p.paths {
		out = append(out, pr)
	}
	sort.Slice(out, func(i, j int) bool {
		ni, ei := strconv.Atoi(out[i].Name)
		nj, ej := strconv.Atoi(out[j].Name)
		if ei == nil && ej == nil {
			return ni < nj
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Tokens sums stage tokens across paths. The metadata total wins once the
// synthesis arrives.
func (p *Progress) Tokens() int {
	if p.Metadata != nil && p.Metadata.TotalTokens != nil {
		return *p.Metadata.TotalTokens
	}
	n := 0
	for _, pr := range p.paths {
		n += pr.Tokens()
	}
	return n
}

// Completed counts finished stages over all stages known.
func (p *Progress) Completed() (done, total int) {
	for _, pr := range p.paths {
		for _, s := range pr.Stages {
			total++
			if s.Status == StageDone {
				done++
			}
		}
	}
	return done, total
}

// Failed reports whether the session ended with an error.
func (p *Progress) Failed() bool {
	return p.Done && p.Err != ""
}
