// Package hm6 scrapes the HM6 binary's stdout into relay events.
//
// HM6 prints free text. Recognition is table driven: each Matcher pairs a
// line pattern with an event constructor, so new announcements can be added
// without touching the relay.
package hm6

import (
	"regexp"
	"strconv"

	"github.com/hawkeye-speaks/DRIS1/internal/session"
)

// LineContext carries what earlier lines established for matchers that
// depend on it.
type LineContext struct {
	// LastPath is the most recent execution path number seen on any line.
	LastPath string
	// LastStage is the stage most recently announced as started.
	LastStage string
}

func (lc *LineContext) pathOrDefault() string {
	if lc.LastPath == "" {
		return "1"
	}
	return lc.LastPath
}

func (lc *LineContext) stageOrDefault() string {
	if lc.LastStage == "" {
		return "pB1"
	}
	return lc.LastStage
}

// Matcher converts one matching line into an event. Build may decline a
// match by returning false.
type Matcher struct {
	Name    string
	Pattern *regexp.Regexp
	Build   func(m []string, lc *LineContext) (session.Event, bool)
}

var (
	pathMention = regexp.MustCompile(`\bPath (\d+)\b`)

	stageStartRe    = regexp.MustCompile(`\bPath (\d+) - Stage (pB\d+)`)
	stageHeaderRe   = regexp.MustCompile(`=== STAGE (pB\d+) ===`)
	stageCompleteRe = regexp.MustCompile(`Completed Path (\d+) - (pB\d+): (\d+) tokens in (\d+)\s*ms`)
	foundationRe    = regexp.MustCompile(`Using foundation: pA(\d+)(?: \((\w+)\))?`)

	// The dev build reports a finished stage as bare counters, in either
	// order, on one line.
	stageCountersRe = regexp.MustCompile(`(?:TokensUsed|LatencyMS):\s*\d+.*`)
	tokensUsedRe    = regexp.MustCompile(`TokensUsed:\s*(\d+)`)
	latencyMSRe     = regexp.MustCompile(`LatencyMS:\s*(\d+)`)
)

// DefaultMatchers returns the matcher table for the HM6 progress protocol.
// The returned slice is fresh and may be extended by the caller.
func DefaultMatchers() []Matcher {
	return []Matcher{
		{
			Name:    "stage_start",
			Pattern: stageStartRe,
			Build: func(m []string, lc *LineContext) (session.Event, bool) {
				lc.LastStage = m[2]
				return session.StageStart(m[1], m[2]), true
			},
		},
		{
			// Older builds announce stages with a banner and name the path on
			// an earlier line.
			Name:    "stage_banner",
			Pattern: stageHeaderRe,
			Build: func(m []string, lc *LineContext) (session.Event, bool) {
				lc.LastStage = m[1]
				return session.StageStart(lc.pathOrDefault(), m[1]), true
			},
		},
		{
			Name:    "stage_complete",
			Pattern: stageCompleteRe,
			Build: func(m []string, _ *LineContext) (session.Event, bool) {
				return session.StageComplete(m[1], m[2], atoiOrZero(m[3]), atoiOrZero(m[4])), true
			},
		},
		{
			// Counters belong to the stage most recently started.
			Name:    "stage_counters",
			Pattern: stageCountersRe,
			Build: func(m []string, lc *LineContext) (session.Event, bool) {
				var tokens, latency int
				if t := tokensUsedRe.FindStringSubmatch(m[0]); t != nil {
					tokens = atoiOrZero(t[1])
				}
				if l := latencyMSRe.FindStringSubmatch(m[0]); l != nil {
					latency = atoiOrZero(l[1])
				}
				return session.StageComplete(lc.pathOrDefault(), lc.stageOrDefault(), tokens, latency), true
			},
		},
		{
			Name:    "foundation_info",
			Pattern: foundationRe,
			Build: func(m []string, _ *LineContext) (session.Event, bool) {
				n, err := strconv.Atoi(m[1])
				if err != nil {
					return session.Event{}, false
				}
				return session.FoundationInfo(n), true
			},
		},
	}
}

// atoiOrZero treats anything strconv rejects (including overflow) as absent.
func atoiOrZero(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
