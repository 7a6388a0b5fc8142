package hm6

import (
	"regexp"
	"strings"
	"testing"

	"github.com/hawkeye-speaks/DRIS1/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const transcript = `HM6 v6.2 starting
Using foundation: pA3 (Analyst)
Path 1 - Stage pB1
Completed Path 1 - pB1: 812 tokens in 640ms
Path 2 - Stage pB3
Completed Path 2 - pB3: 1542 tokens in 890ms
=== HM6 SYNTHESIS ===
All three paths converge on the same answer.

It is 42.
=== SUMMARY ===
Total tokens: 2354
Processing time: 12.5s
`

func TestParseAllTranscript(t *testing.T) {
	events := ParseAll(transcript)

	want := []session.Event{
		session.FoundationInfo(3),
		session.StageStart("1", "pB1"),
		session.StageComplete("1", "pB1", 812, 640),
		session.StageStart("2", "pB3"),
		session.StageComplete("2", "pB3", 1542, 890),
	}
	assert.Equal(t, want, events)
}

func TestStageCompleteFields(t *testing.T) {
	events := ParseAll("Completed Path 2 - pB3: 1542 tokens in 890ms\n")
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, session.EventStageComplete, ev.Type)
	assert.Equal(t, "2", ev.Path)
	assert.Equal(t, "pB3", ev.Stage)
	assert.Equal(t, 1542, ev.Tokens)
	assert.Equal(t, 890, ev.Latency)
}

func TestStartBeforeCompleteOrdering(t *testing.T) {
	events := ParseAll("noise\nPath 2 - Stage pB3\nmore noise\nCompleted Path 2 - pB3: 1 tokens in 2ms\n")
	require.Len(t, events, 2)
	assert.Equal(t, session.EventStageStart, events[0].Type)
	assert.Equal(t, session.EventStageComplete, events[1].Type)
}

func TestFeedSplitAcrossChunks(t *testing.T) {
	// Split the transcript at every byte offset: the events must be the
	// same as a single pass, never duplicated or lost.
	want := ParseAll(transcript)

	for i := 1; i < len(transcript); i++ {
		p := NewParser()
		got := p.Feed(transcript[:i])
		got = append(got, p.Feed(transcript[i:])...)
		got = append(got, p.Flush()...)
		if !assert.Equal(t, want, got, "split at %d", i) {
			return
		}
	}
}

func TestFeedByteAtATime(t *testing.T) {
	p := NewParser()
	var got []session.Event
	for i := 0; i < len(transcript); i++ {
		got = append(got, p.Feed(transcript[i:i+1])...)
	}
	got = append(got, p.Flush()...)
	assert.Equal(t, ParseAll(transcript), got)
}

func TestFeedHoldsPartialLine(t *testing.T) {
	p := NewParser()
	assert.Empty(t, p.Feed("Completed Path 1 - pB1: 5 tok"))
	events := p.Feed("ens in 7ms\n")
	require.Len(t, events, 1)
	assert.Equal(t, 5, events[0].Tokens)
	assert.Empty(t, p.Flush())
}

func TestFlushParsesUnterminatedLine(t *testing.T) {
	p := NewParser()
	assert.Empty(t, p.Feed("Path 3 - Stage pB2"))
	events := p.Flush()
	require.Len(t, events, 1)
	assert.Equal(t, session.StageStart("3", "pB2"), events[0])
	assert.Empty(t, p.Flush(), "second flush must not re-emit")
}

func TestCRLFLines(t *testing.T) {
	events := ParseAll("Path 1 - Stage pB1\r\nCompleted Path 1 - pB1: 3 tokens in 4ms\r\n")
	require.Len(t, events, 2)
	assert.Equal(t, 4, events[1].Latency)
}

func TestStageBannerUsesLastPath(t *testing.T) {
	events := ParseAll("=== STAGE pB1 ===\nswitching to Path 3\n=== STAGE pB2 ===\n")
	require.Len(t, events, 2)
	assert.Equal(t, session.StageStart("1", "pB1"), events[0])
	assert.Equal(t, session.StageStart("3", "pB2"), events[1])
}

func TestStageCountersUseLastStartedStage(t *testing.T) {
	events := ParseAll("Path 2 - Stage pB3\nTokensUsed: 812, LatencyMS: 640\n=== STAGE pB4 ===\nLatencyMS: 90 TokensUsed: 15\n")
	require.Len(t, events, 4)
	assert.Equal(t, session.StageComplete("2", "pB3", 812, 640), events[1])
	assert.Equal(t, session.StageStart("2", "pB4"), events[2])
	assert.Equal(t, session.StageComplete("2", "pB4", 15, 90), events[3])
}

func TestStageCountersDefaultToFirstStage(t *testing.T) {
	events := ParseAll("TokensUsed: 300\nLatencyMS: 12\n")
	require.Len(t, events, 2)
	assert.Equal(t, session.StageComplete("1", "pB1", 300, 0), events[0])
	assert.Equal(t, session.StageComplete("1", "pB1", 0, 12), events[1])
}

func TestOverflowingNumbersBecomeZero(t *testing.T) {
	events := ParseAll("Completed Path 1 - pB1: 99999999999999999999999 tokens in 5ms\n")
	require.Len(t, events, 1)
	assert.Equal(t, 0, events[0].Tokens)
	assert.Equal(t, 5, events[0].Latency)
}

func TestFoundationOverflowIsDropped(t *testing.T) {
	assert.Empty(t, ParseAll("Using foundation: pA99999999999999999999999\n"))
}

func TestCustomMatcher(t *testing.T) {
	custom := append(DefaultMatchers(), Matcher{
		Name:    "abort",
		Pattern: regexp.MustCompile(`^FATAL: (.+)$`),
		Build: func(m []string, _ *LineContext) (session.Event, bool) {
			return session.Failure(m[1]), true
		},
	})

	events := ParseAll("Path 1 - Stage pB1\nFATAL: provider quota\n", custom...)
	require.Len(t, events, 2)
	assert.Equal(t, session.Failure("provider quota"), events[1])
}

func TestLongLineIsClamped(t *testing.T) {
	p := NewParser()
	p.Feed(strings.Repeat("x", maxCarry+100))
	assert.Len(t, p.carry, maxCarry)
}
