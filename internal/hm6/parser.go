package hm6

import (
	"strings"

	"github.com/hawkeye-speaks/DRIS1/internal/session"
)

// maxCarry bounds the unterminated tail kept between chunks. A line longer
// than this is cut from the front; progress lines are far shorter.
const maxCarry = 1 << 20

// Parser is an incremental stdout scanner. Only complete lines are matched;
// a trailing fragment is held until the next Feed (or Flush) completes it,
// so a pattern split across two chunks is still seen exactly once.
//
// A Parser is not safe for concurrent use; the session machine serialises
// calls.
type Parser struct {
	matchers []Matcher
	carry    string
	lc       LineContext
}

// NewParser returns a parser over the given matchers, or the default table
// when none are given.
func NewParser(matchers ...Matcher) *Parser {
	if len(matchers) == 0 {
		matchers = DefaultMatchers()
	}
	return &Parser{matchers: matchers}
}

// Feed consumes newly appended stdout text.
func (p *Parser) Feed(chunk string) []session.Event {
	text := p.carry + chunk
	idx := strings.LastIndexByte(text, '\n')
	if idx < 0 {
		p.carry = clampCarry(text)
		return nil
	}
	p.carry = clampCarry(text[idx+1:])
	return p.scan(text[:idx])
}

// Flush matches whatever fragment is still held, as at end of output.
func (p *Parser) Flush() []session.Event {
	rest := p.carry
	p.carry = ""
	if rest == "" {
		return nil
	}
	return p.scan(rest)
}

func (p *Parser) Synthesis(output string) string {
	return ExtractSynthesis(output)
}

func (p *Parser) Metadata(output string) session.Metadata {
	return ExtractMetadata(output)
}

func (p *Parser) scan(block string) []session.Event {
	var events []session.Event
	for _, line := range strings.Split(block, "\n") {
		events = append(events, p.line(strings.TrimRight(line, "\r"))...)
	}
	return events
}

func (p *Parser) line(line string) []session.Event {
	if line == "" {
		return nil
	}
	if m := pathMention.FindStringSubmatch(line); m != nil {
		p.lc.LastPath = m[1]
	}
	var events []session.Event
	for _, mt := range p.matchers {
		m := mt.Pattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if ev, ok := mt.Build(m, &p.lc); ok {
			events = append(events, ev)
		}
	}
	return events
}

// ParseAll runs a fresh parser over a complete transcript.
func ParseAll(output string, matchers ...Matcher) []session.Event {
	p := NewParser(matchers...)
	events := p.Feed(output)
	return append(events, p.Flush()...)
}

func clampCarry(s string) string {
	if len(s) > maxCarry {
		return s[len(s)-maxCarry:]
	}
	return s
}
