// Package mock produces synthetic HM6 runs for dev mode and tests. The
// output follows the real binary's text format so it goes through the same
// parser.
package mock

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/hawkeye-speaks/DRIS1/internal/launcher"
)

// FailMarker in a query selects the error scenario.
const FailMarker = "#fail"

var foundationRoles = []string{
	"Analyst", "Skeptic", "Synthesist", "Historian", "Engineer", "Ethicist",
	"Economist", "Strategist", "Scientist", "Critic", "Pragmatist", "Visionary",
}

var stages = []string{"pB1", "pB2", "pB3", "pB4"}

type mockPath struct {
	number      int
	pattern     string
	baseTokens  int
	baseLatency int
}

var defaultPaths = []mockPath{
	{number: 1, pattern: "steady", baseTokens: 900, baseLatency: 1800},
	{number: 2, pattern: "burst", baseTokens: 1400, baseLatency: 2600},
	{number: 3, pattern: "methodical", baseTokens: 600, baseLatency: 1200},
}

// Producer implements launcher.Producer without spawning anything.
type Producer struct {
	// Tick is the pause between output lines. Zero writes as fast as the
	// reader consumes.
	Tick  time.Duration
	Clock clock.Clock
	Seed  int64

	mu  sync.Mutex
	rng *rand.Rand
}

func NewProducer(tick time.Duration) *Producer {
	return &Producer{Tick: tick, Clock: clock.New(), Seed: time.Now().UnixNano()}
}

func (p *Producer) random() *rand.Rand {
	if p.rng == nil {
		p.rng = rand.New(rand.NewSource(p.Seed))
	}
	return p.rng
}

// Start begins a synthetic run. ctx is ignored: like the real binary, a run
// is never cancelled.
func (p *Producer) Start(_ context.Context, spec launcher.Spec) (launcher.Process, error) {
	query, foundation := parseArgs(spec.Args)
	if query == "" {
		return nil, fmt.Errorf("mock hm6: missing -query")
	}

	p.mu.Lock()
	run := newRun(p.random(), query, foundation)
	p.mu.Unlock()

	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	proc := &process{stdout: outR, stderr: errR, done: make(chan struct{})}

	go func() {
		defer close(proc.done)
		proc.code = run.play(outW, errW, clk, p.Tick)
		outW.Close()
		errW.Close()
	}()
	return proc, nil
}

func parseArgs(args []string) (query string, foundation int) {
	for i := 0; i+1 < len(args); i++ {
		switch args[i] {
		case "-query":
			query = args[i+1]
			i++
		case "-foundation":
			foundation, _ = strconv.Atoi(args[i+1])
			i++
		}
	}
	return query, foundation
}

type process struct {
	stdout io.Reader
	stderr io.Reader
	done   chan struct{}
	code   int
}

func (p *process) PID() int          { return 0 }
func (p *process) Stdout() io.Reader { return p.stdout }
func (p *process) Stderr() io.Reader { return p.stderr }

func (p *process) Wait() (int, error) {
	<-p.done
	return p.code, nil
}

// run is one scripted transcript.
type run struct {
	query      string
	foundation int
	fail       bool
	lines      []line
}

type line struct {
	text   string
	stderr bool
}

func newRun(rng *rand.Rand, query string, foundation int) *run {
	if foundation < 1 || foundation > len(foundationRoles) {
		foundation = 1 + rng.Intn(len(foundationRoles))
	}
	r := &run{
		query:      query,
		foundation: foundation,
		fail:       strings.Contains(query, FailMarker),
	}
	r.script(rng)
	return r
}

func (r *run) out(format string, args ...any) {
	r.lines = append(r.lines, line{text: fmt.Sprintf(format, args...)})
}

func (r *run) errOut(format string, args ...any) {
	r.lines = append(r.lines, line{text: fmt.Sprintf(format, args...), stderr: true})
}

func (r *run) script(rng *rand.Rand) {
	role := foundationRoles[r.foundation-1]
	r.out("HM6 reasoning engine (mock)")
	r.out("Using foundation: pA%d (%s)", r.foundation, role)

	total := 0
	elapsed := time.Duration(0)
	for si, stage := range stages {
		if r.fail && si == 2 {
			r.errOut("provider error: upstream returned 502 for Path 2 - %s", stage)
			r.errOut("aborting after %d completed stages", si*len(defaultPaths))
			return
		}
		for _, mp := range defaultPaths {
			r.out("Path %d - Stage %s", mp.number, stage)
		}
		for _, mp := range defaultPaths {
			tokens, latency := mp.advance(rng, si)
			total += tokens
			elapsed += time.Duration(latency) * time.Millisecond
			r.out("Completed Path %d - %s: %d tokens in %dms", mp.number, stage, tokens, latency)
		}
	}

	r.out("")
	r.out("=== HM6 SYNTHESIS ===")
	r.out("## Synthesis (%s lens)", role)
	r.out("")
	r.out("Three independent reasoning paths converged on the question.")
	r.out("")
	r.out("- **Path 1** built a steady baseline argument.")
	r.out("- **Path 2** explored alternatives in bursts and pruned weak branches.")
	r.out("- **Path 3** checked each step methodically against the foundation.")
	r.out("")
	r.out("The paths agree on the core answer; remaining disagreement is noted above.")
	r.out("===")
	r.out("Total tokens: %d", total)
	r.out("Processing time: %.1fs", elapsed.Seconds())
}

// advance returns the tokens and latency of one stage for this path. The
// pattern shapes how the cost moves across stages.
func (mp mockPath) advance(rng *rand.Rand, stage int) (tokens, latencyMS int) {
	jitter := func(n int) int { return n + rng.Intn(n/4+1) - n/8 }
	switch mp.pattern {
	case "burst":
		if stage%2 == 1 {
			return jitter(mp.baseTokens * 2), jitter(mp.baseLatency * 2)
		}
		return jitter(mp.baseTokens / 2), jitter(mp.baseLatency / 2)
	case "methodical":
		return jitter(mp.baseTokens + stage*150), jitter(mp.baseLatency + stage*300)
	default:
		return jitter(mp.baseTokens), jitter(mp.baseLatency)
	}
}

// play writes the transcript and returns the exit code.
func (r *run) play(stdout, stderr io.Writer, clk clock.Clock, tick time.Duration) int {
	for i, ln := range r.lines {
		if tick > 0 && i > 0 {
			clk.Sleep(tick)
		}
		w := stdout
		if ln.stderr {
			w = stderr
		}
		if _, err := io.WriteString(w, ln.text+"\n"); err != nil {
			return 1
		}
	}
	if r.fail {
		return 1
	}
	return 0
}
