package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hawkeye-speaks/DRIS1/internal/archive"
	"github.com/hawkeye-speaks/DRIS1/internal/config"
	"github.com/hawkeye-speaks/DRIS1/internal/health"
	"github.com/hawkeye-speaks/DRIS1/internal/relay"
	"github.com/hawkeye-speaks/DRIS1/internal/session"
)

const transcript = `Using foundation: pA3 (Skeptic)
Path 1 - Stage pB1
Completed Path 1 - pB1: 120 tokens in 900ms
Path 2 - Stage pB1
Completed Path 2 - pB1: 80 tokens in 450ms
=== HM6 SYNTHESIS ===
The answer is 42.
===
Total tokens: 200
Processing time: 1.5s
`

// chunkReader hands out its input n bytes at a time.
type chunkReader struct {
	data string
	n    int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.data == "" {
		return 0, io.EOF
	}
	n := r.n
	if n > len(r.data) {
		n = len(r.data)
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

type fakeProcess struct {
	pid     int
	stdout  io.Reader
	stderr  io.Reader
	code    int
	waitErr error
}

func (p *fakeProcess) PID() int          { return p.pid }
func (p *fakeProcess) Stdout() io.Reader { return p.stdout }
func (p *fakeProcess) Stderr() io.Reader { return p.stderr }
func (p *fakeProcess) Wait() (int, error) {
	return p.code, p.waitErr
}

type fakeProducer struct {
	mu    sync.Mutex
	specs []Spec
	next  func() (Process, error)
}

func (f *fakeProducer) Start(_ context.Context, spec Spec) (Process, error) {
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	f.mu.Unlock()
	return f.next()
}

func scripted(out string, code int) func() (Process, error) {
	return func() (Process, error) {
		return &fakeProcess{
			pid:    0,
			stdout: &chunkReader{data: out, n: 7},
			stderr: strings.NewReader("warning: slow provider\n"),
			code:   code,
		}, nil
	}
}

type recorder struct {
	mu     sync.Mutex
	events []session.Event
}

func (r *recorder) Send(data []byte) error {
	var ev session.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) Open() bool { return true }

func (r *recorder) types() []session.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]session.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *recorder) last() session.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type harness struct {
	l     *Launcher
	reg   *relay.Registry
	store *session.Store
	prod  *fakeProducer
	clock *clock.Mock
	dir   string
}

func newHarness(t *testing.T, next func() (Process, error), tweak func(*Options)) *harness {
	t.Helper()
	h := &harness{
		reg:   relay.NewRegistry(),
		store: session.NewStore(),
		prod:  &fakeProducer{next: next},
		clock: clock.NewMock(),
		dir:   t.TempDir(),
	}
	cfg := config.HM6Config{
		BinaryPath:    "/opt/hm6/bin/hm6",
		WorkDir:       "/opt/hm6",
		CredentialEnv: []string{"OPENROUTER_KEY_CLAUDE", "XAI_KEY"},
		PassEnv:       []string{"PATH"},
		ReadBuffer:    64,
	}
	opts := Options{
		Producer:    h.prod,
		Store:       h.store,
		Broadcaster: relay.NewBroadcaster(h.reg),
		Registry:    h.reg,
		Archive:     archive.NewWriter(h.dir),
		Clock:       h.clock,
		Environ: func() []string {
			return []string{"PATH=/usr/bin", "XAI_KEY=xai-secret", "AWS_SECRET_ACCESS_KEY=nope"}
		},
	}
	if tweak != nil {
		tweak(&opts)
	}
	h.l = New(cfg, opts)
	return h
}

func (h *harness) launch(t *testing.T, id string) *recorder {
	t.Helper()
	rec := &recorder{}
	h.reg.Register(id, rec)
	require.NoError(t, h.l.Launch(context.Background(), Request{SessionID: id, Query: "why is the sky blue?", Foundation: 3, UserID: "user_1"}))
	return rec
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.l.Wait(ctx))
}

func TestLaunchPublishesEventsInOrder(t *testing.T) {
	h := newHarness(t, scripted(transcript, 0), nil)
	rec := h.launch(t, "s1")
	h.wait(t)

	assert.Equal(t, []session.EventType{
		session.EventFoundationInfo,
		session.EventStageStart,
		session.EventStageComplete,
		session.EventStageStart,
		session.EventStageComplete,
		session.EventSynthesisComplete,
	}, rec.types())

	final := rec.last()
	assert.Equal(t, "The answer is 42.", final.Synthesis)
	require.NotNil(t, final.Metadata)
	assert.Equal(t, "s1", final.Metadata.SessionID)
	require.NotNil(t, final.Metadata.TotalTokens)
	assert.Equal(t, 200, *final.Metadata.TotalTokens)
	require.NotNil(t, final.Metadata.ProcessingTime)
	assert.InDelta(t, 1500.0, *final.Metadata.ProcessingTime, 1e-9)

	snap, ok := h.store.Get("s1")
	require.True(t, ok)
	assert.Equal(t, session.Completed, snap.State)
	assert.Len(t, snap.Stages, 2)
	require.NotNil(t, snap.ExitCode)
	assert.Equal(t, 0, *snap.ExitCode)

	records, err := archive.NewLister(h.dir, nil).List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "completed", records[0].Status)
	assert.Equal(t, 200, records[0].TokensUsed)
}

func TestLaunchNonzeroExitPublishesOneError(t *testing.T) {
	h := newHarness(t, scripted("Path 1 - Stage pB1\n", 2), nil)
	rec := h.launch(t, "s1")
	h.wait(t)

	assert.Equal(t, []session.EventType{session.EventStageStart, session.EventError}, rec.types())
	assert.Equal(t, "HM6 process failed (exit code 2)", rec.last().Message)

	snap, _ := h.store.Get("s1")
	assert.Equal(t, session.Failed, snap.State)
}

func TestLaunchSpawnFailureIsPublished(t *testing.T) {
	h := newHarness(t, func() (Process, error) {
		return nil, errors.New("exec: no such file or directory")
	}, nil)
	rec := h.launch(t, "s1")
	h.wait(t)

	require.Equal(t, []session.EventType{session.EventError}, rec.types())
	assert.Contains(t, rec.last().Message, "failed to start HM6")
	assert.Contains(t, rec.last().Message, "no such file")

	snap, _ := h.store.Get("s1")
	assert.Equal(t, session.Failed, snap.State)
}

func TestLaunchReportsHealth(t *testing.T) {
	tracker := health.NewTracker(1, nil)
	fail := true
	h := newHarness(t, func() (Process, error) {
		if fail {
			return nil, errors.New("exec: permission denied")
		}
		return scripted("Path 1 - Stage pB1\n", 3)()
	}, func(o *Options) { o.Health = tracker })

	h.launch(t, "s1")
	h.wait(t)
	assert.Equal(t, health.StatusFailed, tracker.Status())
	assert.Contains(t, tracker.Report().LastError, "permission denied")

	fail = false
	h.launch(t, "s2")
	h.wait(t)
	assert.Equal(t, health.StatusDegraded, tracker.Status())
	assert.Equal(t, 0, tracker.Report().SpawnFailures)
}

func TestLaunchUnheardCompletionStillFinishes(t *testing.T) {
	h := newHarness(t, scripted(transcript, 0), nil)
	require.NoError(t, h.l.Launch(context.Background(), Request{SessionID: "lonely", Query: "q"}))
	h.wait(t)

	snap, ok := h.store.Get("lonely")
	require.True(t, ok)
	assert.Equal(t, session.Completed, snap.State)
}

func TestLaunchPassesCredentialsOnlyThroughEnv(t *testing.T) {
	h := newHarness(t, scripted("", 0), nil)
	h.launch(t, "s1")
	h.wait(t)

	require.Len(t, h.prod.specs, 1)
	spec := h.prod.specs[0]
	assert.Equal(t, "/opt/hm6/bin/hm6", spec.Path)
	assert.Equal(t, "/opt/hm6", spec.Dir)
	assert.Equal(t, []string{"-query", "why is the sky blue?", "-foundation", "3"}, spec.Args)
	assert.Equal(t, []string{
		"HM6_SESSION_ID=s1",
		"HM6_USER_ID=user_1",
		"PATH=/usr/bin",
		"XAI_KEY=xai-secret",
	}, spec.Env)
	for _, arg := range spec.Args {
		assert.NotContains(t, arg, "xai-secret")
	}
}

func TestLaunchConcurrencyCap(t *testing.T) {
	pr, pw := io.Pipe()
	first := true
	next := func() (Process, error) {
		if first {
			first = false
			return &fakeProcess{stdout: pr, stderr: strings.NewReader("")}, nil
		}
		return scripted("", 0)()
	}
	h := newHarness(t, next, func(o *Options) { o.MaxConcurrent = 1 })

	require.NoError(t, h.l.Launch(context.Background(), Request{SessionID: "a", Query: "q"}))
	assert.ErrorIs(t, h.l.Launch(context.Background(), Request{SessionID: "b", Query: "q"}), ErrBusy)
	_, ok := h.store.Get("b")
	assert.False(t, ok, "a rejected query creates no session")

	pw.Close()
	h.wait(t)
	require.NoError(t, h.l.Launch(context.Background(), Request{SessionID: "c", Query: "q"}))
	h.wait(t)
}

type fixedSampler struct {
	rss uint64
	cpu float64
}

func (s fixedSampler) Sample(context.Context, int) (uint64, float64, error) {
	return s.rss, s.cpu, nil
}

func TestLaunchRecordsResourceSample(t *testing.T) {
	next := func() (Process, error) {
		return &fakeProcess{pid: 4242, stdout: strings.NewReader(transcript), stderr: strings.NewReader("")}, nil
	}
	h := newHarness(t, next, func(o *Options) { o.Sampler = fixedSampler{rss: 64 << 20, cpu: 1.25} })
	h.l.cfg.SampleInterval = time.Second
	h.launch(t, "s1")
	h.wait(t)

	snap, _ := h.store.Get("s1")
	assert.Equal(t, uint64(64<<20), snap.Resources.PeakRSSBytes)
	assert.Equal(t, 1.25, snap.Resources.CPUSeconds)
	assert.Equal(t, 4242, snap.PID)
}

func TestReapKeepsSubscribedAndRecent(t *testing.T) {
	h := newHarness(t, scripted("", 0), nil)
	h.launch(t, "watched")
	require.NoError(t, h.l.Launch(context.Background(), Request{SessionID: "idle", Query: "q"}))
	h.wait(t)

	assert.Empty(t, h.l.Reap(time.Minute), "nothing is old enough yet")

	h.clock.Add(2 * time.Minute)
	assert.Equal(t, []string{"idle"}, h.l.Reap(time.Minute))

	_, ok := h.store.Get("watched")
	assert.True(t, ok, "sessions with subscribers are kept")
}
