// Package launcher runs one HM6 process per query and turns its output into
// published session events.
package launcher

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/hawkeye-speaks/DRIS1/internal/archive"
	"github.com/hawkeye-speaks/DRIS1/internal/config"
	"github.com/hawkeye-speaks/DRIS1/internal/health"
	"github.com/hawkeye-speaks/DRIS1/internal/hm6"
	"github.com/hawkeye-speaks/DRIS1/internal/metrics"
	"github.com/hawkeye-speaks/DRIS1/internal/relay"
	"github.com/hawkeye-speaks/DRIS1/internal/session"
)

// ErrBusy is returned by Launch when the concurrency cap is reached.
var ErrBusy = errors.New("too many queries running")

// Request describes one query submission.
type Request struct {
	SessionID  string
	Query      string
	Foundation int
	UserID     string
}

// Options carries the launcher's collaborators. Producer, Store and
// Broadcaster are required.
type Options struct {
	Producer    Producer
	Store       *session.Store
	Broadcaster *relay.Broadcaster
	// Registry lets the reaper keep sessions that still have subscribers.
	Registry *relay.Registry
	// Archive, when set, receives a record for every session that finishes.
	Archive       *archive.Writer
	Health        *health.Tracker
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
	Clock         clock.Clock
	Sampler       Sampler
	Environ       func() []string
	MaxConcurrent int
}

type Launcher struct {
	cfg      config.HM6Config
	producer Producer
	store    *session.Store
	bc       *relay.Broadcaster
	reg      *relay.Registry
	archive  *archive.Writer
	health   *health.Tracker
	metrics  *metrics.Metrics
	log      *zap.Logger
	clock    clock.Clock
	sampler  Sampler
	environ  func() []string
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
}

func New(cfg config.HM6Config, opts Options) *Launcher {
	l := &Launcher{
		cfg:      cfg,
		producer: opts.Producer,
		store:    opts.Store,
		bc:       opts.Broadcaster,
		reg:      opts.Registry,
		archive:  opts.Archive,
		health:   opts.Health,
		metrics:  opts.Metrics,
		log:      opts.Logger,
		clock:    opts.Clock,
		sampler:  opts.Sampler,
		environ:  opts.Environ,
	}
	if l.log == nil {
		l.log = zap.NewNop()
	}
	if l.clock == nil {
		l.clock = clock.New()
	}
	if l.environ == nil {
		l.environ = os.Environ
	}
	if l.cfg.ReadBuffer <= 0 {
		l.cfg.ReadBuffer = 4096
	}
	if opts.MaxConcurrent > 0 {
		l.sem = semaphore.NewWeighted(int64(opts.MaxConcurrent))
	}
	return l
}

// Launch creates the session and starts its process. It returns once the
// child is running or its spawn failure has been published; the only
// synchronous error is ErrBusy.
func (l *Launcher) Launch(ctx context.Context, req Request) error {
	if l.sem != nil && !l.sem.TryAcquire(1) {
		return ErrBusy
	}

	s := &session.Session{
		ID:         req.SessionID,
		Query:      req.Query,
		Foundation: req.Foundation,
		UserID:     req.UserID,
		CreatedAt:  l.clock.Now(),
	}
	m := session.NewMachine(s, hm6.NewParser(), l.clock)
	l.store.Update(m.Snapshot())

	log := l.log.With(zap.String("session_id", req.SessionID))
	l.wg.Add(1)

	proc, err := l.producer.Start(ctx, Spec{
		Path: l.cfg.BinaryPath,
		Args: buildArgs(req),
		Env:  buildEnv(l.environ(), l.cfg, req),
		Dir:  l.cfg.WorkDir,
	})
	if err != nil {
		log.Error("spawn failed", zap.String("binary", l.cfg.BinaryPath), zap.Error(err))
		l.health.RecordSpawnFailure(err)
		events, _ := m.SpawnFailed(err)
		l.publish(req.SessionID, events, log)
		l.finish(m, log)
		return nil
	}

	if err := m.Start(proc.PID()); err != nil {
		log.Error("start rejected", zap.Error(err))
	}
	l.store.Update(m.Snapshot())
	l.health.RecordSpawnSuccess()
	l.metrics.SessionStarted()
	log.Info("hm6 started", zap.Int("pid", proc.PID()), zap.Int("foundation", req.Foundation))

	go l.run(m, proc, log)
	return nil
}

// run owns the session after spawn. All of its events are published from
// this goroutine, which keeps them in parser order.
func (l *Launcher) run(m *session.Machine, proc Process, log *zap.Logger) {
	id := m.Snapshot().ID

	sampleCtx, stopSampling := context.WithCancel(context.Background())
	sampled := make(chan struct{})
	go func() {
		defer close(sampled)
		l.sample(sampleCtx, m, proc.PID())
	}()
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		l.logStderr(proc.Stderr(), log)
	}()

	buf := make([]byte, l.cfg.ReadBuffer)
	stdout := proc.Stdout()
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			log.Debug("hm6 stdout", zap.Int("bytes", n))
			events, oerr := m.Output(chunk)
			if oerr != nil {
				log.Error("output rejected", zap.Error(oerr))
			} else if len(events) > 0 {
				l.publish(id, events, log)
				l.store.Update(m.Snapshot())
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn("reading hm6 stdout", zap.Error(err))
			}
			break
		}
	}

	// Both pipes must be drained before Wait.
	<-stderrDone
	code, werr := proc.Wait()
	stopSampling()
	<-sampled
	if werr != nil {
		log.Error("waiting for hm6", zap.Error(werr))
	}
	l.health.RecordExit(code)

	events, err := m.Exit(code)
	if err != nil {
		log.Error("exit rejected", zap.Error(err))
	}
	l.publish(id, events, log)
	log.Info("hm6 exited", zap.Int("exit_code", code), zap.Stringer("state", m.State()))
	l.finish(m, log)
}

func (l *Launcher) logStderr(r io.Reader, log *zap.Logger) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			log.Warn("hm6 stderr", zap.String("line", line))
		}
	}
	if err := sc.Err(); err != nil {
		// Keep draining so the child never blocks on a full stderr pipe.
		io.Copy(io.Discard, r)
	}
}

func (l *Launcher) sample(ctx context.Context, m *session.Machine, pid int) {
	if l.sampler == nil || pid <= 0 || l.cfg.SampleInterval <= 0 {
		return
	}
	take := func() {
		rss, cpu, err := l.sampler.Sample(ctx, pid)
		if err == nil || rss > 0 {
			m.RecordResources(rss, cpu)
		}
	}
	take()

	ticker := l.clock.Ticker(l.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			take()
		}
	}
}

func (l *Launcher) publish(id string, events []session.Event, log *zap.Logger) {
	for _, ev := range events {
		if err := l.bc.Publish(id, ev); err != nil {
			log.Error("publish failed", zap.String("type", string(ev.Type)), zap.Error(err))
		}
	}
}

// finish records the terminal snapshot and releases the slot.
func (l *Launcher) finish(m *session.Machine, log *zap.Logger) {
	defer l.wg.Done()
	if l.sem != nil {
		defer l.sem.Release(1)
	}

	snap := m.Snapshot()
	l.store.Update(snap)
	l.metrics.SessionFinished(snap.State.String())
	if snap.StartedAt != nil && snap.FinishedAt != nil {
		l.metrics.ChildExited(snap.Resources.PeakRSSBytes, snap.FinishedAt.Sub(*snap.StartedAt).Seconds())
	}

	if l.archive != nil {
		if err := l.archive.Save(archive.RecordFor(snap)); err != nil {
			log.Warn("archiving session", zap.Error(err))
		}
	}
}

// Wait blocks until every launched session has finished or ctx is done.
func (l *Launcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reap drops finished sessions older than retain that nobody is
// subscribed to.
func (l *Launcher) Reap(retain time.Duration) []string {
	var keep func(string) bool
	if l.reg != nil {
		keep = l.reg.HasSession
	}
	removed := l.store.Prune(l.clock.Now().Add(-retain), keep)
	if len(removed) > 0 {
		l.log.Debug("reaped sessions", zap.Strings("session_ids", removed))
	}
	return removed
}

// RunReaper calls Reap every interval until ctx is done.
func (l *Launcher) RunReaper(ctx context.Context, interval, retain time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := l.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Reap(retain)
		}
	}
}
