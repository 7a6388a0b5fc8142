package relay

import (
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hawkeye-speaks/DRIS1/internal/metrics"
	"github.com/hawkeye-speaks/DRIS1/internal/session"
)

func TestPublishToAllSubscribers(t *testing.T) {
	r := NewRegistry()
	b := NewBroadcaster(r)
	a, c := newFakeSub("a"), newFakeSub("c")
	r.Register("s1", a)
	r.Register("s1", c)
	other := newFakeSub("other")
	r.Register("s2", other)

	require.NoError(t, b.Publish("s1", session.StageComplete("2", "pB3", 1542, 890)))

	want := `{"type":"stage_complete","path":"2","stage":"pB3","tokens":1542,"latency":890}`
	assert.Equal(t, []string{want}, a.messages())
	assert.Equal(t, []string{want}, c.messages())
	assert.Empty(t, other.messages(), "other sessions must not receive it")
}

func TestPublishWithoutSubscribersIsNotRetained(t *testing.T) {
	r := NewRegistry()
	b := NewBroadcaster(r)

	require.NoError(t, b.Publish("s1", session.StageStart("1", "pB1")))

	late := newFakeSub("late")
	r.Register("s1", late)
	require.NoError(t, b.Publish("s1", session.StageStart("1", "pB2")))

	assert.Equal(t, []string{`{"type":"stage_start","path":"1","stage":"pB2"}`}, late.messages())
}

func TestPublishSkipsAndRemovesClosed(t *testing.T) {
	r := NewRegistry()
	b := NewBroadcaster(r)
	live, dead := newFakeSub("live"), newFakeSub("dead")
	dead.closed = true
	r.Register("s1", live)
	r.Register("s1", dead)

	require.NoError(t, b.Publish("s1", session.Failure("x")))

	assert.Len(t, live.messages(), 1)
	assert.Empty(t, dead.messages())
	assert.Equal(t, []Subscriber{live}, r.Subscribers("s1"))
}

func TestPublishRemovesFailingSender(t *testing.T) {
	r := NewRegistry()
	m := metrics.New(prometheus.NewRegistry())
	b := NewBroadcaster(r, WithMetrics(m))
	bad := newFakeSub("bad")
	bad.failWith = errGone
	r.Register("s1", bad)

	assert.NoError(t, b.Publish("s1", session.Failure("x")))
	assert.False(t, r.HasSession("s1"))
}

func TestPublishAllPreservesOrder(t *testing.T) {
	r := NewRegistry()
	b := NewBroadcaster(r)
	sub := newFakeSub("a")
	r.Register("s1", sub)

	events := []session.Event{
		session.StageStart("1", "pB1"),
		session.StageComplete("1", "pB1", 1, 2),
		session.SynthesisComplete("done", session.Metadata{SessionID: "s1"}),
	}
	require.NoError(t, b.PublishAll("s1", events))

	got := sub.messages()
	require.Len(t, got, 3)
	assert.Contains(t, got[0], `"stage_start"`)
	assert.Contains(t, got[1], `"stage_complete"`)
	assert.Contains(t, got[2], `"synthesis_complete"`)
}

func TestConcurrentPublishAndRegister(t *testing.T) {
	r := NewRegistry()
	b := NewBroadcaster(r)
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			sub := newFakeSub(fmt.Sprint(n))
			r.Register("s1", sub)
			if n%3 == 0 {
				r.Unregister("s1", sub)
			}
		}(i)
		go func() {
			defer wg.Done()
			_ = b.Publish("s1", session.StageStart("1", "pB1"))
		}()
	}
	wg.Wait()
}
