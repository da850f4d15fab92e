package reachability

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingProber struct {
	calls int32
	delay time.Duration

	mu  sync.Mutex
	err error
}

func (p *countingProber) Probe(ctx context.Context) error {
	atomic.AddInt32(&p.calls, 1)
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *countingProber) fail(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *countingProber) succeed()     { p.fail(nil) }
func (p *countingProber) count() int32 { return atomic.LoadInt32(&p.calls) }

func newTestMonitor(p Prober, opts ...Option) (*Monitor, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	opts = append(opts, WithClock(clock.Now))
	return NewMonitor(p, opts...), clock
}

func TestCheckReachability_throttledWithinWindow(t *testing.T) {
	p := &countingProber{}
	m, clock := newTestMonitor(p)

	assert.True(t, m.CheckReachability(context.Background()))
	clock.Advance(2 * time.Second)
	assert.True(t, m.CheckReachability(context.Background()))
	assert.Equal(t, int32(1), p.count())

	clock.Advance(4 * time.Second)
	assert.True(t, m.CheckReachability(context.Background()))
	assert.Equal(t, int32(2), p.count())
}

func TestCheckReachability_concurrentCallersShareProbe(t *testing.T) {
	p := &countingProber{delay: 50 * time.Millisecond}
	m, _ := newTestMonitor(p)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, m.CheckReachability(context.Background()))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), p.count())
}

func TestCheckReachability_probeErrorIsOffline(t *testing.T) {
	p := &countingProber{}
	p.fail(errors.New("timeout"))
	m, _ := newTestMonitor(p)

	assert.False(t, m.CheckReachability(context.Background()))
	assert.False(t, m.IsOnline())
}

func TestHandleLinkChange_noInterfaceIsImmediateOffline(t *testing.T) {
	p := &countingProber{}
	m, _ := newTestMonitor(p)

	assert.False(t, m.HandleLinkChange(context.Background(), LinkNone))
	assert.Equal(t, int32(0), p.count())
	assert.False(t, m.IsOnline())

	// Link returns inside the window; the probe must still run
	assert.True(t, m.HandleLinkChange(context.Background(), LinkUp))
	assert.Equal(t, int32(1), p.count())
	assert.True(t, m.IsOnline())
}

func TestHandleLinkChange_captivePortal(t *testing.T) {
	p := &countingProber{}
	p.fail(errors.New("no such host"))
	m, _ := newTestMonitor(p)

	assert.False(t, m.HandleLinkChange(context.Background(), LinkUp))
}

func TestSubscribe_notifiesOnTransitionsOnly(t *testing.T) {
	p := &countingProber{}
	m, clock := newTestMonitor(p)

	var events []bool
	unsubscribe := m.Subscribe(func(online bool) { events = append(events, online) })

	m.CheckReachability(context.Background()) // online -> online
	clock.Advance(time.Minute)
	p.fail(errors.New("down"))
	m.CheckReachability(context.Background()) // online -> offline
	clock.Advance(time.Minute)
	m.CheckReachability(context.Background()) // offline -> offline
	clock.Advance(time.Minute)
	p.succeed()
	m.CheckReachability(context.Background()) // offline -> online

	assert.Equal(t, []bool{false, true}, events)

	unsubscribe()
	m.HandleLinkChange(context.Background(), LinkNone)
	assert.Len(t, events, 2)
}

func TestInitialize_linkSourceErrorDefaultsOnline(t *testing.T) {
	p := &countingProber{}
	p.fail(errors.New("would be offline"))
	m, _ := newTestMonitor(p, WithLinkSource(LinkSourceFunc(func(context.Context) (LinkState, error) {
		return LinkUnknown, errors.New("platform channel not ready")
	})))

	m.Initialize(context.Background())
	assert.True(t, m.IsOnline())
	assert.Equal(t, int32(0), p.count())
}

func TestInitialize_idempotentAndShared(t *testing.T) {
	p := &countingProber{delay: 20 * time.Millisecond}
	var linkCalls int32
	m, _ := newTestMonitor(p, WithLinkSource(LinkSourceFunc(func(context.Context) (LinkState, error) {
		atomic.AddInt32(&linkCalls, 1)
		return LinkUp, nil
	})))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Initialize(context.Background())
		}()
	}
	wg.Wait()
	m.Initialize(context.Background())

	assert.Equal(t, int32(1), atomic.LoadInt32(&linkCalls))
	assert.Equal(t, int32(1), p.count())

	m.Reset()
	m.Reset()
	m.Initialize(context.Background())
	assert.Equal(t, int32(2), atomic.LoadInt32(&linkCalls))
}

func TestInitialize_noInterfaceStartsOffline(t *testing.T) {
	p := &countingProber{}
	m, _ := newTestMonitor(p, WithLinkSource(LinkSourceFunc(func(context.Context) (LinkState, error) {
		return LinkNone, nil
	})))

	m.Initialize(context.Background())
	assert.False(t, m.IsOnline())
	assert.Equal(t, int32(0), p.count())
}

func TestDNSProber(t *testing.T) {
	p := NewDNSProber("dns.google", time.Second)

	p.LookupHost = func(ctx context.Context, host string) ([]string, error) {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		return []string{"8.8.8.8"}, nil
	}
	require.NoError(t, p.Probe(context.Background()))

	p.LookupHost = func(context.Context, string) ([]string, error) { return nil, nil }
	assert.Error(t, p.Probe(context.Background()))

	p.LookupHost = func(context.Context, string) ([]string, error) { return nil, errors.New("nxdomain") }
	assert.Error(t, p.Probe(context.Background()))
}
