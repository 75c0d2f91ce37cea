package browser_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Proton-105/pagecapture/internal/browser"
	"github.com/Proton-105/pagecapture/internal/browser/browsertest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPool(engine browser.Engine, opts browser.Options) *browser.Pool {
	opts.Logger = testLogger()
	if opts.LaunchRate == 0 {
		opts.LaunchRate = 1000
	}
	if opts.LaunchBackoff == 0 {
		opts.LaunchBackoff = time.Millisecond
	}
	return browser.NewPool(engine, opts)
}

func TestPool_NeverExceedsSize(t *testing.T) {
	engine := &browsertest.Engine{RenderDelay: 5 * time.Millisecond}
	pool := newPool(engine, browser.Options{Size: 3, AcquireTimeout: 5 * time.Second})

	var (
		wg      sync.WaitGroup
		current int64
		peak    int64
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := pool.Acquire(context.Background(), 0)
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt64(&current, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			_, err = lease.Render(context.Background(), browser.Job{Format: "png"})
			assert.NoError(t, err)
			atomic.AddInt64(&current, -1)
			lease.Release(true)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(3))
	assert.LessOrEqual(t, engine.MaxConcurrentContexts(), 3)
	assert.LessOrEqual(t, engine.Launches(), 3)

	stats := pool.Stats()
	assert.Equal(t, 0, stats.Leased)
	assert.Equal(t, uint64(30), stats.Acquires)
}

func TestPool_LazyLaunchAndReuse(t *testing.T) {
	engine := &browsertest.Engine{}
	pool := newPool(engine, browser.Options{Size: 2})
	assert.Equal(t, 0, engine.Launches())

	lease, err := pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	lease.Release(true)

	lease, err = pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	lease.Release(true)

	assert.Equal(t, 1, engine.Launches())
	// Each lease gets a fresh isolated context.
	assert.Equal(t, 2, engine.Instances()[0].ContextsCreated())
}

func TestPool_FIFOWaiters(t *testing.T) {
	engine := &browsertest.Engine{}
	pool := newPool(engine, browser.Options{Size: 1})

	holder, err := pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lease, err := pool.Acquire(context.Background(), 5*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			lease.Release(true)
		}(i)
		// Queue them in a known order.
		require.Eventually(t, func() bool { return pool.Stats().Waiting == i+1 }, time.Second, time.Millisecond)
	}

	holder.Release(true)
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestPool_AcquireTimeout(t *testing.T) {
	pool := newPool(&browsertest.Engine{}, browser.Options{Size: 1})

	lease, err := pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	start := time.Now()
	_, err = pool.Acquire(context.Background(), 30*time.Millisecond)
	assert.ErrorIs(t, err, browser.ErrAcquireTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, 0, pool.Stats().Waiting)

	lease.Release(true)
	stats := pool.Stats()
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 0, stats.Leased)
}

func TestPool_UnhealthyReleaseRetiresAndRelaunchesOnDemand(t *testing.T) {
	engine := &browsertest.Engine{}
	pool := newPool(engine, browser.Options{Size: 1})

	lease, err := pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	lease.Release(false)

	first := engine.Instances()[0]
	assert.True(t, first.Closed())
	stats := pool.Stats()
	assert.Equal(t, 0, stats.Total)
	assert.Equal(t, 1, engine.Launches(), "replacement must not be launched eagerly")

	lease, err = pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	lease.Release(true)
	assert.Equal(t, 2, engine.Launches())
}

func TestPool_ReleaseIsIdempotent(t *testing.T) {
	pool := newPool(&browsertest.Engine{}, browser.Options{Size: 1})

	lease, err := pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	lease.Release(true)
	lease.Release(false)
	lease.Release(true)

	stats := pool.Stats()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 0, stats.Leased)
}

func TestPool_MaxLeasesPerInstance(t *testing.T) {
	engine := &browsertest.Engine{}
	pool := newPool(engine, browser.Options{Size: 1, MaxLeasesPerInstance: 2})

	for i := 0; i < 4; i++ {
		lease, err := pool.Acquire(context.Background(), time.Second)
		require.NoError(t, err)
		lease.Release(true)
	}

	assert.Equal(t, 2, engine.Launches())
	assert.True(t, engine.Instances()[0].Closed())
	assert.True(t, engine.Instances()[1].Closed())
}

type fixedProbe uint64

func (p fixedProbe) RSS(int) (uint64, error) { return uint64(p), nil }

func TestPool_MemoryCeilingRetires(t *testing.T) {
	engine := &browsertest.Engine{}
	pool := newPool(engine, browser.Options{Size: 1, MaxMemoryBytes: 100, Probe: fixedProbe(200)})

	lease, err := pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	lease.Release(true)

	assert.True(t, engine.Instances()[0].Closed())
	assert.Equal(t, 0, pool.Stats().Total)
}

func TestPool_ReapIdle(t *testing.T) {
	now := time.Unix(0, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	engine := &browsertest.Engine{}
	pool := newPool(engine, browser.Options{Size: 2, MaxIdleAge: time.Minute, Now: clock})

	lease, err := pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	lease.Release(true)

	assert.Equal(t, 0, pool.Reap())

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	assert.Equal(t, 1, pool.Reap())
	assert.True(t, engine.Instances()[0].Closed())
	assert.Equal(t, 0, pool.Stats().Total)
}

func TestPool_AcquireSkipsIdleExpired(t *testing.T) {
	now := time.Unix(0, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	engine := &browsertest.Engine{}
	pool := newPool(engine, browser.Options{Size: 1, MaxIdleAge: time.Minute, ReapInterval: time.Hour, Now: clock})

	lease, err := pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	lease.Release(true)

	mu.Lock()
	now = now.Add(10 * time.Minute)
	mu.Unlock()

	lease, err = pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	defer lease.Release(true)

	assert.Equal(t, 2, engine.Launches())
	assert.True(t, engine.Instances()[0].Closed())
	assert.False(t, engine.Instances()[1].Closed())

	stats := pool.Stats()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Leased)
	assert.Equal(t, uint64(1), stats.Retired)
}

func TestPool_LaunchRetriesThenExhausted(t *testing.T) {
	boom := errors.New("chromium failed to start")

	var exhausted atomic.Int32
	engine := &browsertest.Engine{LaunchErrs: []error{boom, boom, boom}}
	pool := newPool(engine, browser.Options{
		Size:          1,
		LaunchRetries: 2,
		OnExhausted:   func(error) { exhausted.Add(1) },
	})

	_, err := pool.Acquire(context.Background(), time.Second)
	assert.ErrorIs(t, err, browser.ErrPoolExhausted)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, engine.Launches())
	assert.Equal(t, int32(1), exhausted.Load())
	assert.Equal(t, 0, pool.Stats().Total)

	// A transient failure is absorbed by the retry budget.
	engine.LaunchErrs = []error{boom}
	lease, err := pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	lease.Release(true)
}

func TestPool_CloseFailsWaitersAndDrains(t *testing.T) {
	engine := &browsertest.Engine{}
	pool := newPool(engine, browser.Options{Size: 1})

	lease, err := pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(context.Background(), 5*time.Second)
		waitErr <- err
	}()
	require.Eventually(t, func() bool { return pool.Stats().Waiting == 1 }, time.Second, time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- pool.Close(context.Background()) }()

	assert.ErrorIs(t, <-waitErr, browser.ErrPoolClosed)

	lease.Release(true)
	require.NoError(t, <-closed)
	assert.True(t, engine.Instances()[0].Closed())

	_, err = pool.Acquire(context.Background(), time.Second)
	assert.ErrorIs(t, err, browser.ErrPoolClosed)
}
