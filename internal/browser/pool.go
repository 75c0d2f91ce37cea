package browser

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

var (
	poolWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "browser_pool_wait_seconds",
		Help:    "Time spent waiting for a browser lease.",
		Buckets: []float64{.001, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	})
	poolLaunchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "browser_launch_failures_total",
		Help: "Browser process launch attempts that failed.",
	})
	poolRetirements = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "browser_retirements_total",
		Help: "Browser processes torn down, by reason.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(poolWaitDuration, poolLaunchFailures, poolRetirements)
}

// Retirement reasons.
const (
	RetireUnhealthy = "unhealthy"
	RetireMaxLeases = "max_leases"
	RetireMemory    = "memory"
	RetireIdle      = "idle"
	RetireShutdown  = "shutdown"
)

// Options configures a Pool.
type Options struct {
	// Size is the maximum number of browser processes (N).
	Size int
	// AcquireTimeout is used when Acquire is called with a non-positive timeout.
	AcquireTimeout       time.Duration
	MaxLeasesPerInstance int
	MaxIdleAge           time.Duration
	ReapInterval         time.Duration
	// MaxMemoryBytes retires an instance on release when its RSS exceeds it. Zero disables.
	MaxMemoryBytes uint64
	// LaunchRetries is the number of additional launch attempts after the first.
	LaunchRetries int
	LaunchBackoff time.Duration
	// LaunchRate paces process starts per second; burst is Size.
	LaunchRate float64
	Probe      MemoryProbe
	Logger     *slog.Logger
	// OnExhausted is called after launch retries are used up.
	OnExhausted func(err error)
	Now         func() time.Time
}

func (o *Options) applyDefaults() {
	if o.Size <= 0 {
		o.Size = 1
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = 30 * time.Second
	}
	if o.MaxLeasesPerInstance <= 0 {
		o.MaxLeasesPerInstance = 100
	}
	if o.MaxIdleAge <= 0 {
		o.MaxIdleAge = 5 * time.Minute
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = 30 * time.Second
	}
	if o.LaunchRetries < 0 {
		o.LaunchRetries = 0
	}
	if o.LaunchBackoff <= 0 {
		o.LaunchBackoff = 250 * time.Millisecond
	}
	if o.LaunchRate <= 0 {
		o.LaunchRate = float64(o.Size)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	Size     int
	Total    int
	Idle     int
	Leased   int
	Waiting  int
	Acquires uint64
	Launches uint64
	Retired  uint64
}

type pooled struct {
	id         uint64
	inst       Instance
	uses       int
	launchedAt time.Time
	lastUsed   time.Time
}

// grant is delivered to a waiter. A grant without an instance is a reserved
// launch slot.
type grant struct {
	inst *pooled
	err  error
}

type waiter struct {
	ch chan grant
}

// Pool owns every browser process. Leases are handles; callers never close
// instances themselves.
type Pool struct {
	engine  Engine
	opts    Options
	log     *slog.Logger
	limiter *rate.Limiter

	mu       sync.Mutex
	idle     []*pooled
	total    int
	leased   int
	waiters  *list.List
	closed   bool
	drained  chan struct{}
	nextID   uint64
	acquires uint64
	launches uint64
	retired  uint64
}

// NewPool builds a pool. No process is started until the first Acquire.
func NewPool(engine Engine, opts Options) *Pool {
	opts.applyDefaults()

	return &Pool{
		engine:  engine,
		opts:    opts,
		log:     opts.Logger.With(slog.String("component", "browser_pool")),
		limiter: rate.NewLimiter(rate.Limit(opts.LaunchRate), opts.Size),
		waiters: list.New(),
	}
}

// Acquire blocks until a healthy browser is available or timeout elapses.
// Waiters are served in FIFO order.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Lease, error) {
	if timeout <= 0 {
		timeout = p.opts.AcquireTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	defer func() { poolWaitDuration.Observe(time.Since(start).Seconds()) }()

	for {
		inst, launch, err := p.reserve(ctx)
		if err != nil {
			return nil, err
		}

		if launch {
			inst, err = p.launch(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.leased--
				p.dispatchLocked()
				p.mu.Unlock()
				return nil, err
			}
		}

		bctx, err := inst.inst.NewContext(ctx)
		if err != nil {
			p.log.Warn("failed to create browsing context, retiring browser",
				slog.Uint64("instance", inst.id), slog.Any("error", err))
			p.retire(inst, RetireUnhealthy)
			if launch {
				return nil, fmt.Errorf("%w: %w", ErrPoolExhausted, err)
			}
			if ctx.Err() != nil {
				return nil, ErrAcquireTimeout
			}
			continue
		}

		p.mu.Lock()
		p.acquires++
		p.mu.Unlock()

		inst.uses++
		return &Lease{pool: p, inst: inst, bctx: bctx, acquiredAt: p.opts.Now()}, nil
	}
}

// reserve returns an idle instance, or launch=true with a reserved slot, or
// waits in the FIFO queue.
func (p *Pool) reserve(ctx context.Context) (*pooled, bool, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, false, ErrPoolClosed
	}

	if stale := p.takeStaleLocked(p.opts.Now()); len(stale) > 0 {
		p.mu.Unlock()
		p.closeIdle(stale)
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, false, ErrPoolClosed
		}
	}

	if p.waiters.Len() == 0 {
		if n := len(p.idle); n > 0 {
			inst := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.leased++
			p.mu.Unlock()
			return inst, false, nil
		}
		if p.total < p.opts.Size {
			p.total++
			p.leased++
			p.mu.Unlock()
			return nil, true, nil
		}
	}

	w := &waiter{ch: make(chan grant, 1)}
	elem := p.waiters.PushBack(w)
	p.mu.Unlock()

	select {
	case g := <-w.ch:
		if g.err != nil {
			return nil, false, g.err
		}
		return g.inst, g.inst == nil, nil

	case <-ctx.Done():
		p.mu.Lock()
		defer p.mu.Unlock()

		if isQueued(p.waiters, elem) {
			p.waiters.Remove(elem)
			return nil, false, ErrAcquireTimeout
		}

		// A grant raced the timeout; pass it on.
		g := <-w.ch
		if g.err == nil {
			p.regrantLocked(g)
		}
		return nil, false, ErrAcquireTimeout
	}
}

func isQueued(l *list.List, elem *list.Element) bool {
	for e := l.Front(); e != nil; e = e.Next() {
		if e == elem {
			return true
		}
	}
	return false
}

// regrantLocked hands a grant abandoned by a timed-out waiter to the next one,
// or returns its capacity to the pool.
func (p *Pool) regrantLocked(g grant) {
	if p.closed {
		p.leased--
		p.total--
		if g.inst != nil {
			p.retired++
			go p.closeInstance(g.inst, RetireShutdown)
		}
		p.signalDrainedLocked()
		return
	}

	if front := p.waiters.Front(); front != nil {
		p.waiters.Remove(front)
		front.Value.(*waiter).ch <- g
		return
	}

	p.leased--
	if g.inst != nil {
		g.inst.lastUsed = p.opts.Now()
		p.idle = append(p.idle, g.inst)
	} else {
		p.total--
	}
	p.signalDrainedLocked()
}

// dispatchLocked gives the front waiter a launch slot if there is capacity.
func (p *Pool) dispatchLocked() {
	if p.closed || p.total >= p.opts.Size {
		p.signalDrainedLocked()
		return
	}
	front := p.waiters.Front()
	if front == nil {
		p.signalDrainedLocked()
		return
	}

	p.waiters.Remove(front)
	p.total++
	p.leased++
	front.Value.(*waiter).ch <- grant{}
}

func (p *Pool) signalDrainedLocked() {
	if p.closed && p.leased == 0 && p.drained != nil {
		close(p.drained)
		p.drained = nil
	}
}

func (p *Pool) launch(ctx context.Context) (*pooled, error) {
	var lastErr error
	for attempt := 0; attempt <= p.opts.LaunchRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(p.opts.LaunchBackoff * time.Duration(1<<(attempt-1)))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ErrAcquireTimeout
			case <-timer.C:
			}
		}

		if err := p.limiter.Wait(ctx); err != nil {
			return nil, ErrAcquireTimeout
		}

		inst, err := p.engine.Launch(ctx)
		if err == nil {
			now := p.opts.Now()
			p.mu.Lock()
			p.nextID++
			p.launches++
			id := p.nextID
			p.mu.Unlock()

			p.log.Info("browser launched", slog.Uint64("instance", id), slog.Int("pid", inst.PID()))
			return &pooled{id: id, inst: inst, launchedAt: now, lastUsed: now}, nil
		}

		lastErr = err
		poolLaunchFailures.Inc()
		p.log.Warn("browser launch failed",
			slog.Int("attempt", attempt+1), slog.Int("max_attempts", p.opts.LaunchRetries+1), slog.Any("error", err))

		if ctx.Err() != nil {
			return nil, ErrAcquireTimeout
		}
	}

	err := fmt.Errorf("%w: %w", ErrPoolExhausted, lastErr)
	if p.opts.OnExhausted != nil {
		p.opts.OnExhausted(err)
	}
	return nil, err
}

// release returns a leased instance. Unhealthy, worn out, or oversized
// instances are torn down; replacements are launched on demand only.
func (p *Pool) release(inst *pooled, healthy bool) {
	reason := ""
	switch {
	case !healthy:
		reason = RetireUnhealthy
	case inst.uses >= p.opts.MaxLeasesPerInstance:
		reason = RetireMaxLeases
	case p.overMemory(inst):
		reason = RetireMemory
	}

	if reason != "" {
		p.retire(inst, reason)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.retire(inst, RetireShutdown)
		return
	}

	inst.lastUsed = p.opts.Now()
	if front := p.waiters.Front(); front != nil {
		p.waiters.Remove(front)
		front.Value.(*waiter).ch <- grant{inst: inst}
		p.mu.Unlock()
		return
	}

	p.leased--
	p.idle = append(p.idle, inst)
	p.mu.Unlock()
}

// retire tears a leased instance down and frees its slot.
func (p *Pool) retire(inst *pooled, reason string) {
	p.mu.Lock()
	p.total--
	p.leased--
	p.retired++
	p.dispatchLocked()
	p.mu.Unlock()

	p.closeInstance(inst, reason)
}

func (p *Pool) closeInstance(inst *pooled, reason string) {
	poolRetirements.WithLabelValues(reason).Inc()
	if err := inst.inst.Close(); err != nil {
		p.log.Warn("failed to close browser", slog.Uint64("instance", inst.id), slog.Any("error", err))
	}
	p.log.Info("browser retired",
		slog.Uint64("instance", inst.id), slog.String("reason", reason), slog.Int("uses", inst.uses),
		slog.Duration("age", p.opts.Now().Sub(inst.launchedAt)))
}

func (p *Pool) overMemory(inst *pooled) bool {
	if p.opts.MaxMemoryBytes == 0 || p.opts.Probe == nil {
		return false
	}
	pid := inst.inst.PID()
	if pid <= 0 {
		return false
	}

	rss, err := p.opts.Probe.RSS(pid)
	if err != nil {
		p.log.Debug("memory probe failed", slog.Int("pid", pid), slog.Any("error", err))
		return false
	}
	return rss > p.opts.MaxMemoryBytes
}

// Reap retires idle instances older than MaxIdleAge and returns how many were removed.
func (p *Pool) Reap() int {
	p.mu.Lock()
	stale := p.takeStaleLocked(p.opts.Now())
	p.mu.Unlock()

	p.closeIdle(stale)
	return len(stale)
}

// takeStaleLocked removes idle instances past MaxIdleAge and frees their slots.
func (p *Pool) takeStaleLocked(now time.Time) []*pooled {
	var stale []*pooled
	kept := p.idle[:0]
	for _, inst := range p.idle {
		if now.Sub(inst.lastUsed) > p.opts.MaxIdleAge {
			stale = append(stale, inst)
			continue
		}
		kept = append(kept, inst)
	}
	if len(stale) == 0 {
		return nil
	}
	clear(p.idle[len(kept):])
	p.idle = kept
	p.total -= len(stale)
	p.retired += uint64(len(stale))
	p.dispatchLocked()
	return stale
}

func (p *Pool) closeIdle(stale []*pooled) {
	for _, inst := range stale {
		p.closeInstance(inst, RetireIdle)
	}
}

// Run reaps idle instances until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Reap()
		}
	}
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Size:     p.opts.Size,
		Total:    p.total,
		Idle:     len(p.idle),
		Leased:   p.leased,
		Waiting:  p.waiters.Len(),
		Acquires: p.acquires,
		Launches: p.launches,
		Retired:  p.retired,
	}
}

// Ping reports an error when the pool is closed.
func (p *Pool) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	return nil
}

// Close rejects new acquires, fails queued waiters, tears down idle
// instances and waits for leased ones to come back until ctx is done.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	for e := p.waiters.Front(); e != nil; e = p.waiters.Front() {
		p.waiters.Remove(e)
		e.Value.(*waiter).ch <- grant{err: ErrPoolClosed}
	}

	idle := p.idle
	p.idle = nil
	p.total -= len(idle)
	p.retired += uint64(len(idle))

	var drained chan struct{}
	if p.leased > 0 {
		drained = make(chan struct{})
		p.drained = drained
	}
	p.mu.Unlock()

	for _, inst := range idle {
		p.closeInstance(inst, RetireShutdown)
	}

	if drained == nil {
		return nil
	}

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return errors.Join(ErrPoolClosed, fmt.Errorf("leases still outstanding: %w", ctx.Err()))
	}
}

// Lease is an exclusive handle on one browser process and its isolated context.
type Lease struct {
	pool       *Pool
	inst       *pooled
	bctx       Context
	acquiredAt time.Time
	once       sync.Once
}

// Render runs job in the lease's browsing context.
func (l *Lease) Render(ctx context.Context, job Job) (Artifact, error) {
	return l.bctx.Render(ctx, job)
}

// InstanceID identifies the underlying browser for logging.
func (l *Lease) InstanceID() uint64 {
	return l.inst.id
}

// Release returns the lease. Only the first call has an effect.
func (l *Lease) Release(healthy bool) {
	l.once.Do(func() {
		if err := l.bctx.Close(); err != nil {
			l.pool.log.Warn("failed to close browsing context",
				slog.Uint64("instance", l.inst.id), slog.Any("error", err))
			healthy = false
		}
		l.pool.release(l.inst, healthy)
	})
}
