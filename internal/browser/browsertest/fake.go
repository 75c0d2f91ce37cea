// Package browsertest provides an in-memory browser.Engine for tests.
package browsertest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Proton-105/pagecapture/internal/browser"
)

// RenderFunc produces the result of one render.
type RenderFunc func(ctx context.Context, job browser.Job) (browser.Artifact, error)

// Engine is a fake browser.Engine. All fields may be changed before use.
type Engine struct {
	// LaunchErrs are returned by successive Launch calls before launches succeed.
	LaunchErrs []error
	// Render handles renders; the default returns a small PNG-like payload after RenderDelay.
	Render      RenderFunc
	RenderDelay time.Duration

	mu        sync.Mutex
	launches  int
	instances []*Instance

	activeContexts int64
	maxContexts    int64
}

var _ browser.Engine = (*Engine)(nil)

func (e *Engine) Launch(ctx context.Context) (browser.Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.launches++
	if len(e.LaunchErrs) > 0 {
		err := e.LaunchErrs[0]
		e.LaunchErrs = e.LaunchErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	inst := &Instance{engine: e, pid: 1000 + len(e.instances)}
	e.instances = append(e.instances, inst)
	return inst, nil
}

// Launches is the number of Launch calls so far.
func (e *Engine) Launches() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.launches
}

// Instances returns every instance launched so far.
func (e *Engine) Instances() []*Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Instance(nil), e.instances...)
}

// MaxConcurrentContexts is the high-water mark of simultaneously open contexts.
func (e *Engine) MaxConcurrentContexts() int {
	return int(atomic.LoadInt64(&e.maxContexts))
}

func (e *Engine) openContext() {
	n := atomic.AddInt64(&e.activeContexts, 1)
	for {
		max := atomic.LoadInt64(&e.maxContexts)
		if n <= max || atomic.CompareAndSwapInt64(&e.maxContexts, max, n) {
			return
		}
	}
}

func (e *Engine) closeContext() {
	atomic.AddInt64(&e.activeContexts, -1)
}

// Instance is a fake browser process.
type Instance struct {
	engine   *Engine
	pid      int
	closed   atomic.Bool
	crashed  atomic.Bool
	contexts atomic.Int64
}

var _ browser.Instance = (*Instance)(nil)

func (i *Instance) NewContext(ctx context.Context) (browser.Context, error) {
	if i.closed.Load() || i.crashed.Load() {
		return nil, errors.New("browser is gone")
	}
	i.contexts.Add(1)
	i.engine.openContext()
	return &Context{inst: i}, nil
}

func (i *Instance) Ping(context.Context) error {
	if i.closed.Load() || i.crashed.Load() {
		return errors.New("no response")
	}
	return nil
}

func (i *Instance) PID() int { return i.pid }

func (i *Instance) Close() error {
	i.closed.Store(true)
	return nil
}

// Closed reports whether the pool tore this instance down.
func (i *Instance) Closed() bool { return i.closed.Load() }

// Crash makes every later call on the instance fail.
func (i *Instance) Crash() { i.crashed.Store(true) }

// ContextsCreated counts isolated contexts opened on this instance.
func (i *Instance) ContextsCreated() int { return int(i.contexts.Load()) }

// Context is a fake browsing context.
type Context struct {
	inst   *Instance
	closed atomic.Bool
}

var _ browser.Context = (*Context)(nil)

func (c *Context) Render(ctx context.Context, job browser.Job) (browser.Artifact, error) {
	if c.inst.crashed.Load() {
		return browser.Artifact{}, browser.ErrCrashed
	}
	if c.inst.engine.Render != nil {
		return c.inst.engine.Render(ctx, job)
	}

	if d := c.inst.engine.RenderDelay; d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return browser.Artifact{}, ctx.Err()
		case <-timer.C:
		}
	}
	return browser.Artifact{Data: []byte("\x89PNG fake"), ContentType: browser.ContentType(job.Format)}, nil
}

func (c *Context) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.inst.engine.closeContext()
	}
	return nil
}
