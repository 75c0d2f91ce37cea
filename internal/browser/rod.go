package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// RodOptions configures the Chromium engine.
type RodOptions struct {
	Bin                string
	Headless           bool
	NoSandbox          bool
	BlockedURLPatterns []string
	Logger             *slog.Logger
}

// RodEngine launches local Chromium processes through go-rod.
type RodEngine struct {
	opts RodOptions
	log  *slog.Logger
}

var _ Engine = (*RodEngine)(nil)

func NewRodEngine(opts RodOptions) *RodEngine {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &RodEngine{opts: opts, log: log}
}

type launchResult struct {
	url string
	err error
}

// Launch starts a browser process. The process outlives ctx; ctx only bounds startup.
func (e *RodEngine) Launch(ctx context.Context) (Instance, error) {
	l := launcher.New().
		Headless(e.opts.Headless).
		NoSandbox(e.opts.NoSandbox).
		Leakless(true).
		Set("disable-dev-shm-usage").
		Set("hide-scrollbars")
	if e.opts.Bin != "" {
		l = l.Bin(e.opts.Bin)
	}

	ch := make(chan launchResult, 1)
	go func() {
		u, err := l.Launch()
		ch <- launchResult{url: u, err: err}
	}()

	var res launchResult
	select {
	case res = <-ch:
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				l.Kill()
				l.Cleanup()
			}
		}()
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, fmt.Errorf("launch chromium: %w", res.err)
	}

	b := rod.New().ControlURL(res.url)
	if err := b.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return nil, fmt.Errorf("connect to chromium: %w", err)
	}

	return &rodInstance{
		launcher: l,
		browser:  b,
		pid:      l.PID(),
		blocked:  e.opts.BlockedURLPatterns,
		log:      e.log,
	}, nil
}

type rodInstance struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
	pid      int
	blocked  []string
	log      *slog.Logger
}

func (i *rodInstance) NewContext(ctx context.Context) (Context, error) {
	incognito, err := i.browser.Context(ctx).Incognito()
	if err != nil {
		return nil, fmt.Errorf("create incognito context: %w", err)
	}

	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = incognito.Close()
		return nil, fmt.Errorf("open page: %w", err)
	}

	// Strip the acquire deadline; Render applies its own.
	return &rodContext{
		owner:     i,
		incognito: incognito.Context(context.Background()),
		page:      page.Context(context.Background()),
	}, nil
}

func (i *rodInstance) Ping(ctx context.Context) error {
	_, err := proto.BrowserGetVersion{}.Call(i.browser.Context(ctx))
	return err
}

func (i *rodInstance) PID() int { return i.pid }

func (i *rodInstance) Close() error {
	err := i.browser.Close()
	i.launcher.Kill()
	i.launcher.Cleanup()
	return err
}

type rodContext struct {
	owner     *rodInstance
	incognito *rod.Browser
	page      *rod.Page
}

func (c *rodContext) Render(ctx context.Context, job Job) (Artifact, error) {
	page := c.page.Context(ctx)

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             job.Width,
		Height:            job.Height,
		DeviceScaleFactor: 1,
	}); err != nil {
		return Artifact{}, c.classify(ctx, err)
	}

	if len(job.Headers) > 0 {
		dict := make([]string, 0, len(job.Headers)*2)
		for k, v := range job.Headers {
			dict = append(dict, k, v)
		}
		if _, err := page.SetExtraHeaders(dict); err != nil {
			return Artifact{}, c.classify(ctx, err)
		}
	}

	if len(job.Cookies) > 0 {
		params := make([]*proto.NetworkCookieParam, 0, len(job.Cookies))
		for _, ck := range job.Cookies {
			param := &proto.NetworkCookieParam{
				Name:     ck.Name,
				Value:    ck.Value,
				Domain:   ck.Domain,
				Path:     ck.Path,
				Secure:   ck.Secure,
				HTTPOnly: ck.HTTPOnly,
			}
			if ck.Domain == "" {
				param.URL = job.URL
			}
			params = append(params, param)
		}
		if err := page.SetCookies(params); err != nil {
			return Artifact{}, c.classify(ctx, err)
		}
	}

	if job.DarkMode {
		err := proto.EmulationSetEmulatedMedia{
			Features: []*proto.EmulationMediaFeature{{Name: "prefers-color-scheme", Value: "dark"}},
		}.Call(page)
		if err != nil {
			return Artifact{}, c.classify(ctx, err)
		}
	}

	if job.BlockAds && len(c.owner.blocked) > 0 {
		if err := (proto.NetworkEnable{}).Call(page); err != nil {
			return Artifact{}, c.classify(ctx, err)
		}
		if err := (proto.NetworkSetBlockedURLs{Urls: c.owner.blocked}).Call(page); err != nil {
			return Artifact{}, c.classify(ctx, err)
		}
	}

	wait := page.WaitNavigation(lifecycleEvent(job.WaitUntil))
	if err := page.Navigate(job.URL); err != nil {
		return Artifact{}, c.classify(ctx, err)
	}
	wait()
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}

	if job.Delay > 0 {
		timer := time.NewTimer(job.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Artifact{}, ctx.Err()
		case <-timer.C:
		}
	}

	data, err := c.encode(page, job)
	if err != nil {
		if ctx.Err() != nil {
			return Artifact{}, ctx.Err()
		}
		if pingErr := c.ping(); pingErr != nil {
			return Artifact{}, fmt.Errorf("%w: %w", ErrCrashed, err)
		}
		return Artifact{}, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	if len(data) == 0 {
		return Artifact{}, fmt.Errorf("%w: empty output", ErrEncode)
	}

	return Artifact{Data: data, ContentType: ContentType(job.Format)}, nil
}

func (c *rodContext) encode(page *rod.Page, job Job) ([]byte, error) {
	if job.Format == "pdf" {
		stream, err := page.PDF(&proto.PagePrintToPDF{PrintBackground: true})
		if err != nil {
			return nil, err
		}
		return io.ReadAll(stream)
	}

	req := &proto.PageCaptureScreenshot{Format: screenshotFormat(job.Format)}
	if job.Format == "jpeg" || job.Format == "webp" {
		quality := job.Quality
		req.Quality = &quality
	}
	if job.Clip != nil {
		req.Clip = &proto.PageViewport{
			X:      job.Clip.X,
			Y:      job.Clip.Y,
			Width:  job.Clip.Width,
			Height: job.Clip.Height,
			Scale:  1,
		}
	}
	return page.Screenshot(job.FullPage && job.Clip == nil, req)
}

// classify normalises engine errors. Raw text stays in the wrapped error.
func (c *rodContext) classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var navErr *rod.NavigationError
	if errors.As(err, &navErr) {
		return &NavigationError{Reason: navErr.Reason, Transient: IsTransientReason(navErr.Reason), Err: err}
	}

	if pingErr := c.ping(); pingErr != nil {
		return fmt.Errorf("%w: %w", ErrCrashed, err)
	}

	return &NavigationError{Err: err}
}

func (c *rodContext) ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.owner.Ping(ctx)
}

func (c *rodContext) Close() error {
	pageErr := c.page.Close()
	ctxErr := c.incognito.Close()
	return errors.Join(pageErr, ctxErr)
}

func lifecycleEvent(w WaitUntil) proto.PageLifecycleEventName {
	switch w {
	case WaitDOMContentLoaded:
		return proto.PageLifecycleEventNameDOMContentLoaded
	case WaitNetworkIdle:
		return proto.PageLifecycleEventNameNetworkIdle
	default:
		return proto.PageLifecycleEventNameLoad
	}
}

func screenshotFormat(format string) proto.PageCaptureScreenshotFormat {
	switch format {
	case "jpeg":
		return proto.PageCaptureScreenshotFormatJpeg
	case "webp":
		return proto.PageCaptureScreenshotFormatWebp
	default:
		return proto.PageCaptureScreenshotFormatPng
	}
}
