// Package chromedp implements the Chrome DevTools Protocol browser engine.
package chromedp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/promptrelay/internal/engine"
	"github.com/ternarybob/promptrelay/internal/interfaces"
	"github.com/ternarybob/promptrelay/internal/models"
)

// Driver launches Chrome through chromedp
type Driver struct {
	logger    arbor.ILogger
	humanizer engine.Humanizer
}

// NewDriver creates a chromedp engine driver
func NewDriver(logger arbor.ILogger, humanizer engine.Humanizer) *Driver {
	if humanizer == nil {
		humanizer = engine.NewRandomHumanizer()
	}
	return &Driver{logger: logger, humanizer: humanizer}
}

func (d *Driver) Kind() models.EngineKind {
	return models.EngineChromedp
}

// Handle is a running Chrome process
type Handle struct {
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	config        models.BrowserConfig
	closeOnce     sync.Once
}

func (h *Handle) Close(ctx context.Context) error {
	h.closeOnce.Do(func() {
		h.browserCancel()
		h.allocCancel()
	})
	return nil
}

func (d *Driver) allocatorOptions(config models.BrowserConfig) []chromedp.ExecAllocatorOption {
	userAgent := config.UserAgent
	if userAgent == "" {
		userAgent = engine.DefaultUserAgent
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", config.Headless),
		chromedp.Flag("disable-gpu", config.Headless),
		chromedp.Flag("no-sandbox", config.NoSandbox),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-background-timer-throttling", false),
		chromedp.Flag("disable-backgrounding-occluded-windows", false),
		chromedp.Flag("disable-renderer-backgrounding", false),
		chromedp.UserAgent(userAgent),
	)

	if config.Viewport != nil {
		opts = append(opts, chromedp.WindowSize(config.Viewport.Width, config.Viewport.Height))
	}

	if config.AntiDetection {
		opts = append(opts,
			chromedp.Flag("disable-blink-features", "AutomationControlled"),
			chromedp.Flag("enable-automation", false),
			chromedp.Flag("excludeSwitches", "enable-automation"),
			chromedp.Flag("useAutomationExtension", false),
			chromedp.Flag("disable-infobars", true),
		)
	}
	return opts
}

// Launch starts a Chrome process. The browser outlives ctx and is stopped by Handle.Close.
func (d *Driver) Launch(ctx context.Context, config models.BrowserConfig) (interfaces.BrowserHandle, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), d.allocatorOptions(config)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// The first Run allocates the browser and must use the context returned
	// by NewContext, otherwise the process dies with the derived context.
	stop := context.AfterFunc(ctx, browserCancel)
	err := chromedp.Run(browserCtx)
	stop()
	if err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start chrome: %w", err)
	}

	d.logger.Debug().
		Bool("headless", config.Headless).
		Bool("anti_detection", config.AntiDetection).
		Msg("Chrome browser launched")

	return &Handle{
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		config:        config,
	}, nil
}

// NewPage opens a new tab in the browser
func (d *Driver) NewPage(ctx context.Context, handle interfaces.BrowserHandle) (interfaces.Page, error) {
	h, ok := handle.(*Handle)
	if !ok {
		return nil, fmt.Errorf("handle %T was not created by the chromedp driver", handle)
	}

	tabCtx, tabCancel := chromedp.NewContext(h.browserCtx)
	p := &Page{
		ctx:       tabCtx,
		cancel:    tabCancel,
		humanizer: d.humanizer,
		logger:    d.logger,
	}

	actions := []chromedp.Action{}
	if h.config.AntiDetection {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := cdppage.AddScriptToEvaluateOnNewDocument(engine.StealthScript).Do(ctx)
			return err
		}))
	}
	// First Run on the tab context creates the target
	stop := context.AfterFunc(ctx, tabCancel)
	err := chromedp.Run(tabCtx, actions...)
	stop()
	if err != nil {
		tabCancel()
		return nil, fmt.Errorf("failed to open tab: %w", err)
	}
	return p, nil
}

// Page is a chromedp tab
type Page struct {
	ctx       context.Context
	cancel    context.CancelFunc
	humanizer engine.Humanizer
	logger    arbor.ILogger

	mu        sync.Mutex
	blocked   []string
	listening bool
}

// run executes actions on the tab, bounded by the caller's ctx
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return err
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := p.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

func (p *Page) WaitForSelector(ctx context.Context, selector string, visible bool, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if visible {
		return p.run(waitCtx, chromedp.WaitVisible(selector, chromedp.ByQuery))
	}

	// Poll so that elements removed from the DOM count as hidden
	for {
		shown, err := p.IsVisible(waitCtx, selector)
		if err != nil {
			return err
		}
		if !shown {
			return nil
		}
		if err := engine.Sleep(waitCtx, 250*time.Millisecond); err != nil {
			return fmt.Errorf("waiting for %s to hide: %w", selector, err)
		}
	}
}

func (p *Page) IsVisible(ctx context.Context, selector string) (bool, error) {
	var visible bool
	if err := p.run(ctx, chromedp.Evaluate(engine.VisibilityScript(selector), &visible)); err != nil {
		return false, err
	}
	return visible, nil
}

func (p *Page) Click(ctx context.Context, selector string) error {
	if err := p.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("click failed: %w", err)
	}
	return nil
}

func (p *Page) Type(ctx context.Context, selector, text string, humanLike bool) error {
	if !humanLike {
		if err := p.run(ctx, chromedp.SendKeys(selector, text, chromedp.ByQuery)); err != nil {
			return fmt.Errorf("type failed: %w", err)
		}
		return nil
	}

	if err := p.run(ctx, chromedp.Focus(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("focus failed: %w", err)
	}
	for _, r := range text {
		if err := p.run(ctx, chromedp.KeyEvent(string(r))); err != nil {
			return fmt.Errorf("type failed: %w", err)
		}
		if err := engine.Sleep(ctx, p.humanizer.KeystrokeDelay()); err != nil {
			return err
		}
	}
	return nil
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := p.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return buf, nil
}

func (p *Page) ExtractText(ctx context.Context, selector string) (string, error) {
	var text string
	if err := p.run(ctx, chromedp.Text(selector, &text, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("text extraction failed: %w", err)
	}
	return text, nil
}

// ExtractAttribute reads an attribute. "innerHTML" and "outerHTML" read markup.
func (p *Page) ExtractAttribute(ctx context.Context, selector, attribute string) (string, error) {
	var value string
	switch attribute {
	case "innerHTML":
		if err := p.run(ctx, chromedp.InnerHTML(selector, &value, chromedp.ByQuery)); err != nil {
			return "", fmt.Errorf("html extraction failed: %w", err)
		}
		return value, nil
	case "outerHTML":
		if err := p.run(ctx, chromedp.OuterHTML(selector, &value, chromedp.ByQuery)); err != nil {
			return "", fmt.Errorf("html extraction failed: %w", err)
		}
		return value, nil
	}

	var ok bool
	if err := p.run(ctx, chromedp.AttributeValue(selector, attribute, &value, &ok, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("attribute extraction failed: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("attribute %s not present on %s", attribute, selector)
	}
	return value, nil
}

func (p *Page) EvaluateScript(ctx context.Context, script string) (interface{}, error) {
	var result interface{}
	if err := p.run(ctx, chromedp.Evaluate(script, &result)); err != nil {
		return nil, fmt.Errorf("evaluate failed: %w", err)
	}
	return result, nil
}

func (p *Page) SetViewport(ctx context.Context, width, height int) error {
	return p.run(ctx, chromedp.EmulateViewport(int64(width), int64(height)))
}

// InterceptRequests fails requests whose URL matches a block pattern
func (p *Page) InterceptRequests(ctx context.Context, blockPatterns []string) error {
	p.mu.Lock()
	p.blocked = append(p.blocked, blockPatterns...)
	first := !p.listening
	p.listening = true
	p.mu.Unlock()

	if !first {
		return nil
	}

	chromedp.ListenTarget(p.ctx, func(ev interface{}) {
		paused, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		go p.handlePaused(paused)
	})

	return p.run(ctx, fetch.Enable().WithPatterns([]*fetch.RequestPattern{{URLPattern: "*"}}))
}

func (p *Page) handlePaused(ev *fetch.EventRequestPaused) {
	c := chromedp.FromContext(p.ctx)
	if c == nil || c.Target == nil {
		return
	}
	execCtx := cdp.WithExecutor(p.ctx, c.Target)

	p.mu.Lock()
	patterns := append([]string(nil), p.blocked...)
	p.mu.Unlock()

	var err error
	if engine.Blocked(ev.Request.URL, patterns) {
		err = fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(execCtx)
	} else {
		err = fetch.ContinueRequest(ev.RequestID).Do(execCtx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Trace().Err(err).Str("url", ev.Request.URL).Msg("Request interception reply failed")
	}
}

func (p *Page) Close(ctx context.Context) error {
	p.cancel()
	return nil
}
