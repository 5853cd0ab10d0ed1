// Package playwright implements the Playwright browser engine.
package playwright

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/promptrelay/internal/engine"
	"github.com/ternarybob/promptrelay/internal/interfaces"
	"github.com/ternarybob/promptrelay/internal/models"
)

// Driver launches Chromium through Playwright. The Playwright runtime is
// started on first Launch and shared by every browser of this driver.
type Driver struct {
	logger    arbor.ILogger
	humanizer engine.Humanizer
	install   bool

	mu sync.Mutex
	pw *playwright.Playwright
}

// NewDriver creates a playwright engine driver. When install is true the
// browser binaries are downloaded on first use.
func NewDriver(logger arbor.ILogger, humanizer engine.Humanizer, install bool) *Driver {
	if humanizer == nil {
		humanizer = engine.NewRandomHumanizer()
	}
	return &Driver{logger: logger, humanizer: humanizer, install: install}
}

func (d *Driver) Kind() models.EngineKind {
	return models.EnginePlaywright
}

func (d *Driver) runtime() (*playwright.Playwright, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pw != nil {
		return d.pw, nil
	}

	opts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}
	if d.install {
		if err := playwright.Install(opts); err != nil {
			return nil, fmt.Errorf("failed to install playwright: %w", err)
		}
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}
	d.pw = pw
	d.logger.Debug().Msg("Playwright runtime started")
	return pw, nil
}

// Stop shuts down the Playwright runtime
func (d *Driver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pw == nil {
		return nil
	}
	err := d.pw.Stop()
	d.pw = nil
	return err
}

// Handle is a launched browser with its own context
type Handle struct {
	browser   playwright.Browser
	context   playwright.BrowserContext
	config    models.BrowserConfig
	closeOnce sync.Once
	closeErr  error
}

func (h *Handle) Close(ctx context.Context) error {
	h.closeOnce.Do(func() {
		if h.context != nil {
			_ = h.context.Close()
		}
		if h.browser != nil {
			h.closeErr = h.browser.Close()
		}
	})
	return h.closeErr
}

func (d *Driver) Launch(ctx context.Context, config models.BrowserConfig) (interfaces.BrowserHandle, error) {
	pw, err := d.runtime()
	if err != nil {
		return nil, err
	}

	headless := config.Headless
	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: &headless,
		Timeout:  timeoutMs(ctx, config.Timeout()),
	}
	if config.AntiDetection {
		launchOpts.Args = []string{"--disable-blink-features=AutomationControlled"}
		launchOpts.IgnoreDefaultArgs = []string{"--enable-automation"}
	}
	if config.NoSandbox {
		launchOpts.ChromiumSandbox = playwright.Bool(false)
	}

	browser, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	userAgent := config.UserAgent
	if userAgent == "" {
		userAgent = engine.DefaultUserAgent
	}
	contextOpts := playwright.BrowserNewContextOptions{
		UserAgent: &userAgent,
		Locale:    playwright.String("en-US"),
	}
	if config.Viewport != nil {
		contextOpts.Viewport = &playwright.Size{
			Width:  config.Viewport.Width,
			Height: config.Viewport.Height,
		}
	}

	browserContext, err := browser.NewContext(contextOpts)
	if err != nil {
		_ = browser.Close()
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	if config.AntiDetection {
		script := engine.StealthScript
		if err := browserContext.AddInitScript(playwright.Script{Content: &script}); err != nil {
			_ = browserContext.Close()
			_ = browser.Close()
			return nil, fmt.Errorf("failed to add stealth script: %w", err)
		}
	}

	d.logger.Debug().
		Bool("headless", headless).
		Bool("anti_detection", config.AntiDetection).
		Msg("Playwright browser launched")

	return &Handle{browser: browser, context: browserContext, config: config}, nil
}

func (d *Driver) NewPage(ctx context.Context, handle interfaces.BrowserHandle) (interfaces.Page, error) {
	h, ok := handle.(*Handle)
	if !ok {
		return nil, fmt.Errorf("handle %T was not created by the playwright driver", handle)
	}

	page, err := h.context.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	page.SetDefaultTimeout(float64(h.config.Timeout().Milliseconds()))

	return &Page{page: page, humanizer: d.humanizer, defaultTimeout: h.config.Timeout()}, nil
}

// Page wraps a playwright page
type Page struct {
	page           playwright.Page
	humanizer      engine.Humanizer
	defaultTimeout time.Duration

	mu      sync.Mutex
	blocked []string
	routed  bool
}

// timeoutMs converts the remaining ctx budget to a playwright timeout
func timeoutMs(ctx context.Context, fallback time.Duration) *float64 {
	budget := fallback
	if deadline, ok := ctx.Deadline(); ok {
		budget = time.Until(deadline)
		if budget < time.Millisecond {
			budget = time.Millisecond
		}
	}
	ms := float64(budget.Milliseconds())
	return &ms
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if _, err := p.page.Goto(url, playwright.PageGotoOptions{Timeout: timeoutMs(ctx, p.defaultTimeout)}); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

func (p *Page) WaitForSelector(ctx context.Context, selector string, visible bool, timeout time.Duration) error {
	state := playwright.WaitForSelectorState("visible")
	if !visible {
		state = playwright.WaitForSelectorState("hidden")
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := p.page.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{
		State:   &state,
		Timeout: timeoutMs(waitCtx, timeout),
	})
	if err != nil {
		if waitCtx.Err() != nil {
			return fmt.Errorf("wait failed: %w", waitCtx.Err())
		}
		return fmt.Errorf("wait failed: %w", err)
	}
	return nil
}

func (p *Page) IsVisible(ctx context.Context, selector string) (bool, error) {
	return p.page.Locator(selector).First().IsVisible()
}

func (p *Page) Click(ctx context.Context, selector string) error {
	if err := p.page.Click(selector, playwright.PageClickOptions{Timeout: timeoutMs(ctx, p.defaultTimeout)}); err != nil {
		return fmt.Errorf("click failed: %w", err)
	}
	return nil
}

func (p *Page) Type(ctx context.Context, selector, text string, humanLike bool) error {
	if !humanLike {
		if err := p.page.Fill(selector, text, playwright.PageFillOptions{Timeout: timeoutMs(ctx, p.defaultTimeout)}); err != nil {
			return fmt.Errorf("fill failed: %w", err)
		}
		return nil
	}

	if err := p.page.Focus(selector, playwright.PageFocusOptions{Timeout: timeoutMs(ctx, p.defaultTimeout)}); err != nil {
		return fmt.Errorf("focus failed: %w", err)
	}
	keyboard := p.page.Keyboard()
	for _, r := range text {
		if err := keyboard.Type(string(r)); err != nil {
			return fmt.Errorf("type failed: %w", err)
		}
		if err := engine.Sleep(ctx, p.humanizer.KeystrokeDelay()); err != nil {
			return err
		}
	}
	return nil
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	buf, err := p.page.Screenshot(playwright.PageScreenshotOptions{Timeout: timeoutMs(ctx, p.defaultTimeout)})
	if err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return buf, nil
}

func (p *Page) query(selector string) (playwright.ElementHandle, error) {
	element, err := p.page.QuerySelector(selector)
	if err != nil {
		return nil, fmt.Errorf("selector query failed: %w", err)
	}
	if element == nil {
		return nil, fmt.Errorf("no element found matching selector: %s", selector)
	}
	return element, nil
}

func (p *Page) ExtractText(ctx context.Context, selector string) (string, error) {
	element, err := p.query(selector)
	if err != nil {
		return "", err
	}
	text, err := element.TextContent()
	if err != nil {
		return "", fmt.Errorf("text extraction failed: %w", err)
	}
	return text, nil
}

// ExtractAttribute reads an attribute. "innerHTML" and "outerHTML" read markup.
func (p *Page) ExtractAttribute(ctx context.Context, selector, attribute string) (string, error) {
	element, err := p.query(selector)
	if err != nil {
		return "", err
	}

	switch attribute {
	case "innerHTML":
		return element.InnerHTML()
	case "outerHTML":
		value, err := element.Evaluate("el => el.outerHTML")
		if err != nil {
			return "", fmt.Errorf("html extraction failed: %w", err)
		}
		html, _ := value.(string)
		return html, nil
	}

	value, err := element.GetAttribute(attribute)
	if err != nil {
		return "", fmt.Errorf("attribute extraction failed: %w", err)
	}
	if value == "" {
		return "", fmt.Errorf("attribute %s not present on %s", attribute, selector)
	}
	return value, nil
}

func (p *Page) EvaluateScript(ctx context.Context, script string) (interface{}, error) {
	result, err := p.page.Evaluate(script)
	if err != nil {
		return nil, fmt.Errorf("evaluate failed: %w", err)
	}
	return result, nil
}

func (p *Page) SetViewport(ctx context.Context, width, height int) error {
	return p.page.SetViewportSize(width, height)
}

// InterceptRequests aborts requests whose URL matches a block pattern
func (p *Page) InterceptRequests(ctx context.Context, blockPatterns []string) error {
	p.mu.Lock()
	p.blocked = append(p.blocked, blockPatterns...)
	first := !p.routed
	p.routed = true
	p.mu.Unlock()

	if !first {
		return nil
	}

	return p.page.Route("**/*", func(route playwright.Route) {
		p.mu.Lock()
		patterns := append([]string(nil), p.blocked...)
		p.mu.Unlock()

		if engine.Blocked(route.Request().URL(), patterns) {
			_ = route.Abort("blockedbyclient")
			return
		}
		_ = route.Continue()
	})
}

func (p *Page) Close(ctx context.Context) error {
	if p.page.IsClosed() {
		return nil
	}
	return p.page.Close()
}
