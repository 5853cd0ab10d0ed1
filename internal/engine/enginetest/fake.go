// Package enginetest provides a scriptable in-memory engine driver for tests.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/promptrelay/internal/interfaces"
	"github.com/ternarybob/promptrelay/internal/models"
)

// ErrNoElement is returned when a selector has no scripted content
var ErrNoElement = errors.New("no element matches selector")

// Driver is a fake interfaces.EngineDriver. Behaviour is scripted through
// its exported fields, which may be changed between calls under Lock.
type Driver struct {
	mu sync.Mutex

	kind models.EngineKind

	// LaunchErr makes every Launch fail
	LaunchErr error
	// Fail, when set, is consulted before every page operation
	Fail func(op models.Operation, selector string) error
	// Texts maps selector to text returned by ExtractText
	Texts map[string]string
	// Attributes maps "selector@attribute" to a value
	Attributes map[string]string
	// Visible decides IsVisible and WaitForSelector; nil means "present, not visible"
	Visible func(selector string) bool
	// Missing selectors never appear for WaitForSelector(visible=true)
	Missing map[string]bool
	// Eval answers EvaluateScript
	Eval func(script string) (interface{}, error)

	launches int
	pages    []*Page
}

// NewDriver creates a fake driver of the given kind
func NewDriver(kind models.EngineKind) *Driver {
	return &Driver{
		kind:       kind,
		Texts:      make(map[string]string),
		Attributes: make(map[string]string),
		Missing:    make(map[string]bool),
	}
}

// Lock guards scripted fields against concurrent page operations
func (d *Driver) Lock() { d.mu.Lock() }

// Unlock releases Lock
func (d *Driver) Unlock() { d.mu.Unlock() }

func (d *Driver) Kind() models.EngineKind { return d.kind }

func (d *Driver) Launch(ctx context.Context, config models.BrowserConfig) (interfaces.BrowserHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.LaunchErr != nil {
		return nil, d.LaunchErr
	}
	d.launches++
	return &Handle{}, nil
}

func (d *Driver) NewPage(ctx context.Context, handle interfaces.BrowserHandle) (interfaces.Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := &Page{driver: d}
	d.pages = append(d.pages, p)
	return p, nil
}

// Launches returns how many browsers were launched
func (d *Driver) Launches() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.launches
}

// Pages returns every page opened so far
func (d *Driver) Pages() []*Page {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Page(nil), d.pages...)
}

// LastPage returns the most recently opened page, or nil
func (d *Driver) LastPage() *Page {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pages) == 0 {
		return nil
	}
	return d.pages[len(d.pages)-1]
}

func (d *Driver) check(op models.Operation, selector string) error {
	d.mu.Lock()
	fail := d.Fail
	d.mu.Unlock()
	if fail != nil {
		return fail(op, selector)
	}
	return nil
}

// Handle is a fake browser handle
type Handle struct {
	mu     sync.Mutex
	closed bool
}

func (h *Handle) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

// Closed reports whether Close was called
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Page is a fake page recording every call
type Page struct {
	mu       sync.Mutex
	driver   *Driver
	url      string
	typed    map[string]string
	calls    []string
	viewport models.Viewport
	blocked  []string
	closed   bool
}

func (p *Page) record(op models.Operation, selector string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("target closed")
	}
	p.calls = append(p.calls, fmt.Sprintf("%s:%s", op, selector))
	p.mu.Unlock()
	return p.driver.check(op, selector)
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := p.record(models.OpNavigate, url); err != nil {
		return err
	}
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
	return nil
}

func (p *Page) WaitForSelector(ctx context.Context, selector string, visible bool, timeout time.Duration) error {
	op := models.OpWaitForSelector
	if !visible {
		op = models.OpWaitForHidden
	}
	if err := p.record(op, selector); err != nil {
		return err
	}

	p.driver.mu.Lock()
	missing := p.driver.Missing[selector]
	isVisible := p.driver.Visible
	p.driver.mu.Unlock()

	if visible && missing {
		return fmt.Errorf("waiting for %s: %w", selector, context.DeadlineExceeded)
	}
	if !visible && isVisible != nil && isVisible(selector) {
		return fmt.Errorf("waiting for %s to hide: %w", selector, context.DeadlineExceeded)
	}
	return nil
}

func (p *Page) IsVisible(ctx context.Context, selector string) (bool, error) {
	if err := p.record(models.OpIsVisible, selector); err != nil {
		return false, err
	}
	p.driver.mu.Lock()
	isVisible := p.driver.Visible
	p.driver.mu.Unlock()
	if isVisible == nil {
		return false, nil
	}
	return isVisible(selector), nil
}

func (p *Page) Click(ctx context.Context, selector string) error {
	return p.record(models.OpClick, selector)
}

func (p *Page) Type(ctx context.Context, selector, text string, humanLike bool) error {
	if err := p.record(models.OpType, selector); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.typed == nil {
		p.typed = make(map[string]string)
	}
	p.typed[selector] += text
	return nil
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	if err := p.record(models.OpScreenshot, ""); err != nil {
		return nil, err
	}
	return []byte("png"), nil
}

func (p *Page) ExtractText(ctx context.Context, selector string) (string, error) {
	if err := p.record(models.OpExtractText, selector); err != nil {
		return "", err
	}
	p.driver.mu.Lock()
	defer p.driver.mu.Unlock()
	text, ok := p.driver.Texts[selector]
	if !ok {
		return "", fmt.Errorf("%s: %w", selector, ErrNoElement)
	}
	return text, nil
}

func (p *Page) ExtractAttribute(ctx context.Context, selector, attribute string) (string, error) {
	if err := p.record(models.OpExtractAttribute, selector); err != nil {
		return "", err
	}
	p.driver.mu.Lock()
	defer p.driver.mu.Unlock()
	value, ok := p.driver.Attributes[selector+"@"+attribute]
	if !ok {
		return "", fmt.Errorf("%s@%s: %w", selector, attribute, ErrNoElement)
	}
	return value, nil
}

func (p *Page) EvaluateScript(ctx context.Context, script string) (interface{}, error) {
	if err := p.record(models.OpEvaluate, ""); err != nil {
		return nil, err
	}
	p.driver.mu.Lock()
	eval := p.driver.Eval
	p.driver.mu.Unlock()
	if eval == nil {
		return nil, nil
	}
	return eval(script)
}

func (p *Page) SetViewport(ctx context.Context, width, height int) error {
	if err := p.record(models.OpSetViewport, ""); err != nil {
		return err
	}
	p.mu.Lock()
	p.viewport = models.Viewport{Width: width, Height: height}
	p.mu.Unlock()
	return nil
}

func (p *Page) InterceptRequests(ctx context.Context, blockPatterns []string) error {
	if err := p.record(models.OpInterceptRequests, ""); err != nil {
		return err
	}
	p.mu.Lock()
	p.blocked = append(p.blocked, blockPatterns...)
	p.mu.Unlock()
	return nil
}

func (p *Page) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// URL returns the last navigated URL
func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

// Typed returns the text typed into selector
func (p *Page) Typed(selector string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.typed[selector]
}

// Calls returns "op:selector" for every recorded call
func (p *Page) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// Viewport returns the last viewport set
func (p *Page) Viewport() models.Viewport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewport
}

// Closed reports whether Close was called
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
