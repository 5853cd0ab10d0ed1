package platform

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/promptrelay/internal/common"
	"github.com/ternarybob/promptrelay/internal/engine"
	"github.com/ternarybob/promptrelay/internal/faults"
	"github.com/ternarybob/promptrelay/internal/interfaces"
	"github.com/ternarybob/promptrelay/internal/models"
)

// State is the adapter lifecycle position
type State string

const (
	StateUninitialized      State = "uninitialized"
	StateReady              State = "ready"
	StateSubmitting         State = "submitting"
	StateAwaitingCompletion State = "awaiting_completion"
	StateExtracted          State = "extracted"
	StateClosed             State = "closed"
)

const (
	defaultViewportWidth  = 1920
	defaultViewportHeight = 1080
	defaultTimeoutMs      = 30000
	defaultRetryAttempts  = 3
	optionalLookupTimeout = 5 * time.Second
)

// AdapterOptions configures an Adapter
type AdapterOptions struct {
	Browser    models.BrowserConfig // defaults merged over the adapter's own
	Preference *models.EngineKind
	Humanizer  engine.Humanizer
	Limiter    *rate.Limiter
	// DisableAntiDetection turns off the stealth profile, which is on by default
	DisableAntiDetection bool
	// WorkflowRetries honours the workflow's retryAttempts. Off when an outer
	// layer (the job queue) owns the retry budget.
	WorkflowRetries bool
	// PollInterval returns the spacing between loading-indicator checks
	PollInterval func() time.Duration
	Now          func() time.Time
}

// Adapter drives one platform through its configured workflows on a single
// engine session. An adapter is used by one caller at a time.
type Adapter struct {
	config  models.PlatformConfig
	engines interfaces.EngineManager
	opts    AdapterOptions
	logger  arbor.ILogger

	mu        sync.Mutex
	state     State
	sessionID string
}

// NewAdapter creates an adapter in the Uninitialized state
func NewAdapter(config models.PlatformConfig, engines interfaces.EngineManager, logger arbor.ILogger, opts AdapterOptions) *Adapter {
	if opts.Humanizer == nil {
		opts.Humanizer = engine.NewRandomHumanizer()
	}
	if opts.PollInterval == nil {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Adapter{
		config:  config,
		engines: engines,
		opts:    opts,
		logger:  logger,
		state:   StateUninitialized,
	}
}

// defaultPollInterval spaces loading checks 2-3s apart
func defaultPollInterval() time.Duration {
	return 2*time.Second + time.Duration(rand.Int63n(int64(time.Second)))
}

// Name returns the platform name
func (a *Adapter) Name() string { return a.config.Name }

// Config returns the platform definition
func (a *Adapter) Config() models.PlatformConfig { return a.config }

// State returns the current lifecycle state
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// SessionID returns the engine session backing the adapter, or ""
func (a *Adapter) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

func (a *Adapter) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Initialize opens the engine session. Calling it on an initialized adapter
// returns the existing session.
func (a *Adapter) Initialize(ctx context.Context, headless bool) (string, error) {
	a.mu.Lock()
	if a.sessionID != "" && a.state != StateClosed {
		id := a.sessionID
		a.mu.Unlock()
		return id, nil
	}
	a.mu.Unlock()

	cfg := a.browserConfig(headless)
	id, err := a.engines.CreateSession(ctx, cfg, a.opts.Preference)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	a.sessionID = id
	a.state = StateReady
	a.mu.Unlock()

	a.logger.Debug().Str("platform", a.config.Name).Str("session_id", id).Msg("Platform adapter initialized")
	return id, nil
}

func (a *Adapter) browserConfig(headless bool) models.BrowserConfig {
	cfg := a.opts.Browser
	cfg.Headless = headless
	if cfg.Viewport == nil {
		cfg.Viewport = &models.Viewport{Width: defaultViewportWidth, Height: defaultViewportHeight}
	}
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = defaultTimeoutMs
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = defaultRetryAttempts
	}
	cfg.AntiDetection = !a.opts.DisableAntiDetection
	return cfg
}

func (a *Adapter) requireSession(operation string, allowed ...State) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sessionID == "" || a.state == StateUninitialized || a.state == StateClosed {
		return "", faults.New(faults.KindPrecondition, faults.CategorySystem,
			"%s: %s adapter is not initialized", operation, a.config.Name)
	}
	if len(allowed) == 0 {
		return a.sessionID, nil
	}
	for _, s := range allowed {
		if a.state == s {
			return a.sessionID, nil
		}
	}
	return "", faults.New(faults.KindPrecondition, faults.CategorySystem,
		"%s: %s adapter is %s", operation, a.config.Name, a.state)
}

// SubmitPrompt runs the submitPrompt workflow with {{prompt}} bound to text
func (a *Adapter) SubmitPrompt(ctx context.Context, text string) (models.Result, error) {
	if _, err := a.requireSession("submit prompt", StateReady, StateExtracted); err != nil {
		return models.Failed(err), err
	}
	if a.opts.Limiter != nil {
		if err := a.opts.Limiter.Wait(ctx); err != nil {
			return models.Failed(err), err
		}
	}

	a.setState(StateSubmitting)
	result, err := a.RunWorkflow(ctx, models.WorkflowSubmitPrompt, map[string]interface{}{"prompt": text})
	if err != nil || !result.Success {
		a.setState(StateReady)
		return result, err
	}
	a.setState(StateAwaitingCompletion)
	return result, nil
}

// RunWorkflow executes a named workflow. Step failures come back as a failed
// result of kind WorkflowStepFailed; only preconditions return an error.
func (a *Adapter) RunWorkflow(ctx context.Context, name string, params map[string]interface{}) (models.Result, error) {
	sessionID, err := a.requireSession("run workflow " + name)
	if err != nil {
		return models.Failed(err), err
	}
	workflow, ok := a.config.Workflows[name]
	if !ok {
		err := faults.New(faults.KindPrecondition, faults.CategorySystem, "platform %s has no workflow %q", a.config.Name, name)
		return models.Failed(err), err
	}

	scope := a.scope(params)
	if workflow.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(workflow.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	attempts := 1
	if a.opts.WorkflowRetries && workflow.RetryAttempts > 0 {
		attempts += workflow.RetryAttempts
	}

	var last models.Result
	for attempt := 1; attempt <= attempts; attempt++ {
		last = a.runSteps(ctx, sessionID, name, workflow.Steps, scope)
		if last.Success || ctx.Err() != nil {
			break
		}
		if attempt < attempts {
			a.logger.Warn().
				Str("platform", a.config.Name).
				Str("workflow", name).
				Int("attempt", attempt).
				Str("error", last.Error).
				Msg("Workflow failed, retrying")
		}
	}
	return last, nil
}

// scope is the interpolation context: caller params plus platform fields
func (a *Adapter) scope(params map[string]interface{}) map[string]interface{} {
	scope := make(map[string]interface{}, len(params)+1)
	for k, v := range params {
		scope[k] = v
	}
	if _, ok := scope["platform"]; !ok {
		scope["platform"] = map[string]interface{}{
			"name":     a.config.Name,
			"baseUrl":  a.config.BaseURL,
			"loginUrl": a.config.LoginURL,
		}
	}
	return scope
}

func (a *Adapter) runSteps(ctx context.Context, sessionID, workflow string, steps []models.WorkflowStep, scope map[string]interface{}) models.Result {
	extracted := make(map[string]any)
	for i, step := range steps {
		out, err := a.runStep(ctx, sessionID, step, scope)
		if err != nil {
			stepErr := faults.Wrap(err, faults.KindWorkflowStepFailed, faults.Categorize(err),
				"%s step %d (%s %s) failed", workflow, i+1, step.Action, step.Selector)
			return models.Failed(stepErr)
		}
		if out != nil {
			key := step.Selector
			if key == "" {
				key = fmt.Sprintf("step_%d", i+1)
			}
			extracted[key] = out
		}
	}
	return models.Succeeded(map[string]any{
		"workflow":  workflow,
		"steps":     len(steps),
		"extracted": extracted,
	})
}

func (a *Adapter) runStep(ctx context.Context, sessionID string, step models.WorkflowStep, scope map[string]interface{}) (any, error) {
	value := common.Interpolate(step.Value, scope, a.logger)
	timeout := time.Duration(step.TimeoutMs) * time.Millisecond

	var (
		op     models.Operation
		params = models.OperationParams{Selector: step.Selector, Timeout: timeout, HumanLike: step.HumanLike}
		output string
	)

	switch step.Action {
	case models.StepNavigate:
		op = models.OpNavigate
		params.URL = value
		if params.URL == "" {
			params.URL = a.config.BaseURL
		}
	case models.StepClick:
		op = models.OpClick
	case models.StepType:
		op = models.OpType
		params.Value = value
	case models.StepWaitForSelector:
		op = models.OpWaitForSelector
	case models.StepWait:
		if err := engine.Sleep(ctx, timeout); err != nil {
			return nil, err
		}
		return nil, nil
	case models.StepExtractText:
		op, output = models.OpExtractText, "text"
	case models.StepExtractAttribute:
		op, output = models.OpExtractAttribute, "value"
		params.Attribute = value
	case models.StepScreenshot:
		op, output = models.OpScreenshot, "image"
	case models.StepEvaluate:
		op, output = models.OpEvaluate, "value"
		params.Script = value
	default:
		return nil, faults.New(faults.KindPrecondition, faults.CategorySystem, "unknown step action %q", step.Action)
	}

	res, err := a.engines.ExecuteOperation(ctx, sessionID, op, params)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, res.Err()
	}

	if step.WaitFor != "" {
		waitRes, err := a.engines.ExecuteOperation(ctx, sessionID, models.OpWaitForSelector,
			models.OperationParams{Selector: step.WaitFor, Timeout: timeout})
		if err != nil {
			return nil, err
		}
		if !waitRes.Success {
			return nil, waitRes.Err()
		}
	}

	if step.HumanLike {
		if err := engine.Sleep(ctx, a.opts.Humanizer.StepPause()); err != nil {
			return nil, err
		}
	}

	if output == "" || res.Data == nil {
		return nil, nil
	}
	return res.Data[output], nil
}

// WaitForCompletion polls the loading indicator until it disappears, then
// fails if the platform shows an error message.
func (a *Adapter) WaitForCompletion(ctx context.Context, timeout time.Duration) (models.Result, error) {
	sessionID, err := a.requireSession("wait for completion", StateAwaitingCompletion, StateReady, StateExtracted)
	if err != nil {
		return models.Failed(err), err
	}

	start := a.opts.Now()
	deadline := start.Add(timeout)

	if loading := a.config.Selectors[models.SelectorLoadingIndicator]; loading != "" {
		for {
			visible, err := a.isVisible(ctx, sessionID, loading)
			if err != nil {
				return a.waitFailed(err), nil
			}
			if !visible {
				break
			}
			if timeout > 0 && !a.opts.Now().Before(deadline) {
				err := faults.New(faults.KindOperationTimeout, faults.CategoryAI,
					"%s still generating after %s", a.config.Name, timeout)
				return models.Failed(err), nil
			}
			if err := engine.Sleep(ctx, a.opts.PollInterval()); err != nil {
				return a.waitFailed(err), nil
			}
		}
	}

	if errSel := a.config.Selectors[models.SelectorErrorMessage]; errSel != "" {
		visible, err := a.isVisible(ctx, sessionID, errSel)
		if err != nil {
			return a.waitFailed(err), nil
		}
		if visible {
			message := "platform reported an error"
			res, err := a.engines.ExecuteOperation(ctx, sessionID, models.OpExtractText, models.OperationParams{Selector: errSel})
			if err == nil && res.Success && res.String("text") != "" {
				message = strings.TrimSpace(res.String("text"))
			}
			return models.Failed(faults.New(faults.KindWorkflowStepFailed, faults.CategoryAI, "%s: %s", a.config.Name, message)), nil
		}
	}

	a.setState(StateExtracted)
	return models.Succeeded(map[string]any{"waitedMs": a.opts.Now().Sub(start).Milliseconds()}), nil
}

func (a *Adapter) waitFailed(err error) models.Result {
	return models.Failed(faults.Wrap(err, faults.KindWorkflowStepFailed, faults.Categorize(err),
		"%s: wait for completion", a.config.Name))
}

func (a *Adapter) isVisible(ctx context.Context, sessionID, selector string) (bool, error) {
	res, err := a.engines.ExecuteOperation(ctx, sessionID, models.OpIsVisible, models.OperationParams{Selector: selector})
	if err != nil {
		return false, err
	}
	if !res.Success {
		return false, res.Err()
	}
	visible, _ := res.Data["visible"].(bool)
	return visible, nil
}

// ExtractResult reads the response area and the optional project URL, code
// block and preview frame. Optional fields use the first candidate selector
// that yields a value.
func (a *Adapter) ExtractResult(ctx context.Context) (models.Result, error) {
	sessionID, err := a.requireSession("extract result")
	if err != nil {
		return models.Failed(err), err
	}

	area := a.config.Selectors[models.SelectorResponseArea]
	if area == "" {
		err := faults.New(faults.KindPrecondition, faults.CategoryExtraction, "platform %s has no %s selector", a.config.Name, models.SelectorResponseArea)
		return models.Failed(err), err
	}

	if res, err := a.engines.ExecuteOperation(ctx, sessionID, models.OpWaitForSelector, models.OperationParams{Selector: area}); err != nil || !res.Success {
		return a.extractionFailed(res, err), nil
	}
	textRes, err := a.engines.ExecuteOperation(ctx, sessionID, models.OpExtractText, models.OperationParams{Selector: area})
	if err != nil || !textRes.Success {
		return a.extractionFailed(textRes, err), nil
	}
	response := strings.TrimSpace(textRes.String("text"))

	data := map[string]any{
		"platform": a.config.Name,
		"response": response,
		"tokens":   common.CountTokens(response),
	}

	html := a.lookup(ctx, sessionID, area, "innerHTML")
	if html != "" {
		data["html"] = html
		if a.config.Extraction.ResponseFormat == "markdown" {
			if markdown, err := md.NewConverter("", true, nil).ConvertString(html); err == nil {
				data["markdown"] = markdown
			} else {
				a.logger.Warn().Err(err).Str("platform", a.config.Name).Msg("Failed to convert response to markdown")
			}
		}
	}

	for _, sel := range a.config.Extraction.ProjectURL {
		if v := a.lookup(ctx, sessionID, sel, "href"); v != "" {
			data["projectUrl"] = v
			break
		}
	}
	if code := a.codeBlock(ctx, sessionID, html); code != "" {
		data["codeBlock"] = code
	}
	for _, sel := range a.config.Extraction.PreviewFrame {
		if v := a.lookup(ctx, sessionID, sel, "src"); v != "" {
			data["previewUrl"] = v
			break
		}
	}

	a.setState(StateExtracted)
	return models.Succeeded(data), nil
}

func (a *Adapter) extractionFailed(res models.Result, err error) models.Result {
	if err == nil {
		err = res.Err()
	}
	return models.Failed(faults.Wrap(err, faults.KindWorkflowStepFailed, faults.CategoryExtraction,
		"%s: extract response", a.config.Name))
}

// codeBlock looks for candidates inside the response HTML first, then page-wide
func (a *Adapter) codeBlock(ctx context.Context, sessionID, html string) string {
	candidates := a.config.Extraction.CodeBlock
	if len(candidates) == 0 {
		return ""
	}
	if html != "" {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(html)); err == nil {
			for _, sel := range candidates {
				if text := strings.TrimSpace(doc.Find(sel).First().Text()); text != "" {
					return text
				}
			}
		}
	}
	for _, sel := range candidates {
		if text := a.lookup(ctx, sessionID, sel, "textContent"); text != "" {
			return text
		}
	}
	return ""
}

// lookup reads an optional property through script evaluation, so a missing
// element yields "" instead of an engine failure.
func (a *Adapter) lookup(ctx context.Context, sessionID, selector, property string) string {
	res, err := a.engines.ExecuteOperation(ctx, sessionID, models.OpEvaluate, models.OperationParams{
		Script:  engine.PropertyScript(selector, property),
		Timeout: optionalLookupTimeout,
	})
	if err != nil || !res.Success {
		return ""
	}
	v, _ := res.Data["value"].(string)
	return strings.TrimSpace(v)
}

// Cleanup closes the session. Safe to call repeatedly.
func (a *Adapter) Cleanup(ctx context.Context) error {
	a.mu.Lock()
	id := a.sessionID
	a.sessionID = ""
	a.state = StateClosed
	a.mu.Unlock()

	if id == "" {
		return nil
	}
	return a.engines.CloseSession(ctx, id)
}

// CurrentURL returns the page's location, or "" when it cannot be read
func (a *Adapter) CurrentURL(ctx context.Context) string {
	sessionID, err := a.requireSession("current url")
	if err != nil {
		return ""
	}
	res, err := a.engines.ExecuteOperation(ctx, sessionID, models.OpEvaluate, models.OperationParams{
		Script:  "window.location.href",
		Timeout: optionalLookupTimeout,
	})
	if err != nil || !res.Success {
		return ""
	}
	v, _ := res.Data["value"].(string)
	return v
}
