package models

import "time"

// EngineKind names one of the two interchangeable browser engines
type EngineKind string

const (
	// EngineChromedp is "Engine A"
	EngineChromedp EngineKind = "chromedp"
	// EnginePlaywright is "Engine B"
	EnginePlaywright EngineKind = "playwright"
)

// Other returns the failover engine
func (k EngineKind) Other() EngineKind {
	if k == EnginePlaywright {
		return EngineChromedp
	}
	return EnginePlaywright
}

// Valid reports whether k names a known engine
func (k EngineKind) Valid() bool {
	return k == EngineChromedp || k == EnginePlaywright
}

// Viewport is the browser viewport size
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// BrowserConfig configures a launched browser
type BrowserConfig struct {
	Headless      bool      `json:"headless"`
	Viewport      *Viewport `json:"viewport,omitempty"`
	UserAgent     string    `json:"userAgent,omitempty"`
	TimeoutMs     int       `json:"timeoutMs"`
	RetryAttempts int       `json:"retryAttempts"`
	AntiDetection bool      `json:"antiDetection"`
	NoSandbox     bool      `json:"noSandbox,omitempty"`
	BlockPatterns []string  `json:"blockPatterns,omitempty"`
}

// Timeout returns the configured operation timeout
func (c BrowserConfig) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// EngineSwap records a failover of a session to the other engine
type EngineSwap struct {
	From      EngineKind `json:"from"`
	To        EngineKind `json:"to"`
	Operation Operation  `json:"operation"`
	At        time.Time  `json:"at"`
}

// Session is a live browser session tracked by the engine manager
type Session struct {
	ID             string       `json:"id"`
	Engine         EngineKind   `json:"engine"`
	BrowserKind    string       `json:"browserKind"`
	IsActive       bool         `json:"isActive"`
	CreatedAt      time.Time    `json:"createdAt"`
	LastActivityAt time.Time    `json:"lastActivityAt"`
	Failovers      []EngineSwap `json:"failovers,omitempty"`
}

// Operation is a primitive page operation
type Operation string

const (
	OpNavigate          Operation = "navigate"
	OpClick             Operation = "click"
	OpType              Operation = "type"
	OpWaitForSelector   Operation = "waitForSelector"
	OpWaitForHidden     Operation = "waitForHidden"
	OpIsVisible         Operation = "isVisible"
	OpExtractText       Operation = "extractText"
	OpExtractAttribute  Operation = "extractAttribute"
	OpScreenshot        Operation = "screenshot"
	OpEvaluate          Operation = "evaluate"
	OpSetViewport       Operation = "setViewport"
	OpInterceptRequests Operation = "interceptRequests"
)

// OperationParams carries the arguments of one operation
type OperationParams struct {
	URL       string        `json:"url,omitempty"`
	Selector  string        `json:"selector,omitempty"`
	Value     string        `json:"value,omitempty"`
	Attribute string        `json:"attribute,omitempty"`
	Script    string        `json:"script,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`
	HumanLike bool          `json:"humanLike,omitempty"`
	Viewport  *Viewport     `json:"viewport,omitempty"`
	Patterns  []string      `json:"patterns,omitempty"`
}
