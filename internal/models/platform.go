package models

import "time"

// StepAction is a primitive a workflow step performs
type StepAction string

const (
	StepNavigate         StepAction = "navigate"
	StepClick            StepAction = "click"
	StepType             StepAction = "type"
	StepWaitForSelector  StepAction = "waitForSelector"
	StepWait             StepAction = "wait"
	StepExtractText      StepAction = "extractText"
	StepExtractAttribute StepAction = "extractAttribute"
	StepScreenshot       StepAction = "screenshot"
	StepEvaluate         StepAction = "evaluate"
)

// Well-known workflow names
const (
	WorkflowSubmitPrompt = "submitPrompt"
	WorkflowForkProject  = "forkProject"
)

// Well-known selector keys
const (
	SelectorLoadingIndicator = "loadingIndicator"
	SelectorErrorMessage     = "errorMessage"
	SelectorResponseArea     = "responseArea"
)

// WorkflowStep is immutable configuration for one workflow action.
// Value supports {{path.to.field}} interpolation.
type WorkflowStep struct {
	Action    StepAction `json:"action" toml:"action" yaml:"action" validate:"required,oneof=navigate click type waitForSelector wait extractText extractAttribute screenshot evaluate"`
	Selector  string     `json:"selector,omitempty" toml:"selector" yaml:"selector"`
	Value     string     `json:"value,omitempty" toml:"value" yaml:"value"`
	WaitFor   string     `json:"waitFor,omitempty" toml:"wait_for" yaml:"waitFor"`
	TimeoutMs int        `json:"timeoutMs,omitempty" toml:"timeout_ms" yaml:"timeoutMs" validate:"gte=0"`
	HumanLike bool       `json:"humanLike,omitempty" toml:"human_like" yaml:"humanLike"`
}

// PlatformWorkflow is an ordered list of steps for one logical operation
type PlatformWorkflow struct {
	Steps         []WorkflowStep `json:"steps" toml:"steps" yaml:"steps" validate:"required,min=1,dive"`
	TimeoutMs     int            `json:"timeoutMs" toml:"timeout_ms" yaml:"timeoutMs" validate:"gte=0"`
	RetryAttempts int            `json:"retryAttempts" toml:"retry_attempts" yaml:"retryAttempts" validate:"gte=0"`
}

// PlatformCapabilities are the static traits used by platform selection
type PlatformCapabilities struct {
	FullProject   bool    `json:"fullProject" toml:"full_project" yaml:"fullProject"`
	Components    bool    `json:"components" toml:"components" yaml:"components"`
	Forking       bool    `json:"forking" toml:"forking" yaml:"forking"`
	AvgResponseMs int     `json:"avgResponseMs" toml:"avg_response_ms" yaml:"avgResponseMs"`
	Reliability   float64 `json:"reliability" toml:"reliability" yaml:"reliability" validate:"gte=0,lte=1"`
}

// ExtractionConfig lists ordered selector candidates for optional result fields
type ExtractionConfig struct {
	ProjectURL     []string `json:"projectUrl,omitempty" toml:"project_url" yaml:"projectUrl"`
	CodeBlock      []string `json:"codeBlock,omitempty" toml:"code_block" yaml:"codeBlock"`
	PreviewFrame   []string `json:"previewFrame,omitempty" toml:"preview_frame" yaml:"previewFrame"`
	ResponseFormat string   `json:"responseFormat,omitempty" toml:"response_format" yaml:"responseFormat" validate:"omitempty,oneof=text markdown"`
}

// PlatformConfig is the static per-platform definition
type PlatformConfig struct {
	Name         string                      `json:"name" toml:"name" yaml:"name" validate:"required"`
	BaseURL      string                      `json:"baseUrl" toml:"base_url" yaml:"baseUrl" validate:"required,url"`
	LoginURL     string                      `json:"loginUrl,omitempty" toml:"login_url" yaml:"loginUrl" validate:"omitempty,url"`
	Selectors    map[string]string           `json:"selectors" toml:"selectors" yaml:"selectors"`
	Workflows    map[string]PlatformWorkflow `json:"workflows" toml:"workflows" yaml:"workflows" validate:"required,dive"`
	Capabilities PlatformCapabilities        `json:"capabilities" toml:"capabilities" yaml:"capabilities"`
	Extraction   ExtractionConfig            `json:"extraction" toml:"extraction" yaml:"extraction"`
}

// PlatformStatus is live telemetry for one platform
type PlatformStatus struct {
	Name           string               `json:"name"`
	IsAvailable    bool                 `json:"isAvailable"`
	LastCheckedAt  time.Time            `json:"lastCheckedAt"`
	ResponseTimeMs int64                `json:"responseTimeMs"`
	ErrorRate      float64              `json:"errorRate"`
	Executions     int                  `json:"executions"`
	Capabilities   PlatformCapabilities `json:"capabilities"`
}

// PlatformRequirements drive getOptimalPlatform
type PlatformRequirements struct {
	NeedsFullProject      bool `json:"needsFullProject"`
	NeedsComponents       bool `json:"needsComponents"`
	NeedsForking          bool `json:"needsForking"`
	PrioritizeSpeed       bool `json:"prioritizeSpeed"`
	PrioritizeReliability bool `json:"prioritizeReliability"`
}
