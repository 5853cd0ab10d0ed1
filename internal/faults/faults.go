// Package faults defines the error taxonomy shared by the engine, platform,
// recovery, queue and batch layers. Errors carry an explicit Kind (control
// flow) and Category (observability) assigned where they are created.
package faults

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies the failure class used for control-flow decisions.
type Kind string

const (
	KindSessionNotFound      Kind = "session_not_found"
	KindBothEnginesFailed    Kind = "both_engines_failed"
	KindWorkflowStepFailed   Kind = "workflow_step_failed"
	KindOperationTimeout     Kind = "operation_timeout"
	KindCircuitOpen          Kind = "circuit_open"
	KindPlatformIncompatible Kind = "platform_incompatible"
	KindJobTypeUnknown       Kind = "job_type_unknown"
	KindMaxRetriesExhausted  Kind = "max_retries_exhausted"
	KindPrecondition         Kind = "precondition"
	KindFallbackFailed       Kind = "fallback_failed"
	KindUnknown              Kind = "unknown"
)

// Category is the reporting bucket of an error.
type Category string

const (
	CategoryNetwork    Category = "network"
	CategoryBrowser    Category = "browser"
	CategoryAI         Category = "ai"
	CategoryExtraction Category = "extraction"
	CategoryAPI        Category = "api"
	CategorySystem     Category = "system"
)

// Sentinels for errors.Is matching against a Kind.
var (
	ErrSessionNotFound      = &Error{Kind: KindSessionNotFound}
	ErrBothEnginesFailed    = &Error{Kind: KindBothEnginesFailed}
	ErrWorkflowStepFailed   = &Error{Kind: KindWorkflowStepFailed}
	ErrOperationTimeout     = &Error{Kind: KindOperationTimeout}
	ErrCircuitOpen          = &Error{Kind: KindCircuitOpen}
	ErrPlatformIncompatible = &Error{Kind: KindPlatformIncompatible}
	ErrJobTypeUnknown       = &Error{Kind: KindJobTypeUnknown}
	ErrMaxRetriesExhausted  = &Error{Kind: KindMaxRetriesExhausted}
	ErrPrecondition         = &Error{Kind: KindPrecondition}
	ErrFallbackFailed       = &Error{Kind: KindFallbackFailed}
)

// Error is a tagged error.
type Error struct {
	Kind     Kind
	Category Category
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by Kind so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates a tagged error.
func New(kind Kind, category Category, format string, args ...any) *Error {
	return &Error{Kind: kind, Category: category, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags cause with a kind and category.
func Wrap(cause error, kind Kind, category Category, format string, args ...any) *Error {
	return &Error{Kind: kind, Category: category, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the kind of the first tagged error in the chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsFatal reports errors that must never be retried.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindPrecondition, KindJobTypeUnknown, KindPlatformIncompatible, KindBothEnginesFailed, KindFallbackFailed:
		return true
	}
	return false
}

// categoryHints maps message fragments of untagged third-party errors to a category.
// Order matters: the first matching group wins.
var categoryHints = []struct {
	category Category
	hints    []string
}{
	{CategoryNetwork, []string{"net::", "network", "connection", "econnreset", "econnrefused", "dns", "socket", "eof"}},
	{CategoryBrowser, []string{"browser", "target closed", "page", "selector", "navigation", "chrome", "playwright", "context canceled", "deadline exceeded", "timeout"}},
	{CategoryAI, []string{"model", "rate limit", "quota", "generation", "ai "}},
	{CategoryExtraction, []string{"extract", "parse", "no element", "empty"}},
	{CategoryAPI, []string{"status code", "http", "api", "unauthorized", "forbidden"}},
}

// Categorize returns the category carried by err, or derives one from the
// message for untagged third-party errors.
func Categorize(err error) Category {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Category != "" {
		return fe.Category
	}

	msg := strings.ToLower(err.Error())
	for _, group := range categoryHints {
		for _, hint := range group.hints {
			if strings.Contains(msg, hint) {
				return group.category
			}
		}
	}
	return CategorySystem
}
