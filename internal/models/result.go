package models

import (
	"github.com/ternarybob/promptrelay/internal/faults"
)

// Result is the {success, data, error} outcome surfaced to callers
type Result struct {
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorKind faults.Kind    `json:"errorKind,omitempty"`
	Recovered bool           `json:"recovered,omitempty"`
}

// Succeeded builds a successful result
func Succeeded(data map[string]any) Result {
	return Result{Success: true, Data: data}
}

// Failed builds a failed result from err
func Failed(err error) Result {
	if err == nil {
		return Result{Success: false, ErrorKind: faults.KindUnknown}
	}
	return Result{Success: false, Error: err.Error(), ErrorKind: faults.KindOf(err)}
}

// String returns Data[key] as a string, or "" when missing
func (r Result) String(key string) string {
	if r.Data == nil {
		return ""
	}
	if v, ok := r.Data[key].(string); ok {
		return v
	}
	return ""
}

// Err converts a failed result back into a tagged error
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	kind := r.ErrorKind
	if kind == "" {
		kind = faults.KindUnknown
	}
	return &faults.Error{Kind: kind, Category: faults.Categorize(&faults.Error{Message: r.Error}), Message: r.Error}
}
