package schema

import (
	"fmt"
	"strings"
)

// ValidationSeverity indicates whether an issue blocks publishing.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem found in a workflow graph. NodeID is set
// when the problem belongs to a single node, so an editor can highlight it.
type ValidationIssue struct {
	Path     string             `json:"path"`
	NodeID   string             `json:"node_id,omitempty"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult collects the issues of one graph check. Only errors
// block publishing.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether the graph may be published.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError records a graph-level error.
func (r *ValidationResult) AddError(path, code, message string) {
	r.AddNodeError("", path, code, message)
}

// AddWarning records a graph-level warning.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.AddNodeWarning("", path, code, message)
}

// AddNodeError records an error against nodeID.
func (r *ValidationResult) AddNodeError(nodeID, path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, NodeID: nodeID, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddNodeWarning records a warning against nodeID.
func (r *ValidationResult) AddNodeWarning(nodeID, path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, NodeID: nodeID, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Merge appends other's issues.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ByNode groups errors and warnings by node id. Graph-level issues are
// keyed by the empty string.
func (r *ValidationResult) ByNode() map[string][]ValidationIssue {
	out := make(map[string][]ValidationIssue)
	for _, list := range [][]ValidationIssue{r.Errors, r.Warnings} {
		for _, issue := range list {
			out[issue.NodeID] = append(out[issue.NodeID], issue)
		}
	}
	return out
}

// maxListedErrors bounds how many messages ToError spells out.
const maxListedErrors = 3

// ToError returns nil for a publishable graph, otherwise a VALIDATION
// NurtureError listing the first errors. A lone node error carries that
// node's id.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msgs := make([]string, 0, maxListedErrors)
	for i, issue := range r.Errors {
		if i == maxListedErrors {
			break
		}
		msgs = append(msgs, issue.Message)
	}
	msg := strings.Join(msgs, "; ")
	if extra := len(r.Errors) - len(msgs); extra > 0 {
		msg = fmt.Sprintf("%s (and %d more)", msg, extra)
	}

	err := NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
	if len(r.Errors) == 1 && r.Errors[0].NodeID != "" {
		err = err.WithNode(r.Errors[0].NodeID)
	}
	return err
}
